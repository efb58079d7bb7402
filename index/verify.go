package index

import "fmt"

// VerifyReport is the result of VerifyIntegrity (spec §4.3.7).
type VerifyReport struct {
	AggregateMismatches []AggregateMismatch `json:"aggregate_mismatches,omitempty"`
	DualPresence        []string            `json:"dual_presence,omitempty"`
	EngineErrors        []string            `json:"engine_errors,omitempty"`
}

// AggregateMismatch records one directory whose stored aggregate columns
// disagree with the value recomputed from first principles.
type AggregateMismatch struct {
	Path       string `json:"path"`
	Field      string `json:"field"`
	Stored     int64  `json:"stored"`
	Recomputed int64  `json:"recomputed"`
}

func (r VerifyReport) OK() bool {
	return len(r.AggregateMismatches) == 0 && len(r.DualPresence) == 0 && len(r.EngineErrors) == 0
}

func (r VerifyReport) String() string {
	if r.OK() {
		return "integrity OK"
	}
	return fmt.Sprintf("integrity FAILED: %d aggregate mismatch(es), %d dual-presence path(s), %d engine error(s)",
		len(r.AggregateMismatches), len(r.DualPresence), len(r.EngineErrors))
}

// VerifyIntegrity recomputes every dir's aggregate columns with the same
// algorithm as the bulk post-pass (UpdateTreestats) and compares against
// the stored values without writing anything back, scans for paths present
// in both tables, and runs the engine's own PRAGMA integrity_check /
// foreign_key_check.
func (idx *Index) VerifyIntegrity() (VerifyReport, error) {
	var report VerifyReport

	recomputed, err := idx.recomputeTreestats()
	if err != nil {
		return report, err
	}
	if err := idx.IterAllDirInfos(OrderAny, func(d DirInfo) error {
		r := recomputed[d.Path]
		if r.numFilesTree != d.NumFilesTree {
			report.AggregateMismatches = append(report.AggregateMismatches, AggregateMismatch{
				d.Path, "num_files_tree", d.NumFilesTree, r.numFilesTree})
		}
		if r.sizeTree != d.SizeTree {
			report.AggregateMismatches = append(report.AggregateMismatches, AggregateMismatch{
				d.Path, "size_tree", d.SizeTree, r.sizeTree})
		}
		if r.numFiles != d.NumFiles {
			report.AggregateMismatches = append(report.AggregateMismatches, AggregateMismatch{
				d.Path, "num_files", d.NumFiles, r.numFiles})
		}
		if r.numSubdirs != d.NumSubdirs {
			report.AggregateMismatches = append(report.AggregateMismatches, AggregateMismatch{
				d.Path, "num_subdirs", d.NumSubdirs, r.numSubdirs})
		}
		return nil
	}); err != nil {
		return report, err
	}

	rows, err := idx.db.Query(`SELECT path FROM files WHERE path IN (SELECT path FROM dirs)`)
	if err != nil {
		return report, err
	}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return report, err
		}
		report.DualPresence = append(report.DualPresence, p)
	}
	rows.Close()

	if msg, err := idx.runSingleColumnPragma("PRAGMA integrity_check"); err != nil {
		report.EngineErrors = append(report.EngineErrors, err.Error())
	} else if msg != "" && msg != "ok" {
		report.EngineErrors = append(report.EngineErrors, msg)
	}
	if n, err := idx.countRows("PRAGMA foreign_key_check"); err != nil {
		report.EngineErrors = append(report.EngineErrors, err.Error())
	} else if n > 0 {
		report.EngineErrors = append(report.EngineErrors, fmt.Sprintf("%d foreign key violation(s)", n))
	}
	return report, nil
}

func (idx *Index) runSingleColumnPragma(pragma string) (string, error) {
	var msg string
	if err := idx.db.QueryRow(pragma).Scan(&msg); err != nil {
		return "", err
	}
	return msg, nil
}

func (idx *Index) countRows(query string) (int, error) {
	rows, err := idx.db.Query(query)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	n := 0
	for rows.Next() {
		n++
	}
	return n, rows.Err()
}

type treestats struct {
	numFiles, numSubdirs, numFilesTree, sizeTree int64
}

func (idx *Index) recomputeTreestats() (map[string]treestats, error) {
	out := map[string]treestats{}
	if err := idx.IterAllDirInfos(OrderAny, func(d DirInfo) error {
		out[d.Path] = treestats{}
		return nil
	}); err != nil {
		return nil, err
	}
	if err := idx.IterAllFileInfos(OrderAny, func(f FileInfo) error {
		for _, anc := range ancestorsInclusive(parentOf(f.Path)) {
			t := out[anc]
			t.numFilesTree++
			t.sizeTree += f.Size
			out[anc] = t
		}
		t := out[parentOf(f.Path)]
		t.numFiles++
		out[parentOf(f.Path)] = t
		return nil
	}); err != nil {
		return nil, err
	}
	if err := idx.IterAllDirInfos(OrderAny, func(d DirInfo) error {
		p := parentOf(d.Path)
		if d.Path == "" {
			return nil
		}
		t := out[p]
		t.numSubdirs++
		out[p] = t
		return nil
	}); err != nil {
		return nil, err
	}
	return out, nil
}

func parentOf(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[:i]
		}
	}
	return ""
}

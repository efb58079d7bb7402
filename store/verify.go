package store

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/isarandi/barecat/cos"
	"github.com/isarandi/barecat/index"
)

// CRCMismatch records one file whose stored CRC-32C disagrees with the
// bytes actually on disk.
type CRCMismatch struct {
	Path     string `json:"path"`
	Stored   uint32 `json:"stored"`
	Computed uint32 `json:"computed"`
}

// FullReport combines the Index's metadata-level integrity check with a
// CRC re-verification pass over file payloads (spec §4.4.1
// verify_integrity).
type FullReport struct {
	index.VerifyReport
	CRCMismatches []CRCMismatch `json:"crc_mismatches,omitempty"`
}

func (r FullReport) OK() bool {
	return r.VerifyReport.OK() && len(r.CRCMismatches) == 0
}

// JSON renders the report with json-iterator (matches the teacher's
// pervasive jsoniter usage for report/status structs across cmn/ais).
func (r FullReport) JSON() ([]byte, error) {
	return jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(r)
}

// VerifyIntegrity re-reads file payloads and recomputes CRC-32C, then runs
// the Index's own integrity pass. quick=true restricts the CRC pass to only
// the most recently inserted file (by rowid/insertion order), a cheap
// sanity check after a single write rather than a full archive scan.
func (s *Store) VerifyIntegrity(quick bool) (FullReport, error) {
	var report FullReport

	idxReport, err := s.idx.VerifyIntegrity()
	if err != nil {
		return report, err
	}
	report.VerifyReport = idxReport

	checkOne := func(fi index.FileInfo) error {
		if !fi.HasCRC {
			return nil
		}
		data, err := s.shards.ReadRange(fi.Shard, fi.Offset, fi.Size)
		if err != nil {
			return errors.Wrapf(err, "reading %s for integrity check", fi.Path)
		}
		if got := cos.CRC32C(data); got != fi.CRC32C {
			report.CRCMismatches = append(report.CRCMismatches, CRCMismatch{
				Path: fi.Path, Stored: fi.CRC32C, Computed: got})
		}
		return nil
	}

	if quick {
		var last index.FileInfo
		found := false
		if err := s.idx.IterAllFileInfos(index.OrderAny, func(fi index.FileInfo) error {
			last, found = fi, true
			return nil
		}); err != nil {
			return report, err
		}
		if found {
			if err := checkOne(last); err != nil {
				return report, err
			}
		}
	} else {
		if err := s.idx.IterAllFileInfos(index.OrderAddress, checkOne); err != nil {
			return report, err
		}
	}

	if !report.OK() {
		s.metrics.IntegrityFails.Inc()
	}
	return report, nil
}

// VerifyIntegrityPipelined is the pipelined-worker-pool variant named by
// spec §5 "Pipelined CRC verification": file records stream in address
// order to a fixed-size worker pool, each worker reads and CRCs one
// payload independently, and the result stream is consumed in submission
// order. Used for the full (non-quick) pass on large archives where a
// single goroutine's read+CRC loop would be the bottleneck.
func (s *Store) VerifyIntegrityPipelined(workers int) (FullReport, error) {
	var report FullReport
	idxReport, err := s.idx.VerifyIntegrity()
	if err != nil {
		return report, err
	}
	report.VerifyReport = idxReport
	if workers < 1 {
		workers = 1
	}

	type job struct {
		fi  index.FileInfo
		idx int
	}
	type result struct {
		idx  int
		mism *CRCMismatch
		err  error
	}

	var files []index.FileInfo
	if err := s.idx.IterAllFileInfos(index.OrderAddress, func(fi index.FileInfo) error {
		files = append(files, fi)
		return nil
	}); err != nil {
		return report, err
	}

	jobs := make(chan job, len(files))
	results := make(chan result, len(files))
	for w := 0; w < workers; w++ {
		go func() {
			for j := range jobs {
				if !j.fi.HasCRC {
					results <- result{idx: j.idx}
					continue
				}
				data, err := s.shards.ReadRange(j.fi.Shard, j.fi.Offset, j.fi.Size)
				if err != nil {
					results <- result{idx: j.idx, err: err}
					continue
				}
				if got := cos.CRC32C(data); got != j.fi.CRC32C {
					results <- result{idx: j.idx, mism: &CRCMismatch{
						Path: j.fi.Path, Stored: j.fi.CRC32C, Computed: got}}
					continue
				}
				results <- result{idx: j.idx}
			}
		}()
	}
	for i, fi := range files {
		jobs <- job{fi: fi, idx: i}
	}
	close(jobs)

	ordered := make([]*result, len(files))
	for range files {
		r := <-results
		ordered[r.idx] = &r
	}
	for _, r := range ordered {
		if r.err != nil {
			return report, r.err
		}
		if r.mism != nil {
			report.CRCMismatches = append(report.CRCMismatches, *r.mism)
		}
	}
	if !report.OK() {
		s.metrics.IntegrityFails.Inc()
	}
	return report, nil
}

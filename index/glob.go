package index

import (
	"path"
	"regexp"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// GlobOptions controls glob matching (spec §4.3.5).
type GlobOptions struct {
	Recursive     bool // enable "**" matching any number of segments
	IncludeHidden bool // match segments starting with "." under a wildcard
}

type compiledGlob struct {
	sqlPatterns []string // over-approximating LIKE/GLOB alternatives, ORed
	re          *regexp.Regexp
}

var globCache sync.Map // key: cacheKey -> *compiledGlob

type cacheKey struct {
	pattern string
	opts    GlobOptions
}

// compileGlob translates pattern once into (a) a small union of SQL GLOB
// patterns that may overmatch, and (b) a precise regex that rejects
// overmatches — spec §9 "Glob compilation: translate once, match many
// times", cached by (pattern, recursive, include_hidden).
func compileGlob(pattern string, opts GlobOptions) *compiledGlob {
	key := cacheKey{pattern, opts}
	if v, ok := globCache.Load(key); ok {
		return v.(*compiledGlob)
	}
	cg := &compiledGlob{
		sqlPatterns: sqlPatternsFor(pattern, opts),
		re:          regexp.MustCompile("^" + globToRegex(pattern, opts) + "$"),
	}
	globCache.Store(key, cg)
	return cg
}

// sqlPatternsFor expands "**" into the union of zero-segment,
// one-segment, and multi-segment alternatives so the SQL engine's index on
// `path` stays usable for the non-recursive prefix.
func sqlPatternsFor(pattern string, opts GlobOptions) []string {
	if !opts.Recursive || !strings.Contains(pattern, "**") {
		return []string{globPatternToSQLGlob(pattern)}
	}
	prefix, suffix, _ := strings.Cut(pattern, "**")
	prefix = strings.TrimSuffix(prefix, "/")
	suffix = strings.TrimPrefix(suffix, "/")
	zero := globPatternToSQLGlob(path.Join(prefix, suffix))
	// SQLite GLOB's * crosses '/', so a single pattern covers every
	// one-or-more-segment expansion; prefix "" means the ** is leading and
	// the pattern must not grow a slash prefix no archive path carries.
	oneOrMore := globPatternToSQLGlob(prefix) + "/*" + globPatternToSQLGlob(suffix)
	if prefix == "" {
		oneOrMore = "*" + globPatternToSQLGlob(suffix)
	}
	return []string{zero, oneOrMore}
}

func globPatternToSQLGlob(p string) string { return p } // glob syntax ~= SQLite GLOB syntax already

// globToRegex renders a precise regex equivalent of a POSIX glob pattern,
// honoring "**" (when recursive) and the hidden-segment rule: a literal
// wildcard does not match a segment starting with "." unless IncludeHidden.
func globToRegex(pattern string, opts GlobOptions) string {
	var b strings.Builder
	segStart := true
	i := 0
	for i < len(pattern) {
		c := pattern[i]
		switch {
		case opts.Recursive && strings.HasPrefix(pattern[i:], "**"):
			b.WriteString(`.*`)
			i += 2
			segStart = false
		case c == '*':
			if segStart && !opts.IncludeHidden {
				b.WriteString(`(?:[^./][^/]*)?`)
			} else {
				b.WriteString(`[^/]*`)
			}
			i++
			segStart = false
		case c == '?':
			b.WriteString(`[^/]`)
			i++
			segStart = false
		case c == '[':
			j := i + 1
			neg := false
			if j < len(pattern) && (pattern[j] == '!' || pattern[j] == '^') {
				neg = true
				j++
			}
			start := j
			for j < len(pattern) && pattern[j] != ']' {
				j++
			}
			cls := pattern[start:j]
			if neg {
				b.WriteString("[^" + regexp.QuoteMeta(cls) + "]")
			} else {
				b.WriteString("[" + regexp.QuoteMeta(cls) + "]")
			}
			i = j + 1
			segStart = false
		case c == '/':
			b.WriteString("/")
			i++
			segStart = true
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
			i++
			segStart = false
		}
	}
	return b.String()
}

// Glob returns every file path matching pattern.
func (idx *Index) Glob(pattern string, opts GlobOptions) ([]FileInfo, error) {
	return idx.queryAndFilter(compileGlob(pattern, opts))
}

// Rule is one rsync-style filter entry: '+' (include) or '-' (exclude)
// plus a glob pattern.
type Rule struct {
	Include bool
	Pattern string
}

func ruleOpts(pattern string) GlobOptions {
	return GlobOptions{Recursive: strings.Contains(pattern, "**"), IncludeHidden: true}
}

// IterGlobInfosInclExcl implements rsync-style filtering (spec §4.3.5,
// §4.6 "Filtered merge"): an ordered rule list applied first-match-wins; a
// file matching no rule falls through to defaultInclude. The SQL
// pre-filter is a single nested expression built inside out — includes
// overmatch (GLOB * crosses '/', fetching a superset), excludes narrow
// only when their GLOB rendering is exact (see sqlExcludePattern) — both
// safe directions; the precise per-rule regexes decide in Go.
func (idx *Index) IterGlobInfosInclExcl(rules []Rule, defaultInclude bool) ([]FileInfo, error) {
	if len(rules) == 0 {
		if !defaultInclude {
			return nil, nil
		}
		var out []FileInfo
		err := idx.IterAllFileInfos(OrderAny, func(fi FileInfo) error {
			out = append(out, fi)
			return nil
		})
		return out, err
	}

	expr, args := buildFilterSQL(rules, defaultInclude)
	rows, err := idx.db.Query(`SELECT `+fileCols+` FROM files WHERE `+expr, args...)
	if err != nil {
		return nil, errors.Wrap(err, "querying include/exclude candidates")
	}
	defer rows.Close()
	var out []FileInfo
	for rows.Next() {
		fi, err := scanFileInfo(rows)
		if err != nil {
			return nil, err
		}
		if firstMatchWins(fi.Path, rules, defaultInclude) {
			out = append(out, fi)
		}
	}
	return out, rows.Err()
}

// buildFilterSQL renders the nested first-match-wins pre-filter:
// GLOB inc1 OR (NOT exc1 AND (GLOB inc2 OR (... OR default))).
func buildFilterSQL(rules []Rule, defaultInclude bool) (string, []any) {
	expr := "0"
	if defaultInclude {
		expr = "1"
	}
	var args []any
	for i := len(rules) - 1; i >= 0; i-- {
		r := rules[i]
		if r.Include {
			pats := sqlPatternsFor(r.Pattern, ruleOpts(r.Pattern))
			clauses := make([]string, len(pats))
			inner := make([]any, len(pats))
			for j, p := range pats {
				clauses[j] = "path GLOB ?"
				inner[j] = p
			}
			expr = "(" + strings.Join(clauses, " OR ") + ") OR (" + expr + ")"
			args = append(inner, args...)
		} else {
			if r.Pattern == "**" {
				// excludes everything not matched by an earlier rule
				expr = "0"
				args = nil
				continue
			}
			pat, exact := sqlExcludePattern(r.Pattern)
			if !exact {
				continue // over-fetch; the regex pass excludes precisely
			}
			expr = "NOT (path GLOB ?) AND (" + expr + ")"
			args = append([]any{pat}, args...)
		}
	}
	return expr, args
}

// sqlExcludePattern renders an exclude pattern for SQL only when the GLOB
// rendering matches exactly the same path set as the precise regex: no
// wildcards, or wildcards that are all '**' (SQLite GLOB's '*' crosses
// '/', which is precisely what '**' means). A single '*', '?', or bracket
// class would overmatch under GLOB — excluding on it in SQL would drop
// rows a later include or the default should have kept.
func sqlExcludePattern(pattern string) (string, bool) {
	stripped := strings.ReplaceAll(pattern, "**", "")
	if strings.ContainsAny(stripped, "*?[") {
		return "", false
	}
	return strings.ReplaceAll(pattern, "**", "*"), true
}

func firstMatchWins(p string, rules []Rule, defaultInclude bool) bool {
	for _, r := range rules {
		if compileGlob(r.Pattern, ruleOpts(r.Pattern)).re.MatchString(p) {
			return r.Include
		}
	}
	return defaultInclude
}

func (idx *Index) queryCandidates(cg *compiledGlob) ([]FileInfo, error) {
	seen := map[string]FileInfo{}
	for _, pat := range cg.sqlPatterns {
		rows, err := idx.db.Query(`SELECT `+fileCols+` FROM files WHERE path GLOB ?`, pat)
		if err != nil {
			return nil, errors.Wrap(err, "querying glob candidates")
		}
		for rows.Next() {
			fi, err := scanFileInfo(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			seen[fi.Path] = fi
		}
		rows.Close()
	}
	out := make([]FileInfo, 0, len(seen))
	for _, fi := range seen {
		out = append(out, fi)
	}
	return out, nil
}

func (idx *Index) queryAndFilter(cg *compiledGlob) ([]FileInfo, error) {
	candidates, err := idx.queryCandidates(cg)
	if err != nil {
		return nil, err
	}
	out := candidates[:0]
	for _, fi := range candidates {
		if cg.re.MatchString(fi.Path) {
			out = append(out, fi)
		}
	}
	return out, nil
}

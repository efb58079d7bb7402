package index

// WithTriggersOff suspends trigger-based aggregate maintenance only for the
// duration of fn, restoring the prior setting afterward — the narrower
// sibling of BulkSession, used by merge's SQL-heavy dir/file inserts which
// recompute their own aggregate deltas by hand rather than via
// UpdateDirs+UpdateTreestats (spec §4.6 "no_triggers" context manager).
func (idx *Index) WithTriggersOff(fn func() error) error {
	prev := idx.useTriggers
	if err := idx.SetConfigInt("use_triggers", 0); err != nil {
		return err
	}
	idx.useTriggers = false
	defer func() {
		_ = idx.SetConfigInt("use_triggers", boolToInt(prev))
		idx.useTriggers = prev
	}()
	return fn()
}

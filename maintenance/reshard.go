package maintenance

import (
	"os"

	"github.com/pkg/errors"

	"github.com/isarandi/barecat/bcerr"
	"github.com/isarandi/barecat/blog"
	"github.com/isarandi/barecat/cos"
	"github.com/isarandi/barecat/index"
	"github.com/isarandi/barecat/shard"
	"github.com/isarandi/barecat/store"
)

// Reshard changes an archive's shard_size_limit, grounded on reshard()'s
// "shard0 stays in place, overflow spills to temp shards, temp shards are
// renamed into the final sequence at the end" algorithm: shard 0 is never
// copied away from, so an archive that shrinks its shard count (larger
// limit) or grows it (smaller limit) only ever moves the bytes that no
// longer fit where they are.
func Reshard(s *store.Store, targetShardSizeLimit int64) (Report, error) {
	var report Report
	if err := requireReadWrite(s, "reshard"); err != nil {
		return report, err
	}
	idx := s.Index()
	shards := s.Shards()

	maxSize, err := idx.MaxFileSize()
	if err != nil {
		return report, err
	}
	if targetShardSizeLimit != cos.ShardSizeUnlimited && maxSize > targetShardSizeLimit {
		return report, &bcerr.FileTooLarge{Size: maxSize, ShardSizeLimit: targetShardSizeLimit}
	}

	oldTotal, err := physicalSize(s)
	if err != nil {
		return report, err
	}

	tempBase := s.BasePath() + "_" + cos.GenShortID()
	tempFiles := map[int]*os.File{}
	openTempShard := func(localIdx int) (*os.File, error) {
		if f, ok := tempFiles[localIdx]; ok {
			return f, nil
		}
		f, err := os.OpenFile(shard.ShardFileName(tempBase, localIdx), os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, errors.Wrapf(err, "creating temp overflow shard %d", localIdx)
		}
		tempFiles[localIdx] = f
		return f, nil
	}
	cleanupTemp := func() {
		for _, f := range tempFiles {
			f.Close()
			os.Remove(f.Name())
		}
	}

	newShard := 0
	var newOffset int64
	prevSourceShard := 0
	var shard0FinalSize int64
	var relocs []index.Relocation

	finalizeSourceShardsUpTo := func(upTo int) error {
		for sIdx := prevSourceShard; sIdx < upTo; sIdx++ {
			if sIdx == 0 {
				if err := shards.Truncate(0, shard0FinalSize); err != nil {
					return err
				}
			} else {
				if err := shards.Truncate(sIdx, 0); err != nil {
					return err
				}
			}
		}
		return nil
	}

	walkErr := idx.IterAllFileInfos(index.OrderAddress, func(fi index.FileInfo) error {
		if fi.Shard > prevSourceShard {
			if err := finalizeSourceShardsUpTo(fi.Shard); err != nil {
				return err
			}
			prevSourceShard = fi.Shard
		}

		if targetShardSizeLimit != cos.ShardSizeUnlimited && newOffset+fi.Size > targetShardSizeLimit {
			if newShard == 0 {
				shard0FinalSize = newOffset
			}
			newShard++
			newOffset = 0
		}

		if newShard == 0 {
			if !(fi.Shard == 0 && fi.Offset == newOffset) {
				data, err := shards.ReadRange(fi.Shard, fi.Offset, fi.Size)
				if err != nil {
					return errors.Wrapf(err, "reading %s during reshard", fi.Path)
				}
				if _, err := shards.WriteAt(0, newOffset, data); err != nil {
					return errors.Wrapf(err, "writing %s during reshard", fi.Path)
				}
				relocs = append(relocs, index.Relocation{Path: fi.Path, Shard: 0, Offset: newOffset})
			}
			shard0FinalSize = newOffset + fi.Size
		} else {
			data, err := shards.ReadRange(fi.Shard, fi.Offset, fi.Size)
			if err != nil {
				return errors.Wrapf(err, "reading %s during reshard", fi.Path)
			}
			tf, err := openTempShard(newShard - 1)
			if err != nil {
				return err
			}
			if _, err := tf.WriteAt(data, newOffset); err != nil {
				return errors.Wrapf(err, "writing overflow shard for %s", fi.Path)
			}
			relocs = append(relocs, index.Relocation{Path: fi.Path, Shard: newShard, Offset: newOffset})
		}
		newOffset += fi.Size
		return nil
	})
	if walkErr != nil {
		cleanupTemp()
		return report, walkErr
	}

	if err := finalizeSourceShardsUpTo(shards.NumShards()); err != nil {
		cleanupTemp()
		return report, err
	}

	for i := shards.NumShards() - 1; i >= 1; i-- {
		if err := shards.DeleteShard(i); err != nil {
			cleanupTemp()
			return report, err
		}
	}

	maxTempIdx := -1
	for localIdx, f := range tempFiles {
		if err := f.Close(); err != nil {
			return report, err
		}
		if localIdx > maxTempIdx {
			maxTempIdx = localIdx
		}
	}
	for localIdx := 0; localIdx <= maxTempIdx; localIdx++ {
		finalName := shard.ShardFileName(s.BasePath(), localIdx+1)
		if err := os.Rename(shard.ShardFileName(tempBase, localIdx), finalName); err != nil {
			return report, errors.Wrapf(err, "renaming temp shard %d into place", localIdx)
		}
	}

	if err := idx.BulkRelocate(relocs); err != nil {
		return report, err
	}
	if err := idx.SetConfigInt("shard_size_limit", targetShardSizeLimit); err != nil {
		return report, err
	}
	if err := idx.RefreshShardSizeLimitCache(); err != nil {
		return report, err
	}
	if err := shards.Reopen(targetShardSizeLimit); err != nil {
		return report, err
	}

	report.BytesReclaimed, err = reclaimedSince(s, oldTotal)
	if err != nil {
		return report, err
	}
	s.Metrics().ReshardRuns.Inc()
	refreshGauges(s, "reshard")
	blog.Infof("reshard: new shard_size_limit=%s, %d bytes reclaimed", cos.FormatSize(targetShardSizeLimit), report.BytesReclaimed)
	return report, nil
}

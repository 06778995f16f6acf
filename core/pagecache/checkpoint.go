package pagecache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Crixalis2013/sled/core/storage_engine/common"
	"github.com/Crixalis2013/sled/core/write_engine/wal"
	"go.uber.org/zap"
)

// CheckpointStats describes a finished checkpoint.
type CheckpointStats struct {
	StableLSN wal.LSN
	Files     int
	Bytes     int64
}

// Checkpoint copies the cache into dst, which Open can recover like a crashed
// database. The copy holds every write that was stable when Checkpoint
// started, plus a prefix of those that followed within the same segment.
// Writers keep running. Segment and blob reclamation, and background
// snapshots, wait until the copy is done. rateBytes caps copy throughput;
// zero is unlimited.
func (pc *PageCache) Checkpoint(ctx context.Context, dst string, rateBytes int64) (CheckpointStats, error) {
	var stats CheckpointStats
	if err := pc.checkOpen(); err != nil {
		return stats, err
	}
	if abs, err := filepath.Abs(dst); err == nil {
		if own, _ := filepath.Abs(pc.cfg.Path); abs == own {
			return stats, fmt.Errorf("%w: checkpoint into the database directory", ErrInvalidConfig)
		}
	}
	if entries, err := os.ReadDir(dst); err == nil && len(entries) > 0 {
		return stats, fmt.Errorf("checkpoint directory %s is not empty", dst)
	}
	if err := os.MkdirAll(filepath.Join(dst, wal.BlobDirName), 0755); err != nil {
		return stats, fmt.Errorf("failed to create checkpoint directory %s: %w", dst, err)
	}

	// Nothing the snapshot references may be discarded or overwritten until
	// it is copied.
	pc.reclaimMu.Lock()
	defer pc.reclaimMu.Unlock()
	pc.snapshotMu.Lock()
	defer pc.snapshotMu.Unlock()

	stable, err := pc.log.Flush()
	if err != nil {
		return stats, err
	}
	snapPath, err := pc.takeSnapshotLocked()
	if err != nil {
		return stats, err
	}
	stats.StableLSN = stable

	limiter := common.NewLimiter(rateBytes)
	copyFile := func(src, to string) error {
		n, err := common.CopyThrottled(ctx, src, to, limiter, true)
		if err != nil {
			return fmt.Errorf("failed to copy %s: %w", src, err)
		}
		stats.Files++
		stats.Bytes += n
		return nil
	}

	if err := copyFile(snapPath, filepath.Join(dst, filepath.Base(snapPath))); err != nil {
		return stats, err
	}
	// The data file goes before the blobs: a record only reaches it after
	// its blob is complete.
	if err := copyFile(filepath.Join(pc.cfg.Path, wal.DataFileName), filepath.Join(dst, wal.DataFileName)); err != nil {
		return stats, err
	}
	// Segments started after the flush may have been copied while an
	// earlier one was still being written; keep the log a prefix.
	dropped, err := wal.DiscardFrom(dst, pc.cfg.SegmentSize, stable)
	if err != nil {
		return stats, err
	}
	blobs, err := os.ReadDir(filepath.Join(pc.cfg.Path, wal.BlobDirName))
	if err != nil {
		return stats, fmt.Errorf("failed to list blobs: %w", err)
	}
	for _, b := range blobs {
		src := filepath.Join(pc.cfg.Path, wal.BlobDirName, b.Name())
		if err := copyFile(src, filepath.Join(dst, wal.BlobDirName, b.Name())); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return stats, err
		}
	}
	if err := syncDir(filepath.Join(dst, wal.BlobDirName)); err != nil {
		return stats, err
	}
	if err := syncDir(dst); err != nil {
		return stats, err
	}

	pc.logger.Info("checkpoint written",
		zap.String("dst", dst),
		zap.Int64("stable_lsn", int64(stable)),
		zap.Int("files", stats.Files),
		zap.Int("dropped_segments", dropped),
		zap.Int64("bytes", stats.Bytes),
	)
	return stats, nil
}

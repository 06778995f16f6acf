package pagecache

import (
	"fmt"
	"time"

	"github.com/Crixalis2013/sled/core/write_engine/wal"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Config holds the tunables of a PageCache. The database layer fills it from
// its own yaml configuration.
type Config struct {
	// Path is the directory holding the data file, blobs and snapshots.
	Path string
	// SegmentSize is the fixed size of a log segment in bytes.
	SegmentSize int
	// FlushEvery is the interval of the background flusher; zero disables it.
	FlushEvery time.Duration
	// SnapshotAfterOps triggers a snapshot after this many logged records;
	// zero disables snapshots.
	SnapshotAfterOps uint64
	// SegmentCleanupThreshold is the live fraction below which an inactive
	// segment is compacted.
	SegmentCleanupThreshold float64
	// CompactionInterval is how often the compactor looks for candidates;
	// zero disables it.
	CompactionInterval time.Duration
	// CompactionRateBytes bounds relocation throughput in bytes per second.
	CompactionRateBytes int
	// CacheCapacity bounds the memory held by fragment chains; colder pages
	// are read back from the log on use. Zero keeps every page resident.
	CacheCapacity int64

	Logger *zap.Logger
	Meter  metric.Meter
}

// minimum segment size that holds MinimumItemsPerSegment records of the
// largest inline payload.
const minSegmentSize = 256

func (c *Config) validate() error {
	if c.Path == "" {
		return fmt.Errorf("%w: path must be set", ErrInvalidConfig)
	}
	if c.SegmentSize < minSegmentSize {
		return fmt.Errorf("%w: segment size %d is below %d", ErrInvalidConfig, c.SegmentSize, minSegmentSize)
	}
	if c.SegmentSize/wal.MinimumItemsPerSegment < wal.MaxMsgHeaderLen {
		return fmt.Errorf("%w: segment size %d cannot hold %d items", ErrInvalidConfig, c.SegmentSize, wal.MinimumItemsPerSegment)
	}
	if c.SegmentCleanupThreshold < 0 || c.SegmentCleanupThreshold >= 1 {
		return fmt.Errorf("%w: segment cleanup threshold %.2f must be in [0, 1)", ErrInvalidConfig, c.SegmentCleanupThreshold)
	}
	if c.CacheCapacity < 0 {
		return fmt.Errorf("%w: cache capacity must not be negative", ErrInvalidConfig)
	}
	if c.CompactionRateBytes < 0 {
		return fmt.Errorf("%w: compaction rate must not be negative", ErrInvalidConfig)
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return nil
}

package db

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Crixalis2013/sled/pkg/logger"
	"github.com/Crixalis2013/sled/pkg/telemetry"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned by Validate and Open for unusable settings.
var ErrInvalidConfig = errors.New("invalid database config")

// Config holds everything needed to open a Db. The zero value is not usable;
// start from DefaultConfig or LoadConfig.
type Config struct {
	// Path is the directory of the database. Ignored when Temporary is set.
	Path string `yaml:"path"`
	// Temporary opens the database in a fresh directory that Close removes.
	Temporary bool `yaml:"temporary"`
	// SegmentSize is the size of a log segment in bytes.
	SegmentSize int `yaml:"segment_size"`
	// FlushEveryMs is the background flush interval. nil means never.
	FlushEveryMs *int64 `yaml:"flush_every_ms"`
	// SnapshotAfterOps takes a snapshot after this many logged records.
	SnapshotAfterOps uint64 `yaml:"snapshot_after_ops"`
	// SegmentCleanupThreshold is the live fraction below which a segment
	// gets compacted.
	SegmentCleanupThreshold float64 `yaml:"segment_cleanup_threshold"`
	// CompactionIntervalMs is how often the compactor runs. Zero disables it.
	CompactionIntervalMs int64 `yaml:"compaction_interval_ms"`
	// CompactionRateBytes caps compaction throughput. Zero is unlimited.
	CompactionRateBytes int `yaml:"compaction_rate_bytes"`
	// CacheCapacityBytes bounds the page fragments held in memory. Zero
	// keeps every page resident.
	CacheCapacityBytes int64 `yaml:"cache_capacity_bytes"`

	Logging   logger.Config    `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`

	// Runtime dependencies, never read from yaml.
	Logger *zap.Logger  `yaml:"-"`
	Meter  metric.Meter `yaml:"-"`
	Tracer trace.Tracer `yaml:"-"`
}

// DefaultConfig returns the settings used when nothing else is specified.
func DefaultConfig() Config {
	flush := int64(500)
	return Config{
		Path:                    "default.sled",
		SegmentSize:             8 << 20,
		FlushEveryMs:            &flush,
		SnapshotAfterOps:        1_000_000,
		SegmentCleanupThreshold: 0.4,
		CompactionIntervalMs:    10_000,
		Logging:                 logger.Config{Level: "info", Format: "json", OutputFile: "stderr"},
		Telemetry:               telemetry.Config{ServiceName: "sled", PrometheusPort: 9464, TraceSampleRatio: 1},
	}
}

func (c Config) WithPath(path string) Config {
	c.Path = path
	return c
}

func (c Config) WithTemporary(temporary bool) Config {
	c.Temporary = temporary
	return c
}

func (c Config) WithSegmentSize(size int) Config {
	c.SegmentSize = size
	return c
}

// WithFlushEveryMs sets the flush interval; nil disables background flushes.
func (c Config) WithFlushEveryMs(ms *int64) Config {
	c.FlushEveryMs = ms
	return c
}

func (c Config) WithSnapshotAfterOps(ops uint64) Config {
	c.SnapshotAfterOps = ops
	return c
}

func (c Config) WithSegmentCleanupThreshold(threshold float64) Config {
	c.SegmentCleanupThreshold = threshold
	return c
}

func (c Config) WithCompaction(intervalMs int64, rateBytes int) Config {
	c.CompactionIntervalMs = intervalMs
	c.CompactionRateBytes = rateBytes
	return c
}

func (c Config) WithCacheCapacity(bytes int64) Config {
	c.CacheCapacityBytes = bytes
	return c
}

func (c Config) WithLogger(l *zap.Logger) Config {
	c.Logger = l
	return c
}

func (c Config) WithMeter(m metric.Meter) Config {
	c.Meter = m
	return c
}

func (c Config) WithTracer(t trace.Tracer) Config {
	c.Tracer = t
	return c
}

// Validate reports the first unusable setting.
func (c Config) Validate() error {
	if c.Path == "" && !c.Temporary {
		return fmt.Errorf("%w: path is required unless temporary", ErrInvalidConfig)
	}
	if c.SegmentSize <= 0 {
		return fmt.Errorf("%w: segment_size must be positive", ErrInvalidConfig)
	}
	if c.FlushEveryMs != nil && *c.FlushEveryMs <= 0 {
		return fmt.Errorf("%w: flush_every_ms must be positive, omit it to never flush", ErrInvalidConfig)
	}
	if c.CacheCapacityBytes < 0 {
		return fmt.Errorf("%w: cache_capacity_bytes must not be negative", ErrInvalidConfig)
	}
	if c.CompactionIntervalMs < 0 {
		return fmt.Errorf("%w: compaction_interval_ms must not be negative", ErrInvalidConfig)
	}
	if c.SegmentCleanupThreshold < 0 || c.SegmentCleanupThreshold >= 1 {
		return fmt.Errorf("%w: segment_cleanup_threshold must be in [0, 1)", ErrInvalidConfig)
	}
	return nil
}

func (c Config) flushInterval() time.Duration {
	if c.FlushEveryMs == nil {
		return 0
	}
	return time.Duration(*c.FlushEveryMs) * time.Millisecond
}

// LoadConfig reads a yaml file over DefaultConfig. Keys missing from the file
// keep their defaults; an explicit `flush_every_ms: null` disables flushing.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Package db opens a database directory and hands out its trees.
package db

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/Crixalis2013/sled/core/pagecache"
	"github.com/Crixalis2013/sled/core/tree"
	"github.com/Crixalis2013/sled/pkg/datastructs/shardedmap"
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultTreeName is the tree behind the Db's own key-value methods.
const DefaultTreeName = "__sled__default"

// ErrClosed is returned by calls on a closed Db.
var ErrClosed = errors.New("database is closed")

// Db is an open database. Its embedded Tree is the default tree, so
// db.Insert and friends act on it directly.
type Db struct {
	*tree.Tree

	cfg    Config
	dir    string
	logger *zap.Logger
	pc     *pagecache.PageCache
	ctx    *tree.Context
	trees  *shardedmap.Map[string, *tree.Tree]
	closed atomic.Bool
}

// Open opens the database described by cfg, recovering whatever is on disk.
func Open(cfg Config) (*Db, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dir := cfg.Path
	if cfg.Temporary {
		dir = filepath.Join(os.TempDir(), "sled-"+uuid.NewString())
	}

	pc, err := pagecache.Open(pagecache.Config{
		Path:                    dir,
		SegmentSize:             cfg.SegmentSize,
		FlushEvery:              cfg.flushInterval(),
		SnapshotAfterOps:        cfg.SnapshotAfterOps,
		SegmentCleanupThreshold: cfg.SegmentCleanupThreshold,
		CompactionInterval:      time.Duration(cfg.CompactionIntervalMs) * time.Millisecond,
		CompactionRateBytes:     cfg.CompactionRateBytes,
		CacheCapacity:           cfg.CacheCapacityBytes,
		Logger:                  logger,
		Meter:                   cfg.Meter,
	})
	if err != nil {
		if cfg.Temporary {
			os.RemoveAll(dir)
		}
		return nil, fmt.Errorf("failed to open database at %s: %w", dir, err)
	}

	d := &Db{
		cfg:    cfg,
		dir:    dir,
		logger: logger.Named("db"),
		pc:     pc,
		ctx:    &tree.Context{PageCache: pc, Logger: logger.Named("tree"), Tracer: cfg.Tracer},
		trees:  shardedmap.New[string, *tree.Tree](16, xxhash.Sum64String),
	}
	def, err := d.OpenTree([]byte(DefaultTreeName))
	if err != nil {
		return nil, errors.Join(err, d.shutdown())
	}
	d.Tree = def
	d.logger.Info("database opened", zap.String("path", dir), zap.Bool("temporary", cfg.Temporary))
	return d, nil
}

// Path returns the directory the database lives in.
func (d *Db) Path() string { return d.dir }

// OpenTree returns the tree called name, creating it if needed. Repeated
// calls return the same handle.
func (d *Db) OpenTree(name []byte) (*tree.Tree, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	return d.trees.GetOrCreate(string(name), func() (*tree.Tree, error) {
		guard := d.pc.Pin()
		defer guard.Unpin()
		return tree.Open(d.ctx, name, guard)
	})
}

// TreeNames lists every tree registered in the database, including the
// default one.
func (d *Db) TreeNames() ([][]byte, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	guard := d.pc.Pin()
	defer guard.Unpin()
	return d.pc.TreeNames(guard)
}

// Flush makes every completed write durable and returns the number of bytes
// written.
func (d *Db) Flush() (int, error) {
	if d.closed.Load() {
		return 0, ErrClosed
	}
	return d.pc.Flush()
}

// SizeOnDisk returns the bytes used by the database directory.
func (d *Db) SizeOnDisk() (int64, error) {
	return d.pc.SizeOnDisk()
}

// Compact relocates live pages out of sparse segments.
func (d *Db) Compact(ctx context.Context) (int, error) {
	if d.closed.Load() {
		return 0, ErrClosed
	}
	return d.pc.Compact(ctx)
}

// Checkpoint writes a recoverable copy of the database into dir while
// writes continue. rateBytes caps the copy throughput; zero is unlimited.
func (d *Db) Checkpoint(ctx context.Context, dir string, rateBytes int64) (pagecache.CheckpointStats, error) {
	if d.closed.Load() {
		return pagecache.CheckpointStats{}, ErrClosed
	}
	return d.pc.Checkpoint(ctx, dir, rateBytes)
}

// Stats returns page cache statistics.
func (d *Db) Stats() pagecache.Stats { return d.pc.Stats() }

// LostBootstrapRaces returns how many tree creations lost to a concurrent
// opener.
func (d *Db) LostBootstrapRaces() int64 { return d.ctx.LostRaces() }

// Close closes every subscriber, flushes and closes the page cache. A
// temporary database is deleted.
func (d *Db) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	var g errgroup.Group
	d.trees.Do(func(_ string, t *tree.Tree) {
		g.Go(func() error {
			t.Close()
			return nil
		})
	})
	g.Wait()
	return d.shutdown()
}

func (d *Db) shutdown() error {
	d.closed.Store(true)
	err := d.pc.Close()
	if d.cfg.Temporary {
		if rmErr := os.RemoveAll(d.dir); rmErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to remove temporary database %s: %w", d.dir, rmErr))
		}
	}
	d.logger.Info("database closed", zap.String("path", d.dir))
	return err
}

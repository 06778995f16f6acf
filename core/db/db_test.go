package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/Crixalis2013/sled/core/write_engine/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func tempConfig(t *testing.T) Config {
	return DefaultConfig().
		WithTemporary(true).
		WithFlushEveryMs(nil).
		WithCompaction(0, 0).
		WithLogger(zaptest.NewLogger(t))
}

func TestDb_EmptyKeyOverwritesDoNotLeakSpace(t *testing.T) {
	cfg := tempConfig(t).
		WithSegmentSize(2048).
		WithSnapshotAfterOps(100_000_000)
	d, err := Open(cfg)
	require.NoError(t, err)
	defer d.Close()

	for i := 0; i < 10_000; i++ {
		_, err := d.Insert([]byte{}, []byte{})
		require.NoError(t, err)
	}
	_, err = d.Flush()
	require.NoError(t, err)

	size, err := d.SizeOnDisk()
	require.NoError(t, err)
	assert.LessOrEqual(t, size, int64(16384), "stats: %+v", d.Stats())

	v, ok, err := d.Get([]byte{})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, v)
}

func TestDb_SpaceAmplificationIsBounded(t *testing.T) {
	d, err := Open(tempConfig(t).WithSegmentSize(4096))
	require.NoError(t, err)
	defer d.Close()

	var logical int64
	for i := 0; i < 2000; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		value := []byte(fmt.Sprintf("value-%026d", i))
		_, err := d.Insert(key, value)
		require.NoError(t, err)
		logical += int64(len(key) + len(value))
	}
	_, err = d.Flush()
	require.NoError(t, err)

	size, err := d.SizeOnDisk()
	require.NoError(t, err)
	ratio := float64(size) / float64(logical)
	assert.LessOrEqual(t, ratio, float64(wal.MaxSpaceAmplification), "on disk %d, logical %d", size, logical)

	n, err := d.Len()
	require.NoError(t, err)
	assert.Equal(t, 2000, n)
}

func TestDb_OpenTreeReturnsSameHandle(t *testing.T) {
	d, err := Open(tempConfig(t).WithSegmentSize(4096))
	require.NoError(t, err)
	defer d.Close()

	a, err := d.OpenTree([]byte("users"))
	require.NoError(t, err)
	b, err := d.OpenTree([]byte("users"))
	require.NoError(t, err)
	assert.Same(t, a, b)

	other, err := d.OpenTree([]byte("orders"))
	require.NoError(t, err)
	assert.NotEqual(t, a.Root(), other.Root())
	assert.NotEqual(t, d.Root(), a.Root())

	names, err := d.TreeNames()
	require.NoError(t, err)
	assert.ElementsMatch(t, [][]byte{[]byte(DefaultTreeName), []byte("orders"), []byte("users")}, names)
}

func TestDb_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := tempConfig(t).WithTemporary(false).WithPath(dir).WithSegmentSize(4096)

	d, err := Open(cfg)
	require.NoError(t, err)
	users, err := d.OpenTree([]byte("users"))
	require.NoError(t, err)
	_, err = users.Insert([]byte("alice"), []byte("1"))
	require.NoError(t, err)
	_, err = d.Insert([]byte("k"), []byte("v"))
	require.NoError(t, err)
	root := users.Root()
	require.NoError(t, d.Close())

	d, err = Open(cfg)
	require.NoError(t, err)
	defer d.Close()

	users, err = d.OpenTree([]byte("users"))
	require.NoError(t, err)
	assert.Equal(t, root, users.Root())
	v, ok, err := users.Get([]byte("alice"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("1"), v)

	v, ok, err = d.Get([]byte("k"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)
}

func TestDb_TemporaryDirectoryIsRemoved(t *testing.T) {
	d, err := Open(tempConfig(t).WithSegmentSize(4096))
	require.NoError(t, err)
	dir := d.Path()
	_, err = os.Stat(dir)
	require.NoError(t, err)

	require.NoError(t, d.Close())
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))

	_, err = d.OpenTree([]byte("late"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, d.Close())
}

func TestConfig_Validate(t *testing.T) {
	zero := int64(0)
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"defaults", DefaultConfig(), true},
		{"temporary without path", DefaultConfig().WithPath("").WithTemporary(true), true},
		{"no path", DefaultConfig().WithPath(""), false},
		{"zero segment", DefaultConfig().WithSegmentSize(0), false},
		{"zero flush interval", DefaultConfig().WithFlushEveryMs(&zero), false},
		{"never flush", DefaultConfig().WithFlushEveryMs(nil), true},
		{"threshold of one", DefaultConfig().WithSegmentCleanupThreshold(1), false},
		{"negative compaction interval", DefaultConfig().WithCompaction(-1, 0), false},
		{"negative cache capacity", DefaultConfig().WithCacheCapacity(-1), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sled.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
path: /var/lib/sled
segment_size: 4096
flush_every_ms: null
snapshot_after_ops: 100
logging:
  level: debug
  format: console
telemetry:
  enabled: true
  prometheus_port: 9100
`), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/sled", cfg.Path)
	assert.Equal(t, 4096, cfg.SegmentSize)
	assert.Nil(t, cfg.FlushEveryMs)
	assert.Equal(t, uint64(100), cfg.SnapshotAfterOps)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, 9100, cfg.Telemetry.PrometheusPort)
	assert.Equal(t, "sled", cfg.Telemetry.ServiceName, "unset keys keep their defaults")
	assert.Equal(t, DefaultConfig().SegmentCleanupThreshold, cfg.SegmentCleanupThreshold)

	require.NoError(t, os.WriteFile(path, []byte("segment_size: -1\n"), 0644))
	_, err = LoadConfig(path)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestDb_SmallCacheServesAllKeys(t *testing.T) {
	d, err := Open(tempConfig(t).WithSegmentSize(4096).WithCacheCapacity(2048))
	require.NoError(t, err)
	defer d.Close()

	trees := make([]string, 8)
	for i := range trees {
		trees[i] = fmt.Sprintf("tree-%d", i)
		tr, err := d.OpenTree([]byte(trees[i]))
		require.NoError(t, err)
		for j := 0; j < 20; j++ {
			_, err := tr.Insert([]byte(fmt.Sprintf("k-%02d", j)), []byte(trees[i]))
			require.NoError(t, err)
		}
	}
	for _, name := range trees {
		tr, err := d.OpenTree([]byte(name))
		require.NoError(t, err)
		v, ok, err := tr.Get([]byte("k-07"))
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, []byte(name), v)
	}
	assert.Less(t, d.Stats().ResidentPages, len(trees)*2)
}

func TestDb_CheckpointOpensAsDatabase(t *testing.T) {
	d, err := Open(tempConfig(t).WithSegmentSize(4096))
	require.NoError(t, err)
	defer d.Close()

	users, err := d.OpenTree([]byte("users"))
	require.NoError(t, err)
	for i := 0; i < 300; i++ {
		_, err := users.Insert([]byte(fmt.Sprintf("user-%03d", i)), []byte("x"))
		require.NoError(t, err)
	}

	dir := filepath.Join(t.TempDir(), "backup")
	_, err = d.Checkpoint(context.Background(), dir, 0)
	require.NoError(t, err)

	cp, err := Open(tempConfig(t).WithTemporary(false).WithPath(dir).WithSegmentSize(4096))
	require.NoError(t, err)
	defer cp.Close()
	restored, err := cp.OpenTree([]byte("users"))
	require.NoError(t, err)
	n, err := restored.Len()
	require.NoError(t, err)
	assert.Equal(t, 300, n)
}

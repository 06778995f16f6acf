package common

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyThrottled(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	data := bytes.Repeat([]byte("sled"), 3*chunkSize/4+17)
	require.NoError(t, os.WriteFile(src, data, 0644))

	dst := filepath.Join(dir, "dst")
	n, err := CopyThrottled(context.Background(), src, dst, NewLimiter(0), true)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestCopyThrottled_HonoursContext(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	require.NoError(t, os.WriteFile(src, make([]byte, 3*chunkSize), 0644))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	// One chunk per minute: the second chunk cannot be granted in time.
	_, err := CopyThrottled(ctx, src, filepath.Join(dir, "dst"), NewLimiter(chunkSize/60), false)
	assert.Error(t, err)
}

func TestCopyThrottled_MissingSource(t *testing.T) {
	dir := t.TempDir()
	_, err := CopyThrottled(context.Background(), filepath.Join(dir, "nope"), filepath.Join(dir, "dst"), NewLimiter(0), false)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

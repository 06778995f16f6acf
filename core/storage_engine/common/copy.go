// Package common holds file helpers shared by the storage layers.
package common

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/time/rate"
)

// chunkSize: size of each read/write chunk
const chunkSize = 1 << 20

var bufPool = sync.Pool{
	New: func() any { return make([]byte, chunkSize) },
}

// ErrVerifyFailed is returned when a copied file does not hash to what was
// read from the source.
var ErrVerifyFailed = errors.New("copy verification failed")

// NewLimiter returns a limiter for CopyThrottled; zero or less is unlimited.
func NewLimiter(bytesPerSec int64) *rate.Limiter {
	if bytesPerSec <= 0 {
		return rate.NewLimiter(rate.Inf, chunkSize)
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), chunkSize)
}

// CopyThrottled copies srcPath to dstPath in chunks no faster than limiter
// allows and fsyncs the result. The source is read up to the EOF seen while
// copying, so a file still being appended is copied as a prefix. With verify
// the destination is re-read and compared against the sha256 of the bytes
// read. It returns the number of bytes copied.
func CopyThrottled(ctx context.Context, srcPath, dstPath string, limiter *rate.Limiter, verify bool) (int64, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return 0, fmt.Errorf("open src: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return 0, fmt.Errorf("open dst: %w", err)
	}
	defer dst.Close()

	buf := bufPool.Get().([]byte)
	defer bufPool.Put(buf)

	sum := sha256.New()
	var off int64
	for {
		n, rerr := src.ReadAt(buf[:chunkSize], off)
		if n > 0 {
			if err := limiter.WaitN(ctx, n); err != nil {
				return off, fmt.Errorf("rate limiter error: %w", err)
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				return off, fmt.Errorf("write error: %w", err)
			}
			if verify {
				sum.Write(buf[:n])
			}
			off += int64(n)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return off, fmt.Errorf("read error: %w", rerr)
		}
	}

	if err := dst.Sync(); err != nil {
		return off, fmt.Errorf("sync error: %w", err)
	}
	if verify {
		if err := verifyFile(dstPath, sum.Sum(nil)); err != nil {
			return off, err
		}
	}
	return off, nil
}

func verifyFile(path string, want []byte) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open for verify: %w", err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("read for verify: %w", err)
	}
	if got := h.Sum(nil); !bytes.Equal(got, want) {
		return fmt.Errorf("%w: %s has sha256 %x, copied %x", ErrVerifyFailed, path, got, want)
	}
	return nil
}

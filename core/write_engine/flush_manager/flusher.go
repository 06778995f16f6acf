// Package flushmanager runs the background goroutine that makes recent
// writes durable on a fixed interval.
package flushmanager

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// FlushFunc makes everything written so far durable and returns the number
// of bytes it wrote.
type FlushFunc func() (int, error)

// Flusher calls a FlushFunc every interval until stopped, and once more on
// Stop.
type Flusher struct {
	flush    FlushFunc
	interval time.Duration
	logger   *zap.Logger

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	runs     atomic.Int64
	failures atomic.Int64
}

// NewFlusher starts a flusher. It returns nil when interval is not positive,
// which disables periodic flushing; a nil *Flusher is safe to Stop.
func NewFlusher(flush FlushFunc, interval time.Duration, logger *zap.Logger) *Flusher {
	if interval <= 0 {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Flusher{
		flush:    flush,
		interval: interval,
		logger:   logger.Named("flusher"),
		stopChan: make(chan struct{}),
	}
	f.wg.Add(1)
	go f.run()
	f.logger.Info("flusher started", zap.Duration("interval", interval))
	return f
}

func (f *Flusher) run() {
	defer f.wg.Done()
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopChan:
			// Final flush before exiting.
			f.flushOnce()
			f.logger.Info("flusher stopped", zap.Int64("runs", f.runs.Load()))
			return
		case <-ticker.C:
			f.flushOnce()
		}
	}
}

func (f *Flusher) flushOnce() {
	written, err := f.flush()
	f.runs.Add(1)
	if err != nil {
		f.failures.Add(1)
		f.logger.Error("periodic flush failed", zap.Error(err))
		return
	}
	if written > 0 {
		f.logger.Debug("periodic flush", zap.Int("bytes", written))
	}
}

// Runs returns how many flushes have been attempted.
func (f *Flusher) Runs() int64 {
	if f == nil {
		return 0
	}
	return f.runs.Load()
}

// Failures returns how many flushes returned an error.
func (f *Flusher) Failures() int64 {
	if f == nil {
		return 0
	}
	return f.failures.Load()
}

// Stop signals the goroutine, waits for its final flush and returns.
func (f *Flusher) Stop() {
	if f == nil {
		return
	}
	f.stopOnce.Do(func() { close(f.stopChan) })
	f.wg.Wait()
}

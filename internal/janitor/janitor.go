// Package janitor runs periodic sweeps of expired records.
package janitor

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sweeper removes records that expired before now.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// SweepFunc adapts a function to Sweeper.
type SweepFunc func(ctx context.Context, now time.Time) (int, error)

func (f SweepFunc) Sweep(ctx context.Context, now time.Time) (int, error) { return f(ctx, now) }

// Janitor calls each registered Sweeper on a fixed interval until Stop.
type Janitor struct {
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	sweepers map[string]Sweeper

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	done      chan struct{}
}

// New returns a Janitor that sweeps every interval, bounding each sweep by
// timeout.
func New(interval, timeout time.Duration, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		interval: interval,
		timeout:  timeout,
		logger:   logger.With("component", "janitor"),
		now:      time.Now,
		sweepers: make(map[string]Sweeper),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Register adds a named sweeper.
func (j *Janitor) Register(name string, s Sweeper) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.sweepers[name] = s
}

// Start launches the background loop. Calling Start more than once has no
// effect.
func (j *Janitor) Start() {
	j.startOnce.Do(func() { go j.loop() })
}

// Stop ends the loop and waits for an in-flight sweep to finish.
func (j *Janitor) Stop() {
	j.stopOnce.Do(func() {
		close(j.stopCh)
		// A janitor that never started has no loop to close done.
		j.startOnce.Do(func() { close(j.done) })
		<-j.done
	})
}

func (j *Janitor) loop() {
	defer close(j.done)
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-j.stopCh:
			return
		case <-ticker.C:
			j.RunOnce(context.Background())
		}
	}
}

// RunOnce sweeps every registered sweeper once.
func (j *Janitor) RunOnce(ctx context.Context) {
	j.mu.Lock()
	sweepers := make(map[string]Sweeper, len(j.sweepers))
	for name, s := range j.sweepers {
		sweepers[name] = s
	}
	j.mu.Unlock()

	for name, s := range sweepers {
		sctx, cancel := context.WithTimeout(ctx, j.timeout)
		n, err := s.Sweep(sctx, j.now())
		cancel()
		if err != nil {
			j.logger.Warn("sweep failed", "sweeper", name, "error", err)
			continue
		}
		if n > 0 {
			j.logger.Debug("sweep removed records", "sweeper", name, "removed", n)
		}
	}
}

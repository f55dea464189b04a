package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Loop runs a function on a fixed interval in the background.
// Start and Stop are idempotent; Stop waits for an in-flight run to finish.
type Loop struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context)
	logger   *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewLoop(name string, interval time.Duration, fn func(ctx context.Context), logger *zap.Logger) *Loop {
	return &Loop{
		name:     name,
		interval: interval,
		fn:       fn,
		logger:   logger,
	}
}

// Start launches the loop; it reports false when the loop was already running
func (l *Loop) Start(ctx context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cancel != nil {
		return false
	}

	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})

	go l.run(ctx, l.done)

	l.logger.Info("loop started",
		zap.String("loop", l.name),
		zap.Duration("interval", l.interval),
	)
	return true
}

// Stop halts the loop and blocks until the current run, if any, returns
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	l.logger.Info("loop stopped", zap.String("loop", l.name))
}

// Running reports whether the loop has been started and not stopped
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancel != nil
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// a stop request lets the current batch complete
			l.fn(context.WithoutCancel(ctx))
		}
	}
}

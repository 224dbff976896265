package event

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/life-stream-dev/treemq/internal/logger"
)

type Callable interface {
	Invoke(ctx context.Context) error
}

// CallableFunc adapts a plain function to Callable.
type CallableFunc func(ctx context.Context) error

func (f CallableFunc) Invoke(ctx context.Context) error {
	return f(ctx)
}

// Cleaner runs registered shutdown hooks once, in registration order, each
// under its own timeout.
type Cleaner struct {
	cleaners  []Callable
	mu        sync.Mutex
	cleanOnce sync.Once
	cleaning  bool
	timeout   time.Duration
	err       error
}

func NewCleaner() *Cleaner {
	return &Cleaner{timeout: 10 * time.Second}
}

func (c *Cleaner) Add(callable Callable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cleaning {
		logger.Debug("Cleaner is already shutting down, ignoring new cleaner")
		return
	}
	c.cleaners = append(c.cleaners, callable)
}

// Clean invokes every cleaner. Later calls return the first call's result.
func (c *Cleaner) Clean() error {
	c.cleanOnce.Do(func() {
		c.mu.Lock()
		c.cleaning = true
		cleanersCopy := make([]Callable, len(c.cleaners))
		copy(cleanersCopy, c.cleaners)
		c.mu.Unlock()

		logger.DebugF("Starting cleanup of %d registered functions", len(cleanersCopy))

		var errs []error
		for i, callable := range cleanersCopy {
			func(idx int, cb Callable) {
				logger.DebugF("Invoking cleaner #%d (%T)", idx+1, cb)
				timeoutCtx, cancelFunc := context.WithTimeout(context.Background(), c.timeout)
				defer cancelFunc()
				if err := cb.Invoke(timeoutCtx); err != nil {
					logger.ErrorF("Cleaner #%d (%T) failed: %v", idx+1, cb, err)
					errs = append(errs, err)
				}
			}(i, callable)
		}

		if len(errs) > 0 {
			logger.ErrorF("%d errors occurred during cleanup", len(errs))
		} else {
			logger.Debug("All cleaners executed successfully")
		}
		c.err = errors.Join(errs...)
	})
	return c.err
}

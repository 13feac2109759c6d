package event

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/life-stream-dev/life-stream-go-device-relay/internal/logger"
)

const cleanerTimeout = 10 * time.Second

type Callable interface {
	Invoke(ctx context.Context) error
}

// CallableFunc adapts a plain function to Callable.
type CallableFunc func(ctx context.Context) error

func (f CallableFunc) Invoke(ctx context.Context) error {
	return f(ctx)
}

// Cleaner runs the registered shutdown callbacks once, in reverse order of
// registration, then flushes the logger.
type Cleaner struct {
	cleaners       []Callable
	mu             sync.Mutex
	initOnce       sync.Once
	shutdownOnce   sync.Once
	cleaning       bool
	loggerShutdown Callable
	done           chan struct{}
	err            error
}

var cleanerInstance = newCleaner()

func newCleaner() *Cleaner {
	return &Cleaner{done: make(chan struct{})}
}

func NewCleaner() *Cleaner {
	return cleanerInstance
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

// Init installs the signal handler. loggerShutdown runs after every other cleaner.
func (c *Cleaner) Init(loggerShutdown Callable) {
	c.initOnce.Do(func() {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

		c.mu.Lock()
		c.loggerShutdown = loggerShutdown
		c.mu.Unlock()

		go func() {
			select {
			case <-ctx.Done():
				logger.Info("Received interrupt signal, shutting down")
			case <-c.done:
			}
			stop()
			_ = c.Shutdown()
		}()
	})
}

// Shutdown runs the cleanup sequence. Later calls return the first result.
func (c *Cleaner) Shutdown() error {
	c.shutdownOnce.Do(func() {
		c.mu.Lock()
		c.cleaning = true
		cleanersCopy := make([]Callable, len(c.cleaners))
		copy(cleanersCopy, c.cleaners)
		loggerShutdown := c.loggerShutdown
		c.mu.Unlock()

		logger.DebugF("Starting cleanup of %d registered functions", len(cleanersCopy))

		var errs []error
		for i := len(cleanersCopy) - 1; i >= 0; i-- {
			if err := invoke(i, cleanersCopy[i]); err != nil {
				errs = append(errs, err)
			}
		}

		if len(errs) > 0 {
			logger.ErrorF("%d errors occurred during cleanup", len(errs))
			for i, err := range errs {
				logger.ErrorF("Error %d: %v", i+1, err)
			}
		} else {
			logger.Debug("All cleaners executed successfully")
		}
		logger.Info("Cleanup finished, server offline")

		if loggerShutdown != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			if err := loggerShutdown.Invoke(shutdownCtx); err != nil {
				_, _ = fmt.Fprintf(os.Stderr, "LOGGER SHUTDOWN ERROR: %v\n", err)
			}
			cancel()
		}

		c.err = errors.Join(errs...)
		close(c.done)
	})
	<-c.done
	return c.err
}

// Done is closed once Shutdown has finished.
func (c *Cleaner) Done() <-chan struct{} {
	return c.done
}

func invoke(idx int, callable Callable) error {
	logger.DebugF("Invoking cleaner #%d (%T)", idx+1, callable)
	ctx, cancel := context.WithTimeout(context.Background(), cleanerTimeout)
	defer cancel()
	if err := callable.Invoke(ctx); err != nil {
		logger.ErrorF("Cleaner #%d (%T) failed: %v", idx+1, callable, err)
		return err
	}
	return nil
}

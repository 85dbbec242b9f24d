package main

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"resultd/internal/logging"
)

type shutdownPhase struct {
	name string
	stop func(context.Context) error
}

// shutdownCoordinator runs named teardown phases in registration order,
// once. A failing phase does not prevent later ones.
type shutdownCoordinator struct {
	logger *logging.Logger
	once   sync.Once
	phases []shutdownPhase
}

func newShutdownCoordinator(logger *logging.Logger) *shutdownCoordinator {
	return &shutdownCoordinator{logger: logger}
}

func (c *shutdownCoordinator) Add(name string, stop func(context.Context) error) {
	if c == nil || stop == nil {
		return
	}
	c.phases = append(c.phases, shutdownPhase{name: name, stop: stop})
}

func (c *shutdownCoordinator) Run(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var runErr error
	c.once.Do(func() {
		for _, phase := range c.phases {
			started := time.Now()
			err := phase.stop(ctx)
			if err != nil {
				runErr = errors.Join(runErr, err)
				c.warn("shutdown phase failed", map[string]string{
					"phase": phase.name,
					"error": err.Error(),
				})
				continue
			}
			if c.logger != nil {
				c.logger.Debug("shutdown phase done", map[string]string{
					"phase":    phase.name,
					"duration": time.Since(started).String(),
				})
			}
		}
	})
	return runErr
}

func (c *shutdownCoordinator) warn(message string, fields map[string]string) {
	if c.logger != nil {
		c.logger.Warn(message, fields)
	}
}

// watchShutdownSignals cancels on the first signal and logs one notice for
// repeats. The returned func stops the watcher.
func watchShutdownSignals(logger *logging.Logger, cancel context.CancelFunc, signals <-chan os.Signal) func() {
	if signals == nil {
		return func() {}
	}
	done := make(chan struct{})
	var started atomic.Bool
	var repeated atomic.Bool

	go func() {
		for {
			select {
			case <-done:
				return
			case sig, ok := <-signals:
				if !ok {
					return
				}
				fields := map[string]string{}
				if sig != nil {
					fields["signal"] = sig.String()
				}
				if started.CompareAndSwap(false, true) {
					if logger != nil {
						logger.Info("shutdown signal received", fields)
					}
					if cancel != nil {
						cancel()
					}
					continue
				}
				if repeated.CompareAndSwap(false, true) && logger != nil {
					logger.Info("shutdown already in progress; ignoring signal", fields)
				}
			}
		}
	}()

	var stopOnce sync.Once
	return func() {
		stopOnce.Do(func() { close(done) })
	}
}

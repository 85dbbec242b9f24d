package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"resultd/internal/logging"
)

// ManagedServer is one listener the runner starts and later shuts down.
type ManagedServer struct {
	Name     string
	Serve    func() error
	Shutdown func(context.Context) error
}

type ServerRunner struct {
	Logger          *logging.Logger
	ShutdownTimeout time.Duration
}

type serverError struct {
	name string
	err  error
}

// Run serves until stop ends or any server returns, then shuts every server
// down within ShutdownTimeout. It returns the first server error, if any.
func (runner *ServerRunner) Run(stop context.Context, servers ...ManagedServer) *serverError {
	results := make(chan serverError, len(servers))
	started := 0
	for _, server := range servers {
		if server.Serve == nil {
			continue
		}
		started++
		go func(server ManagedServer) {
			results <- serverError{name: server.Name, err: server.Serve()}
		}(server)
	}
	if started == 0 {
		return nil
	}

	var first *serverError
	select {
	case result := <-results:
		first = &result
		started--
	case <-stop.Done():
	}
	runner.logServerError(first)

	timeout := runner.timeout()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for _, server := range servers {
		if server.Shutdown == nil {
			continue
		}
		if err := server.Shutdown(shutdownCtx); err != nil && runner.Logger != nil {
			runner.Logger.Warn("server shutdown failed", map[string]string{
				"server": server.Name,
				"error":  err.Error(),
			})
		}
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for ; started > 0; started-- {
		select {
		case result := <-results:
			runner.logServerError(&result)
		case <-deadline.C:
			return first
		}
	}
	return first
}

func (runner *ServerRunner) timeout() time.Duration {
	if runner.ShutdownTimeout <= 0 {
		return httpServerShutdownTimeout
	}
	return runner.ShutdownTimeout
}

func (runner *ServerRunner) logServerError(result *serverError) {
	if runner == nil || runner.Logger == nil || result == nil || result.err == nil {
		return
	}
	if errors.Is(result.err, http.ErrServerClosed) {
		return
	}
	runner.Logger.Error("server stopped", map[string]string{
		"server": result.name,
		"error":  result.err.Error(),
	})
}

package main

import (
	"context"
	"errors"
	"os"
	"reflect"
	"testing"
	"time"
)

func TestShutdownCoordinatorRunsInOrder(t *testing.T) {
	coordinator := newShutdownCoordinator(nil)
	order := []string{}

	coordinator.Add("first", func(context.Context) error {
		order = append(order, "first")
		return nil
	})
	coordinator.Add("second", func(context.Context) error {
		order = append(order, "second")
		return errors.New("fail")
	})
	coordinator.Add("third", func(context.Context) error {
		order = append(order, "third")
		return nil
	})

	if err := coordinator.Run(context.Background()); err == nil {
		t.Fatalf("expected shutdown error")
	}
	expected := []string{"first", "second", "third"}
	if !reflect.DeepEqual(order, expected) {
		t.Fatalf("expected order %v, got %v", expected, order)
	}

	if err := coordinator.Run(context.Background()); err != nil {
		t.Fatalf("expected second run to be a no-op, got %v", err)
	}
	if len(order) != 3 {
		t.Fatalf("expected phases to run once, got %v", order)
	}
}

func TestWatchShutdownSignalsCancelsOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	signals := make(chan os.Signal, 2)
	stop := watchShutdownSignals(nil, cancel, signals)
	defer stop()

	signals <- os.Interrupt
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatalf("expected cancel on signal")
	}
	signals <- os.Interrupt
	stop()
	stop()
}

func TestRunExitsEarlyForInformationalFlags(t *testing.T) {
	if code := run([]string{"--help"}); code != 0 {
		t.Fatalf("expected exit 0 for help, got %d", code)
	}
	if code := run([]string{"--version"}); code != 0 {
		t.Fatalf("expected exit 0 for version, got %d", code)
	}
	if code := run([]string{"--port", "nope"}); code != 1 {
		t.Fatalf("expected exit 1 for bad flag, got %d", code)
	}
}

package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestDispatcherPreservesOrder(t *testing.T) {
	d := NewDispatcher(4, newLogger())
	d.Start()
	defer d.Stop()

	ctx := context.Background()
	var got []int
	for i := 0; i < 50; i++ {
		if err := d.Post(ctx, func() { got = append(got, i) }); err != nil {
			t.Fatalf("post %d: %v", i, err)
		}
	}
	var n int
	if err := d.Do(ctx, func() error { n = len(got); return nil }); err != nil {
		t.Fatalf("do: %v", err)
	}
	if n != 50 {
		t.Fatalf("expected 50 operations before Do, got %d", n)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("operation %d ran out of order (%d)", i, v)
		}
	}
}

func TestDispatcherDoReturnsError(t *testing.T) {
	d := NewDispatcher(1, newLogger())
	d.Start()
	defer d.Stop()
	want := errors.New("boom")
	if err := d.Do(context.Background(), func() error { return want }); !errors.Is(err, want) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestDispatcherSurvivesPanic(t *testing.T) {
	d := NewDispatcher(1, newLogger())
	d.Start()
	defer d.Stop()
	ctx := context.Background()
	err := d.Do(ctx, func() error {
		var m map[string]int
		m["x"] = 1
		return nil
	})
	if !errors.Is(err, ErrPanicked) {
		t.Fatalf("expected ErrPanicked, got %v", err)
	}
	if err := d.Post(ctx, func() { panic("posted") }); err != nil {
		t.Fatalf("post: %v", err)
	}
	if err := d.Do(ctx, func() error { return nil }); err != nil {
		t.Fatalf("dispatcher stopped working after panic: %v", err)
	}
}

func TestDispatcherStopped(t *testing.T) {
	d := NewDispatcher(1, newLogger())
	d.Start()
	d.Stop()
	d.Stop()
	if err := d.Do(context.Background(), func() error { return nil }); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if err := d.Post(context.Background(), func() {}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestDispatcherStopWithoutStart(t *testing.T) {
	d := NewDispatcher(1, newLogger())
	d.Stop()
}

func TestDispatcherDoHonoursContext(t *testing.T) {
	d := NewDispatcher(1, newLogger())
	// Not started: the queue fills and Do must give up on cancellation.
	defer d.Stop()
	if err := d.Post(context.Background(), func() {}); err != nil {
		t.Fatalf("post: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Do(ctx, func() error { return nil }); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
}

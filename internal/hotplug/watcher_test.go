package hotplug

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/loqalabs/loqa-audio/internal/card"
	"github.com/loqalabs/loqa-audio/internal/server"
	"github.com/loqalabs/loqa-audio/internal/systemstate"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestCardIndex(t *testing.T) {
	cases := map[string]int{
		"controlC0":          0,
		"/dev/snd/controlC3": 3,
		"controlC12":         12,
	}
	for name, want := range cases {
		got, ok := CardIndex(name)
		if !ok || got != want {
			t.Fatalf("%s: expected %d, got %d %v", name, want, got, ok)
		}
	}
	for _, name := range []string{"pcmC0D0p", "controlC", "controlCx", "timer", "controlC-1"} {
		if _, ok := CardIndex(name); ok {
			t.Fatalf("%s should not parse", name)
		}
	}
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
}

func waitCards(t *testing.T, disp *server.Dispatcher, state *systemstate.State, want []int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		var got []int
		_ = disp.Do(context.Background(), func() error {
			got = state.CardIndexes()
			return nil
		})
		if slices.Equal(got, want) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected cards %v, got %v", want, got)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWatcherFollowsControlNodes(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "controlC0"))
	touch(t, filepath.Join(dir, "pcmC0D0p"))

	disp := server.NewDispatcher(16, newLogger())
	disp.Start()
	defer disp.Stop()
	state := systemstate.New(card.Placeholder{}, newLogger())

	w, err := Start(context.Background(), dir, state, disp, newLogger())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Close()
	waitCards(t, disp, state, []int{0})

	touch(t, filepath.Join(dir, "controlC2"))
	waitCards(t, disp, state, []int{0, 2})

	if err := os.Remove(filepath.Join(dir, "controlC0")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	waitCards(t, disp, state, []int{2})
}

func TestWatcherSkipsCardsThatFailToOpen(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "controlC0"))
	touch(t, filepath.Join(dir, "controlC1"))

	disp := server.NewDispatcher(16, newLogger())
	disp.Start()
	defer disp.Stop()
	factory := systemstate.CardFactoryFunc(func(index int) (systemstate.Card, error) {
		if index == 1 {
			return nil, errors.New("card busy")
		}
		return card.Placeholder{}.Create(index)
	})
	state := systemstate.New(factory, newLogger())

	w, err := Start(context.Background(), dir, state, disp, newLogger())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Close()
	waitCards(t, disp, state, []int{0})

	touch(t, filepath.Join(dir, "controlC3"))
	waitCards(t, disp, state, []int{0, 3})
}

func TestStartMissingDir(t *testing.T) {
	disp := server.NewDispatcher(1, newLogger())
	state := systemstate.New(card.Placeholder{}, newLogger())
	if _, err := Start(context.Background(), filepath.Join(t.TempDir(), "absent"), state, disp, newLogger()); err == nil {
		t.Fatalf("expected missing directory to fail")
	}
	disp.Stop()
}

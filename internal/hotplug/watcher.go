// Package hotplug follows ALSA control nodes and keeps the card registry in
// step with the cards present on the host.
package hotplug

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/loqalabs/loqa-audio/internal/errcode"
	"github.com/loqalabs/loqa-audio/internal/systemstate"
)

const controlPrefix = "controlC"

// Registry is the subset of the system state the watcher drives.
type Registry interface {
	AddCard(index int) error
	RemoveCard(index int) error
	Card(index int) systemstate.Card
}

// Runner executes work on the goroutine that owns the Registry.
type Runner interface {
	Post(ctx context.Context, fn func()) error
}

type Watcher struct {
	dir     string
	cards   Registry
	runner  Runner
	log     *slog.Logger
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// CardIndex parses the card number out of a control node name such as
// "controlC1".
func CardIndex(name string) (int, bool) {
	rest, ok := strings.CutPrefix(filepath.Base(name), controlPrefix)
	if !ok || rest == "" {
		return 0, false
	}
	idx, err := strconv.Atoi(rest)
	if err != nil || idx < 0 {
		return 0, false
	}
	return idx, true
}

// Start adds every card already present under dir, then follows creations and
// removals until Close.
func Start(ctx context.Context, dir string, cards Registry, runner Runner, logger *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		dir:     dir,
		cards:   cards,
		runner:  runner,
		log:     logger.With(slog.String("component", "hotplug")),
		watcher: fw,
		cancel:  cancel,
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	for _, e := range entries {
		if idx, ok := CardIndex(e.Name()); ok {
			w.post(ctx, idx, true)
		}
	}

	w.wg.Add(1)
	go w.run(ctx)
	w.log.Info("watching for sound cards", slog.String("dir", dir))
	return w, nil
}

func (w *Watcher) run(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			idx, ok := CardIndex(event.Name)
			if !ok {
				continue
			}
			switch {
			case event.Op&fsnotify.Create == fsnotify.Create:
				w.post(ctx, idx, true)
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				w.post(ctx, idx, false)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) post(ctx context.Context, idx int, present bool) {
	err := w.runner.Post(ctx, func() {
		if present {
			if w.cards.Card(idx) != nil {
				return
			}
			if err := w.cards.AddCard(idx); err != nil {
				w.log.Warn("failed to add card", slog.Int("card", idx), slog.String("error", err.Error()))
				return
			}
			w.log.Info("card added", slog.Int("card", idx))
			return
		}
		if err := w.cards.RemoveCard(idx); err != nil {
			if !errors.Is(err, errcode.ErrNotFound) {
				w.log.Warn("failed to remove card", slog.Int("card", idx), slog.String("error", err.Error()))
			}
			return
		}
		w.log.Info("card removed", slog.Int("card", idx))
	})
	if err != nil && ctx.Err() == nil {
		w.log.Warn("dropping card event", slog.Int("card", idx), slog.String("error", err.Error()))
	}
}

// Close stops watching. Events already posted still run.
func (w *Watcher) Close() {
	w.cancel()
	_ = w.watcher.Close()
	w.wg.Wait()
}

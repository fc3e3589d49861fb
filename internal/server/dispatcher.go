package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// ErrStopped is returned for work submitted after the dispatcher stopped.
var ErrStopped = errors.New("dispatcher stopped")

// ErrPanicked wraps a panic recovered from an operation.
var ErrPanicked = errors.New("control operation panicked")

// slowOp is the duration above which an operation is logged.
const slowOp = 50 * time.Millisecond

type op struct {
	fn     func() error
	result chan error
}

// Dispatcher runs every operation that touches sessions, devices or system
// state on one goroutine, in submission order.
type Dispatcher struct {
	log   *slog.Logger
	ops   chan op
	quit  chan struct{}
	done  chan struct{}
	start sync.Once
	stop  sync.Once
}

func NewDispatcher(buffer int, logger *slog.Logger) *Dispatcher {
	if buffer <= 0 {
		buffer = 64
	}
	return &Dispatcher{
		log:  logger.With(slog.String("component", "dispatcher")),
		ops:  make(chan op, buffer),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Start launches the control goroutine. Calling it again has no effect.
func (d *Dispatcher) Start() {
	d.start.Do(func() {
		go d.loop()
	})
}

// Stop ends the control goroutine after the operation in progress and waits
// for it to exit. Queued operations are dropped.
func (d *Dispatcher) Stop() {
	d.stop.Do(func() {
		close(d.quit)
	})
	d.start.Do(func() { close(d.done) })
	<-d.done
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for {
		select {
		case <-d.quit:
			return
		case o := <-d.ops:
			d.execute(o)
		}
	}
}

func (d *Dispatcher) execute(o op) {
	start := time.Now()
	err := d.run(o.fn)
	if elapsed := time.Since(start); elapsed > slowOp {
		d.log.Warn("slow control operation", slog.Duration("elapsed", elapsed))
	}
	if o.result != nil {
		o.result <- err
	}
}

// run calls fn and reports a panic in it as ErrPanicked.
func (d *Dispatcher) run(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("control operation panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("%w: %v", ErrPanicked, r)
		}
	}()
	return fn()
}

func (d *Dispatcher) submit(ctx context.Context, o op) error {
	select {
	case <-d.quit:
		return ErrStopped
	default:
	}
	select {
	case d.ops <- o:
		return nil
	case <-d.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Post queues fn without waiting for it to run. It blocks while the queue is
// full.
func (d *Dispatcher) Post(ctx context.Context, fn func()) error {
	return d.submit(ctx, op{fn: func() error { fn(); return nil }})
}

// Do runs fn on the control goroutine and returns its error.
func (d *Dispatcher) Do(ctx context.Context, fn func() error) error {
	o := op{fn: fn, result: make(chan error, 1)}
	if err := d.submit(ctx, o); err != nil {
		return err
	}
	select {
	case err := <-o.result:
		return err
	case <-d.done:
		select {
		case err := <-o.result:
			return err
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

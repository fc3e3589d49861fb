package iodev

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/loqalabs/loqa-audio/internal/audiofmt"
	"github.com/loqalabs/loqa-audio/internal/errcode"
)

var (
	// ErrIncompatible rejects a stream whose direction, type or format the
	// device cannot service.
	ErrIncompatible = fmt.Errorf("incompatible device: %w", errcode.ErrInvalidArgument)
	// ErrBusy rejects a stream when the device's active set is full.
	ErrBusy = fmt.Errorf("device busy: %w", errcode.ErrIO)
)

type routeKey struct {
	t   audiofmt.StreamType
	dir audiofmt.Direction
}

// List holds the registered devices and the per-type default routes.
type List struct {
	log      *slog.Logger
	devices  []Device
	defaults map[routeKey]int
}

func NewList(logger *slog.Logger) *List {
	return &List{
		log:      logger.With(slog.String("component", "iodev")),
		defaults: make(map[routeKey]int),
	}
}

// Add registers a device. Indexes must be unique.
func (l *List) Add(d Device) error {
	if d == nil {
		return errcode.ErrInvalidArgument
	}
	if l.find(d.Index()) != nil {
		return fmt.Errorf("device index %d: %w", d.Index(), errcode.ErrExists)
	}
	l.devices = append(l.devices, d)
	l.log.Info("device added",
		slog.Int("index", d.Index()),
		slog.String("name", d.Name()),
		slog.String("direction", d.Direction().String()))
	return nil
}

// Remove unregisters the device at index. Streams still attached are
// detached and left unserviced.
func (l *List) Remove(index int) error {
	i := slices.IndexFunc(l.devices, func(d Device) bool { return d.Index() == index })
	if i < 0 {
		return fmt.Errorf("device index %d: %w", index, errcode.ErrNotFound)
	}
	d := l.devices[i]
	for _, s := range d.Streams() {
		d.Detach(s)
	}
	l.devices = slices.Delete(l.devices, i, i+1)
	for k, idx := range l.defaults {
		if idx == index {
			delete(l.defaults, k)
		}
	}
	l.log.Info("device removed", slog.Int("index", index))
	return nil
}

// Device returns the device at index, or nil.
func (l *List) Device(index int) Device {
	return l.find(index)
}

// Devices returns the registered devices in registration order.
func (l *List) Devices() []Device {
	return slices.Clone(l.devices)
}

func (l *List) find(index int) Device {
	for _, d := range l.devices {
		if d.Index() == index {
			return d
		}
	}
	return nil
}

// ForStreamType returns the device a new stream of type t and direction dir
// should attach to: the default recorded for the type, else the first
// compatible device.
func (l *List) ForStreamType(t audiofmt.StreamType, dir audiofmt.Direction) (Device, error) {
	if idx, ok := l.defaults[routeKey{t, dir}]; ok {
		if d := l.find(idx); d != nil {
			return d, nil
		}
	}
	for _, d := range l.devices {
		if d.Direction() == dir && d.SupportsType(t) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("no %s device for stream type %s: %w", dir, t, errcode.ErrNoDevice)
}

// MoveStreamType re-attaches every stream of type t with the target's
// direction onto the device at index and makes it the default for t. A stream
// the target refuses goes back to the device it came from.
func (l *List) MoveStreamType(t audiofmt.StreamType, index int) error {
	target := l.find(index)
	if target == nil {
		return fmt.Errorf("device index %d: %w", index, errcode.ErrNoDevice)
	}
	if !target.SupportsType(t) {
		return fmt.Errorf("%w: %s does not accept stream type %s", ErrIncompatible, target.Name(), t)
	}
	l.defaults[routeKey{t, target.Direction()}] = index

	var errs []error
	moved := 0
	for _, src := range l.devices {
		if src == target || src.Direction() != target.Direction() {
			continue
		}
		for _, s := range src.Streams() {
			if s.Type() != t {
				continue
			}
			src.Detach(s)
			if err := target.Attach(s); err != nil {
				errs = append(errs, fmt.Errorf("move stream %#x to %s: %w", s.ID(), target.Name(), err))
				if err := src.Attach(s); err != nil {
					l.log.Warn("stream left unattached after failed move",
						slog.Uint64("stream_id", uint64(s.ID())),
						slog.String("error", err.Error()))
				}
				continue
			}
			moved++
		}
	}
	l.log.Info("stream type routed",
		slog.String("stream_type", t.String()),
		slog.Int("index", index),
		slog.Int("moved", moved))
	return errors.Join(errs...)
}

// StreamCount is the number of streams attached across all devices.
func (l *List) StreamCount() int {
	n := 0
	for _, d := range l.devices {
		n += len(d.Streams())
	}
	return n
}

// Package iodev is the routing layer: devices that service streams and the
// list that picks a device for a new stream or moves streams between them.
//
// Nothing here locks; all calls happen on the server's control goroutine.
package iodev

import (
	"fmt"
	"slices"

	"github.com/gen2brain/alsa"
	"github.com/loqalabs/loqa-audio/internal/audiofmt"
	"github.com/loqalabs/loqa-audio/internal/errcode"
	"github.com/loqalabs/loqa-audio/internal/stream"
)

// Device is one audio endpoint. Attach either enqueues the stream or fails
// without changing the device; Detach of a stream that is not attached is a
// no-op.
type Device interface {
	Index() int
	Name() string
	Direction() audiofmt.Direction
	SupportsType(t audiofmt.StreamType) bool
	// SetFormat adjusts f in place to the closest format the device runs.
	SetFormat(f *audiofmt.Format)
	Attach(s *stream.Stream) error
	Detach(s *stream.Stream)
	Streams() []*stream.Stream
}

// VirtualConfig describes a software device.
type VirtualConfig struct {
	Index     int
	Name      string
	Direction audiofmt.Direction
	// Types lists the stream types routed here; empty accepts all.
	Types    []audiofmt.StreamType
	Rates    []int
	Channels []int
	Samples  []alsa.PcmFormat
	// MaxStreams bounds the active set; zero means unbounded.
	MaxStreams int
}

// Virtual is a device with a configurable capability set. Its running format
// is fixed by the first attached stream and released when the last one
// leaves.
type Virtual struct {
	cfg     VirtualConfig
	running *audiofmt.Format
	streams []*stream.Stream
}

// NewVirtual builds a virtual device. Rates, Channels and Samples must each
// have at least one entry; the first entry is the device default.
func NewVirtual(cfg VirtualConfig) (*Virtual, error) {
	if len(cfg.Rates) == 0 || len(cfg.Channels) == 0 || len(cfg.Samples) == 0 {
		return nil, fmt.Errorf("device %q needs rates, channels and samples: %w", cfg.Name, errcode.ErrInvalidArgument)
	}
	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("virtual-%d", cfg.Index)
	}
	return &Virtual{cfg: cfg}, nil
}

func (d *Virtual) Index() int                    { return d.cfg.Index }
func (d *Virtual) Name() string                  { return d.cfg.Name }
func (d *Virtual) Direction() audiofmt.Direction { return d.cfg.Direction }

func (d *Virtual) SupportsType(t audiofmt.StreamType) bool {
	return len(d.cfg.Types) == 0 || slices.Contains(d.cfg.Types, t)
}

func (d *Virtual) SetFormat(f *audiofmt.Format) {
	if d.running != nil {
		*f = *d.running
		return
	}
	if !slices.Contains(d.cfg.Rates, f.SampleRate) {
		f.SampleRate = d.cfg.Rates[0]
	}
	if !slices.Contains(d.cfg.Channels, f.NumChannels) {
		f.NumChannels = d.cfg.Channels[0]
	}
	if !slices.Contains(d.cfg.Samples, f.Sample) {
		f.Sample = d.cfg.Samples[0]
	}
}

func (d *Virtual) supportsFormat(f audiofmt.Format) bool {
	return slices.Contains(d.cfg.Rates, f.SampleRate) &&
		slices.Contains(d.cfg.Channels, f.NumChannels) &&
		slices.Contains(d.cfg.Samples, f.Sample)
}

func (d *Virtual) Attach(s *stream.Stream) error {
	if s.Direction() != d.cfg.Direction {
		return fmt.Errorf("%w: %s stream %#x on %s device %s", ErrIncompatible, s.Direction(), s.ID(), d.cfg.Direction, d.cfg.Name)
	}
	if !d.SupportsType(s.Type()) {
		return fmt.Errorf("%w: stream type %s not routed to %s", ErrIncompatible, s.Type(), d.cfg.Name)
	}
	if s.Device() != nil {
		return fmt.Errorf("stream %#x already attached to %s: %w", s.ID(), s.Device().Name(), errcode.ErrExists)
	}
	if d.cfg.MaxStreams > 0 && len(d.streams) >= d.cfg.MaxStreams {
		return fmt.Errorf("%w: %s has %d streams", ErrBusy, d.cfg.Name, len(d.streams))
	}
	f := s.Format()
	if d.running != nil && *d.running != f {
		return fmt.Errorf("%w: %s runs %s, stream wants %s", ErrIncompatible, d.cfg.Name, d.running, f)
	}
	if d.running == nil {
		if !d.supportsFormat(f) {
			return fmt.Errorf("%w: %s cannot run %s", ErrIncompatible, d.cfg.Name, f)
		}
		d.running = &f
	}
	d.streams = append(d.streams, s)
	s.SetDevice(d)
	return nil
}

func (d *Virtual) Detach(s *stream.Stream) {
	i := slices.Index(d.streams, s)
	if i < 0 {
		return
	}
	d.streams = slices.Delete(d.streams, i, i+1)
	if s.Device() == stream.Device(d) {
		s.SetDevice(nil)
	}
	if len(d.streams) == 0 {
		d.running = nil
	}
}

// Streams returns a copy of the active set in attach order.
func (d *Virtual) Streams() []*stream.Stream {
	return slices.Clone(d.streams)
}

// RunningFormat is the format fixed by the attached streams, if any.
func (d *Virtual) RunningFormat() (audiofmt.Format, bool) {
	if d.running == nil {
		return audiofmt.Format{}, false
	}
	return *d.running, true
}

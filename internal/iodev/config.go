package iodev

import (
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-audio/internal/audiofmt"
	"github.com/loqalabs/loqa-audio/internal/config"
)

// FromConfig builds a virtual device from its config entry.
func FromConfig(cfg config.DeviceConfig) (*Virtual, error) {
	dir, err := audiofmt.ParseDirection(cfg.Direction)
	if err != nil {
		return nil, err
	}
	vc := VirtualConfig{
		Index:      cfg.Index,
		Name:       cfg.Name,
		Direction:  dir,
		Rates:      cfg.Rates,
		Channels:   cfg.Channels,
		MaxStreams: cfg.MaxStreams,
	}
	for _, name := range cfg.Types {
		t, err := audiofmt.ParseStreamType(name)
		if err != nil {
			return nil, err
		}
		vc.Types = append(vc.Types, t)
	}
	for _, name := range cfg.Samples {
		s, err := audiofmt.ParseSample(name)
		if err != nil {
			return nil, err
		}
		vc.Samples = append(vc.Samples, s)
	}
	return NewVirtual(vc)
}

// LoadList builds a List holding every configured device.
func LoadList(devices []config.DeviceConfig, logger *slog.Logger) (*List, error) {
	l := NewList(logger)
	for _, dc := range devices {
		d, err := FromConfig(dc)
		if err != nil {
			return nil, fmt.Errorf("device %d: %w", dc.Index, err)
		}
		if err := l.Add(d); err != nil {
			return nil, err
		}
	}
	return l, nil
}

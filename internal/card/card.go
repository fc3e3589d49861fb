// Package card provides the card factories used by the system state: ALSA
// control devices on Linux hosts and placeholder cards for hosts without
// sound hardware.
package card

import (
	"fmt"
	"log/slog"

	"github.com/gen2brain/alsa"
	"github.com/loqalabs/loqa-audio/internal/systemstate"
)

// mixer is the part of *alsa.Mixer a card holds on to.
type mixer interface {
	Name() string
	NumCtls() int
	Close() error
}

type opener func(index uint) (mixer, error)

func openALSA(index uint) (mixer, error) {
	m, err := alsa.MixerOpen(index)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ALSA opens /dev/snd/controlC<index> for every card added to the state.
type ALSA struct {
	log  *slog.Logger
	open opener
}

func NewALSA(logger *slog.Logger) *ALSA {
	return &ALSA{log: logger.With(slog.String("component", "card")), open: openALSA}
}

func (f *ALSA) Create(index int) (systemstate.Card, error) {
	if index < 0 {
		return nil, fmt.Errorf("card index %d out of range", index)
	}
	m, err := f.open(uint(index))
	if err != nil {
		return nil, fmt.Errorf("open mixer for card %d: %w", index, err)
	}
	f.log.Info("card opened",
		slog.Int("index", index),
		slog.String("name", m.Name()),
		slog.Int("controls", m.NumCtls()))
	return &mixerCard{index: index, m: m}, nil
}

type mixerCard struct {
	index int
	m     mixer
}

func (c *mixerCard) Index() int   { return c.index }
func (c *mixerCard) Name() string { return c.m.Name() }

func (c *mixerCard) Close() error {
	if c.m == nil {
		return nil
	}
	err := c.m.Close()
	c.m = nil
	return err
}

// Placeholder creates cards with no backing device.
type Placeholder struct{}

func (Placeholder) Create(index int) (systemstate.Card, error) {
	return placeholderCard(index), nil
}

type placeholderCard int

func (c placeholderCard) Index() int   { return int(c) }
func (c placeholderCard) Name() string { return fmt.Sprintf("card%d", int(c)) }
func (placeholderCard) Close() error   { return nil }

// NewFactory returns the factory for kind: "alsa" or "placeholder".
func NewFactory(kind string, logger *slog.Logger) (systemstate.CardFactory, error) {
	switch kind {
	case "", "alsa":
		return NewALSA(logger), nil
	case "placeholder":
		return Placeholder{}, nil
	default:
		return nil, fmt.Errorf("unknown card backend %q", kind)
	}
}

// Info describes a sound card present on the host.
type Info struct {
	Index       int    `json:"index"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Playback    int    `json:"playback_devices"`
	Capture     int    `json:"capture_devices"`
}

// Enumerate lists the sound cards the kernel exposes.
func Enumerate() ([]Info, error) {
	cards, err := alsa.EnumerateCards()
	if err != nil {
		return nil, err
	}
	out := make([]Info, 0, len(cards))
	for _, c := range cards {
		info := Info{Index: c.ID, Name: c.Name, Description: c.Description}
		for _, d := range c.Devices {
			if d.IsPlayback {
				info.Playback++
			} else {
				info.Capture++
			}
		}
		out = append(out, info)
	}
	return out, nil
}

// Package systemstate holds the process-wide audio settings and attached
// cards, and notifies observers when a setting is written.
//
// A State is not safe for concurrent use; the server confines it to the
// control goroutine.
package systemstate

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/loqalabs/loqa-audio/internal/errcode"
)

const (
	MaxVolume     = 100
	defaultVolume = 100
)

// Card is an attached hardware card.
type Card interface {
	Index() int
	Name() string
	Close() error
}

// CardFactory constructs the card at a hardware index.
type CardFactory interface {
	Create(index int) (Card, error)
}

// CardFactoryFunc adapts a function to CardFactory.
type CardFactoryFunc func(index int) (Card, error)

func (f CardFactoryFunc) Create(index int) (Card, error) { return f(index) }

// Snapshot is a copy of the settings and attached card indexes.
type Snapshot struct {
	Volume      int   `json:"volume"`
	CaptureGain int64 `json:"capture_gain"`
	Mute        int   `json:"mute"`
	CaptureMute int   `json:"capture_mute"`
	Cards       []int `json:"cards"`
}

type State struct {
	log     *slog.Logger
	factory CardFactory

	volume      int
	captureGain int64
	mute        int
	captureMute int

	volumeObs      observers[int]
	captureGainObs observers[int64]
	muteObs        observers[int]
	captureMuteObs observers[int]

	cards map[int]Card
}

// New returns a State with default settings: volume 100, capture gain 0, both
// mutes off, no observers and no cards.
func New(factory CardFactory, logger *slog.Logger) *State {
	return &State{
		log:            logger.With(slog.String("component", "system-state")),
		factory:        factory,
		volume:         defaultVolume,
		volumeObs:      observers[int]{name: "volume"},
		captureGainObs: observers[int64]{name: "capture gain"},
		muteObs:        observers[int]{name: "mute"},
		captureMuteObs: observers[int]{name: "capture mute"},
		cards:          make(map[int]Card),
	}
}

// Close destroys every attached card and drops all observers.
func (s *State) Close() error {
	var errs []error
	for _, idx := range s.CardIndexes() {
		if err := s.RemoveCard(idx); err != nil {
			errs = append(errs, err)
		}
	}
	s.volumeObs.list = nil
	s.captureGainObs.list = nil
	s.muteObs.list = nil
	s.captureMuteObs.list = nil
	return errors.Join(errs...)
}

func (s *State) Volume() int        { return s.volume }
func (s *State) CaptureGain() int64 { return s.captureGain }
func (s *State) Mute() int          { return s.mute }
func (s *State) CaptureMute() int   { return s.captureMute }

// SetVolume clamps v to [0, MaxVolume] and notifies volume observers.
func (s *State) SetVolume(v int) {
	s.volume = max(0, min(v, MaxVolume))
	s.volumeObs.notify(s.volume)
}

// SetCaptureGain stores v unclamped and notifies capture gain observers.
func (s *State) SetCaptureGain(v int64) {
	s.captureGain = v
	s.captureGainObs.notify(s.captureGain)
}

// SetMute stores 1 for any nonzero v. Observers are notified on every call,
// not only when the value changes.
func (s *State) SetMute(v int) {
	s.mute = boolToInt(v != 0)
	s.muteObs.notify(s.mute)
}

// SetCaptureMute behaves like SetMute for the capture path.
func (s *State) SetCaptureMute(v int) {
	s.captureMute = boolToInt(v != 0)
	s.captureMuteObs.notify(s.captureMute)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Observer registration. key names the callback and together with arg forms
// the identity of the registration; arg must be comparable.

func (s *State) RegisterVolumeChanged(key string, fn Callback[int], arg any) error {
	return s.volumeObs.register(key, fn, arg)
}

func (s *State) RemoveVolumeChanged(key string, arg any) error {
	return s.volumeObs.remove(key, arg)
}

func (s *State) RegisterCaptureGainChanged(key string, fn Callback[int64], arg any) error {
	return s.captureGainObs.register(key, fn, arg)
}

func (s *State) RemoveCaptureGainChanged(key string, arg any) error {
	return s.captureGainObs.remove(key, arg)
}

func (s *State) RegisterMuteChanged(key string, fn Callback[int], arg any) error {
	return s.muteObs.register(key, fn, arg)
}

func (s *State) RemoveMuteChanged(key string, arg any) error {
	return s.muteObs.remove(key, arg)
}

func (s *State) RegisterCaptureMuteChanged(key string, fn Callback[int], arg any) error {
	return s.captureMuteObs.register(key, fn, arg)
}

func (s *State) RemoveCaptureMuteChanged(key string, arg any) error {
	return s.captureMuteObs.remove(key, arg)
}

// ObserverCount is the total number of registrations across all settings.
func (s *State) ObserverCount() int {
	return s.volumeObs.count() + s.captureGainObs.count() + s.muteObs.count() + s.captureMuteObs.count()
}

// AddCard creates and stores the card at index. An occupied index fails with
// ErrExists without calling the factory; a factory failure is ErrNoMemory.
func (s *State) AddCard(index int) error {
	if _, ok := s.cards[index]; ok {
		return fmt.Errorf("card %d: %w", index, errcode.ErrExists)
	}
	if s.factory == nil {
		return fmt.Errorf("card %d: no card factory: %w", index, errcode.ErrNoMemory)
	}
	card, err := s.factory.Create(index)
	if err != nil {
		return fmt.Errorf("create card %d: %v: %w", index, err, errcode.ErrNoMemory)
	}
	if card == nil {
		return fmt.Errorf("create card %d: %w", index, errcode.ErrNoMemory)
	}
	s.cards[index] = card
	s.log.Info("card added", slog.Int("index", index), slog.String("name", card.Name()))
	return nil
}

// RemoveCard destroys the card at index. An empty index is ErrNotFound.
func (s *State) RemoveCard(index int) error {
	card, ok := s.cards[index]
	if !ok {
		return fmt.Errorf("card %d: %w", index, errcode.ErrNotFound)
	}
	delete(s.cards, index)
	if err := card.Close(); err != nil {
		s.log.Warn("card close failed", slog.Int("index", index), slog.String("error", err.Error()))
		return fmt.Errorf("close card %d: %w", index, err)
	}
	s.log.Info("card removed", slog.Int("index", index))
	return nil
}

// Card returns the card at index, or nil.
func (s *State) Card(index int) Card {
	return s.cards[index]
}

// CardIndexes returns the attached card indexes in ascending order.
func (s *State) CardIndexes() []int {
	idx := make([]int, 0, len(s.cards))
	for i := range s.cards {
		idx = append(idx, i)
	}
	slices.Sort(idx)
	return idx
}

func (s *State) Snapshot() Snapshot {
	return Snapshot{
		Volume:      s.volume,
		CaptureGain: s.captureGain,
		Mute:        s.mute,
		CaptureMute: s.captureMute,
		Cards:       s.CardIndexes(),
	}
}

package systemstate

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/loqalabs/loqa-audio/internal/errcode"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type call[T any] struct {
	value T
	arg   any
}

type recorder[T any] struct {
	calls []call[T]
}

func (r *recorder[T]) fn(value T, arg any) {
	r.calls = append(r.calls, call[T]{value, arg})
}

func TestDefaults(t *testing.T) {
	s := New(nil, newLogger())
	if s.Volume() != 100 || s.CaptureGain() != 0 || s.Mute() != 0 || s.CaptureMute() != 0 {
		t.Fatalf("unexpected defaults: %+v", s.Snapshot())
	}
	if s.ObserverCount() != 0 || len(s.CardIndexes()) != 0 {
		t.Fatal("expected no observers or cards")
	}
}

func TestSetVolumeClamps(t *testing.T) {
	s := New(nil, newLogger())
	for _, c := range []struct{ in, want int }{
		{0, 0},
		{50, 50},
		{MaxVolume, MaxVolume},
		{MaxVolume + 1, MaxVolume},
		{-5, 0},
	} {
		s.SetVolume(c.in)
		if s.Volume() != c.want {
			t.Fatalf("SetVolume(%d): got %d, want %d", c.in, s.Volume(), c.want)
		}
	}
}

func TestSetCaptureGainUnclamped(t *testing.T) {
	s := New(nil, newLogger())
	s.SetCaptureGain(3000)
	if s.CaptureGain() != 3000 {
		t.Fatalf("expected 3000, got %d", s.CaptureGain())
	}
	s.SetCaptureGain(-1600)
	if s.CaptureGain() != -1600 {
		t.Fatalf("expected -1600, got %d", s.CaptureGain())
	}
}

func TestSetMuteCoerces(t *testing.T) {
	s := New(nil, newLogger())
	s.SetMute(0)
	if s.Mute() != 0 {
		t.Fatal("expected mute 0")
	}
	s.SetMute(1)
	if s.Mute() != 1 {
		t.Fatal("expected mute 1")
	}
	s.SetMute(22)
	if s.Mute() != 1 {
		t.Fatal("expected nonzero mute coerced to 1")
	}
	s.SetCaptureMute(-3)
	if s.CaptureMute() != 1 {
		t.Fatal("expected nonzero capture mute coerced to 1")
	}
}

func TestVolumeChangedCallback(t *testing.T) {
	s := New(nil, newLogger())
	rec := &recorder[int]{}
	if err := s.RegisterVolumeChanged("volume", rec.fn, 1); err != nil {
		t.Fatalf("register: %v", err)
	}
	s.SetVolume(55)
	if len(rec.calls) != 1 || rec.calls[0].value != 55 || rec.calls[0].arg != 1 {
		t.Fatalf("unexpected calls: %+v", rec.calls)
	}
	if err := s.RegisterVolumeChanged("nil", nil, nil); !errors.Is(err, errcode.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if err := s.RemoveVolumeChanged("volume", 1); err != nil {
		t.Fatalf("remove: %v", err)
	}
	s.SetVolume(44)
	if s.Volume() != 44 || len(rec.calls) != 1 {
		t.Fatalf("removed observer still called: %+v", rec.calls)
	}
}

func TestObserverRejectsUncomparableArg(t *testing.T) {
	s := New(nil, newLogger())
	rec := &recorder[int]{}
	for range 2 {
		if err := s.RegisterVolumeChanged("slice", rec.fn, []int{1}); !errors.Is(err, errcode.ErrInvalidArgument) {
			t.Fatalf("expected invalid argument, got %v", err)
		}
	}
	if err := s.RegisterMuteChanged("holder", rec.fn, struct{ v any }{v: map[string]int{}}); !errors.Is(err, errcode.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for nested map, got %v", err)
	}
	if err := s.RemoveVolumeChanged("map", map[string]int{}); !errors.Is(err, errcode.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument on remove, got %v", err)
	}
	if s.ObserverCount() != 0 {
		t.Fatalf("rejected observers must not be stored, got %d", s.ObserverCount())
	}
	s.SetVolume(10)
	if len(rec.calls) != 0 {
		t.Fatalf("unexpected calls: %+v", rec.calls)
	}
}

func TestVolumeChangedCallbackMultiple(t *testing.T) {
	s := New(nil, newLogger())
	one := &recorder[int]{}
	two := &recorder[int]{}
	if err := s.RegisterVolumeChanged("one", one.fn, 1); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.RegisterVolumeChanged("one", one.fn, 1); !errors.Is(err, errcode.ErrExists) {
		t.Fatalf("expected exists, got %v", err)
	}
	if err := s.RegisterVolumeChanged("two", two.fn, 2); err != nil {
		t.Fatalf("register: %v", err)
	}

	s.SetVolume(55)
	if len(one.calls) != 1 || one.calls[0] != (call[int]{55, 1}) {
		t.Fatalf("unexpected first observer calls: %+v", one.calls)
	}
	if len(two.calls) != 1 || two.calls[0] != (call[int]{55, 2}) {
		t.Fatalf("unexpected second observer calls: %+v", two.calls)
	}

	if err := s.RemoveVolumeChanged("one", 2); !errors.Is(err, errcode.ErrNotFound) {
		t.Fatalf("expected not found for mismatched arg, got %v", err)
	}
	if err := s.RemoveVolumeChanged("one", 1); err != nil {
		t.Fatalf("remove: %v", err)
	}
	s.SetVolume(44)
	if len(one.calls) != 1 {
		t.Fatalf("removed observer called again")
	}
	if len(two.calls) != 2 || two.calls[1] != (call[int]{44, 2}) {
		t.Fatalf("unexpected second observer calls: %+v", two.calls)
	}

	if err := s.RemoveVolumeChanged("two", 2); err != nil {
		t.Fatalf("remove: %v", err)
	}
	s.SetVolume(55)
	if len(one.calls) != 1 || len(two.calls) != 2 {
		t.Fatal("no observer should fire after both are removed")
	}
	if err := s.RemoveVolumeChanged("two", 2); !errors.Is(err, errcode.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestNotificationOrder(t *testing.T) {
	s := New(nil, newLogger())
	var order []string
	for _, key := range []string{"a", "b", "c"} {
		_ = s.RegisterCaptureGainChanged(key, func(int64, any) { order = append(order, key) }, nil)
	}
	s.SetCaptureGain(-100)
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatalf("expected registration order, got %v", order)
	}
}

func TestRemovalDuringNotification(t *testing.T) {
	s := New(nil, newLogger())
	var fired []string
	_ = s.RegisterMuteChanged("first", func(int, any) {
		fired = append(fired, "first")
		if err := s.RemoveMuteChanged("second", nil); err != nil {
			t.Errorf("remove during notify: %v", err)
		}
	}, nil)
	_ = s.RegisterMuteChanged("second", func(int, any) { fired = append(fired, "second") }, nil)
	_ = s.RegisterMuteChanged("third", func(int, any) { fired = append(fired, "third") }, nil)

	s.SetMute(1)
	if len(fired) != 2 || fired[0] != "first" || fired[1] != "third" {
		t.Fatalf("unexpected delivery: %v", fired)
	}
}

func TestMuteChangedCallbackMultiple(t *testing.T) {
	s := New(nil, newLogger())
	vol := &recorder[int]{}
	one := &recorder[int]{}
	two := &recorder[int]{}
	_ = s.RegisterVolumeChanged("volume", vol.fn, 1)
	if err := s.RegisterMuteChanged("one", one.fn, 1); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.RegisterMuteChanged("one", one.fn, 1); !errors.Is(err, errcode.ErrExists) {
		t.Fatalf("expected exists, got %v", err)
	}
	if err := s.RegisterMuteChanged("two", two.fn, 2); err != nil {
		t.Fatalf("register: %v", err)
	}

	s.SetMute(1)
	s.SetMute(1)
	if len(one.calls) != 2 || len(two.calls) != 2 {
		t.Fatalf("expected a notification per call, got %d and %d", len(one.calls), len(two.calls))
	}
	if one.calls[0] != (call[int]{1, 1}) {
		t.Fatalf("unexpected call %+v", one.calls[0])
	}
	if len(vol.calls) != 0 {
		t.Fatal("volume observer fired on mute change")
	}

	if err := s.RemoveMuteChanged("one", 2); !errors.Is(err, errcode.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := s.RemoveMuteChanged("one", 1); err != nil {
		t.Fatalf("remove: %v", err)
	}
	s.SetMute(0)
	if s.Mute() != 0 || len(one.calls) != 2 || len(two.calls) != 3 {
		t.Fatalf("unexpected calls after removal: %d %d", len(one.calls), len(two.calls))
	}
}

func TestCaptureMuteChangedCallbackMultiple(t *testing.T) {
	s := New(nil, newLogger())
	one := &recorder[int]{}
	two := &recorder[int]{}
	if err := s.RegisterCaptureMuteChanged("one", one.fn, 1); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.RegisterCaptureMuteChanged("one", one.fn, 1); !errors.Is(err, errcode.ErrExists) {
		t.Fatalf("expected exists, got %v", err)
	}
	_ = s.RegisterCaptureMuteChanged("two", two.fn, 2)

	s.SetCaptureMute(1)
	if s.CaptureMute() != 1 || len(one.calls) != 1 || len(two.calls) != 1 {
		t.Fatal("expected both capture mute observers once")
	}
	if err := s.RemoveCaptureMuteChanged("one", 1); err != nil {
		t.Fatalf("remove: %v", err)
	}
	s.SetCaptureMute(0)
	if len(one.calls) != 1 || len(two.calls) != 2 || two.calls[1].value != 0 {
		t.Fatalf("unexpected calls: %+v %+v", one.calls, two.calls)
	}
	if err := s.RemoveCaptureMuteChanged("two", 2); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.RemoveCaptureMuteChanged("two", 2); !errors.Is(err, errcode.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

type fakeCard struct {
	index  int
	closed *int
}

func (c *fakeCard) Index() int   { return c.index }
func (c *fakeCard) Name() string { return "fake" }
func (c *fakeCard) Close() error { *c.closed++; return nil }

type cardStub struct {
	created   int
	destroyed int
	fail      bool
}

func (f *cardStub) Create(index int) (Card, error) {
	f.created++
	if f.fail {
		return nil, errors.New("card construction failed")
	}
	return &fakeCard{index: index, closed: &f.destroyed}, nil
}

func TestAddCardFailCreate(t *testing.T) {
	stub := &cardStub{fail: true}
	s := New(stub, newLogger())
	if err := s.AddCard(0); !errors.Is(err, errcode.ErrNoMemory) {
		t.Fatalf("expected no memory, got %v", err)
	}
	if stub.created != 1 {
		t.Fatalf("expected one create attempt, got %d", stub.created)
	}
	if s.Card(0) != nil {
		t.Fatal("failed card must not be stored")
	}
}

func TestAddCard(t *testing.T) {
	stub := &cardStub{}
	s := New(stub, newLogger())
	if err := s.AddCard(0); err != nil {
		t.Fatalf("add card: %v", err)
	}
	if stub.created != 1 {
		t.Fatalf("expected one card created, got %d", stub.created)
	}

	stub.created = 0
	if err := s.AddCard(0); err == nil {
		t.Fatal("expected duplicate add to fail")
	}
	if stub.created != 0 {
		t.Fatal("duplicate add must not create a card")
	}

	if err := s.RemoveCard(0); err != nil {
		t.Fatalf("remove card: %v", err)
	}
	if stub.destroyed != 1 {
		t.Fatalf("expected one card destroyed, got %d", stub.destroyed)
	}
	if err := s.RemoveCard(0); !errors.Is(err, errcode.ErrNotFound) {
		t.Fatalf("expected not found for absent card, got %v", err)
	}
}

func TestCloseDestroysCards(t *testing.T) {
	stub := &cardStub{}
	s := New(stub, newLogger())
	_ = s.AddCard(2)
	_ = s.AddCard(0)
	if got := s.Snapshot().Cards; len(got) != 2 || got[0] != 0 || got[1] != 2 {
		t.Fatalf("unexpected card snapshot: %v", got)
	}
	_ = s.RegisterVolumeChanged("v", func(int, any) {}, nil)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if stub.destroyed != 2 || s.ObserverCount() != 0 {
		t.Fatalf("expected cards destroyed and observers dropped")
	}
}

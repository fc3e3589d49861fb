package stream

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/gen2brain/alsa"
	"github.com/loqalabs/loqa-audio/internal/audiofmt"
	"github.com/loqalabs/loqa-audio/internal/errcode"
)

type closeCounter struct{ closed int }

func (c *closeCounter) Close() error { c.closed++; return nil }

type detachRecorder struct{ detached []*Stream }

func (d *detachRecorder) Name() string     { return "fake" }
func (d *detachRecorder) Detach(s *Stream) { d.detached = append(d.detached, s) }

func testConfig() Config {
	return Config{
		ID:                0x10001,
		Direction:         audiofmt.Playback,
		Format:            audiofmt.New(alsa.SNDRV_PCM_FORMAT_S16_LE, 48000, 2),
		BufferFrames:      4096,
		CallbackThreshold: 2048,
		MinCallbackLevel:  512,
		Owner:             7,
	}
}

func TestCreateAllocatesRegion(t *testing.T) {
	alloc := NewHeapAllocator()
	s, err := Create(testConfig(), alloc)
	if err != nil {
		t.Fatalf("create stream: %v", err)
	}
	if s.ShmKey() == 0 {
		t.Fatal("expected non-zero shm key")
	}
	want := ShmHeaderSize + 2*4096*4
	if s.ShmTotalSize() != want {
		t.Fatalf("expected shm size %d, got %d", want, s.ShmTotalSize())
	}
	hdr := s.shm.Bytes()
	if binary.LittleEndian.Uint32(hdr[4:]) != 0x10001 {
		t.Fatalf("expected stream id in shm header")
	}
	if alloc.Live() != 1 {
		t.Fatalf("expected 1 live region, got %d", alloc.Live())
	}
}

func TestCreateRejectsBadParameters(t *testing.T) {
	alloc := NewHeapAllocator()
	cfg := testConfig()
	cfg.CallbackThreshold = cfg.BufferFrames + 1
	if _, err := Create(cfg, alloc); !errors.Is(err, errcode.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	cfg = testConfig()
	cfg.Format.NumChannels = 0
	if _, err := Create(cfg, alloc); !errors.Is(err, errcode.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for bad format, got %v", err)
	}
	if alloc.Live() != 0 {
		t.Fatalf("expected no regions allocated, got %d", alloc.Live())
	}
}

func TestCreateBoundsRegionSize(t *testing.T) {
	alloc := NewHeapAllocator()
	cfg := testConfig()
	cfg.BufferFrames = 1 << 50
	if _, err := Create(cfg, alloc); !errors.Is(err, errcode.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for huge buffer, got %v", err)
	}
	cfg = testConfig()
	cfg.BufferFrames = MaxBufferFrames
	cfg.Format = audiofmt.New(alsa.SNDRV_PCM_FORMAT_S32_LE, 48000, 1024)
	if _, err := Create(cfg, alloc); !errors.Is(err, errcode.ErrNoMemory) {
		t.Fatalf("expected no memory for oversized region, got %v", err)
	}
	if alloc.Live() != 0 {
		t.Fatalf("expected no regions allocated, got %d", alloc.Live())
	}
	if size, err := ShmSize(testConfig().Format, 4096); err != nil || size != ShmHeaderSize+2*4096*4 {
		t.Fatalf("unexpected size %d %v", size, err)
	}
}

type failingAllocator struct{}

func (failingAllocator) Allocate(int) (Region, error) { return nil, errors.New("out of segments") }

func TestCreateReportsNoMemory(t *testing.T) {
	if _, err := Create(testConfig(), failingAllocator{}); !errors.Is(err, errcode.ErrNoMemory) {
		t.Fatalf("expected no memory, got %v", err)
	}
}

func TestDestroyReleasesEverything(t *testing.T) {
	alloc := NewHeapAllocator()
	s, err := Create(testConfig(), alloc)
	if err != nil {
		t.Fatalf("create stream: %v", err)
	}
	ch := &closeCounter{}
	dev := &detachRecorder{}
	s.SetAudioChannel(ch)
	s.SetDevice(dev)

	if err := s.Destroy(); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if ch.closed != 1 {
		t.Fatalf("expected audio channel closed once, got %d", ch.closed)
	}
	if len(dev.detached) != 1 || dev.detached[0] != s {
		t.Fatalf("expected stream detached from device")
	}
	if alloc.Live() != 0 {
		t.Fatalf("expected region released")
	}
	if s.ShmKey() != 0 {
		t.Fatalf("expected zero shm key after destroy")
	}
	if err := s.Destroy(); err != nil {
		t.Fatalf("second destroy should be a no-op: %v", err)
	}
	if ch.closed != 1 {
		t.Fatalf("audio channel closed twice")
	}
}

func TestNewAllocator(t *testing.T) {
	if _, err := NewAllocator("heap"); err != nil {
		t.Fatalf("heap allocator: %v", err)
	}
	if _, err := NewAllocator("tmpfs"); err == nil {
		t.Fatal("expected error for unknown allocator")
	}
}

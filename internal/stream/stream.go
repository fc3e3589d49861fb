// Package stream implements the server side of one client audio stream: its
// negotiated format, buffering parameters and transport handles.
package stream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/loqalabs/loqa-audio/internal/audiofmt"
	"github.com/loqalabs/loqa-audio/internal/errcode"
)

// ShmHeaderSize is the fixed header placed in front of the two sample
// buffers of every region.
const ShmHeaderSize = 64

const shmMagic = 0x6c716175 // "lqau"

// MaxBufferFrames bounds the buffer, callback and level frame counts of a
// stream. MaxShmSize bounds the region allocated for it.
const (
	MaxBufferFrames = 1 << 20
	MaxShmSize      = 1 << 30
)

// Device is the part of a routing target a stream needs to detach itself.
type Device interface {
	Name() string
	Detach(s *Stream)
}

// Config holds the parameters a stream is created with. Frame counts are at
// the rate of Format.
type Config struct {
	ID                uint32
	Type              audiofmt.StreamType
	Direction         audiofmt.Direction
	Format            audiofmt.Format
	BufferFrames      int
	CallbackThreshold int
	MinCallbackLevel  int
	Flags             uint32
	// Owner identifies the session that created the stream.
	Owner uint64
}

// Stream is one audio flow. It exclusively owns its shared-memory region and
// audio channel until Destroy.
type Stream struct {
	cfg    Config
	shm    Region
	audio  io.Closer
	device Device
}

// Create validates cfg and allocates the stream's shared-memory region.
func Create(cfg Config, alloc Allocator) (*Stream, error) {
	if !cfg.Format.Valid() {
		return nil, fmt.Errorf("stream %#x format %s: %w", cfg.ID, cfg.Format, errcode.ErrInvalidArgument)
	}
	if cfg.BufferFrames <= 0 || cfg.BufferFrames > MaxBufferFrames ||
		cfg.CallbackThreshold > cfg.BufferFrames || cfg.MinCallbackLevel > cfg.BufferFrames {
		return nil, fmt.Errorf("stream %#x buffer %d cb %d min %d: %w",
			cfg.ID, cfg.BufferFrames, cfg.CallbackThreshold, cfg.MinCallbackLevel, errcode.ErrInvalidArgument)
	}
	if alloc == nil {
		return nil, errors.New("stream allocator is nil")
	}
	size, err := ShmSize(cfg.Format, cfg.BufferFrames)
	if err != nil {
		return nil, fmt.Errorf("stream %#x: %w", cfg.ID, err)
	}
	region, err := alloc.Allocate(size)
	if err != nil {
		return nil, fmt.Errorf("allocate shm for stream %#x: %v: %w", cfg.ID, err, errcode.ErrNoMemory)
	}
	s := &Stream{cfg: cfg, shm: region}
	s.writeHeader()
	return s, nil
}

// TotalShmSize is the region size for a format and buffer length: the header
// plus two buffers of bufferFrames frames. It does not check bounds; see
// ShmSize.
func TotalShmSize(f audiofmt.Format, bufferFrames int) int {
	return ShmHeaderSize + 2*bufferFrames*f.FrameBytes()
}

// ShmSize is TotalShmSize for untrusted input. Sizes above MaxShmSize fail
// with ErrNoMemory.
func ShmSize(f audiofmt.Format, bufferFrames int) (int, error) {
	frameBytes := f.FrameBytes()
	if bufferFrames <= 0 || frameBytes <= 0 {
		return 0, fmt.Errorf("shm for %d frames of %s: %w", bufferFrames, f, errcode.ErrInvalidArgument)
	}
	if int64(bufferFrames) > (MaxShmSize-ShmHeaderSize)/2/int64(frameBytes) {
		return 0, fmt.Errorf("shm for %d frames of %s exceeds %d bytes: %w", bufferFrames, f, MaxShmSize, errcode.ErrNoMemory)
	}
	return TotalShmSize(f, bufferFrames), nil
}

func (s *Stream) writeHeader() {
	buf := s.shm.Bytes()
	if len(buf) < ShmHeaderSize {
		return
	}
	le := binary.LittleEndian
	le.PutUint32(buf[0:], shmMagic)
	le.PutUint32(buf[4:], s.cfg.ID)
	le.PutUint32(buf[8:], uint32(s.cfg.Format.FrameBytes()))
	le.PutUint32(buf[12:], uint32(s.cfg.BufferFrames))
	le.PutUint32(buf[16:], uint32(s.cfg.CallbackThreshold))
	le.PutUint32(buf[20:], uint32(s.cfg.MinCallbackLevel))
	le.PutUint32(buf[24:], uint32(s.cfg.Format.SampleRate))
	le.PutUint32(buf[28:], uint32(s.cfg.Format.NumChannels))
}

func (s *Stream) ID() uint32                    { return s.cfg.ID }
func (s *Stream) Type() audiofmt.StreamType     { return s.cfg.Type }
func (s *Stream) Direction() audiofmt.Direction { return s.cfg.Direction }
func (s *Stream) Format() audiofmt.Format       { return s.cfg.Format }
func (s *Stream) BufferFrames() int             { return s.cfg.BufferFrames }
func (s *Stream) CallbackThreshold() int        { return s.cfg.CallbackThreshold }
func (s *Stream) MinCallbackLevel() int         { return s.cfg.MinCallbackLevel }
func (s *Stream) Flags() uint32                 { return s.cfg.Flags }
func (s *Stream) Owner() uint64                 { return s.cfg.Owner }
func (s *Stream) Device() Device                { return s.device }
func (s *Stream) AudioChannel() io.Closer       { return s.audio }
func (s *Stream) SetAudioChannel(ch io.Closer)  { s.audio = ch }

// SetDevice records the device servicing the stream; devices call it from
// Attach and Detach.
func (s *Stream) SetDevice(d Device) { s.device = d }

// ShmKey identifies the region to the client; zero once destroyed.
func (s *Stream) ShmKey() int32 {
	if s.shm == nil {
		return 0
	}
	return s.shm.Key()
}

// ShmTotalSize is the size of the region in bytes.
func (s *Stream) ShmTotalSize() int {
	return TotalShmSize(s.cfg.Format, s.cfg.BufferFrames)
}

// CloseAudioChannel closes and forgets the audio channel. Closing a stream
// without a channel is a no-op.
func (s *Stream) CloseAudioChannel() error {
	if s.audio == nil {
		return nil
	}
	err := s.audio.Close()
	s.audio = nil
	return err
}

// Destroy detaches the stream if it is still attached, closes its audio
// channel and releases the shared-memory region.
func (s *Stream) Destroy() error {
	if s.device != nil {
		s.device.Detach(s)
		s.device = nil
	}
	errAudio := s.CloseAudioChannel()
	var errShm error
	if s.shm != nil {
		errShm = s.shm.Release()
		s.shm = nil
	}
	return errors.Join(errAudio, errShm)
}

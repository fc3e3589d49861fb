// Package session implements one client connection: the streams it owns and
// the handling of its control messages.
package session

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"

	"github.com/loqalabs/loqa-audio/internal/audiofmt"
	"github.com/loqalabs/loqa-audio/internal/errcode"
	"github.com/loqalabs/loqa-audio/internal/iodev"
	"github.com/loqalabs/loqa-audio/internal/protocol"
	"github.com/loqalabs/loqa-audio/internal/stream"
)

// Sender delivers messages on the client's control channel.
type Sender interface {
	Send(msg protocol.ClientMessage) error
}

// AudioDialer opens the audio-data channel for a stream.
type AudioDialer interface {
	Dial(streamID uint32) (io.Closer, error)
}

// Router resolves and moves device attachments. *iodev.List implements it.
type Router interface {
	ForStreamType(t audiofmt.StreamType, dir audiofmt.Direction) (iodev.Device, error)
	MoveStreamType(t audiofmt.StreamType, index int) error
}

// Journal records stream lifecycle events. Implementations must not block.
type Journal interface {
	StreamConnected(sessionID uint64, s *stream.Stream)
	StreamConnectFailed(sessionID uint64, streamID uint32, code int32)
	StreamDisconnected(sessionID uint64, streamID uint32)
}

type Options struct {
	ID        uint64
	Sender    Sender
	Router    Router
	Dialer    AudioDialer
	Allocator stream.Allocator
	Journal   Journal
	Logger    *slog.Logger
}

// Session owns the streams a client created. It is not safe for concurrent
// use.
type Session struct {
	id      uint64
	sender  Sender
	router  Router
	dialer  AudioDialer
	alloc   stream.Allocator
	journal Journal
	log     *slog.Logger
	streams map[uint32]*stream.Stream
}

// New creates the session and tells the client its id. The session is
// returned even when that message cannot be sent.
func New(opts Options) (*Session, error) {
	if opts.Sender == nil || opts.Router == nil || opts.Dialer == nil || opts.Allocator == nil {
		return nil, errors.New("session requires sender, router, dialer and allocator")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Session{
		id:      opts.ID,
		sender:  opts.Sender,
		router:  opts.Router,
		dialer:  opts.Dialer,
		alloc:   opts.Allocator,
		journal: opts.Journal,
		log:     logger.With(slog.String("component", "session"), slog.Uint64("session_id", opts.ID)),
		streams: make(map[uint32]*stream.Stream),
	}
	if err := s.sender.Send(protocol.ClientConnected{ClientID: s.id}); err != nil {
		return s, fmt.Errorf("send client connected: %w", err)
	}
	return s, nil
}

func (s *Session) ID() uint64 { return s.id }

// StreamCount is the number of streams the session owns.
func (s *Session) StreamCount() int { return len(s.streams) }

// Stream returns the owned stream with id, or nil.
func (s *Session) Stream(id uint32) *stream.Stream { return s.streams[id] }

// HandleMessage dispatches one decoded control message. Unknown kinds are
// ignored.
func (s *Session) HandleMessage(msg protocol.ServerMessage) error {
	switch m := msg.(type) {
	case protocol.StreamConnect:
		return s.handleStreamConnect(m)
	case protocol.StreamDisconnect:
		return s.handleStreamDisconnect(m.StreamID)
	case protocol.SwitchStreamTypeIodev:
		return s.handleSwitchStreamType(m)
	default:
		return nil
	}
}

func (s *Session) handleStreamConnect(req protocol.StreamConnect) error {
	requested := req.Format.Audio()
	typ := audiofmt.StreamType(req.StreamType)
	dir := audiofmt.Direction(req.Direction)

	if _, ok := s.streams[req.StreamID]; ok {
		return s.replyError(req, fmt.Errorf("stream %#x: %w", req.StreamID, errcode.ErrExists))
	}

	for _, n := range []int{req.BufferFrames, req.CallbackThreshold, req.MinCallbackLevel} {
		if n < 0 || n > stream.MaxBufferFrames {
			return s.replyError(req, fmt.Errorf("stream %#x buffer parameter %d out of range: %w",
				req.StreamID, n, errcode.ErrInvalidArgument))
		}
	}

	dev, err := s.router.ForStreamType(typ, dir)
	if err != nil {
		return s.replyError(req, err)
	}

	negotiated := requested
	dev.SetFormat(&negotiated)
	from, to := requested.SampleRate, negotiated.SampleRate

	st, err := stream.Create(stream.Config{
		ID:                req.StreamID,
		Type:              typ,
		Direction:         dir,
		Format:            negotiated,
		BufferFrames:      audiofmt.FramesAtRate(from, req.BufferFrames, to),
		CallbackThreshold: audiofmt.FramesAtRate(from, req.CallbackThreshold, to),
		MinCallbackLevel:  audiofmt.FramesAtRate(from, req.MinCallbackLevel, to),
		Flags:             req.Flags,
		Owner:             s.id,
	}, s.alloc)
	if err != nil {
		return s.replyError(req, err)
	}

	ch, err := s.dialer.Dial(req.StreamID)
	if err != nil {
		return s.replyError(req, errors.Join(fmt.Errorf("audio channel for stream %#x: %w", req.StreamID, err), st.Destroy()))
	}
	st.SetAudioChannel(ch)

	s.streams[req.StreamID] = st
	if err := dev.Attach(st); err != nil {
		delete(s.streams, req.StreamID)
		return s.replyError(req, errors.Join(err, st.Destroy()))
	}

	s.log.Debug("stream connected",
		slog.Uint64("stream_id", uint64(req.StreamID)),
		slog.String("device", dev.Name()),
		slog.String("format", negotiated.String()))
	if s.journal != nil {
		s.journal.StreamConnected(s.id, st)
	}

	// The stream stays wired when the reply cannot be delivered.
	err = s.sender.Send(protocol.StreamConnected{
		StreamID:     req.StreamID,
		Format:       protocol.FormatFrom(negotiated),
		ShmKey:       st.ShmKey(),
		ShmTotalSize: st.ShmTotalSize(),
	})
	if err != nil {
		return fmt.Errorf("send stream connected %#x: %w", req.StreamID, err)
	}
	return nil
}

// replyError reports a failed connect with the requested format and no
// shared memory, and returns cause.
func (s *Session) replyError(req protocol.StreamConnect, cause error) error {
	code := protocol.ErrorCode(cause)
	s.log.Warn("stream connect failed",
		slog.Uint64("stream_id", uint64(req.StreamID)),
		slog.Int("code", int(code)),
		slog.String("error", cause.Error()))
	if s.journal != nil {
		s.journal.StreamConnectFailed(s.id, req.StreamID, code)
	}
	err := s.sender.Send(protocol.StreamConnected{
		Err:      code,
		StreamID: req.StreamID,
		Format:   req.Format,
	})
	if err != nil {
		return errors.Join(cause, fmt.Errorf("send error reply: %w", err))
	}
	return cause
}

func (s *Session) handleStreamDisconnect(id uint32) error {
	st, ok := s.streams[id]
	if !ok {
		return fmt.Errorf("disconnect stream %#x: %w", id, errcode.ErrInvalidArgument)
	}
	return s.disconnect(st)
}

func (s *Session) disconnect(st *stream.Stream) error {
	delete(s.streams, st.ID())
	err := st.Destroy()
	if s.journal != nil {
		s.journal.StreamDisconnected(s.id, st.ID())
	}
	if err != nil {
		s.log.Warn("stream teardown incomplete",
			slog.Uint64("stream_id", uint64(st.ID())),
			slog.String("error", err.Error()))
	}
	return err
}

func (s *Session) handleSwitchStreamType(m protocol.SwitchStreamTypeIodev) error {
	s.log.Debug("switch stream type",
		slog.Int("stream_type", m.StreamType),
		slog.Int("iodev_idx", m.IodevIndex))
	return s.router.MoveStreamType(audiofmt.StreamType(m.StreamType), m.IodevIndex)
}

// Close disconnects every owned stream.
func (s *Session) Close() error {
	var errs []error
	for _, id := range slices.Sorted(maps.Keys(s.streams)) {
		if st, ok := s.streams[id]; ok {
			errs = append(errs, s.disconnect(st))
		}
	}
	return errors.Join(errs...)
}

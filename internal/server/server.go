// Package server accepts control connections and runs every session on a
// single control goroutine.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-audio/internal/config"
	"github.com/loqalabs/loqa-audio/internal/iodev"
	"github.com/loqalabs/loqa-audio/internal/protocol"
	"github.com/loqalabs/loqa-audio/internal/session"
	"github.com/loqalabs/loqa-audio/internal/stream"
	"github.com/loqalabs/loqa-audio/internal/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var errTooManyClients = errors.New("too many clients")

type Options struct {
	Config     config.ServerConfig
	Devices    *iodev.List
	Allocator  stream.Allocator
	Dialer     session.AudioDialer
	Journal    *Journal
	Dispatcher *Dispatcher
	Logger     *slog.Logger
}

// Stats is a point-in-time view of the session table.
type Stats struct {
	Sessions int `json:"sessions"`
	Streams  int `json:"streams"`
	Devices  int `json:"devices"`
}

type Server struct {
	cfg     config.ServerConfig
	devices *iodev.List
	alloc   stream.Allocator
	dialer  session.AudioDialer
	journal *Journal
	disp    *Dispatcher
	base    *slog.Logger
	log     *slog.Logger
	metrics *metrics

	nextID atomic.Uint64
	// sessions is only touched on the control goroutine.
	sessions map[uint64]*session.Session

	mu    sync.Mutex
	conns map[*transport.Conn]struct{}
	wg    sync.WaitGroup
}

func New(opts Options) (*Server, error) {
	if opts.Devices == nil || opts.Allocator == nil || opts.Dialer == nil || opts.Dispatcher == nil {
		return nil, errors.New("server requires devices, allocator, dialer and dispatcher")
	}
	m, err := newMetrics()
	if err != nil {
		return nil, fmt.Errorf("init server metrics: %w", err)
	}
	return &Server{
		cfg:      opts.Config,
		devices:  opts.Devices,
		alloc:    opts.Allocator,
		dialer:   opts.Dialer,
		journal:  opts.Journal,
		disp:     opts.Dispatcher,
		base:     opts.Logger,
		log:      opts.Logger.With(slog.String("component", "server")),
		metrics:  m,
		sessions: make(map[uint64]*session.Session),
		conns:    make(map[*transport.Conn]struct{}),
	}, nil
}

// Serve accepts connections on ln until ctx is done, then closes every
// connection and waits for their sessions to be torn down. The dispatcher must
// keep running until Serve returns.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	s.log.Info("control socket listening", slog.String("addr", ln.Addr().String()))
	var acceptErr error
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					s.log.Warn("accept failed", slog.String("error", err.Error()))
					time.Sleep(50 * time.Millisecond)
					continue
				}
				acceptErr = fmt.Errorf("accept: %w", err)
			}
			break
		}
		conn := transport.NewConn(c, time.Duration(s.cfg.ReplyTimeoutMS)*time.Millisecond)
		s.track(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.track(conn, false)
			s.handleConn(ctx, conn)
		}()
	}

	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.log.Info("control socket closed")
	return acceptErr
}

func (s *Server) track(conn *transport.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn *transport.Conn) {
	defer conn.Close()
	id := s.nextID.Add(1)
	log := s.log.With(slog.Uint64("session_id", id))

	var sess *session.Session
	err := s.disp.Do(ctx, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.cfg.MaxClients > 0 && len(s.sessions) >= s.cfg.MaxClients {
			return errTooManyClients
		}
		created, err := session.New(session.Options{
			ID:        id,
			Sender:    conn,
			Router:    s.devices,
			Dialer:    s.dialer,
			Allocator: s.alloc,
			Journal:   s.sessionJournal(),
			Logger:    s.base,
		})
		if err != nil {
			return err
		}
		sess = created
		s.sessions[id] = sess
		if s.journal != nil {
			s.journal.SessionOpened(id)
		}
		s.refreshCounts()
		return nil
	})
	if err != nil {
		log.Warn("client rejected", slog.String("error", err.Error()))
		return
	}
	log.Info("client connected")

	for {
		msg, err := conn.Receive()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformed) {
				log.Warn("dropping malformed message", slog.String("error", err.Error()))
				continue
			}
			if !transport.IsClosed(err) {
				log.Warn("control read failed", slog.String("error", err.Error()))
			}
			break
		}
		if err := s.disp.Post(ctx, func() { s.dispatch(ctx, sess, msg) }); err != nil {
			break
		}
	}

	// Teardown must run even after shutdown started.
	_ = s.disp.Do(context.WithoutCancel(ctx), func() error {
		s.closeSession(id)
		return nil
	})
	log.Info("client disconnected")
}

func (s *Server) sessionJournal() session.Journal {
	if s.journal == nil {
		return nil
	}
	return s.journal
}

func messageKind(msg protocol.ServerMessage) string {
	switch m := msg.(type) {
	case protocol.StreamConnect:
		return protocol.TypeStreamConnect
	case protocol.StreamDisconnect:
		return protocol.TypeStreamDisconnect
	case protocol.SwitchStreamTypeIodev:
		return protocol.TypeSwitchStreamTypeIodev
	case protocol.Unknown:
		return "unknown:" + m.Type
	default:
		return fmt.Sprintf("%T", msg)
	}
}

// dispatch runs on the control goroutine.
func (s *Server) dispatch(ctx context.Context, sess *session.Session, msg protocol.ServerMessage) {
	kind := messageKind(msg)
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "audiod.session.message")
	span.SetAttributes(
		attribute.Int64("session.id", int64(sess.ID())),
		attribute.String("message.type", kind))
	defer span.End()

	start := time.Now()
	err := sess.HandleMessage(msg)
	s.metrics.message(ctx, kind, time.Since(start))
	if _, ok := msg.(protocol.StreamConnect); ok {
		s.metrics.connect(ctx, protocol.ErrorCode(err))
	}
	s.refreshCounts()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.log.Warn("control message failed",
			slog.Uint64("session_id", sess.ID()),
			slog.String("type", kind),
			slog.String("error", err.Error()))
	}
}

func (s *Server) closeSession(id uint64) {
	sess, ok := s.sessions[id]
	if !ok {
		return
	}
	delete(s.sessions, id)
	if err := sess.Close(); err != nil {
		s.log.Warn("session teardown incomplete",
			slog.Uint64("session_id", id),
			slog.String("error", err.Error()))
	}
	if s.journal != nil {
		s.journal.SessionClosed(id)
	}
	s.refreshCounts()
}

func (s *Server) refreshCounts() {
	streams := 0
	for _, sess := range s.sessions {
		streams += sess.StreamCount()
	}
	s.metrics.sessions.Store(int64(len(s.sessions)))
	s.metrics.streams.Store(int64(streams))
}

// Stats reads the session table on the control goroutine.
func (s *Server) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.disp.Do(ctx, func() error {
		st.Sessions = len(s.sessions)
		for _, sess := range s.sessions {
			st.Streams += sess.StreamCount()
		}
		st.Devices = len(s.devices.Devices())
		return nil
	})
	if err != nil {
		return Stats{}, err
	}
	return st, nil
}

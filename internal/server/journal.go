package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-audio/internal/eventstore"
	"github.com/loqalabs/loqa-audio/internal/stream"
)

type recordKind int

const (
	recordSessionOpened recordKind = iota
	recordSessionClosed
	recordEvent
)

type record struct {
	kind  recordKind
	event eventstore.Event
}

type traceKey struct {
	session uint64
	stream  uint32
}

// Journal writes session and stream lifecycle events to the event store from
// a background goroutine. Its recording methods are called from the control
// goroutine and never block; records are dropped when the buffer is full.
type Journal struct {
	store    *eventstore.Store
	instance string
	nodeID   string
	log      *slog.Logger
	records  chan record
	traces   map[traceKey]string
	dropped  atomic.Int64
	wg       sync.WaitGroup
}

// NewJournal starts a journal. instanceID distinguishes session ids across
// daemon restarts.
func NewJournal(store *eventstore.Store, instanceID, nodeID string, buffer int, logger *slog.Logger) *Journal {
	if buffer <= 0 {
		buffer = 256
	}
	j := &Journal{
		store:    store,
		instance: instanceID,
		nodeID:   nodeID,
		log:      logger.With(slog.String("component", "journal")),
		records:  make(chan record, buffer),
		traces:   make(map[traceKey]string),
	}
	j.wg.Add(1)
	go j.run()
	return j
}

// SessionKey is the event store id of a client session.
func (j *Journal) SessionKey(sessionID uint64) string {
	return fmt.Sprintf("%s/%d", j.instance, sessionID)
}

// Dropped is the number of records discarded because the buffer was full.
func (j *Journal) Dropped() int64 { return j.dropped.Load() }

func (j *Journal) enqueue(r record) {
	select {
	case j.records <- r:
	default:
		if j.dropped.Add(1) == 1 {
			j.log.Warn("journal buffer full, dropping records")
		}
	}
}

func (j *Journal) SessionOpened(sessionID uint64) {
	j.enqueue(record{kind: recordSessionOpened, event: eventstore.Event{SessionID: j.SessionKey(sessionID)}})
}

func (j *Journal) SessionClosed(sessionID uint64) {
	j.enqueue(record{kind: recordSessionClosed, event: eventstore.Event{SessionID: j.SessionKey(sessionID)}})
}

func (j *Journal) StreamConnected(sessionID uint64, s *stream.Stream) {
	trace := uuid.NewString()
	j.traces[traceKey{sessionID, s.ID()}] = trace
	payload, _ := json.Marshal(map[string]any{
		"stream_type":   s.Type().String(),
		"direction":     s.Direction().String(),
		"format":        s.Format().String(),
		"buffer_frames": s.BufferFrames(),
		"shm_size":      s.ShmTotalSize(),
	})
	j.enqueue(record{kind: recordEvent, event: eventstore.Event{
		SessionID: j.SessionKey(sessionID),
		TraceID:   trace,
		StreamID:  s.ID(),
		Type:      eventstore.TypeStreamConnected,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}})
}

func (j *Journal) StreamConnectFailed(sessionID uint64, streamID uint32, code int32) {
	j.enqueue(record{kind: recordEvent, event: eventstore.Event{
		SessionID: j.SessionKey(sessionID),
		TraceID:   uuid.NewString(),
		StreamID:  streamID,
		Type:      eventstore.TypeStreamConnectError,
		Code:      code,
		CreatedAt: time.Now().UTC(),
	}})
}

func (j *Journal) StreamDisconnected(sessionID uint64, streamID uint32) {
	key := traceKey{sessionID, streamID}
	trace, ok := j.traces[key]
	if !ok {
		trace = uuid.NewString()
	}
	delete(j.traces, key)
	j.enqueue(record{kind: recordEvent, event: eventstore.Event{
		SessionID: j.SessionKey(sessionID),
		TraceID:   trace,
		StreamID:  streamID,
		Type:      eventstore.TypeStreamDisconnected,
		CreatedAt: time.Now().UTC(),
	}})
}

func (j *Journal) run() {
	defer j.wg.Done()
	for r := range j.records {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		var err error
		switch r.kind {
		case recordSessionOpened:
			err = j.store.OpenSession(ctx, r.event.SessionID, j.nodeID)
		case recordSessionClosed:
			err = j.store.CloseSession(ctx, r.event.SessionID)
		case recordEvent:
			err = j.store.AppendEvent(ctx, r.event)
		}
		cancel()
		if err != nil {
			j.log.Warn("failed to append journal record",
				slog.String("session_id", r.event.SessionID),
				slog.String("error", err.Error()))
		}
	}
}

// Close flushes queued records. No recording method may be called after it.
func (j *Journal) Close() {
	close(j.records)
	j.wg.Wait()
}

// Package statebus mirrors the system audio state onto the message bus and
// applies setting changes requested by other nodes.
package statebus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-audio/internal/bus"
	"github.com/loqalabs/loqa-audio/internal/config"
	"github.com/loqalabs/loqa-audio/internal/errcode"
	"github.com/loqalabs/loqa-audio/internal/protocol"
	"github.com/loqalabs/loqa-audio/internal/systemstate"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// Bucket is the key-value bucket holding the latest snapshot per node.
	Bucket = "audio_state"

	observerKey = "statebus"
)

// Runner executes work on the goroutine that owns the State.
type Runner interface {
	Post(ctx context.Context, fn func()) error
	Do(ctx context.Context, fn func() error) error
}

// SnapshotMessage is published on the snapshot subject and stored in the
// bucket under the node id.
type SnapshotMessage struct {
	NodeID    string               `json:"node_id"`
	State     systemstate.Snapshot `json:"state"`
	Timestamp time.Time            `json:"timestamp"`
}

// Reply answers a request on the control subject.
type Reply struct {
	State *systemstate.Snapshot `json:"state,omitempty"`
	Error string                `json:"error,omitempty"`
	Code  int32                 `json:"code,omitempty"`
}

type Options struct {
	Config config.StateConfig
	State  *systemstate.State
	Bus    *bus.Client
	Runner Runner
	// Logger defaults to the bus client's logger.
	Logger *slog.Logger
}

type Bridge struct {
	cfg    config.StateConfig
	state  *systemstate.State
	bus    *bus.Client
	runner Runner
	log    *slog.Logger
	kv     nats.KeyValue

	cancel context.CancelFunc
	wg     sync.WaitGroup
	sub    *nats.Subscription

	published metric.Int64Counter
	applied   metric.Int64Counter
}

// New registers the bridge as an observer of every setting, subscribes to the
// control subject and starts the snapshot heartbeat.
func New(ctx context.Context, opts Options) (*Bridge, error) {
	if opts.State == nil || opts.Bus == nil || opts.Runner == nil {
		return nil, errors.New("statebus requires state, bus and runner")
	}
	logger := opts.Logger
	if logger == nil {
		logger = opts.Bus.Logger()
	}
	ctx, cancel := context.WithCancel(ctx)
	b := &Bridge{
		cfg:    opts.Config,
		state:  opts.State,
		bus:    opts.Bus,
		runner: opts.Runner,
		log:    logger.With(slog.String("component", "statebus")),
		cancel: cancel,
	}
	if err := b.initMetrics(); err != nil {
		b.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	kv, err := b.bucket()
	if err != nil {
		b.log.Warn("state bucket unavailable, snapshots are published only", slog.String("error", err.Error()))
	}
	b.kv = kv

	if err := b.runner.Do(ctx, b.register); err != nil {
		cancel()
		return nil, fmt.Errorf("register state observers: %w", err)
	}

	sub, err := b.bus.Conn().Subscribe(protocol.SubjectControlSet, func(msg *nats.Msg) { b.handleSet(ctx, msg) })
	if err != nil {
		b.unregister()
		cancel()
		return nil, fmt.Errorf("subscribe %s: %w", protocol.SubjectControlSet, err)
	}
	b.sub = sub

	b.wg.Add(1)
	go b.runHeartbeat(ctx)
	return b, nil
}

func (b *Bridge) bucket() (nats.KeyValue, error) {
	js := b.bus.JetStream()
	if js == nil {
		return nil, errors.New("jetstream not available")
	}
	kv, err := js.KeyValue(Bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      Bucket,
			Description: "latest audio state snapshot per node",
			History:     1,
		})
	}
	if err != nil {
		return nil, err
	}
	return kv, nil
}

func (b *Bridge) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-audio/statebus")
	var err error
	if b.published, err = meter.Int64Counter("loqa.audio.state.published",
		metric.WithDescription("State changes published to the bus, by setting")); err != nil {
		return err
	}
	b.applied, err = meter.Int64Counter("loqa.audio.state.applied",
		metric.WithDescription("Setting requests received from the bus, by result"))
	return err
}

// register runs on the control goroutine.
func (b *Bridge) register() error {
	return errors.Join(
		b.state.RegisterVolumeChanged(observerKey, func(v int, _ any) {
			b.publishChange(protocol.SettingVolume, int64(v))
		}, b),
		b.state.RegisterCaptureGainChanged(observerKey, func(v int64, _ any) {
			b.publishChange(protocol.SettingCaptureGain, v)
		}, b),
		b.state.RegisterMuteChanged(observerKey, func(v int, _ any) {
			b.publishChange(protocol.SettingMute, int64(v))
		}, b),
		b.state.RegisterCaptureMuteChanged(observerKey, func(v int, _ any) {
			b.publishChange(protocol.SettingCaptureMute, int64(v))
		}, b),
	)
}

func (b *Bridge) unregister() {
	_ = b.runner.Do(context.Background(), func() error {
		_ = b.state.RemoveVolumeChanged(observerKey, b)
		_ = b.state.RemoveCaptureGainChanged(observerKey, b)
		_ = b.state.RemoveMuteChanged(observerKey, b)
		_ = b.state.RemoveCaptureMuteChanged(observerKey, b)
		return nil
	})
}

func subjectFor(setting string) string {
	switch setting {
	case protocol.SettingVolume:
		return protocol.SubjectStateVolume
	case protocol.SettingCaptureGain:
		return protocol.SubjectStateCaptureGain
	case protocol.SettingMute:
		return protocol.SubjectStateMute
	case protocol.SettingCaptureMute:
		return protocol.SubjectStateCaptureMute
	}
	return ""
}

// publishChange is called from state observers on the control goroutine.
// Publishing only buffers, so it is safe to do inline.
func (b *Bridge) publishChange(setting string, value int64) {
	payload, err := json.Marshal(protocol.StateChange{
		NodeID:    b.cfg.NodeID,
		Setting:   setting,
		Value:     value,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		b.log.Warn("failed to encode state change", slog.String("error", err.Error()))
		return
	}
	if err := b.bus.Conn().Publish(subjectFor(setting), payload); err != nil {
		b.log.Warn("failed to publish state change",
			slog.String("setting", setting),
			slog.String("error", err.Error()))
		return
	}
	if b.published != nil {
		b.published.Add(context.Background(), 1, metric.WithAttributes(attribute.String("setting", setting)))
	}
}

// apply writes a setting. Runs on the control goroutine.
func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// apply narrows wire values in int64 so large requests saturate instead of
// wrapping on 32-bit builds.
func (b *Bridge) apply(req protocol.SetSetting) error {
	switch req.Setting {
	case protocol.SettingVolume:
		b.state.SetVolume(int(max(0, min(req.Value, systemstate.MaxVolume))))
	case protocol.SettingCaptureGain:
		b.state.SetCaptureGain(req.Value)
	case protocol.SettingMute:
		b.state.SetMute(boolToInt(req.Value != 0))
	case protocol.SettingCaptureMute:
		b.state.SetCaptureMute(boolToInt(req.Value != 0))
	default:
		return fmt.Errorf("unknown setting %q: %w", req.Setting, errcode.ErrInvalidArgument)
	}
	return nil
}

func (b *Bridge) handleSet(ctx context.Context, msg *nats.Msg) {
	var req protocol.SetSetting
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		b.log.Warn("invalid setting request", slog.String("error", err.Error()))
		b.respond(msg, Reply{Error: err.Error(), Code: int32(errcode.InvalidArgument)})
		return
	}
	err := b.runner.Post(ctx, func() {
		err := b.apply(req)
		result := "ok"
		if err != nil {
			result = "rejected"
			b.log.Warn("setting request rejected", slog.String("error", err.Error()))
			b.respond(msg, Reply{Error: err.Error(), Code: protocol.ErrorCode(err)})
		} else {
			snap := b.state.Snapshot()
			b.respond(msg, Reply{State: &snap})
		}
		if b.applied != nil {
			b.applied.Add(ctx, 1, metric.WithAttributes(
				attribute.String("setting", req.Setting),
				attribute.String("result", result)))
		}
	})
	if err != nil {
		b.respond(msg, Reply{Error: err.Error(), Code: int32(errcode.IO)})
	}
}

func (b *Bridge) respond(msg *nats.Msg, reply Reply) {
	if msg.Reply == "" {
		return
	}
	payload, err := json.Marshal(reply)
	if err != nil {
		return
	}
	if err := msg.Respond(payload); err != nil {
		b.log.Warn("failed to respond to setting request", slog.String("error", err.Error()))
	}
}

func (b *Bridge) runHeartbeat(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(time.Duration(b.cfg.HeartbeatInterval) * time.Millisecond)
	defer ticker.Stop()

	b.publishSnapshot(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.publishSnapshot(ctx)
		}
	}
}

func (b *Bridge) publishSnapshot(ctx context.Context) {
	var snap systemstate.Snapshot
	err := b.runner.Do(ctx, func() error {
		snap = b.state.Snapshot()
		return nil
	})
	if err != nil {
		if ctx.Err() == nil {
			b.log.Warn("failed to read state snapshot", slog.String("error", err.Error()))
		}
		return
	}
	payload, err := json.Marshal(SnapshotMessage{
		NodeID:    b.cfg.NodeID,
		State:     snap,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return
	}
	if err := b.bus.Conn().Publish(protocol.SubjectStateSnapshot, payload); err != nil {
		b.log.Warn("failed to publish snapshot", slog.String("error", err.Error()))
	}
	if b.kv != nil {
		if _, err := b.kv.Put(b.cfg.NodeID, payload); err != nil {
			b.log.Warn("failed to store snapshot", slog.String("error", err.Error()))
		}
	}
}

// Close stops the heartbeat, unsubscribes and removes the state observers.
// The runner must still be running.
func (b *Bridge) Close() {
	b.cancel()
	b.wg.Wait()
	if b.sub != nil {
		_ = b.sub.Drain()
	}
	b.unregister()
}

// LoadSnapshot reads the stored snapshot of a node from the bucket.
func LoadSnapshot(js nats.JetStreamContext, nodeID string) (SnapshotMessage, error) {
	var snap SnapshotMessage
	kv, err := js.KeyValue(Bucket)
	if err != nil {
		return snap, fmt.Errorf("open bucket %s: %w", Bucket, err)
	}
	entry, err := kv.Get(nodeID)
	if err != nil {
		return snap, fmt.Errorf("get snapshot for %s: %w", nodeID, err)
	}
	if err := json.Unmarshal(entry.Value(), &snap); err != nil {
		return snap, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

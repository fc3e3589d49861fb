package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-audio/internal/bus"
	"github.com/loqalabs/loqa-audio/internal/card"
	"github.com/loqalabs/loqa-audio/internal/config"
	"github.com/loqalabs/loqa-audio/internal/eventstore"
	"github.com/loqalabs/loqa-audio/internal/hotplug"
	"github.com/loqalabs/loqa-audio/internal/iodev"
	"github.com/loqalabs/loqa-audio/internal/natsserver"
	"github.com/loqalabs/loqa-audio/internal/server"
	"github.com/loqalabs/loqa-audio/internal/statebus"
	"github.com/loqalabs/loqa-audio/internal/stream"
	"github.com/loqalabs/loqa-audio/internal/systemstate"
	"github.com/loqalabs/loqa-audio/internal/transport"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	nats    *natsserver.EmbeddedServer
	bus     *bus.Client
	store   *eventstore.Store
	journal *server.Journal
	disp    *server.Dispatcher
	state   *systemstate.State
	devices *iodev.List
	server  *server.Server
	bridge  *statebus.Bridge
	hotplug *hotplug.Watcher
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = tel.Shutdown

	if err := r.startAudio(ctx); err != nil {
		r.stopAudio()
		r.closeTelemetry()
		return err
	}

	ln, err := transport.Listen(r.cfg.Server.ControlSocket)
	if err != nil {
		r.stopAudio()
		r.closeTelemetry()
		return err
	}
	serveCtx, stopServe := context.WithCancel(ctx)
	defer stopServe()
	serveErr := make(chan error, 1)
	go func() { serveErr <- r.server.Serve(serveCtx, ln) }()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/v1/status", r.handleStatus)
	if tel.metrics != nil {
		mux.Handle("/metrics", tel.metrics)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("control_socket", r.cfg.Server.ControlSocket))

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		// Serve only returns early on a fatal accept error.
		runErr = err
		serveErr = nil
	}
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	stopServe()
	if serveErr != nil {
		if err := <-serveErr; err != nil {
			r.logger.Error("control server error", slog.String("error", err.Error()))
		}
	}
	r.stopAudio()
	r.closeTelemetry()
	return runErr
}

func (r *Runtime) startAudio(ctx context.Context) error {
	var err error
	if r.nats, err = natsserver.Start(r.cfg.Bus, r.logger); err != nil {
		return err
	}
	if r.nats != nil {
		r.cfg.Bus.Servers = []string{r.nats.ClientURL()}
	}
	if r.cfg.Bus.Enabled {
		if r.bus, err = bus.Connect(ctx, r.cfg.Bus, r.cfg.RuntimeName, r.logger); err != nil {
			return err
		}
	}

	if r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger); err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.journal = server.NewJournal(r.store, uuid.NewString(), r.cfg.State.NodeID, 0, r.logger)

	factory, err := card.NewFactory(r.cfg.State.CardBackend, r.logger)
	if err != nil {
		return err
	}
	r.state = systemstate.New(factory, r.logger)
	if r.devices, err = iodev.LoadList(r.cfg.Devices, r.logger); err != nil {
		return err
	}
	alloc, err := stream.NewAllocator(r.cfg.Server.ShmBackend)
	if err != nil {
		return err
	}

	r.disp = server.NewDispatcher(0, r.logger)
	r.disp.Start()
	if err := r.disp.Do(ctx, r.initState); err != nil {
		return err
	}
	if r.cfg.State.Hotplug {
		if r.hotplug, err = hotplug.Start(ctx, r.cfg.State.DevDir, r.state, r.disp, r.logger); err != nil {
			return err
		}
	}

	r.server, err = server.New(server.Options{
		Config:    r.cfg.Server,
		Devices:   r.devices,
		Allocator: alloc,
		Dialer: transport.AudioDialer{
			Dir:     r.cfg.Server.AudioDir,
			Timeout: time.Duration(r.cfg.Server.DialTimeoutMS) * time.Millisecond,
		},
		Journal:    r.journal,
		Dispatcher: r.disp,
		Logger:     r.logger,
	})
	if err != nil {
		return err
	}

	if r.bus != nil {
		r.bridge, err = statebus.New(ctx, statebus.Options{
			Config: r.cfg.State,
			State:  r.state,
			Bus:    r.bus,
			Runner: r.disp,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// initState applies configured settings and opens the configured cards. Runs
// on the control goroutine.
func (r *Runtime) initState() error {
	if v := r.cfg.State.InitialVolume; v != nil {
		r.state.SetVolume(*v)
	}
	var errs []error
	for _, idx := range r.cfg.State.Cards {
		if err := r.state.AddCard(idx); err != nil {
			errs = append(errs, fmt.Errorf("add card %d: %w", idx, err))
		}
	}
	return errors.Join(errs...)
}

// stopAudio tears down whatever startAudio brought up. Sessions must already
// be closed.
func (r *Runtime) stopAudio() {
	if r.hotplug != nil {
		r.hotplug.Close()
	}
	if r.bridge != nil {
		r.bridge.Close()
	}
	if r.disp != nil {
		_ = r.disp.Do(context.Background(), func() error {
			if err := r.state.Close(); err != nil {
				r.logger.Warn("failed to close cards", slog.String("error", err.Error()))
			}
			return nil
		})
		r.disp.Stop()
	}
	if r.journal != nil {
		r.journal.Close()
		if n := r.journal.Dropped(); n > 0 {
			r.logger.Warn("journal dropped records", slog.Int64("count", n))
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("failed to close event store", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.nats.Shutdown()
}

func (r *Runtime) closeTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.bus == nil || r.bus.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

type deviceStatus struct {
	Index     int    `json:"index"`
	Name      string `json:"name"`
	Direction string `json:"direction"`
	Streams   int    `json:"streams"`
}

type status struct {
	NodeID         string               `json:"node_id"`
	Server         server.Stats         `json:"server"`
	State          systemstate.Snapshot `json:"state"`
	Devices        []deviceStatus       `json:"devices"`
	BusConnected   bool                 `json:"bus_connected"`
	JournalDropped int64                `json:"journal_dropped"`
}

func (r *Runtime) handleStatus(w http.ResponseWriter, req *http.Request) {
	st := status{
		NodeID:         r.cfg.State.NodeID,
		BusConnected:   r.bus.Healthy(),
		JournalDropped: r.journal.Dropped(),
	}
	stats, err := r.server.Stats(req.Context())
	if err == nil {
		st.Server = stats
		err = r.disp.Do(req.Context(), func() error {
			st.State = r.state.Snapshot()
			for _, d := range r.devices.Devices() {
				st.Devices = append(st.Devices, deviceStatus{
					Index:     d.Index(),
					Name:      d.Name(),
					Direction: d.Direction().String(),
					Streams:   len(d.Streams()),
				})
			}
			return nil
		})
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(st)
}

package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/loqalabs/loqa-audio/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.Bus.Enabled = false
	cfg.EventStore.RetentionMode = "ephemeral"
	cfg.Server.ShmBackend = "heap"
	cfg.Server.AudioDir = t.TempDir()
	cfg.State.CardBackend = "placeholder"
	cfg.State.Cards = []int{0, 2}
	volume := 35
	cfg.State.InitialVolume = &volume
	return cfg
}

func TestStatusReportsState(t *testing.T) {
	rt := New(testConfig(t), newLogger())
	if err := rt.startAudio(context.Background()); err != nil {
		t.Fatalf("start audio: %v", err)
	}
	defer rt.stopAudio()

	rec := httptest.NewRecorder()
	rt.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/v1/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var st status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.State.Volume != 35 || len(st.State.Cards) != 2 {
		t.Fatalf("unexpected state %+v", st.State)
	}
	if len(st.Devices) != 2 || st.Server.Sessions != 0 || st.BusConnected {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestStartAudioRejectsDuplicateCards(t *testing.T) {
	cfg := testConfig(t)
	cfg.State.Cards = []int{1, 1}
	rt := New(cfg, newLogger())
	err := rt.startAudio(context.Background())
	rt.stopAudio()
	if err == nil {
		t.Fatalf("expected duplicate card to fail")
	}
}

func TestReadyz(t *testing.T) {
	rt := New(testConfig(t), newLogger())
	rec := httptest.NewRecorder()
	rt.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected not ready, got %d", rec.Code)
	}
	rt.ready.Store(true)
	rec = httptest.NewRecorder()
	rt.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected ready, got %d", rec.Code)
	}
}

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if len(cfg.Devices) != 2 || cfg.Devices[0].Direction != "playback" {
		t.Fatalf("expected default devices, got %+v", cfg.Devices)
	}
	if cfg.Server.ShmBackend != "sysv" {
		t.Fatalf("expected sysv shm backend, got %q", cfg.Server.ShmBackend)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AUDIOD_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("AUDIOD_BUS_USERNAME", "alice")
	t.Setenv("AUDIOD_BUS_PASSWORD", "secret")
	t.Setenv("AUDIOD_BUS_TLS_INSECURE", "true")
	t.Setenv("AUDIOD_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("AUDIOD_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("AUDIOD_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("AUDIOD_EVENT_STORE_RETENTION_DAYS", "3")
	t.Setenv("AUDIOD_SERVER_CONTROL_SOCKET", "/tmp/audiod.sock")
	t.Setenv("AUDIOD_SERVER_REPLY_TIMEOUT_MS", "250")
	t.Setenv("AUDIOD_SERVER_SHM_BACKEND", "heap")
	t.Setenv("AUDIOD_STATE_NODE_ID", "kitchen")
	t.Setenv("AUDIOD_STATE_HEARTBEAT_INTERVAL_MS", "1500")
	t.Setenv("AUDIOD_STATE_CARD_BACKEND", "placeholder")
	t.Setenv("AUDIOD_STATE_CARDS", "0, 2")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.EventStore.Path != "./tmp.db" || cfg.EventStore.RetentionMode != "persistent" || cfg.EventStore.RetentionDays != 3 {
		t.Fatalf("expected event store overrides, got %+v", cfg.EventStore)
	}
	if cfg.Server.ControlSocket != "/tmp/audiod.sock" || cfg.Server.ReplyTimeoutMS != 250 || cfg.Server.ShmBackend != "heap" {
		t.Fatalf("expected server overrides, got %+v", cfg.Server)
	}
	if cfg.State.NodeID != "kitchen" || cfg.State.HeartbeatInterval != 1500 || cfg.State.CardBackend != "placeholder" {
		t.Fatalf("expected state overrides, got %+v", cfg.State)
	}
	if len(cfg.State.Cards) != 2 || cfg.State.Cards[1] != 2 {
		t.Fatalf("expected cards [0 2], got %v", cfg.State.Cards)
	}
}

func TestInvalidCardListIgnored(t *testing.T) {
	t.Setenv("AUDIOD_STATE_CARDS", "0,x")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.State.Cards) != 0 {
		t.Fatalf("expected cards unchanged, got %v", cfg.State.Cards)
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audiod.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDevicesFromFile(t *testing.T) {
	path := writeConfig(t, `
devices:
  - index: 4
    name: usb-headset
    direction: capture
    stream_types: [voice]
    rates: [16000]
    channels: [1]
    samples: [s16le]
    max_streams: 2
state:
  initial_volume: 40
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Devices) != 1 {
		t.Fatalf("expected file devices to replace defaults, got %d", len(cfg.Devices))
	}
	d := cfg.Devices[0]
	if d.Index != 4 || d.Types[0] != "voice" || d.MaxStreams != 2 {
		t.Fatalf("unexpected device %+v", d)
	}
	if cfg.State.InitialVolume == nil || *cfg.State.InitialVolume != 40 {
		t.Fatalf("expected initial volume 40")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"duplicate index": `
devices:
  - {index: 1, direction: playback, rates: [48000], channels: [2], samples: [s16le]}
  - {index: 1, direction: capture, rates: [48000], channels: [2], samples: [s16le]}
`,
		"bad sample": `
devices:
  - {index: 1, direction: playback, rates: [48000], channels: [2], samples: [dsd64]}
`,
		"bad direction": `
devices:
  - {index: 1, direction: sideways, rates: [48000], channels: [2], samples: [s16le]}
`,
		"shm backend": `
server:
  shm_backend: mmap
`,
		"volume range": `
state:
  initial_volume: 140
`,
	}
	for name, body := range cases {
		t.Run(strings.ReplaceAll(name, " ", "_"), func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestTelemetryLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		" error ": slog.LevelError,
		"verbose": slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for name, want := range cases {
		if got := (TelemetryConfig{LogLevel: name}).Level(); got != want {
			t.Fatalf("level %q: expected %v, got %v", name, want, got)
		}
	}
}

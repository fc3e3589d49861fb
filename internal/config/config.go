package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-audio/internal/audiofmt"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	TraceStdout  bool   `yaml:"trace_stdout"`
}

// Level maps LogLevel onto slog. Unknown names fall back to info.
func (t TelemetryConfig) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(t.LogLevel))); err != nil {
		return slog.LevelInfo
	}
	return level
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Server      ServerConfig     `yaml:"server"`
	State       StateConfig      `yaml:"state"`
	Devices     []DeviceConfig   `yaml:"devices"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type ServerConfig struct {
	ControlSocket  string `yaml:"control_socket"`
	AudioDir       string `yaml:"audio_dir"`
	ReplyTimeoutMS int    `yaml:"reply_timeout_ms"`
	DialTimeoutMS  int    `yaml:"dial_timeout_ms"`
	ShmBackend     string `yaml:"shm_backend"` // heap, sysv
	MaxClients     int    `yaml:"max_clients"`
}

type StateConfig struct {
	NodeID            string `yaml:"node_id"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	CardBackend       string `yaml:"card_backend"` // alsa, placeholder
	Cards             []int  `yaml:"cards"`
	InitialVolume     *int   `yaml:"initial_volume"`
	Hotplug           bool   `yaml:"hotplug"`
	DevDir            string `yaml:"dev_dir"`
}

type DeviceConfig struct {
	Index      int      `yaml:"index"`
	Name       string   `yaml:"name"`
	Direction  string   `yaml:"direction"`
	Types      []string `yaml:"stream_types"`
	Rates      []int    `yaml:"rates"`
	Channels   []int    `yaml:"channels"`
	Samples    []string `yaml:"samples"`
	MaxStreams int      `yaml:"max_streams"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-audio",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8090,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/audiod-events.db",
			RetentionMode: "session",
			RetentionDays: 7,
			MaxSessions:   10000,
		},
		Server: ServerConfig{
			ControlSocket:  "/run/loqa-audio/audiod.sock",
			AudioDir:       "/run/loqa-audio",
			ReplyTimeoutMS: 500,
			DialTimeoutMS:  1000,
			ShmBackend:     "sysv",
			MaxClients:     64,
		},
		State: StateConfig{
			NodeID:            "loqa-audio-1",
			HeartbeatInterval: 5000,
			CardBackend:       "alsa",
			DevDir:            "/dev/snd",
		},
		Devices: []DeviceConfig{
			{
				Index:     0,
				Name:      "default-playback",
				Direction: "playback",
				Rates:     []int{48000, 44100},
				Channels:  []int{2, 1},
				Samples:   []string{"s16le", "s32le"},
			},
			{
				Index:     1,
				Name:      "default-capture",
				Direction: "capture",
				Rates:     []int{48000, 16000},
				Channels:  []int{2, 1},
				Samples:   []string{"s16le"},
			},
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "AUDIOD_RUNTIME_NAME")
	overrideString(&cfg.Environment, "AUDIOD_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "AUDIOD_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "AUDIOD_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "AUDIOD_TELEMETRY_LOG_LEVEL")
	overrideBool(&cfg.Telemetry.TraceStdout, "AUDIOD_TELEMETRY_TRACE_STDOUT")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "AUDIOD_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "AUDIOD_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Enabled, "AUDIOD_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "AUDIOD_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "AUDIOD_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "AUDIOD_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "AUDIOD_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "AUDIOD_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "AUDIOD_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "AUDIOD_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "AUDIOD_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "AUDIOD_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "AUDIOD_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "AUDIOD_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "AUDIOD_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "AUDIOD_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "AUDIOD_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Server.ControlSocket, "AUDIOD_SERVER_CONTROL_SOCKET")
	overrideString(&cfg.Server.AudioDir, "AUDIOD_SERVER_AUDIO_DIR")
	overrideInt(&cfg.Server.ReplyTimeoutMS, "AUDIOD_SERVER_REPLY_TIMEOUT_MS")
	overrideInt(&cfg.Server.DialTimeoutMS, "AUDIOD_SERVER_DIAL_TIMEOUT_MS")
	overrideString(&cfg.Server.ShmBackend, "AUDIOD_SERVER_SHM_BACKEND")
	overrideInt(&cfg.Server.MaxClients, "AUDIOD_SERVER_MAX_CLIENTS")
	overrideString(&cfg.State.NodeID, "AUDIOD_STATE_NODE_ID")
	overrideInt(&cfg.State.HeartbeatInterval, "AUDIOD_STATE_HEARTBEAT_INTERVAL_MS")
	overrideString(&cfg.State.CardBackend, "AUDIOD_STATE_CARD_BACKEND")
	overrideIntSlice(&cfg.State.Cards, "AUDIOD_STATE_CARDS")
	overrideBool(&cfg.State.Hotplug, "AUDIOD_STATE_HOTPLUG")
	overrideString(&cfg.State.DevDir, "AUDIOD_STATE_DEV_DIR")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func splitList(value string) []string {
	var trimmed []string
	for _, p := range strings.Split(value, ",") {
		if s := strings.TrimSpace(p); s != "" {
			trimmed = append(trimmed, s)
		}
	}
	return trimmed
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if trimmed := splitList(value); len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

// overrideIntSlice ignores the variable entirely if any element is not an
// integer.
func overrideIntSlice(target *[]int, envKey string) {
	value, ok := os.LookupEnv(envKey)
	if !ok {
		return
	}
	var out []int
	for _, p := range splitList(value) {
		n, err := strconv.Atoi(p)
		if err != nil {
			return
		}
		out = append(out, n)
	}
	*target = out
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" && cfg.EventStore.RetentionMode != "ephemeral" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Server.ControlSocket == "" {
		return errors.New("server.control_socket must not be empty")
	}
	if cfg.Server.AudioDir == "" {
		return errors.New("server.audio_dir must not be empty")
	}
	if cfg.Server.ReplyTimeoutMS <= 0 {
		return errors.New("server.reply_timeout_ms must be positive")
	}
	if cfg.Server.DialTimeoutMS <= 0 {
		return errors.New("server.dial_timeout_ms must be positive")
	}
	switch cfg.Server.ShmBackend {
	case "heap", "sysv":
	default:
		return errors.New("server.shm_backend must be one of heap|sysv")
	}
	if cfg.Server.MaxClients < 0 {
		return errors.New("server.max_clients must be >= 0")
	}
	if cfg.State.NodeID == "" {
		return errors.New("state.node_id must not be empty")
	}
	if cfg.State.HeartbeatInterval <= 0 {
		return errors.New("state.heartbeat_interval_ms must be positive")
	}
	switch cfg.State.CardBackend {
	case "alsa", "placeholder":
	default:
		return errors.New("state.card_backend must be one of alsa|placeholder")
	}
	if cfg.State.Hotplug && cfg.State.DevDir == "" {
		return errors.New("state.dev_dir is required when hotplug is enabled")
	}
	if v := cfg.State.InitialVolume; v != nil && (*v < 0 || *v > 100) {
		return errors.New("state.initial_volume must be between 0 and 100")
	}
	seen := make(map[int]bool, len(cfg.Devices))
	for i, d := range cfg.Devices {
		if seen[d.Index] {
			return fmt.Errorf("devices[%d]: duplicate index %d", i, d.Index)
		}
		seen[d.Index] = true
		if err := d.validate(); err != nil {
			return fmt.Errorf("devices[%d]: %w", i, err)
		}
	}
	return nil
}

func (d DeviceConfig) validate() error {
	if _, err := audiofmt.ParseDirection(d.Direction); err != nil {
		return err
	}
	for _, t := range d.Types {
		if _, err := audiofmt.ParseStreamType(t); err != nil {
			return err
		}
	}
	if len(d.Rates) == 0 || len(d.Channels) == 0 || len(d.Samples) == 0 {
		return errors.New("rates, channels and samples must not be empty")
	}
	for _, r := range d.Rates {
		if r <= 0 {
			return fmt.Errorf("rate %d must be positive", r)
		}
	}
	for _, c := range d.Channels {
		if c <= 0 {
			return fmt.Errorf("channel count %d must be positive", c)
		}
	}
	for _, s := range d.Samples {
		if _, err := audiofmt.ParseSample(s); err != nil {
			return err
		}
	}
	if d.MaxStreams < 0 {
		return errors.New("max_streams must be >= 0")
	}
	return nil
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig marks configuration problems that must stop startup.
var ErrInvalidConfig = errors.New("invalid config")

type TelemetryConfig struct {
	LogLevel       string  `yaml:"log_level"`
	Traces         string  `yaml:"traces"`
	SampleRatio    float64 `yaml:"sample_ratio"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	OTLPInsecure   bool    `yaml:"otlp_insecure"`
	PrometheusBind string  `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	EventStore  EventStoreConfig  `yaml:"event_store"`
	Preferences PreferencesConfig `yaml:"preferences"`
	Voices      VoicesConfig      `yaml:"voices"`
	TTS         TTSConfig         `yaml:"tts"`
	Playback    PlaybackConfig    `yaml:"playback"`
	Commands    CommandsConfig    `yaml:"commands"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	RequestTimeout int      `yaml:"request_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// PreferencesConfig selects where per-participant voice choices are kept.
type PreferencesConfig struct {
	Backend string `yaml:"backend"` // file, sqlite
	Path    string `yaml:"path"`
}

type VoicesConfig struct {
	Catalog []string `yaml:"catalog"`
}

type TTSConfig struct {
	Mode           string `yaml:"mode"` // mock, exec
	Command        string `yaml:"command"`
	ClipDir        string `yaml:"clip_dir"`
	Format         string `yaml:"format"`
	TimeoutMS      int    `yaml:"timeout_ms"`
	MaxConcurrency int    `yaml:"max_concurrency"`
	// RequestsPerMinute limits each participant; 0 disables the limit.
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

type PlaybackConfig struct {
	PollIntervalMS int `yaml:"poll_interval_ms"`
	// StallTimeoutMS gives up on a clip the bridge never reports finished.
	StallTimeoutMS int `yaml:"stall_timeout_ms"`
}

type CommandsConfig struct {
	Prefix string `yaml:"prefix"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-voicebridge",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			Traces:         "auto",
			SampleRatio:    1,
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			RequestTimeout: 5000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/voicebridge-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Preferences: PreferencesConfig{
			Backend: "file",
			Path:    "user_voices.json",
		},
		Voices: VoicesConfig{
			Catalog: []string{
				"en-US-AriaNeural",
				"en-US-JennyNeural",
				"en-US-GuyNeural",
				"en-US-AndrewNeural",
				"en-US-EmmaNeural",
				"en-US-BrianNeural",
				"en-GB-SoniaNeural",
				"en-GB-RyanNeural",
				"en-AU-NatashaNeural",
			},
		},
		TTS: TTSConfig{
			Mode:              "mock",
			Command:           "edge-tts --voice {voice} --text {text} --write-media {output}",
			ClipDir:           "",
			Format:            "mp3",
			TimeoutMS:         45000,
			MaxConcurrency:    4,
			RequestsPerMinute: 0,
		},
		Playback: PlaybackConfig{
			PollIntervalMS: 100,
			StallTimeoutMS: 300000,
		},
		Commands: CommandsConfig{
			Prefix: "!",
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
	overrideString(&cfg.RuntimeName, "VOICEBRIDGE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "VOICEBRIDGE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VOICEBRIDGE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VOICEBRIDGE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "VOICEBRIDGE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.Traces, "VOICEBRIDGE_TELEMETRY_TRACES")
	overrideFloat(&cfg.Telemetry.SampleRatio, "VOICEBRIDGE_TELEMETRY_SAMPLE_RATIO")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VOICEBRIDGE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VOICEBRIDGE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "VOICEBRIDGE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "VOICEBRIDGE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VOICEBRIDGE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "VOICEBRIDGE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "VOICEBRIDGE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VOICEBRIDGE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VOICEBRIDGE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VOICEBRIDGE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VOICEBRIDGE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VOICEBRIDGE_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Bus.RequestTimeout, "VOICEBRIDGE_BUS_REQUEST_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "VOICEBRIDGE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "VOICEBRIDGE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "VOICEBRIDGE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "VOICEBRIDGE_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "VOICEBRIDGE_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Preferences.Backend, "VOICEBRIDGE_PREFERENCES_BACKEND")
	overrideString(&cfg.Preferences.Path, "VOICEBRIDGE_PREFERENCES_PATH")
	overrideStringSlice(&cfg.Voices.Catalog, "VOICEBRIDGE_VOICES_CATALOG")
	overrideString(&cfg.TTS.Mode, "VOICEBRIDGE_TTS_MODE")
	overrideString(&cfg.TTS.Command, "VOICEBRIDGE_TTS_COMMAND")
	overrideString(&cfg.TTS.ClipDir, "VOICEBRIDGE_TTS_CLIP_DIR")
	overrideString(&cfg.TTS.Format, "VOICEBRIDGE_TTS_FORMAT")
	overrideInt(&cfg.TTS.TimeoutMS, "VOICEBRIDGE_TTS_TIMEOUT_MS")
	overrideInt(&cfg.TTS.MaxConcurrency, "VOICEBRIDGE_TTS_MAX_CONCURRENCY")
	overrideInt(&cfg.TTS.RequestsPerMinute, "VOICEBRIDGE_TTS_REQUESTS_PER_MINUTE")
	overrideInt(&cfg.Playback.PollIntervalMS, "VOICEBRIDGE_PLAYBACK_POLL_INTERVAL_MS")
	overrideInt(&cfg.Playback.StallTimeoutMS, "VOICEBRIDGE_PLAYBACK_STALL_TIMEOUT_MS")
	overrideString(&cfg.Commands.Prefix, "VOICEBRIDGE_COMMANDS_PREFIX")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
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

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, msg)
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return invalid("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return invalid("http.port must be between 1 and 65535")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return invalid("telemetry.log_level must be one of debug|info|warn|error")
	}
	switch cfg.Telemetry.Traces {
	case "auto", "otlp", "stdout", "none":
	default:
		return invalid("telemetry.traces must be one of auto|otlp|stdout|none")
	}
	if cfg.Telemetry.Traces == "otlp" && strings.TrimSpace(cfg.Telemetry.OTLPEndpoint) == "" {
		return invalid("telemetry.otlp_endpoint must be set when traces=otlp")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return invalid("telemetry.sample_ratio must be between 0 and 1")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return invalid("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return invalid("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.Token == "" && cfg.Bus.Username == "" {
			return invalid("bus.token or bus.username is required when embedded mode is disabled")
		}
	}
	if cfg.Bus.RequestTimeout <= 0 {
		return invalid("bus.request_timeout_ms must be positive")
	}
	if cfg.EventStore.Path == "" {
		return invalid("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return invalid("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return invalid("event_store.retention_days must be >= 0")
	}
	switch cfg.Preferences.Backend {
	case "file", "sqlite":
	default:
		return invalid("preferences.backend must be one of file|sqlite")
	}
	if cfg.Preferences.Path == "" {
		return invalid("preferences.path must not be empty")
	}
	if len(cfg.Voices.Catalog) == 0 {
		return invalid("voices.catalog must not be empty")
	}
	seen := make(map[string]struct{}, len(cfg.Voices.Catalog))
	for _, v := range cfg.Voices.Catalog {
		if strings.TrimSpace(v) == "" {
			return invalid("voices.catalog must not contain empty entries")
		}
		if _, dup := seen[v]; dup {
			return invalid(fmt.Sprintf("voices.catalog lists %q twice", v))
		}
		seen[v] = struct{}{}
	}
	switch cfg.TTS.Mode {
	case "mock", "exec":
	default:
		return invalid("tts.mode must be one of mock|exec")
	}
	if cfg.TTS.Mode == "exec" && strings.TrimSpace(cfg.TTS.Command) == "" {
		return invalid("tts.command must be set when mode=exec")
	}
	if cfg.TTS.TimeoutMS <= 0 {
		return invalid("tts.timeout_ms must be positive")
	}
	if cfg.TTS.MaxConcurrency <= 0 {
		return invalid("tts.max_concurrency must be >= 1")
	}
	if cfg.TTS.RequestsPerMinute < 0 {
		return invalid("tts.requests_per_minute must be >= 0")
	}
	if cfg.Playback.PollIntervalMS <= 0 {
		return invalid("playback.poll_interval_ms must be positive")
	}
	if cfg.Commands.Prefix == "" {
		return invalid("commands.prefix must not be empty")
	}
	return nil
}

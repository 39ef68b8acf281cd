package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config contains all runtime settings for the novel2anime client core.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	TaskAPIBaseURL   string
	TaskAPITimeout   time.Duration
	TaskPollInterval time.Duration

	NovelMinLength int
	NovelMaxLength int

	// StateURL selects the persisted-state backend. Empty keeps state in memory.
	StateURL string

	AudioBackend            string
	AudioFetchTimeout       time.Duration
	AudioTempDir            string
	AudioRequireInteraction bool
	AudioDefaultVolume      float64

	NtfyTopic   string
	NtfyTimeout time.Duration
}

// fileConfig mirrors Config for the optional TOML overlay. Durations are
// written as Go duration strings ("5s", "250ms").
type fileConfig struct {
	Server struct {
		BindAddr         string `toml:"bind_addr"`
		ShutdownTimeout  string `toml:"shutdown_timeout"`
		MetricsNamespace string `toml:"metrics_namespace"`
		AllowAnyOrigin   *bool  `toml:"allow_any_origin"`
	} `toml:"server"`
	TaskAPI struct {
		BaseURL      string `toml:"base_url"`
		Timeout      string `toml:"timeout"`
		PollInterval string `toml:"poll_interval"`
	} `toml:"task_api"`
	Novel struct {
		MinLength *int `toml:"min_length"`
		MaxLength *int `toml:"max_length"`
	} `toml:"novel"`
	State struct {
		URL string `toml:"url"`
	} `toml:"state"`
	Audio struct {
		Backend            string   `toml:"backend"`
		FetchTimeout       string   `toml:"fetch_timeout"`
		TempDir            string   `toml:"temp_dir"`
		RequireInteraction *bool    `toml:"require_interaction"`
		DefaultVolume      *float64 `toml:"default_volume"`
	} `toml:"audio"`
	Notifications struct {
		NtfyTopic string `toml:"ntfy_topic"`
		Timeout   string `toml:"timeout"`
	} `toml:"notifications"`
}

// Default returns the built-in settings before any file or env overlay.
func Default() Config {
	return Config{
		BindAddr:                ":8080",
		ShutdownTimeout:         15 * time.Second,
		MetricsNamespace:        "novel2anime",
		TaskAPIBaseURL:          "http://localhost:3000",
		TaskAPITimeout:          30 * time.Second,
		TaskPollInterval:        5 * time.Second,
		NovelMinLength:          100,
		NovelMaxLength:          10000,
		AudioBackend:            "clock",
		AudioFetchTimeout:       30 * time.Second,
		AudioRequireInteraction: true,
		AudioDefaultVolume:      1.0,
		NtfyTimeout:             10 * time.Second,
	}
}

// Load applies the TOML file named by APP_CONFIG_FILE (if any), then
// environment variables, then validates the result.
func Load() (Config, error) {
	cfg := Default()
	if path := stringsTrimSpace("APP_CONFIG_FILE"); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	var fc fileConfig
	if err := toml.NewDecoder(f).Decode(&fc); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	setString(&cfg.BindAddr, fc.Server.BindAddr)
	setString(&cfg.MetricsNamespace, fc.Server.MetricsNamespace)
	if fc.Server.AllowAnyOrigin != nil {
		cfg.AllowAnyOrigin = *fc.Server.AllowAnyOrigin
	}
	setString(&cfg.TaskAPIBaseURL, fc.TaskAPI.BaseURL)
	if fc.Novel.MinLength != nil {
		cfg.NovelMinLength = *fc.Novel.MinLength
	}
	if fc.Novel.MaxLength != nil {
		cfg.NovelMaxLength = *fc.Novel.MaxLength
	}
	setString(&cfg.StateURL, fc.State.URL)
	setString(&cfg.AudioBackend, fc.Audio.Backend)
	setString(&cfg.AudioTempDir, fc.Audio.TempDir)
	if fc.Audio.RequireInteraction != nil {
		cfg.AudioRequireInteraction = *fc.Audio.RequireInteraction
	}
	if fc.Audio.DefaultVolume != nil {
		cfg.AudioDefaultVolume = *fc.Audio.DefaultVolume
	}
	setString(&cfg.NtfyTopic, fc.Notifications.NtfyTopic)

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"server.shutdown_timeout", fc.Server.ShutdownTimeout, &cfg.ShutdownTimeout},
		{"task_api.timeout", fc.TaskAPI.Timeout, &cfg.TaskAPITimeout},
		{"task_api.poll_interval", fc.TaskAPI.PollInterval, &cfg.TaskPollInterval},
		{"audio.fetch_timeout", fc.Audio.FetchTimeout, &cfg.AudioFetchTimeout},
		{"notifications.timeout", fc.Notifications.Timeout, &cfg.NtfyTimeout},
	}
	for _, d := range durations {
		raw := strings.TrimSpace(d.raw)
		if raw == "" {
			continue
		}
		v, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("config %s parse error: %w", d.key, err)
		}
		*d.dst = v
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.TaskAPIBaseURL = strings.TrimRight(envOrDefault("TASK_API_BASE_URL", cfg.TaskAPIBaseURL), "/")
	cfg.StateURL = envOrDefault("STATE_URL", cfg.StateURL)
	cfg.AudioBackend = strings.ToLower(envOrDefault("AUDIO_BACKEND", cfg.AudioBackend))
	cfg.AudioTempDir = envOrDefault("AUDIO_TEMP_DIR", cfg.AudioTempDir)
	cfg.NtfyTopic = envOrDefault("NTFY_TOPIC", cfg.NtfyTopic)

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return err
	}
	if cfg.TaskAPITimeout, err = durationFromEnv("TASK_API_TIMEOUT", cfg.TaskAPITimeout); err != nil {
		return err
	}
	if cfg.TaskPollInterval, err = durationFromEnv("TASK_POLL_INTERVAL", cfg.TaskPollInterval); err != nil {
		return err
	}
	if cfg.AudioFetchTimeout, err = durationFromEnv("AUDIO_FETCH_TIMEOUT", cfg.AudioFetchTimeout); err != nil {
		return err
	}
	if cfg.NtfyTimeout, err = durationFromEnv("NTFY_TIMEOUT", cfg.NtfyTimeout); err != nil {
		return err
	}
	if cfg.NovelMinLength, err = intFromEnv("NOVEL_MIN_LENGTH", cfg.NovelMinLength); err != nil {
		return err
	}
	if cfg.NovelMaxLength, err = intFromEnv("NOVEL_MAX_LENGTH", cfg.NovelMaxLength); err != nil {
		return err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return err
	}
	if cfg.AudioRequireInteraction, err = boolFromEnv("AUDIO_REQUIRE_INTERACTION", cfg.AudioRequireInteraction); err != nil {
		return err
	}
	if cfg.AudioDefaultVolume, err = floatFromEnv("AUDIO_DEFAULT_VOLUME", cfg.AudioDefaultVolume); err != nil {
		return err
	}
	return nil
}

// Validate rejects settings the runtime cannot operate with.
func (c Config) Validate() error {
	var errs []error
	if c.NovelMinLength < 1 {
		errs = append(errs, fmt.Errorf("NOVEL_MIN_LENGTH must be at least 1"))
	}
	if c.NovelMaxLength < c.NovelMinLength {
		errs = append(errs, fmt.Errorf("NOVEL_MAX_LENGTH must be >= NOVEL_MIN_LENGTH"))
	}
	if c.TaskPollInterval < 100*time.Millisecond {
		errs = append(errs, fmt.Errorf("TASK_POLL_INTERVAL must be at least 100ms"))
	}
	if c.TaskAPITimeout <= 0 {
		errs = append(errs, fmt.Errorf("TASK_API_TIMEOUT must be positive"))
	}
	if c.AudioDefaultVolume < 0 || c.AudioDefaultVolume > 1 {
		errs = append(errs, fmt.Errorf("AUDIO_DEFAULT_VOLUME must be within [0,1]"))
	}
	switch c.AudioBackend {
	case "clock", "mock":
	default:
		errs = append(errs, fmt.Errorf("AUDIO_BACKEND must be clock or mock, got %q", c.AudioBackend))
	}
	if strings.TrimSpace(c.TaskAPIBaseURL) == "" {
		errs = append(errs, fmt.Errorf("TASK_API_BASE_URL is required"))
	}
	return errors.Join(errs...)
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}

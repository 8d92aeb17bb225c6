package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const envPrefix = "TRIAGE"

// Manager loads the configuration and serves the current valid snapshot.
// Hot reloads that fail validation are discarded; the previous snapshot
// stays in force.
type Manager struct {
	v      *viper.Viper
	logger *slog.Logger

	mu       sync.RWMutex
	current  *Config
	onChange []func(*Config)
}

// Load reads the configuration file, applies defaults and environment
// overrides (TRIAGE_ prefix, dots become underscores), and validates.
func Load(path string, logger *slog.Logger) (*Manager, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("triage")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			// Running on defaults and environment alone is fine
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg, err := unmarshal(v)
	if err != nil {
		return nil, err
	}

	return &Manager{v: v, logger: logger, current: cfg}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("triage.interval_minutes", 15)
	v.SetDefault("triage.lookback_hours", 24)
	v.SetDefault("triage.batch_size", 10)
	v.SetDefault("triage.watch_folders", []string{"Inbox"})
	v.SetDefault("snippet.max_length", 1000)
	v.SetDefault("suggestion_queue.expire_after_days", 7)
	v.SetDefault("aging.needs_reply_warning_hours", 24)
	v.SetDefault("aging.needs_reply_critical_hours", 72)
	v.SetDefault("aging.waiting_for_nudge_hours", 48)
	v.SetDefault("aging.waiting_for_escalate_hours", 120)
	v.SetDefault("llm_logging.enabled", true)
	v.SetDefault("llm_logging.retention_days", 30)
	v.SetDefault("llm_logging.log_prompts", false)
	v.SetDefault("llm_logging.log_responses", false)
	v.SetDefault("learning.enabled", true)
	v.SetDefault("learning.min_corrections_to_update", 3)
	v.SetDefault("learning.lookback_days", 14)
	v.SetDefault("learning.max_preferences_words", 300)
	v.SetDefault("database.path", "./triage.db")
	v.SetDefault("graph.timeout", 30*time.Second)
	v.SetDefault("llm.max_tokens", 1024)
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Current returns the active configuration snapshot. Callers must not
// mutate it.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnChange registers a callback invoked with each new valid snapshot.
func (m *Manager) OnChange(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, fn)
}

// Watch begins watching the config file for edits. A bad edit is logged
// and ignored; the previous valid snapshot stays active.
func (m *Manager) Watch() {
	if m.v.ConfigFileUsed() == "" {
		return
	}
	m.v.OnConfigChange(func(fsnotify.Event) {
		m.reload()
	})
	m.v.WatchConfig()
}

func (m *Manager) reload() {
	if m.v.ConfigFileUsed() != "" {
		if err := m.v.ReadInConfig(); err != nil {
			m.logger.Warn("config reload rejected, keeping previous configuration", "error", err)
			return
		}
	}

	cfg, err := unmarshal(m.v)
	if err != nil {
		m.logger.Warn("config reload rejected, keeping previous configuration", "error", err)
		return
	}

	m.mu.Lock()
	m.current = cfg
	callbacks := make([]func(*Config), len(m.onChange))
	copy(callbacks, m.onChange)
	m.mu.Unlock()

	m.logger.Info("configuration reloaded")
	for _, fn := range callbacks {
		fn(cfg)
	}
}

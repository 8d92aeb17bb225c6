// Package config holds the typed runtime configuration, its validation
// rules, and the viper-based loader with hot reload.
package config

import (
	"fmt"
	"time"
)

// Config is the full runtime configuration. Loaded once at startup and
// replaced by value on successful hot reload; never mutated in place.
type Config struct {
	Triage          TriageConfig          `mapstructure:"triage"`
	Models          ModelsConfig          `mapstructure:"models"`
	Snippet         SnippetConfig         `mapstructure:"snippet"`
	Projects        []Project             `mapstructure:"projects"`
	Areas           []Area                `mapstructure:"areas"`
	AutoRules       []AutoRule            `mapstructure:"auto_rules"`
	KeyContacts     []KeyContact          `mapstructure:"key_contacts"`
	Aging           AgingConfig           `mapstructure:"aging"`
	SuggestionQueue SuggestionQueueConfig `mapstructure:"suggestion_queue"`
	LLMLogging      LLMLoggingConfig      `mapstructure:"llm_logging"`
	Learning        LearningConfig        `mapstructure:"learning"`
	Database        DatabaseConfig        `mapstructure:"database"`
	Graph           GraphConfig           `mapstructure:"graph"`
	LLM             LLMConfig             `mapstructure:"llm"`
	Server          ServerConfig          `mapstructure:"server"`
}

// TriageConfig drives the periodic engine.
type TriageConfig struct {
	IntervalMinutes int      `mapstructure:"interval_minutes"`
	LookbackHours   int      `mapstructure:"lookback_hours"`
	BatchSize       int      `mapstructure:"batch_size"`
	WatchFolders    []string `mapstructure:"watch_folders"`
}

// ModelsConfig names the model per purpose; identifiers pass through to
// the LLM capability unchanged.
type ModelsConfig struct {
	Triage string `mapstructure:"triage"`
	DryRun string `mapstructure:"dry_run"`
	Chat   string `mapstructure:"chat"`
}

// SnippetConfig bounds stored snippets.
type SnippetConfig struct {
	MaxLength int `mapstructure:"max_length"`
}

// Project is one active project in the PARA hierarchy.
type Project struct {
	Name            string   `mapstructure:"name"`
	Folder          string   `mapstructure:"folder"`
	SubjectKeywords []string `mapstructure:"subject_keywords"`
	SenderPatterns  []string `mapstructure:"sender_patterns"`
	BodyKeywords    []string `mapstructure:"body_keywords"`
	DefaultPriority string   `mapstructure:"default_priority"`
}

// Area is one ongoing area of responsibility. Area names double as
// taxonomy categories applied when a message is filed.
type Area struct {
	Name            string   `mapstructure:"name"`
	Folder          string   `mapstructure:"folder"`
	SubjectKeywords []string `mapstructure:"subject_keywords"`
	SenderPatterns  []string `mapstructure:"sender_patterns"`
	BodyKeywords    []string `mapstructure:"body_keywords"`
	DefaultPriority string   `mapstructure:"default_priority"`
}

// AutoRule is a deterministic classification rule checked before any LLM
// call. Sender patterns support "*@domain" wildcards; subject matching is
// case-insensitive substring.
type AutoRule struct {
	Name            string   `mapstructure:"name"`
	Senders         []string `mapstructure:"senders"`
	SubjectContains []string `mapstructure:"subject_contains"`
	Folder          string   `mapstructure:"folder"`
	Category        string   `mapstructure:"category"`
	Priority        string   `mapstructure:"priority"`
	ActionType      string   `mapstructure:"action_type"`
}

// KeyContact is a person whose mail is always important.
type KeyContact struct {
	Name    string `mapstructure:"name"`
	Address string `mapstructure:"address"`
	Role    string `mapstructure:"role"`
}

// AgingConfig holds the follow-up thresholds.
type AgingConfig struct {
	NeedsReplyWarningHours  int `mapstructure:"needs_reply_warning_hours"`
	NeedsReplyCriticalHours int `mapstructure:"needs_reply_critical_hours"`
	WaitingForNudgeHours    int `mapstructure:"waiting_for_nudge_hours"`
	WaitingForEscalateHours int `mapstructure:"waiting_for_escalate_hours"`
}

// SuggestionQueueConfig bounds the pending review queue.
type SuggestionQueueConfig struct {
	ExpireAfterDays int `mapstructure:"expire_after_days"`
}

// LLMLoggingConfig controls the llm_log audit table.
type LLMLoggingConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	RetentionDays int  `mapstructure:"retention_days"`
	LogPrompts    bool `mapstructure:"log_prompts"`
	LogResponses  bool `mapstructure:"log_responses"`
}

// LearningConfig controls the preference learner.
type LearningConfig struct {
	Enabled                bool `mapstructure:"enabled"`
	MinCorrectionsToUpdate int  `mapstructure:"min_corrections_to_update"`
	LookbackDays           int  `mapstructure:"lookback_days"`
	MaxPreferencesWords    int  `mapstructure:"max_preferences_words"`
}

// DatabaseConfig locates the store.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// GraphConfig holds the mail capability credentials.
type GraphConfig struct {
	TenantID     string        `mapstructure:"tenant_id"`
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	UserAddress  string        `mapstructure:"user_address"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// LLMConfig holds the chat capability settings.
type LLMConfig struct {
	Endpoint  string        `mapstructure:"endpoint"`
	APIKey    string        `mapstructure:"api_key"`
	MaxTokens int           `mapstructure:"max_tokens"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// ServerConfig binds the review API.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// ValidationError names the option that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Validate checks every bounded option. The first violation is returned.
func (c *Config) Validate() error {
	if c.Triage.IntervalMinutes < 1 || c.Triage.IntervalMinutes > 1440 {
		return &ValidationError{"triage.interval_minutes", "must be between 1 and 1440"}
	}
	if c.Triage.LookbackHours < 1 || c.Triage.LookbackHours > 168 {
		return &ValidationError{"triage.lookback_hours", "must be between 1 and 168"}
	}
	if c.Triage.BatchSize < 1 || c.Triage.BatchSize > 100 {
		return &ValidationError{"triage.batch_size", "must be between 1 and 100"}
	}
	if len(c.Triage.WatchFolders) == 0 {
		return &ValidationError{"triage.watch_folders", "at least one folder is required"}
	}
	if c.Snippet.MaxLength < 1 || c.Snippet.MaxLength > 10000 {
		return &ValidationError{"snippet.max_length", "must be between 1 and 10000"}
	}
	if c.SuggestionQueue.ExpireAfterDays < 1 {
		return &ValidationError{"suggestion_queue.expire_after_days", "must be at least 1"}
	}
	if c.Learning.Enabled {
		if c.Learning.MinCorrectionsToUpdate < 1 {
			return &ValidationError{"learning.min_corrections_to_update", "must be at least 1"}
		}
		if c.Learning.MaxPreferencesWords < 1 {
			return &ValidationError{"learning.max_preferences_words", "must be at least 1"}
		}
	}
	if c.LLMLogging.Enabled && c.LLMLogging.RetentionDays < 1 {
		return &ValidationError{"llm_logging.retention_days", "must be at least 1"}
	}
	if c.Database.Path == "" {
		return &ValidationError{"database.path", "is required"}
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return &ValidationError{"server.port", "must be a valid port"}
	}
	for i, rule := range c.AutoRules {
		if rule.Name == "" {
			return &ValidationError{fmt.Sprintf("auto_rules[%d].name", i), "is required"}
		}
		if len(rule.Senders) == 0 && len(rule.SubjectContains) == 0 {
			return &ValidationError{fmt.Sprintf("auto_rules[%d]", i), "needs at least one sender pattern or subject substring"}
		}
		if rule.Folder == "" {
			return &ValidationError{fmt.Sprintf("auto_rules[%d].folder", i), "is required"}
		}
	}
	return nil
}

// LookbackWindow returns the fetch lookback as a duration.
func (c *Config) LookbackWindow() time.Duration {
	return time.Duration(c.Triage.LookbackHours) * time.Hour
}

// Interval returns the cycle interval as a duration.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.Triage.IntervalMinutes) * time.Minute
}

// AreaNameForFolder returns the taxonomy category for a destination
// folder: the name of the Area owning it, or "" when a Project or unknown
// folder owns it.
func (c *Config) AreaNameForFolder(folder string) string {
	for _, area := range c.Areas {
		if area.Folder == folder {
			return area.Name
		}
	}
	return ""
}

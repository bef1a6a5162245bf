package config

// Config is the process configuration file (JSON or YAML). Durations are Go
// duration strings ("500ms", "10s", "5m"). Unknown keys are rejected.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Watch    WatchConfig    `json:"watch"`
	Fetch    FetchConfig    `json:"fetch"`
	Sink     SinkConfig     `json:"sink"`
	Storage  StorageConfig  `json:"storage"`
	Panel    PanelConfig    `json:"panel"`
}

type TelegramConfig struct {
	// Token may be left empty and supplied via PINGALL_TELEGRAM_TOKEN.
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// GroupLog is "<chat_id>" or "<chat_id>:<thread_id>" for operator logs.
	GroupLog    string `json:"group_log"`
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// WatchConfig drives the upload sweep.
//
// Defaults: enabled true, schedule "@every 5m", pause "1s", run_on_start
// true, seed_first false, mention "@everyone".
type WatchConfig struct {
	Enabled    *bool  `json:"enabled,omitempty"`
	Schedule   string `json:"schedule,omitempty"`
	Timezone   string `json:"timezone,omitempty"`
	Pause      string `json:"pause,omitempty"`
	RunOnStart *bool  `json:"run_on_start,omitempty"`
	SeedFirst  bool   `json:"seed_first,omitempty"`
	Mention    string `json:"mention,omitempty"`
	// DefaultTemplate is given to tenants that have not configured anything yet.
	DefaultTemplate string `json:"default_template,omitempty"`
}

// FetchConfig controls requests to the video platform.
type FetchConfig struct {
	Timeout        string  `json:"timeout,omitempty"`
	UserAgent      string  `json:"user_agent,omitempty"`
	AcceptLanguage string  `json:"accept_language,omitempty"`
	BaseURL        string  `json:"base_url,omitempty"`
	ShortsOffset   string  `json:"shorts_offset,omitempty"`
	VideosOffset   string  `json:"videos_offset,omitempty"`
	RatePerSec     float64 `json:"rate_per_sec,omitempty"`
}

// SinkConfig controls notification delivery.
type SinkConfig struct {
	RatePerSec    float64 `json:"rate_per_sec,omitempty"`
	RetryMax      int     `json:"retry_max,omitempty"`
	RetryBase     string  `json:"retry_base,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`
	SendTimeout   string  `json:"send_timeout,omitempty"`
}

// StorageConfig selects the watch state backend.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// PanelConfig controls the web control panel.
type PanelConfig struct {
	Enabled        bool     `json:"enabled"`
	Addr           string   `json:"addr,omitempty"`        // default "127.0.0.1:8080"
	PublicURL      string   `json:"public_url,omitempty"`  // shown next to issued keys
	SessionTTL     string   `json:"session_ttl,omitempty"` // default "24h"
	TrustedProxies []string `json:"trusted_proxies,omitempty"`
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// WatchEnabled reports watch.enabled with its default applied.
func (c *Config) WatchEnabled() bool { return boolOr(c.Watch.Enabled, true) }

// WatchRunOnStart reports watch.run_on_start with its default applied.
func (c *Config) WatchRunOnStart() bool { return boolOr(c.Watch.RunOnStart, true) }

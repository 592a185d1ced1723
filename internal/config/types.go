package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Relay     RelayConfig     `json:"relay"`
	Scheduler SchedulerConfig `json:"scheduler"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// OwnerUserID is the single Telegram user with full control. It can
	// only be changed by a restart.
	OwnerUserID int64 `json:"owner_user_id"`
	// GroupLog is the chat id receiving the Telegram log sink, if enabled.
	GroupLog string `json:"group_log"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
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

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./relaybot_data" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	// LockPath is the single-instance lock file. Defaults to <path>.lock.
	LockPath string `json:"lock_path,omitempty"`
}

// RelayConfig holds the broadcast relay knobs. Everything here is applied
// live on reload except QueueSize.
//
// Defaults (when fields are omitted/zero):
//   - channel_limit: 5
//   - broadcast_cooldown: "60s" ("0s" disables)
//   - session_ttl: "0s" (sessions never expire)
//   - confirm_mutations: true
//   - max_staged: 0 (unbounded)
//   - delivery_rate_per_sec: 0 (unpaced)
//   - broadcast_timeout: "10m"
//   - request_timeout: "1m"
//   - queue_size: 64 (pending inputs per operator)
type RelayConfig struct {
	ChannelLimit        int     `json:"channel_limit,omitempty"`
	BroadcastCooldown   string  `json:"broadcast_cooldown,omitempty"`
	SessionTTL          string  `json:"session_ttl,omitempty"`
	ConfirmMutations    *bool   `json:"confirm_mutations,omitempty"`
	ClearAfterBroadcast bool    `json:"clear_after_broadcast,omitempty"`
	MaxStaged           int     `json:"max_staged,omitempty"`
	DeliveryRatePerSec  float64 `json:"delivery_rate_per_sec,omitempty"`
	BroadcastTimeout    string  `json:"broadcast_timeout,omitempty"`
	RequestTimeout      string  `json:"request_timeout,omitempty"`
	QueueSize           int     `json:"queue_size,omitempty"`
}

// SchedulerConfig controls periodic maintenance (session expiry, cooldown
// pruning, audit compaction).
type SchedulerConfig struct {
	// Enabled is a pointer so an omitted section defaults to on.
	Enabled  *bool  `json:"enabled,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	// Maintenance is a cron spec (robfig/cron syntax, descriptors allowed).
	// Default: "@every 1m".
	Maintenance string `json:"maintenance,omitempty"`
	// AuditRetention drops audit entries older than this. "0s" keeps all.
	// Default: "720h".
	AuditRetention string `json:"audit_retention,omitempty"`
}

func (s SchedulerConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

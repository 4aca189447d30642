package config

// Config is the on-disk configuration (JSON or YAML). Durations are Go
// duration strings ("500ms", "10s", "1m"); empty means the component default.
type Config struct {
	Instance   InstanceConfig   `json:"instance"`
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Leader     LeaderConfig     `json:"leader"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Remote     RemoteConfig     `json:"remote"`
	Submission SubmissionConfig `json:"submission"`
	HTTP       HTTPConfig       `json:"http"`
	Notifier   *NotifierConfig  `json:"notifier,omitempty"`
	Systemd    SystemdConfig    `json:"systemd"`
}

type InstanceConfig struct {
	// ID identifies this process in the leader lease. Empty picks a random
	// uuid at startup.
	ID string `json:"id,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the shared store.
//
// Example:
//
//	"storage": { "driver": "redis", "addr": "127.0.0.1:6379", "prefix": "gq:" }
type StorageConfig struct {
	Driver string `json:"driver"` // memory | sqlite | redis
	Prefix string `json:"prefix,omitempty"`

	Path         string `json:"path,omitempty"`
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`

	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"` // do not log
	DB       int    `json:"db,omitempty"`
}

type LeaderConfig struct {
	// Backend is "lease" (store record) or "redislock" (redis only).
	Backend           string `json:"backend,omitempty"`
	LeaseDuration     string `json:"lease_duration,omitempty"`
	HeartbeatInterval string `json:"heartbeat_interval,omitempty"`
}

type SchedulerConfig struct {
	ConcurrencyLimit int    `json:"concurrency_limit,omitempty"`
	PollInterval     string `json:"poll_interval,omitempty"`
	SubmitInterval   string `json:"submit_interval,omitempty"`
	SweepInterval    string `json:"sweep_interval,omitempty"`
	Cooldown         string `json:"cooldown,omitempty"`
	RetryBase        string `json:"retry_base,omitempty"`
	RetryJitter      string `json:"retry_jitter,omitempty"`
	RetryMax         int    `json:"retry_max,omitempty"`
}

type RemoteConfig struct {
	BaseURL    string  `json:"base_url"`
	Timeout    string  `json:"timeout,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
}

type SubmissionConfig struct {
	// DefaultOptions are merged under every enqueued item's options.
	DefaultOptions map[string]string `json:"default_options,omitempty"`
}

// HTTPConfig controls the control API.
//
// Security note: a non-loopback addr needs a token or allow_insecure.
type HTTPConfig struct {
	Enabled       bool     `json:"enabled"`
	Addr          string   `json:"addr,omitempty"`
	Token         string   `json:"token,omitempty"` // do not log
	AllowInsecure bool     `json:"allow_insecure,omitempty"`
	CORSOrigins   []string `json:"cors_origins,omitempty"`
	Pprof         bool     `json:"pprof,omitempty"`
	ReadTimeout   string   `json:"read_timeout,omitempty"`
	IdleTimeout   string   `json:"idle_timeout,omitempty"`
}

// NotifierConfig controls Telegram alerts. Omitting the section disables
// them.
type NotifierConfig struct {
	Enabled     bool   `json:"enabled"`
	Token       string `json:"token,omitempty"` // do not log
	ChatID      int64  `json:"chat_id"`
	ThreadID    int    `json:"thread_id,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	RetryMax    int    `json:"retry_max,omitempty"`
	DedupWindow string `json:"dedup_window,omitempty"`
}

type SystemdConfig struct {
	Notify bool `json:"notify"`
}

package config

// Config is the daemon configuration file (JSON, or YAML when the file
// extension is .yaml/.yml). Unknown keys are rejected.
//
// All durations are Go duration strings (e.g. "500ms", "2s", "1m").
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	TaskEngine TaskEngineConfig `json:"task_engine"`
	Monitor    MonitorConfig    `json:"monitor"`
	Battery    BatteryConfig    `json:"battery"`
	Storage    StorageConfig    `json:"storage"`
	Debug      DebugConfig      `json:"debug"`
	Jobs       []JobConfig      `json:"jobs,omitempty"`
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

// TaskEngineConfig controls the priority task manager.
//
// Defaults (when fields are omitted/zero):
//   - workers: derived from CPU count (2, 3 or 4)
//   - light_cap / medium_cap / heavy_cap: 50 / 100 / 200
//   - max_retries: 3 (negative disables retries)
//   - retry_delay: "2s"
//   - retry_placement: "natural"
//   - throttle_base: "100ms"
//   - task_timeout: "0s" (disabled)
//   - history_size: 200
//
// Workers and queue caps are read once at startup.
type TaskEngineConfig struct {
	Workers int `json:"workers,omitempty"`

	LightCap  int `json:"light_cap,omitempty"`
	MediumCap int `json:"medium_cap,omitempty"`
	HeavyCap  int `json:"heavy_cap,omitempty"`

	MaxRetries     int    `json:"max_retries,omitempty"`
	RetryDelay     string `json:"retry_delay,omitempty"`
	RetryPlacement string `json:"retry_placement,omitempty"`

	ThrottleBase string `json:"throttle_base,omitempty"`
	TaskTimeout  string `json:"task_timeout,omitempty"`
	HistorySize  int    `json:"history_size,omitempty"`
}

// MonitorConfig controls periodic reports and health thresholds.
type MonitorConfig struct {
	ReportInterval   string  `json:"report_interval,omitempty"`    // default "60s"
	QueueThreshold   int     `json:"queue_threshold,omitempty"`    // default 100
	MinSuccessRate   float64 `json:"min_success_rate,omitempty"`   // default 0.9
	MaxRejectionRate float64 `json:"max_rejection_rate,omitempty"` // default 0.1
}

// BatteryConfig selects the battery signal.
//
// source: auto (sysfs when a battery is present), sysfs, upower, static or
// none. static_level is only read for source=static.
type BatteryConfig struct {
	Source            string `json:"source,omitempty"`
	SysfsRoot         string `json:"sysfs_root,omitempty"`
	PollInterval      string `json:"poll_interval,omitempty"`
	LowThreshold      int    `json:"low_threshold,omitempty"`
	CriticalThreshold int    `json:"critical_threshold,omitempty"`
	StaticLevel       int    `json:"static_level,omitempty"`
}

// StorageConfig controls report persistence.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./audiotasks_store" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"` // file | sqlite | none (default none)
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	Keep        int    `json:"keep,omitempty"`         // reports retained; 0 keeps all
}

// DebugConfig enables the local operator endpoint (status, pause/resume,
// run job, pprof). A non-loopback addr requires token or allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled,omitempty"`
	Addr          string `json:"addr,omitempty"` // default 127.0.0.1:6060
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

// JobConfig schedules a named library job through the task engine.
//
// schedule accepts a cron expression ("0 3 * * *"), a descriptor
// ("@daily") or "every <duration>".
type JobConfig struct {
	Name     string            `json:"name"`
	Schedule string            `json:"schedule"`
	Priority string            `json:"priority,omitempty"` // default medium
	Enabled  *bool             `json:"enabled,omitempty"`  // default true
	Args     map[string]string `json:"args,omitempty"`
}

// IsEnabled reports whether the job is active (omitted means true).
func (j JobConfig) IsEnabled() bool { return j.Enabled == nil || *j.Enabled }

package config

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Storage selects the persistence backend for user/account/target records.
	Storage StorageConfig `json:"storage"`

	// Poster controls the worker-supervision engine.
	Poster PosterConfig `json:"poster,omitempty"`

	// Notifier controls the async webhook notification pipeline.
	Notifier NotifierConfig `json:"notifier,omitempty"`

	// Proxies lists egress proxy URLs (socks5:// or socks5h://). The direct
	// route is always available in addition to these.
	Proxies []string `json:"proxies,omitempty"`

	// Webhook holds system-wide notification defaults.
	Webhook WebhookConfig `json:"webhook,omitempty"`

	// Pprof exposes the profiling endpoint when enabled.
	Pprof PprofConfig `json:"pprof,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level,omitempty"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type StorageConfig struct {
	// Driver: "file" (JSON snapshots) or "sqlite".
	Driver string `json:"driver"`
	Path   string `json:"path"`

	// BusyTimeout is a Go duration string; sqlite only.
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// PosterConfig controls the posting engine.
//
// All durations are Go duration strings (e.g. "500ms", "15s", "2m").
//
// Defaults (when fields are omitted/zero):
//   - store_workers: 2
//   - stop_timeout: "8s"
//   - flush_interval: "15s"
//   - flush_threshold: 25
type PosterConfig struct {
	StoreWorkers int `json:"store_workers,omitempty"`

	// StopTimeout bounds how long a graceful worker stop may take before the
	// manager falls back to force-close.
	StopTimeout string `json:"stop_timeout,omitempty"`

	// Usage counter batching.
	FlushInterval  string `json:"flush_interval,omitempty"`
	FlushThreshold int    `json:"flush_threshold,omitempty"`
}

type NotifierConfig struct {
	Enabled    bool   `json:"enabled"`
	Workers    int    `json:"workers,omitempty"`
	QueueSize  int    `json:"queue_size,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
}

// PprofConfig controls the optional pprof HTTP server. A non-loopback addr
// requires token or allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

// WebhookConfig is the system-wide fallback notification destination plus
// embed cosmetics shared by all rendered notifications.
type WebhookConfig struct {
	// URLs is the system-wide destination pool; one is picked at random per
	// delivery when neither the account nor the user override is set.
	URLs []string `json:"urls,omitempty"`

	Footer     string `json:"footer,omitempty"`
	FooterIcon string `json:"footer_icon,omitempty"`
	Color      int    `json:"color,omitempty"`
	ImageURL   string `json:"image_url,omitempty"`
}

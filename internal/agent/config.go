package agent

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Version is reported in heartbeats. Overridden at build time.
var Version = "dev"

// DefaultExtensions are the media container and frame formats watched by default.
var DefaultExtensions = []string{".mxf", ".mov", ".mp4", ".ari", ".r3d", ".braw", ".dpx", ".exr"}

// EnvPrefix prefixes every environment variable the agent reads.
const EnvPrefix = "FERRY_AGENT"

// ValidationError reports an unusable setting.
type ValidationError struct {
	Arg   string
	Cause string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Arg, e.Cause)
}

// Config is the resolved agent configuration.
type Config struct {
	Site              string
	WatchDir          string
	CenterURL         string
	APIKey            string
	StabilityWindow   time.Duration
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	TaskInterval      time.Duration
	LedgerPath        string
	MetadataOnly      bool
	UploadExisting    bool
	Extensions        []string
	LogLevel          string
}

// BindFlags registers the agent flags on fs and binds them into v together
// with FERRY_AGENT_* environment variables.
func BindFlags(fs *pflag.FlagSet, v *viper.Viper) error {
	fs.String("site", "", "site name this agent reports as")
	fs.String("watch", "", "export directory to watch (default ./watch_<site>)")
	fs.String("center", "http://localhost:5000", "center base URL")
	fs.String("api-key", "", "daemon API key")
	fs.Duration("stability-window", 30*time.Second, "how long size and mtime must stay unchanged before upload")
	fs.Duration("poll-interval", 5*time.Second, "directory poll interval")
	fs.Duration("heartbeat-interval", 30*time.Second, "heartbeat interval")
	fs.Duration("task-interval", 15*time.Second, "reconciliation task poll interval")
	fs.String("ledger", "", "local ledger database (default <watch>/.ferry/ledger.db)")
	fs.Bool("metadata-only", false, "register metadata instead of streaming file bytes")
	fs.Bool("upload-existing", false, "upload files already present at startup")
	fs.StringSlice("extensions", DefaultExtensions, "file extensions to watch")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v.BindPFlags(fs)
}

// LoadConfig reads the bound settings from v, fills derived defaults and
// validates the result.
func LoadConfig(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Site:              strings.TrimSpace(v.GetString("site")),
		WatchDir:          v.GetString("watch"),
		CenterURL:         strings.TrimRight(v.GetString("center"), "/"),
		APIKey:            v.GetString("api-key"),
		StabilityWindow:   v.GetDuration("stability-window"),
		PollInterval:      v.GetDuration("poll-interval"),
		HeartbeatInterval: v.GetDuration("heartbeat-interval"),
		TaskInterval:      v.GetDuration("task-interval"),
		LedgerPath:        v.GetString("ledger"),
		MetadataOnly:      v.GetBool("metadata-only"),
		UploadExisting:    v.GetBool("upload-existing"),
		Extensions:        normalizeExtensions(v.GetStringSlice("extensions")),
		LogLevel:          v.GetString("log-level"),
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("DAEMON_API_KEY")
	}
	if cfg.WatchDir == "" && cfg.Site != "" {
		cfg.WatchDir = "./watch_" + cfg.Site
	}
	if cfg.WatchDir != "" {
		cfg.WatchDir = filepath.Clean(cfg.WatchDir)
	}
	if cfg.LedgerPath == "" && cfg.WatchDir != "" {
		cfg.LedgerPath = filepath.Join(cfg.WatchDir, ".ferry", "ledger.db")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration can run an agent.
func (c *Config) Validate() error {
	if c.Site == "" {
		return &ValidationError{Arg: "site", Cause: "site is required"}
	}
	if strings.ContainsAny(c.Site, `/\`) {
		return &ValidationError{Arg: "site", Cause: "must not contain path separators"}
	}
	u, err := url.Parse(c.CenterURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &ValidationError{Arg: "center", Cause: "must be an http(s) URL"}
	}
	if c.StabilityWindow < 0 {
		return &ValidationError{Arg: "stability-window", Cause: "must not be negative"}
	}
	for name, d := range map[string]time.Duration{
		"poll-interval":      c.PollInterval,
		"heartbeat-interval": c.HeartbeatInterval,
		"task-interval":      c.TaskInterval,
	} {
		if d <= 0 {
			return &ValidationError{Arg: name, Cause: "must be positive"}
		}
	}
	if len(c.Extensions) == 0 {
		return &ValidationError{Arg: "extensions", Cause: "at least one extension is required"}
	}
	return nil
}

// PrepareWatchDir creates the watch directory if needed and checks that it
// is a directory.
func (c *Config) PrepareWatchDir() error {
	if err := os.MkdirAll(c.WatchDir, 0755); err != nil {
		return &ValidationError{Arg: c.WatchDir, Cause: "not found or not accessible"}
	}
	info, err := os.Stat(c.WatchDir)
	if err != nil {
		return &ValidationError{Arg: c.WatchDir, Cause: "not found or not accessible"}
	}
	if !info.IsDir() {
		return &ValidationError{Arg: c.WatchDir, Cause: "not a directory"}
	}
	abs, err := filepath.Abs(c.WatchDir)
	if err != nil {
		return err
	}
	c.WatchDir = abs
	return nil
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func normalizeExtensions(in []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, raw := range in {
		for _, e := range strings.Split(raw, ",") {
			e = strings.ToLower(strings.TrimSpace(e))
			if e == "" {
				continue
			}
			if !strings.HasPrefix(e, ".") {
				e = "." + e
			}
			if !seen[e] {
				seen[e] = true
				out = append(out, e)
			}
		}
	}
	return out
}

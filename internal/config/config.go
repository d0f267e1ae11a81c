package config

import (
	"errors"
	"flag"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ServeConfig holds all settings for the tunneld daemon.
type ServeConfig struct {
	ListenAddr      string
	DebugAddr       string
	DataDir         string
	EventDBPath     string
	LogLevel        string
	CloudflaredPath string
	CloudflaredLog  bool
	MetricsPort     int

	APIToken   string
	AccountID  string
	APIBaseURL string
	MasterKey  string

	CredentialMode string

	StartGrace      time.Duration
	StopTimeout     time.Duration
	RestartDelay    time.Duration
	MaxRestarts     int
	StatusTTL       time.Duration
	QuotaPerMinute  int
	EventRetention  time.Duration
	CleanupInterval time.Duration
}

// Credential mode values select how new tunnels authenticate their local
// process.
const (
	CredentialModeFile  = "file"
	CredentialModeToken = "token"
)

const (
	defaultListenAddr      = ":8642"
	defaultDataDir         = "./tunneld-data"
	defaultCloudflaredPath = "cloudflared"
	defaultAPIBaseURL      = "https://api.cloudflare.com/client/v4"
	defaultStartGrace      = 5 * time.Second
	defaultStopTimeout     = 10 * time.Second
	defaultRestartDelay    = 5 * time.Second
	defaultMaxRestarts     = 5
	defaultStatusTTL       = 10 * time.Second
	defaultQuotaPerMinute  = 120
	defaultEventRetention  = 30 * 24 * time.Hour
	defaultCleanupInterval = time.Hour
)

// ParseServeFlags parses serve-mode flags with TUNNELD_*/CLOUDFLARE_* env
// fallbacks and validates the result.
func ParseServeFlags(args []string) (ServeConfig, error) {
	cfg := ServeConfig{
		ListenAddr:      envOrDefault("TUNNELD_LISTEN", defaultListenAddr),
		DebugAddr:       envOrDefault("TUNNELD_DEBUG_ADDR", ""),
		DataDir:         envOrDefault("TUNNELD_DATA_DIR", defaultDataDir),
		EventDBPath:     envOrDefault("TUNNELD_EVENT_DB", ""),
		LogLevel:        envOrDefault("TUNNELD_LOG_LEVEL", "info"),
		CloudflaredPath: envOrDefault("TUNNELD_CLOUDFLARED", defaultCloudflaredPath),
		MetricsPort:     envIntOrDefault("TUNNELD_METRICS_PORT", 0),
		APIToken:        envOrDefault("CLOUDFLARE_API_TOKEN", ""),
		AccountID:       envOrDefault("CLOUDFLARE_ACCOUNT_ID", ""),
		APIBaseURL:      envOrDefault("CLOUDFLARE_API_BASE", defaultAPIBaseURL),
		MasterKey:       envOrDefault("TUNNELD_MASTER_KEY", ""),
		CredentialMode:  envOrDefault("TUNNELD_CREDENTIAL_MODE", CredentialModeFile),
		StartGrace:      defaultStartGrace,
		StopTimeout:     defaultStopTimeout,
		RestartDelay:    defaultRestartDelay,
		MaxRestarts:     defaultMaxRestarts,
		StatusTTL:       defaultStatusTTL,
		QuotaPerMinute:  defaultQuotaPerMinute,
		EventRetention:  defaultEventRetention,
		CleanupInterval: defaultCleanupInterval,
	}

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "HTTP API listen address")
	fs.StringVar(&cfg.DebugAddr, "debug-addr", cfg.DebugAddr, "pprof listen address (empty disables)")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Directory for tunnel records and credentials")
	fs.StringVar(&cfg.EventDBPath, "event-db", cfg.EventDBPath, "Lifecycle event journal path (default <data-dir>/events.db)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.CloudflaredPath, "cloudflared", cfg.CloudflaredPath, "Path to the cloudflared binary")
	fs.BoolVar(&cfg.CloudflaredLog, "cloudflared-debug", cfg.CloudflaredLog, "Run cloudflared with --log-level debug")
	fs.IntVar(&cfg.MetricsPort, "metrics-port", cfg.MetricsPort, "cloudflared local metrics port (0 disables)")
	fs.StringVar(&cfg.APIToken, "api-token", cfg.APIToken, "Cloudflare API token")
	fs.StringVar(&cfg.AccountID, "account", cfg.AccountID, "Preferred Cloudflare account id")
	fs.StringVar(&cfg.APIBaseURL, "api-base", cfg.APIBaseURL, "Cloudflare API base URL")
	fs.StringVar(&cfg.MasterKey, "master-key", cfg.MasterKey, "Passphrase for at-rest credential encryption (empty = plaintext)")
	fs.StringVar(&cfg.CredentialMode, "credential-mode", cfg.CredentialMode, "Tunnel process credential mode: file|token")
	fs.DurationVar(&cfg.StartGrace, "start-grace", cfg.StartGrace, "Process start confirmation window")
	fs.DurationVar(&cfg.StopTimeout, "stop-timeout", cfg.StopTimeout, "Graceful stop wait before SIGKILL")
	fs.DurationVar(&cfg.RestartDelay, "restart-delay", cfg.RestartDelay, "Delay before crash restart")
	fs.IntVar(&cfg.MaxRestarts, "max-restarts", cfg.MaxRestarts, "Max automatic restarts before terminal error")
	fs.DurationVar(&cfg.StatusTTL, "status-ttl", cfg.StatusTTL, "Remote status reconciliation cache TTL")
	fs.IntVar(&cfg.QuotaPerMinute, "api-quota", cfg.QuotaPerMinute, "Control-plane calls per operation+account per minute")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.DataDir = strings.TrimSpace(cfg.DataDir)
	if cfg.DataDir == "" {
		return cfg, errors.New("missing --data-dir or TUNNELD_DATA_DIR")
	}
	if cfg.EventDBPath == "" {
		cfg.EventDBPath = filepath.Join(cfg.DataDir, "events.db")
	}
	cfg.APIToken = strings.TrimSpace(cfg.APIToken)
	if cfg.APIToken == "" {
		return cfg, errors.New("missing --api-token or CLOUDFLARE_API_TOKEN")
	}
	cfg.CredentialMode = strings.ToLower(strings.TrimSpace(cfg.CredentialMode))
	switch cfg.CredentialMode {
	case CredentialModeFile, CredentialModeToken:
	default:
		return cfg, errors.New("credential mode must be one of: file, token")
	}
	if cfg.MetricsPort < 0 || cfg.MetricsPort > 65535 {
		return cfg, errors.New("metrics port must be between 0 and 65535")
	}
	if cfg.StartGrace <= 0 {
		return cfg, errors.New("start grace must be > 0")
	}
	if cfg.StopTimeout <= 0 {
		return cfg, errors.New("stop timeout must be > 0")
	}
	if cfg.RestartDelay <= 0 {
		return cfg, errors.New("restart delay must be > 0")
	}
	if cfg.MaxRestarts < 0 {
		return cfg, errors.New("max restarts must be >= 0")
	}
	if cfg.StatusTTL <= 0 {
		return cfg, errors.New("status TTL must be > 0")
	}
	if cfg.QuotaPerMinute <= 0 {
		return cfg, errors.New("api quota must be > 0")
	}

	return cfg, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"socks5-pool/internal/backend"
	"socks5-pool/internal/control"
	"socks5-pool/internal/dispatch"
	"socks5-pool/internal/frontend"
	"socks5-pool/internal/lbconfig"
	"socks5-pool/internal/proxylist"
	"socks5-pool/internal/refresh"
)

const (
	defaultConfigPath        = "pool.cfg"
	defaultBackupRetention   = 5
	defaultValidateTimeout   = 30
	defaultSkeletonListen    = "0.0.0.0:1080"
	defaultRefreshIntervalMn = 300

	probeModeTCP    = "tcp"
	probeModeSOCKS5 = "socks5"
)

// Config represents the service configuration.
type Config struct {
	Source struct {
		URL                string `yaml:"url"`
		TimeoutSeconds     int    `yaml:"timeout_seconds"`
		InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
		MaxBodyBytes       int64  `yaml:"max_body_bytes"`
	} `yaml:"source"`
	Pool struct {
		ConfigPath             string   `yaml:"config_path"`
		StartMarker            string   `yaml:"start_marker"`
		EndMarker              string   `yaml:"end_marker"`
		BackupRetention        *int     `yaml:"backup_retention"`
		ValidateCommand        []string `yaml:"validate_command"`
		ValidateTimeoutSeconds int      `yaml:"validate_timeout_seconds"`
		SkeletonListen         string   `yaml:"skeleton_listen"`
	} `yaml:"pool"`
	Health struct {
		CheckIntervalSeconds int    `yaml:"check_interval_seconds"`
		Rise                 uint   `yaml:"rise"`
		Fall                 uint   `yaml:"fall"`
		ProbeMode            string `yaml:"probe_mode"`
		ProbeTarget          string `yaml:"probe_target"`
		ProbeTimeoutSeconds  int    `yaml:"probe_timeout_seconds"`
	} `yaml:"health"`
	Dispatch struct {
		Listen             string `yaml:"listen"`
		DialTimeoutSeconds int    `yaml:"dial_timeout_seconds"`
		DialRetries        int    `yaml:"dial_retries"`
	} `yaml:"dispatch"`
	Refresh struct {
		// IntervalMinutes of 0 disables the scheduler; unset means 300.
		IntervalMinutes     *int  `yaml:"interval_minutes"`
		OnStart             *bool `yaml:"on_start"`
		CycleTimeoutSeconds int   `yaml:"cycle_timeout_seconds"`
		HistorySize         int   `yaml:"history_size"`
	} `yaml:"refresh"`
	Control struct {
		Listen                    string `yaml:"listen"`
		Username                  string `yaml:"username"`
		Password                  string `yaml:"password"`
		RefreshMinIntervalSeconds int    `yaml:"refresh_min_interval_seconds"`
	} `yaml:"control"`
	Frontend struct {
		Enabled            bool              `yaml:"enabled"`
		Listen             string            `yaml:"listen"`
		Users              map[string]string `yaml:"users"`
		UpstreamUsername   string            `yaml:"upstream_username"`
		UpstreamPassword   string            `yaml:"upstream_password"`
		DialTimeoutSeconds int               `yaml:"dial_timeout_seconds"`
	} `yaml:"frontend"`
	Log struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
		Compress   bool   `yaml:"compress"`
	} `yaml:"log"`
}

func loadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.Source.URL == "" {
		return nil, fmt.Errorf("source.url must be specified")
	}
	if cfg.Source.TimeoutSeconds <= 0 {
		cfg.Source.TimeoutSeconds = int(proxylist.DefaultTimeout / time.Second)
	}
	if cfg.Source.MaxBodyBytes <= 0 {
		cfg.Source.MaxBodyBytes = proxylist.DefaultMaxBodyBytes
	}

	if cfg.Pool.ConfigPath == "" {
		cfg.Pool.ConfigPath = defaultConfigPath
	}
	if cfg.Pool.StartMarker == "" {
		cfg.Pool.StartMarker = lbconfig.DefaultStartMarker
	}
	if cfg.Pool.EndMarker == "" {
		cfg.Pool.EndMarker = lbconfig.DefaultEndMarker
	}
	cfg.Pool.StartMarker = strings.TrimSpace(cfg.Pool.StartMarker)
	cfg.Pool.EndMarker = strings.TrimSpace(cfg.Pool.EndMarker)
	if cfg.Pool.StartMarker == cfg.Pool.EndMarker {
		return nil, fmt.Errorf("pool.start_marker and pool.end_marker must differ")
	}
	if cfg.Pool.BackupRetention == nil {
		retention := defaultBackupRetention
		cfg.Pool.BackupRetention = &retention
	}
	if cfg.Pool.ValidateTimeoutSeconds <= 0 {
		cfg.Pool.ValidateTimeoutSeconds = defaultValidateTimeout
	}
	if cfg.Pool.SkeletonListen == "" {
		cfg.Pool.SkeletonListen = defaultSkeletonListen
	}

	if cfg.Health.CheckIntervalSeconds <= 0 {
		cfg.Health.CheckIntervalSeconds = int(backend.DefaultCheckInterval / time.Second)
	}
	if cfg.Health.Rise == 0 {
		cfg.Health.Rise = backend.DefaultRise
	}
	if cfg.Health.Fall == 0 {
		cfg.Health.Fall = backend.DefaultFall
	}
	if cfg.Health.ProbeTimeoutSeconds <= 0 {
		cfg.Health.ProbeTimeoutSeconds = int(dispatch.DefaultProbeTimeout / time.Second)
	}
	cfg.Health.ProbeMode = strings.ToLower(strings.TrimSpace(cfg.Health.ProbeMode))
	switch cfg.Health.ProbeMode {
	case "":
		cfg.Health.ProbeMode = probeModeTCP
	case probeModeTCP:
	case probeModeSOCKS5:
		if cfg.Health.ProbeTarget == "" {
			return nil, fmt.Errorf("health.probe_target must be set when probe_mode is socks5")
		}
	default:
		return nil, fmt.Errorf("health.probe_mode must be %q or %q, got %q", probeModeTCP, probeModeSOCKS5, cfg.Health.ProbeMode)
	}

	if cfg.Dispatch.Listen == "" {
		cfg.Dispatch.Listen = dispatch.DefaultListen
	}
	if cfg.Dispatch.DialTimeoutSeconds <= 0 {
		cfg.Dispatch.DialTimeoutSeconds = int(dispatch.DefaultDialTimeout / time.Second)
	}
	if cfg.Dispatch.DialRetries <= 0 {
		cfg.Dispatch.DialRetries = dispatch.DefaultDialRetries
	}

	if cfg.Refresh.IntervalMinutes == nil {
		interval := defaultRefreshIntervalMn
		cfg.Refresh.IntervalMinutes = &interval
	} else if *cfg.Refresh.IntervalMinutes < 0 {
		return nil, fmt.Errorf("refresh.interval_minutes must not be negative")
	}
	if cfg.Refresh.OnStart == nil {
		onStart := true
		cfg.Refresh.OnStart = &onStart
	}
	if cfg.Refresh.CycleTimeoutSeconds <= 0 {
		cfg.Refresh.CycleTimeoutSeconds = int(refresh.DefaultCycleTimeout / time.Second)
	}
	if cfg.Refresh.HistorySize <= 0 {
		cfg.Refresh.HistorySize = refresh.DefaultHistorySize
	}

	if cfg.Control.Listen == "" {
		cfg.Control.Listen = control.DefaultListen
	}
	if cfg.Control.RefreshMinIntervalSeconds <= 0 {
		cfg.Control.RefreshMinIntervalSeconds = int(control.DefaultRefreshMinInterval / time.Second)
	}
	if (cfg.Control.Username == "") != (cfg.Control.Password == "") {
		return nil, fmt.Errorf("both control.username and control.password must be configured together")
	}

	if cfg.Frontend.Listen == "" {
		cfg.Frontend.Listen = frontend.DefaultListen
	}
	if cfg.Frontend.DialTimeoutSeconds <= 0 {
		cfg.Frontend.DialTimeoutSeconds = int(frontend.DefaultDialTimeout / time.Second)
	}
	if (cfg.Frontend.UpstreamUsername == "") != (cfg.Frontend.UpstreamPassword == "") {
		return nil, fmt.Errorf("both frontend.upstream_username and frontend.upstream_password must be configured together")
	}
	for user, hash := range cfg.Frontend.Users {
		if !strings.HasPrefix(hash, "$2") {
			return nil, fmt.Errorf("frontend.users[%s] must be a bcrypt hash (see poolctl hash)", user)
		}
	}

	if cfg.Log.MaxSizeMB <= 0 {
		cfg.Log.MaxSizeMB = 100
	}

	return &cfg, nil
}

func (c *Config) markers() lbconfig.Markers {
	return lbconfig.Markers{Start: c.Pool.StartMarker, End: c.Pool.EndMarker}
}

func (c *Config) checkSettings() backend.CheckSettings {
	return backend.CheckSettings{
		Interval: time.Duration(c.Health.CheckIntervalSeconds) * time.Second,
		Rise:     c.Health.Rise,
		Fall:     c.Health.Fall,
	}
}

func (c *Config) refreshInterval() time.Duration {
	return time.Duration(*c.Refresh.IntervalMinutes) * time.Minute
}

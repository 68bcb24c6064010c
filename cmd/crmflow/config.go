package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/crmflow/internal/trigger"
)

// Config holds all crmflow server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath              string   `json:"db_path"`
	LogLevel            string   `json:"log_level"`
	PoolSize            int      `json:"pool_size"`
	PollInterval        Duration `json:"poll_interval"`
	ScanSchedule        string   `json:"scan_schedule"`
	CacheTTL            Duration `json:"cache_ttl"`
	MaxDepth            int      `json:"max_depth"`
	MaxJobRetries       int      `json:"max_job_retries"`
	EligibleEntityTypes []string `json:"eligible_entity_types"`
	MCP                 bool     `json:"mcp"`
}

// Duration is a time.Duration that reads and writes as "30s" in settings.json.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func defaultConfig() Config {
	return Config{
		DBPath:              filepath.Join(crmflowDir(), "crmflow.db"),
		LogLevel:            "info",
		PoolSize:            4,
		PollInterval:        Duration(time.Second),
		ScanSchedule:        "@hourly",
		CacheTTL:            Duration(30 * time.Second),
		MaxDepth:            5,
		MaxJobRetries:       2,
		EligibleEntityTypes: append([]string(nil), trigger.DefaultEligibleTypes...),
	}
}

func crmflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".crmflow"
	}
	return filepath.Join(home, ".crmflow")
}

func settingsPath() string {
	return filepath.Join(crmflowDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	applyEnv(&cfg, os.Getenv)
	return cfg
}

func applyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv("CRMFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := getenv("CRMFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("CRMFLOW_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := getenv("CRMFLOW_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.PollInterval = Duration(d)
		}
	}
	if v := getenv("CRMFLOW_SCAN_SCHEDULE"); v != "" {
		cfg.ScanSchedule = v
	}
	if v := getenv("CRMFLOW_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.CacheTTL = Duration(d)
		}
	}
	if v := getenv("CRMFLOW_MAX_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxDepth = n
		}
	}
	if v := getenv("CRMFLOW_MAX_JOB_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxJobRetries = n
		}
	}
	if v := getenv("CRMFLOW_ELIGIBLE_ENTITY_TYPES"); v != "" {
		var types []string
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, t)
			}
		}
		cfg.EligibleEntityTypes = types
	}
	if v := getenv("CRMFLOW_MCP"); v != "" {
		cfg.MCP = v == "true" || v == "1"
	}
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	RestartNeeded   []string // fields that require a server restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.DBPath != new.DBPath {
		d.RestartNeeded = append(d.RestartNeeded, "db_path")
	}
	if old.PoolSize != new.PoolSize {
		d.RestartNeeded = append(d.RestartNeeded, "pool_size")
	}
	if old.PollInterval != new.PollInterval {
		d.RestartNeeded = append(d.RestartNeeded, "poll_interval")
	}
	if old.ScanSchedule != new.ScanSchedule {
		d.RestartNeeded = append(d.RestartNeeded, "scan_schedule")
	}
	if old.CacheTTL != new.CacheTTL {
		d.RestartNeeded = append(d.RestartNeeded, "cache_ttl")
	}
	if old.MaxDepth != new.MaxDepth {
		d.RestartNeeded = append(d.RestartNeeded, "max_depth")
	}
	if old.MaxJobRetries != new.MaxJobRetries {
		d.RestartNeeded = append(d.RestartNeeded, "max_job_retries")
	}
	if strings.Join(old.EligibleEntityTypes, ",") != strings.Join(new.EligibleEntityTypes, ",") {
		d.RestartNeeded = append(d.RestartNeeded, "eligible_entity_types")
	}
	if old.MCP != new.MCP {
		d.RestartNeeded = append(d.RestartNeeded, "mcp")
	}
	return d
}

func pidPath() string {
	return filepath.Join(crmflowDir(), "crmflow.pid")
}

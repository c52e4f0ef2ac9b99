// Package config loads the wapair configuration: a YAML file, an optional .env file and
// WAPAIR_* environment overrides, in that order of increasing precedence.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

type SysConfig struct {
	Appid    string `yaml:"appid"`
	Location string `yaml:"location"`
	Workdir  string `yaml:"workdir"`
	Debug    bool   `yaml:"debug"`
}

type WebConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// AllowOrigins feeds the CORS middleware; empty allows every origin.
	AllowOrigins []string `yaml:"allow_origins"`
}

// DBConfig configures the optional pairing history database. Type "none" disables it.
type DBConfig struct {
	Type     string `yaml:"type"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Passwd   string `yaml:"passwd"`
	MaxConn  int    `yaml:"max_conn"`
	IdleConn int    `yaml:"idle_conn"`
	Debug    bool   `yaml:"debug"`
	// HistoryDays bounds how long pairing history rows are kept.
	HistoryDays int `yaml:"history_days"`
}

type LogConfig struct {
	Mode       string `yaml:"mode"`
	FileEnable bool   `yaml:"file_enable"`
	Filename   string `yaml:"filename"`
}

type PairingConfig struct {
	SessionsDir   string        `yaml:"sessions_dir"`
	DisplayName   string        `yaml:"display_name"`
	Workers       int           `yaml:"workers"`
	NodeID        int64         `yaml:"node_id"`
	SweepSchedule string        `yaml:"sweep_schedule"`
	Horizon       time.Duration `yaml:"horizon"`
	BoundedWait   time.Duration `yaml:"bounded_wait"`
	Freshness     time.Duration `yaml:"freshness"`
}

type AppConfig struct {
	System   SysConfig     `yaml:"system"`
	Web      WebConfig     `yaml:"web"`
	Database DBConfig      `yaml:"database"`
	Logger   LogConfig     `yaml:"logger"`
	Pairing  PairingConfig `yaml:"pairing"`
}

// GetSessionsDir resolves the sessions directory relative to the workdir.
func (c *AppConfig) GetSessionsDir() string {
	if filepath.IsAbs(c.Pairing.SessionsDir) {
		return c.Pairing.SessionsDir
	}
	return filepath.Join(c.System.Workdir, c.Pairing.SessionsDir)
}

func (c *AppConfig) GetLogDir() string {
	return filepath.Join(c.System.Workdir, "logs")
}

// Default returns the built-in configuration.
func Default() *AppConfig {
	return &AppConfig{
		System: SysConfig{
			Appid:    "wapair",
			Location: "Local",
			Workdir:  "./data",
		},
		Web: WebConfig{
			Host: "0.0.0.0",
			Port: 3000,
		},
		Database: DBConfig{
			Type:        "none",
			Host:        "127.0.0.1",
			Port:        5432,
			Name:        "wapair",
			User:        "postgres",
			MaxConn:     20,
			IdleConn:    5,
			HistoryDays: 90,
		},
		Logger: LogConfig{
			Mode:     "development",
			Filename: "./data/logs/wapair.log",
		},
		Pairing: PairingConfig{
			SessionsDir:   "sessions",
			DisplayName:   "Chrome (Linux)",
			Workers:       64,
			NodeID:        1,
			SweepSchedule: "@every 1m",
			Horizon:       30 * time.Minute,
			BoundedWait:   20 * time.Second,
			Freshness:     120 * time.Second,
		},
	}
}

// LoadConfig reads file (when non-empty and present), then .env, then environment overrides.
func LoadConfig(file string) (*AppConfig, error) {
	cfg := Default()
	if file != "" {
		data, err := os.ReadFile(file)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, errors.Wrapf(err, "parse config %s", file)
			}
		case !os.IsNotExist(err):
			return nil, errors.Wrapf(err, "read config %s", file)
		}
	}
	// a missing .env is normal
	_ = godotenv.Load()
	applyEnv(cfg)
	return cfg, cfg.Validate()
}

func setString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func setInt(key string, dst *int) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = cast.ToInt(v)
	}
}

func setInt64(key string, dst *int64) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = cast.ToInt64(v)
	}
}

func setBool(key string, dst *bool) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = cast.ToBool(v)
	}
}

func setDuration(key string, dst *time.Duration) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = cast.ToDuration(v)
	}
}

func applyEnv(cfg *AppConfig) {
	setString("WAPAIR_SYSTEM_WORKDIR", &cfg.System.Workdir)
	setString("WAPAIR_SYSTEM_LOCATION", &cfg.System.Location)
	setBool("WAPAIR_SYSTEM_DEBUG", &cfg.System.Debug)

	setString("WAPAIR_WEB_HOST", &cfg.Web.Host)
	setInt("WAPAIR_WEB_PORT", &cfg.Web.Port)
	// PORT is honoured for platform deployments
	setInt("PORT", &cfg.Web.Port)
	if v := os.Getenv("WAPAIR_WEB_ALLOW_ORIGINS"); v != "" {
		cfg.Web.AllowOrigins = strings.Split(v, ",")
	}

	setString("WAPAIR_DB_TYPE", &cfg.Database.Type)
	setString("WAPAIR_DB_HOST", &cfg.Database.Host)
	setInt("WAPAIR_DB_PORT", &cfg.Database.Port)
	setString("WAPAIR_DB_NAME", &cfg.Database.Name)
	setString("WAPAIR_DB_USER", &cfg.Database.User)
	setString("WAPAIR_DB_PASSWD", &cfg.Database.Passwd)
	setBool("WAPAIR_DB_DEBUG", &cfg.Database.Debug)
	setInt("WAPAIR_DB_HISTORY_DAYS", &cfg.Database.HistoryDays)

	setString("WAPAIR_LOGGER_MODE", &cfg.Logger.Mode)
	setBool("WAPAIR_LOGGER_FILE_ENABLE", &cfg.Logger.FileEnable)
	setString("WAPAIR_LOGGER_FILENAME", &cfg.Logger.Filename)

	setString("WAPAIR_SESSIONS_DIR", &cfg.Pairing.SessionsDir)
	setString("WAPAIR_DISPLAY_NAME", &cfg.Pairing.DisplayName)
	setInt("WAPAIR_WORKERS", &cfg.Pairing.Workers)
	setInt64("WAPAIR_NODE_ID", &cfg.Pairing.NodeID)
	setString("WAPAIR_SWEEP_SCHEDULE", &cfg.Pairing.SweepSchedule)
	setDuration("WAPAIR_HORIZON", &cfg.Pairing.Horizon)
	setDuration("WAPAIR_BOUNDED_WAIT", &cfg.Pairing.BoundedWait)
	setDuration("WAPAIR_FRESHNESS", &cfg.Pairing.Freshness)
}

// Validate rejects settings the service cannot run with.
func (c *AppConfig) Validate() error {
	if c.Web.Port <= 0 || c.Web.Port > 65535 {
		return errors.Errorf("invalid web port %d", c.Web.Port)
	}
	switch strings.ToLower(c.Database.Type) {
	case "", "none", "postgres", "postgresql":
	default:
		return errors.Errorf("unsupported database type %q", c.Database.Type)
	}
	if c.Pairing.SessionsDir == "" {
		return errors.New("pairing.sessions_dir is required")
	}
	if c.Pairing.NodeID < 0 || c.Pairing.NodeID > 1023 {
		return errors.Errorf("pairing.node_id %d out of range 0-1023", c.Pairing.NodeID)
	}
	if c.Pairing.Horizon <= 0 {
		return errors.New("pairing.horizon must be positive")
	}
	return nil
}

// HistoryEnabled reports whether a history database is configured.
func (c *AppConfig) HistoryEnabled() bool {
	t := strings.ToLower(c.Database.Type)
	return t == "postgres" || t == "postgresql"
}

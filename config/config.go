// Package config persists the service settings and the cached account
// credential. Settings live in a YAML file with environment overrides; the
// auth token is cached as JSON next to it so the interactive login runs
// only once.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/rkreutz/openhaystack-server/icloud"
)

const (
	settingsFile = "config.yaml"
	authFile     = "auth.json"
)

// Settings are the user-editable service parameters.
type Settings struct {
	AnisetteURL string `yaml:"anisette_url"`
	AppleID     string `yaml:"appleid_email"`
	Password    string `yaml:"appleid_pwd"`
	LogLevel    string `yaml:"loglevel"`
	Bind        string `yaml:"bind"`
	Port        int    `yaml:"port"`
}

func defaults() Settings {
	return Settings{
		AnisetteURL: "http://anisette:6969",
		LogLevel:    "info",
		Bind:        "0.0.0.0",
		Port:        6176,
	}
}

// Config is the loaded settings plus the directory holding them.
type Config struct {
	Settings
	dir string
}

// Load reads the settings file from dir, writing one with defaults on first
// run, then applies environment overrides.
func Load(dir string) (*Config, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create config directory: %w", err)
	}
	cfg := &Config{Settings: defaults(), dir: dir}

	path := filepath.Join(dir, settingsFile)
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		if err := cfg.writeSettings(); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("read settings: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg.Settings); err != nil {
			return nil, fmt.Errorf("parse settings: %w", err)
		}
	}

	applyEnv(&cfg.Settings)
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("port %d out of range", cfg.Port)
	}
	return cfg, nil
}

func applyEnv(s *Settings) {
	if v := os.Getenv("ANISETTE_URL"); v != "" {
		s.AnisetteURL = v
	}
	if v := os.Getenv("APPLEID_EMAIL"); v != "" {
		s.AppleID = v
	}
	if v := os.Getenv("APPLEID_PWD"); v != "" {
		s.Password = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		s.LogLevel = v
	}
}

func (c *Config) writeSettings() error {
	data, err := yaml.Marshal(c.Settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := os.WriteFile(filepath.Join(c.dir, settingsFile), data, 0o600); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}

// ApplyLogLevel configures logrus from the loglevel setting.
func (c *Config) ApplyLogLevel() {
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		log.Warnf("unknown log level %q, keeping %s", c.LogLevel, log.GetLevel())
		return
	}
	log.SetLevel(level)
}

// CachedAuth returns the stored credential, if a usable one exists.
func (c *Config) CachedAuth() (icloud.AuthToken, bool) {
	data, err := os.ReadFile(filepath.Join(c.dir, authFile))
	if err != nil {
		return icloud.AuthToken{}, false
	}
	var token icloud.AuthToken
	if err := jsoniter.Unmarshal(data, &token); err != nil {
		log.Warnf("discarding unreadable auth cache: %v", err)
		return icloud.AuthToken{}, false
	}
	if token.DsID == "" || token.SearchPartyToken == "" {
		return icloud.AuthToken{}, false
	}
	return token, true
}

// SaveAuth stores the credential for later runs.
func (c *Config) SaveAuth(token icloud.AuthToken) error {
	data, err := jsoniter.MarshalIndent(token, "", "  ")
	if err != nil {
		return fmt.Errorf("encode auth token: %w", err)
	}
	if err := os.WriteFile(filepath.Join(c.dir, authFile), data, 0o600); err != nil {
		return fmt.Errorf("write auth cache: %w", err)
	}
	return nil
}

// ClearAuth drops the cached credential, forcing a fresh login.
func (c *Config) ClearAuth() error {
	err := os.Remove(filepath.Join(c.dir, authFile))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove auth cache: %w", err)
	}
	return nil
}

// Package config loads insightdash settings from a YAML file, with
// defaults and INSIGHTDASH_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const envPrefix = "INSIGHTDASH"

type Config struct {
	DataDir       string             `mapstructure:"data_dir"`
	LogLevel      string             `mapstructure:"log_level"`
	MaxConcurrent int                `mapstructure:"max_concurrent"`
	API           APIConfig          `mapstructure:"api"`
	Orchestrator  OrchestratorConfig `mapstructure:"orchestrator"`
	Store         StoreConfig        `mapstructure:"store"`
	HTTP          HTTPConfig         `mapstructure:"http"`
	Telegram      TelegramConfig     `mapstructure:"telegram"`
}

// APIConfig points at the remote task executor.
type APIConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Token          string        `mapstructure:"token"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type OrchestratorConfig struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	PollInitial     time.Duration `mapstructure:"poll_initial"`
	PollMax         time.Duration `mapstructure:"poll_max"`
	PollMultiplier  float64       `mapstructure:"poll_multiplier"`
	MaxServerErrors int           `mapstructure:"max_server_errors"`
	CancelTimeout   time.Duration `mapstructure:"cancel_timeout"`
	Stream          bool          `mapstructure:"stream"`
}

// StoreConfig selects the conversation repository. Backend is one of
// file, sqlite, postgres or redis.
type StoreConfig struct {
	Backend   string `mapstructure:"backend"`
	Path      string `mapstructure:"path"`
	DSN       string `mapstructure:"dsn"`
	RedisAddr string `mapstructure:"redis_addr"`
	RedisDB   int    `mapstructure:"redis_db"`
	Key       string `mapstructure:"key"`
}

type HTTPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

type TelegramConfig struct {
	Token string `mapstructure:"token"`
}

// ConversationsPath is the file backing the file store.
func (c *Config) ConversationsPath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(c.DataDir, "conversations.json")
}

// SavedQueriesPath is the file holding saved queries.
func (c *Config) SavedQueriesPath() string {
	return filepath.Join(c.DataDir, "queries.json")
}

// DefaultPath returns ~/.insightdash/config.yaml.
func DefaultPath() string {
	return filepath.Join(homeDir(), ".insightdash", "config.yaml")
}

func homeDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return os.Getenv("HOME")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", filepath.Join(homeDir(), ".insightdash"))
	v.SetDefault("log_level", "info")
	v.SetDefault("max_concurrent", 2)
	v.SetDefault("api.base_url", "http://localhost:8000/api")
	v.SetDefault("api.token", "")
	v.SetDefault("api.request_timeout", "30s")
	v.SetDefault("orchestrator.timeout", "300s")
	v.SetDefault("orchestrator.poll_initial", "2s")
	v.SetDefault("orchestrator.poll_max", "10s")
	v.SetDefault("orchestrator.poll_multiplier", 1.5)
	v.SetDefault("orchestrator.max_server_errors", 5)
	v.SetDefault("orchestrator.cancel_timeout", "5s")
	v.SetDefault("orchestrator.stream", false)
	v.SetDefault("store.backend", "file")
	v.SetDefault("store.path", "")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.redis_addr", "localhost:6379")
	v.SetDefault("store.redis_db", 0)
	v.SetDefault("store.key", "insightdash:conversations")
	v.SetDefault("http.enabled", false)
	v.SetDefault("http.listen", "127.0.0.1:8787")
	v.SetDefault("telegram.token", "")
}

// newViper returns a viper bound to path with defaults and environment
// overrides. The file is not read yet.
func newViper(path string) *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config at path. A missing file is created with the
// defaults first.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := writeDefaults(path); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("stat config: %w", err)
	}

	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

func writeDefaults(path string) error {
	v := viper.New()
	setDefaults(v)
	return writeYAML(path, v.AllSettings())
}

// ListValues returns the effective settings as flat dot-separated keys,
// with secrets masked when mask is set.
func ListValues(path string, mask bool) (map[string]any, error) {
	v, err := readEffective(path)
	if err != nil {
		return nil, err
	}
	flat := Flatten(v.AllSettings())
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// SortedKeys returns the keys of a flat map in order.
func SortedKeys(flat map[string]any) []string {
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// GetValue returns the effective value of one dot-separated key.
func GetValue(path, key string) (any, error) {
	v, err := readEffective(path)
	if err != nil {
		return nil, err
	}
	key = strings.ToLower(key)
	if !isKnownKey(key) {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v.Get(key), nil
}

// SetValue writes one key into the config file. The raw value is parsed
// as a YAML scalar, so "16" is stored as a number and "true" as a bool.
// Only the file's own settings are rewritten; environment overrides are
// never persisted.
func SetValue(path, key, raw string) error {
	key = strings.ToLower(key)
	if !isKnownKey(key) {
		return fmt.Errorf("unknown config key: %s", key)
	}

	file := viper.New()
	file.SetConfigFile(path)
	file.SetConfigType("yaml")
	if err := file.ReadInConfig(); err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	flat := Flatten(file.AllSettings())
	flat[key] = parseScalar(raw)
	return writeYAML(path, Unflatten(flat))
}

func readEffective(path string) (*viper.Viper, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := writeDefaults(path); err != nil {
			return nil, err
		}
	}
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return v, nil
}

func isKnownKey(key string) bool {
	v := viper.New()
	setDefaults(v)
	return v.IsSet(key) && !isSection(v.Get(key))
}

func isSection(val any) bool {
	_, ok := val.(map[string]any)
	return ok
}

func parseScalar(raw string) any {
	if strings.TrimSpace(raw) == "" {
		return raw
	}
	var val any
	if err := yaml.Unmarshal([]byte(raw), &val); err != nil {
		return raw
	}
	switch val.(type) {
	case string, bool, int, float64:
		return val
	}
	return raw
}

func writeYAML(path string, settings map[string]any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// Package config loads host-level configuration from a layered set of
// sources: built-in defaults, a system config file, a per-user config file,
// environment variables, and programmatic overrides. It wraps
// github.com/spf13/viper for the merge and github.com/BurntSushi/toml for
// the on-disk format.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"

	"github.com/ddkit/ddk/internal/errs"
)

const envPrefix = "DDK"

var (
	mu   sync.Mutex
	v    *viper.Viper
	once sync.Once
)

// Config exposes typed accessors over the merged configuration tree.
type Config struct {
	v *viper.Viper
}

// Load builds the singleton Config, merging sources in increasing priority:
// defaults < system file < user file < environment variables.
func Load() (*Config, error) {
	var err error
	once.Do(func() {
		v = viper.New()
		setDefaults(v)
		v.SetEnvPrefix(envPrefix)
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()

		if sysPath := "/etc/ddk/config.toml"; fileExists(sysPath) {
			if mergeErr := mergeFile(v, sysPath); mergeErr != nil {
				err = errs.Wrap(mergeErr, "merge system config")
				return
			}
		}
		if home, homeErr := os.UserHomeDir(); homeErr == nil {
			userPath := filepath.Join(home, ".ddk", "config.toml")
			if fileExists(userPath) {
				if mergeErr := mergeFile(v, userPath); mergeErr != nil {
					err = errs.Wrap(mergeErr, "merge user config")
					return
				}
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return &Config{v: v}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("worker.start_timeout_seconds", 15)
	v.SetDefault("worker.rpc_timeout_seconds", 30)
	v.SetDefault("worker.health_ping_seconds", 5)
	v.SetDefault("worker.health_strikes", 3)
	v.SetDefault("worker.graceful_shutdown_seconds", 2)
	v.SetDefault("multiplexer.max_concurrency_per_environment", 10)
	v.SetDefault("indexer.max_parallel", 8)
	v.SetDefault("token.expiry_skew_seconds", 30)
	v.SetDefault("token.client_id", "")
	v.SetDefault("token.client_secret", "")
	v.SetDefault("token.auth_endpoint", "")
	v.SetDefault("token.token_endpoint", "")
	v.SetDefault("token.user_endpoint", "")
	v.SetDefault("storage.app_data_dir", defaultAppDataDir())
}

func defaultAppDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ddk"
	}
	return filepath.Join(home, ".ddk")
}

// mergeFile parses a TOML file and records every key in v as a default value
// (via flatten), so a file value replaces the built-in default and a later
// file replaces an earlier one, while environment variables and Set still
// take precedence.
func mergeFile(v *viper.Viper, path string) error {
	var tree map[string]interface{}
	raw, err := os.ReadFile(path)
	if err != nil {
		return errs.Wrapf(err, "read config %s", path)
	}
	if err := toml.Unmarshal(raw, &tree); err != nil {
		return errs.Wrapf(err, "parse config %s", path)
	}
	flatten("", tree, v)
	return nil
}

func flatten(prefix string, tree map[string]interface{}, v *viper.Viper) {
	for k, val := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]interface{}); ok {
			flatten(key, sub, v)
			continue
		}
		v.SetDefault(key, val)
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func (c *Config) GetString(key string) string    { return c.v.GetString(key) }
func (c *Config) GetInt(key string) int           { return c.v.GetInt(key) }
func (c *Config) GetBool(key string) bool         { return c.v.GetBool(key) }
func (c *Config) GetDuration(key string) time.Duration {
	return time.Duration(c.v.GetInt(key)) * time.Second
}
func (c *Config) AllSettings() map[string]interface{} { return c.v.AllSettings() }
func (c *Config) Set(key string, value interface{})   { c.v.Set(key, value) }

func (c *Config) WorkerStartTimeout() time.Duration {
	return time.Duration(c.GetInt("worker.start_timeout_seconds")) * time.Second
}
func (c *Config) RPCTimeout() time.Duration {
	return time.Duration(c.GetInt("worker.rpc_timeout_seconds")) * time.Second
}
func (c *Config) HealthPingInterval() time.Duration {
	return time.Duration(c.GetInt("worker.health_ping_seconds")) * time.Second
}
func (c *Config) HealthStrikes() int { return c.GetInt("worker.health_strikes") }
func (c *Config) GracefulShutdownTimeout() time.Duration {
	return time.Duration(c.GetInt("worker.graceful_shutdown_seconds")) * time.Second
}
func (c *Config) MaxConcurrencyPerEnvironment() int {
	return c.GetInt("multiplexer.max_concurrency_per_environment")
}
func (c *Config) IndexerMaxParallel() int      { return c.GetInt("indexer.max_parallel") }
func (c *Config) TokenExpirySkew() time.Duration {
	return time.Duration(c.GetInt("token.expiry_skew_seconds")) * time.Second
}
func (c *Config) AppDataDir() string { return c.GetString("storage.app_data_dir") }

func (c *Config) TokenClientID() string      { return c.GetString("token.client_id") }
func (c *Config) TokenClientSecret() string  { return c.GetString("token.client_secret") }
func (c *Config) TokenAuthEndpoint() string  { return c.GetString("token.auth_endpoint") }
func (c *Config) TokenTokenEndpoint() string { return c.GetString("token.token_endpoint") }
func (c *Config) TokenUserEndpoint() string  { return c.GetString("token.user_endpoint") }

// Reset clears the singleton; test helper only.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	once = sync.Once{}
	v = nil
}

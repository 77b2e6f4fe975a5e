// Package config loads the TOML configuration of tilecache.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"tilecache/internal/cacheerr"
	"tilecache/internal/layer"
	"tilecache/internal/seed"
	"tilecache/internal/storage"
	"tilecache/internal/tilemath"
)

// Config is the whole configuration file.
type Config struct {
	App     AppConfig          `mapstructure:"app"`
	Log     LogConfig          `mapstructure:"log"`
	Storage storage.Options    `mapstructure:"storage"`
	Task    TaskConfig         `mapstructure:"task"`
	Offline OfflineConfig      `mapstructure:"offline"`
	Server  ServerConfig       `mapstructure:"server"`
	Layers  []layer.Descriptor `mapstructure:"layers"`
}

type AppConfig struct {
	Version string `mapstructure:"version"`
	Title   string `mapstructure:"title"`
}

// LogConfig controls the log level and the optional rotating log file.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSize    int    `mapstructure:"maxsize"`
	MaxBackups int    `mapstructure:"maxbackups"`
	Compress   bool   `mapstructure:"compress"`
}

// TaskConfig holds the seeding defaults.
type TaskConfig struct {
	Workers          int           `mapstructure:"workers"`
	MaxWorkers       int           `mapstructure:"maxworkers"`
	MaxTiles         int           `mapstructure:"maxtiles"`
	Timeout          time.Duration `mapstructure:"timeout"`
	UserAgent        string        `mapstructure:"useragent"`
	OnError          string        `mapstructure:"onerror"`
	TolerateNotFound bool          `mapstructure:"tolerate_notfound"`
}

type OfflineConfig struct {
	BaseURL string `mapstructure:"baseurl"`
}

type ServerConfig struct {
	Listen string `mapstructure:"listen"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.version", "v 0.1.0")
	v.SetDefault("app.title", "Offline Tile Cache")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.maxsize", 100)
	v.SetDefault("log.maxbackups", 10)
	v.SetDefault("log.compress", true)
	v.SetDefault("storage.driver", storage.DriverFiles)
	v.SetDefault("storage.directory", "cache")
	v.SetDefault("storage.redis.addr", "127.0.0.1:6379")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.prefix", "tile:")
	v.SetDefault("task.workers", 4)
	v.SetDefault("task.maxworkers", seed.DefaultMaxWorkers)
	v.SetDefault("task.maxtiles", seed.DefaultMaxTiles)
	v.SetDefault("task.timeout", "30s")
	v.SetDefault("task.useragent", "tilecache/1.0")
	v.SetDefault("task.onerror", "abort")
	v.SetDefault("task.tolerate_notfound", true)
	v.SetDefault("offline.baseurl", "http://127.0.0.1:8088/tiles")
	v.SetDefault("server.listen", ":8088")
}

// Load reads path. A missing file is not an error: the defaults and the
// TILECACHE_* environment variables still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix("tilecache")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			log.Warnf("config file(%s) not exist", path)
		} else {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config file(%s): %w", path, err)
			}
		}
	}

	defaultLayerZoom(v)

	var cfg Config
	hooks := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hooks)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// defaultLayerZoom sets maxzoom on the layers that leave it out, so an
// explicit maxzoom = 0 survives decoding.
func defaultLayerZoom(v *viper.Viper) {
	raw, ok := v.Get("layers").([]interface{})
	if !ok {
		return
	}
	for _, l := range raw {
		m, ok := l.(map[string]interface{})
		if !ok {
			continue
		}
		set := false
		for k := range m {
			if strings.EqualFold(k, "maxzoom") {
				set = true
			}
		}
		if !set {
			m["maxzoom"] = tilemath.ZoomMax
		}
	}
	v.Set("layers", raw)
}

// Validate checks the values Load cannot default.
func (c *Config) Validate() error {
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return cacheerr.Invalid("log.level", "%v", err)
	}
	switch strings.ToLower(c.Storage.Driver) {
	case storage.DriverFiles, storage.DriverMBTiles, storage.DriverRedis, storage.DriverMemory:
	default:
		return cacheerr.Invalid("storage.driver", "unknown driver %q", c.Storage.Driver)
	}
	if c.Task.Workers <= 0 {
		return cacheerr.Invalid("task.workers", "must be positive, got %d", c.Task.Workers)
	}
	if c.Task.MaxWorkers < c.Task.Workers {
		return cacheerr.Invalid("task.maxworkers", "must be at least task.workers (%d), got %d", c.Task.Workers, c.Task.MaxWorkers)
	}
	if c.Task.MaxTiles <= 0 {
		return cacheerr.Invalid("task.maxtiles", "must be positive, got %d", c.Task.MaxTiles)
	}
	if c.Task.Timeout < 0 {
		return cacheerr.Invalid("task.timeout", "must not be negative")
	}
	if _, err := seed.ParseErrorPolicy(c.Task.OnError); err != nil {
		return err
	}
	for i := range c.Layers {
		if err := c.Layers[i].Validate(); err != nil {
			return fmt.Errorf("layers[%d]: %w", i, err)
		}
	}
	return nil
}

// Policy is the default error policy of seed sessions.
func (c *Config) Policy() seed.Policy {
	p, _ := seed.ParseErrorPolicy(c.Task.OnError)
	return seed.Policy{OnError: p, TolerateNotFound: c.Task.TolerateNotFound}
}

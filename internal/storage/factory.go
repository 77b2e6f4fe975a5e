package storage

import (
	"fmt"
	"strings"
)

// Drivers understood by Open.
const (
	DriverFiles   = "files"
	DriverMBTiles = "mbtiles"
	DriverRedis   = "redis"
	DriverMemory  = "memory"
)

// Options selects and configures a provider.
type Options struct {
	Driver    string       `mapstructure:"driver"`
	Directory string       `mapstructure:"directory"`
	Redis     RedisOptions `mapstructure:"redis"`
}

// Open creates the provider named by opts.Driver.
func Open(opts Options) (Provider, error) {
	switch strings.ToLower(opts.Driver) {
	case DriverFiles, "":
		return NewFiles(opts.Directory)
	case DriverMBTiles:
		return NewMBTiles(opts.Directory)
	case DriverRedis:
		return NewRedis(opts.Redis)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver: %s (supported: files, mbtiles, redis, memory)", opts.Driver)
	}
}

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ngaut/log"
)

type Config struct {
	LogLevel string

	DBPath string // Directory to store the delta files in. Should exist and be writable.

	// Block size of the arena backing a delta memstore.
	ArenaBlockSize int

	// When a DMS's arena footprint reaches or exceeds this value, a flush is scheduled.
	DMSFlushThreshold uint64

	// Number of open delta file readers kept in the LRU cache.
	ReaderCacheCapacity int

	// Timeout carried by every per-peer vote RPC.
	VoteRPCTimeout time.Duration
}

const (
	KB uint64 = 1024
	MB uint64 = 1024 * 1024
)

func (c *Config) Validate() error {
	if c.ArenaBlockSize < 4*int(KB) {
		return fmt.Errorf("arena block size %d too small, must be at least 4KB", c.ArenaBlockSize)
	}
	if c.DMSFlushThreshold == 0 {
		return fmt.Errorf("DMS flush threshold must be greater than 0")
	}
	if c.ReaderCacheCapacity <= 0 {
		return fmt.Errorf("reader cache capacity must be greater than 0")
	}
	if c.VoteRPCTimeout <= 0 {
		return fmt.Errorf("vote RPC timeout must be greater than 0")
	}
	return nil
}

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

func NewDefaultConfig() *Config {
	return &Config{
		LogLevel:            getLogLevel(),
		DBPath:              "/tmp/tinytablet",
		ArenaBlockSize:      64 * int(KB),
		DMSFlushThreshold:   8 * MB,
		ReaderCacheCapacity: 16,
		VoteRPCTimeout:      time.Second,
	}
}

// FromFile overlays the TOML file at path on top of the defaults.
func FromFile(path string) (*Config, error) {
	c := NewDefaultConfig()
	if _, err := toml.DecodeFile(path, c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	log.SetLevelByString(c.LogLevel)
	return c, nil
}

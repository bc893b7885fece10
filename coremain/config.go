/*
 * Copyright (C) 2024, Vizaxe
 *
 * This file is part of flowcache.
 *
 * flowcache is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * flowcache is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package coremain

import (
	"fmt"
	"github.com/Vizaxe/flowcache/pkg/mlog"
	"github.com/Vizaxe/flowcache/pkg/utils"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"strings"
	"time"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"

	CacheDocuments = "documents"
	CacheState     = "state"

	defaultCleanupInterval = 300000
	defaultSweepTimeout    = 30000
	defaultRedisTimeout    = 1000
)

// Default TTLs in milliseconds.
var defaultTTLs = map[string]int64{
	CacheDocuments: 240000,
	CacheState:     300000,
}

// Stable redis hash names of the well known caches.
var defaultHashNames = map[string]string{
	CacheDocuments: "ssDocuments",
	CacheState:     "ssSignatureState",
}

type Config struct {
	Log     mlog.LogConfig         `yaml:"log"`
	Backend string                 `yaml:"backend"`
	Redis   RedisConfig            `yaml:"redis"`
	Caches  map[string]CacheConfig `yaml:"caches"`
	API     APIConfig              `yaml:"api"`
}

type RedisConfig struct {
	URL string `yaml:"url"`

	// Timeout per redis call in milliseconds.
	Timeout      int    `yaml:"timeout"`
	KeyPrefix    string `yaml:"key_prefix"`
	Compress     bool   `yaml:"compress"`
	OrphanPolicy string `yaml:"orphan_policy"`
}

// CacheConfig configures one cache kind. Durations are in milliseconds.
type CacheConfig struct {
	TTL             int64  `yaml:"ttl"`
	HashName        string `yaml:"hash_name"`
	CleanupInterval int64  `yaml:"cleanup_interval"`
	InitialDelay    int64  `yaml:"initial_delay"`
	SweepTimeout    int64  `yaml:"sweep_timeout"`
}

type APIConfig struct {
	HTTP string `yaml:"http"`
}

func (c *CacheConfig) init(name string) error {
	if c.CleanupInterval < 0 {
		return fmt.Errorf("cache %s: invalid cleanup_interval %d", name, c.CleanupInterval)
	}
	if c.SweepTimeout < 0 {
		return fmt.Errorf("cache %s: invalid sweep_timeout %d", name, c.SweepTimeout)
	}
	utils.SetDefaultNum(&c.TTL, defaultTTLs[name])
	utils.SetDefaultNum(&c.TTL, defaultTTLs[CacheState])
	if hn, ok := defaultHashNames[name]; ok {
		utils.SetDefaultString(&c.HashName, hn)
	}
	utils.SetDefaultString(&c.HashName, name)
	utils.SetDefaultNum(&c.CleanupInterval, defaultCleanupInterval)
	utils.SetDefaultNum(&c.InitialDelay, c.CleanupInterval)
	utils.SetDefaultNum(&c.SweepTimeout, defaultSweepTimeout)
	return nil
}

func ms(v int64) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func (c *CacheConfig) ttl() time.Duration             { return ms(c.TTL) }
func (c *CacheConfig) cleanupInterval() time.Duration { return ms(c.CleanupInterval) }
func (c *CacheConfig) initialDelay() time.Duration    { return ms(c.InitialDelay) }
func (c *CacheConfig) sweepTimeout() time.Duration    { return ms(c.SweepTimeout) }

func (c *Config) init() error {
	utils.SetDefaultString(&c.Log.Level, "info")
	utils.SetDefaultString(&c.Backend, BackendMemory)
	switch c.Backend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("invalid backend %q", c.Backend)
	}
	if c.Backend == BackendRedis && len(c.Redis.URL) == 0 {
		return fmt.Errorf("redis backend requires redis.url")
	}
	utils.SetDefaultNum(&c.Redis.Timeout, defaultRedisTimeout)

	if len(c.Caches) == 0 {
		c.Caches = map[string]CacheConfig{
			CacheDocuments: {},
			CacheState:     {},
		}
	}
	for name, cc := range c.Caches {
		if err := cc.init(name); err != nil {
			return err
		}
		c.Caches[name] = cc
	}
	return nil
}

// LoadConfig reads the config file at path, if not empty, applies
// FLOWCACHE_* environment overrides and fills defaults.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("flowcache")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only sees keys viper knows about.
	for _, k := range [...]string{
		"log.level", "log.file", "log.production",
		"backend",
		"redis.url", "redis.timeout", "redis.key_prefix", "redis.compress", "redis.orphan_policy",
		"api.http",
	} {
		_ = v.BindEnv(k)
	}

	if len(path) > 0 {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config, %w", err)
		}
	}

	cfg := new(Config)
	decoderOpt := func(cfg *mapstructure.DecoderConfig) {
		cfg.ErrorUnused = true
		cfg.TagName = "yaml"
		cfg.WeaklyTypedInput = true
	}
	if err := v.Unmarshal(cfg, decoderOpt); err != nil {
		return nil, fmt.Errorf("failed to parse config, %w", err)
	}
	if err := cfg.init(); err != nil {
		return nil, err
	}
	return cfg, nil
}

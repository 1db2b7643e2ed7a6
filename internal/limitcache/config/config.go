// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the limit-cache service configuration from a YAML
// file, with LIMITCACHE_-prefixed environment variables overriding it.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config is the full enumerated configuration surface from the service
// contract: cache behavior, sync behavior, and the two backing stores.
type Config struct {
	HTTP struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"http"`

	Metrics struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"metrics"`

	Postgres struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"postgres"`

	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	Cache struct {
		Enabled   bool   `mapstructure:"enabled"`
		KeyPrefix string `mapstructure:"key_prefix"`
		TTLHours  int    `mapstructure:"ttl_hours"`
	} `mapstructure:"cache"`

	Sync struct {
		Enabled        bool `mapstructure:"enabled"`
		IntervalSecond int  `mapstructure:"interval_seconds"`
		BatchSize      int  `mapstructure:"batch_size"`
		RetryAttempts  int  `mapstructure:"retry_attempts"`
	} `mapstructure:"sync"`
}

// CacheTTL returns cache.ttl_hours as a time.Duration.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLHours) * time.Hour
}

// SyncInterval returns sync.interval_seconds as a time.Duration.
func (c Config) SyncInterval() time.Duration {
	return time.Duration(c.Sync.IntervalSecond) * time.Second
}

// defaults mirror spec.md §6's enumerated configuration defaults.
func defaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.key_prefix", "limits")
	v.SetDefault("cache.ttl_hours", 24)
	v.SetDefault("sync.enabled", true)
	v.SetDefault("sync.interval_seconds", 5)
	v.SetDefault("sync.batch_size", 100)
	v.SetDefault("sync.retry_attempts", 3)
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)
}

// Load reads the config file at path (if it exists) and overlays
// LIMITCACHE_-prefixed environment variables on top, e.g.
// LIMITCACHE_CACHE_ENABLED=false.
func Load(path string) (Config, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix("LIMITCACHE")
	v.AutomaticEnv()

	var cfg Config
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, os.ErrNotExist) {
				return cfg, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

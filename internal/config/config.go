// Package config loads the extraction core's numeric tunables from viper,
// which merges flag values, env vars, and defaults bound by the cobra
// command in cmd/terashare. The core's own constructors never import this
// package — they take transport.Config and plain values, which
// cmd/terashare fills in from the Config below.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds the four tunables the core consumes from its environment.
type Config struct {
	RequestTimeout        time.Duration
	MaxRetries            int
	CookieRefreshInterval time.Duration
	LogLevel              string
}

// Load reads configuration from viper.
func Load() Config {
	return Config{
		RequestTimeout:        time.Duration(viper.GetInt("request_timeout")) * time.Second,
		MaxRetries:            viper.GetInt("max_retries"),
		CookieRefreshInterval: time.Duration(viper.GetInt("cookie_refresh_interval")) * time.Second,
		LogLevel:              viper.GetString("log_level"),
	}
}

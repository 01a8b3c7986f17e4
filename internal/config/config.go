// Package config loads process configuration from config.toml with
// environment-variable overrides, and per-chain profiles from chains.json.
package config

import (
	"strings"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
)

// Load reads configPath (TOML) and layers environment variables on top.
// An env var like PG_MAX_CONNECTIONS overrides pg.max_connections.
func Load(logger *zerolog.Logger, configPath string) *koanf.Koanf {
	ko := koanf.New(".")

	if err := ko.Load(file.Provider(configPath), toml.Parser()); err != nil {
		logger.Fatal().Err(err).Str("path", configPath).Msg("failed to load config file")
	}

	if err := ko.Load(env.Provider("", ".", func(s string) string {
		return strings.Replace(strings.ToLower(s), "_", ".", 1)
	}), nil); err != nil {
		logger.Warn().Err(err).Msg("failed to load environment overrides")
	}

	logger.Info().Str("config_file", configPath).Msg("configuration loaded")
	return ko
}

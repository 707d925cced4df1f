package config

import (
	"github.com/caarlos0/env/v11"
)

// parseEnv overlays environment variables onto the Config using the struct's
// env tags. Variables that are not set leave the current values untouched, so
// defaults survive a partial environment. Invalid values (e.g. an unparsable
// duration) panic: a misconfigured server should not start.
func parseEnv(config *Config) {
	if err := env.Parse(config); err != nil {
		panic(err)
	}
}

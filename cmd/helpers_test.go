//go:build !integration

package main

import (
	"github.com/gridfill/gridfill-cli/internal/config"
)

// testConfig returns a config populated with the documented defaults,
// without touching the filesystem or environment.
func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Port: 8080, AllowedOrigins: []string{"*"}},
		Store:  config.StoreConfig{Driver: "sqlite", Path: "gridfill.db"},
		Stream: config.StreamConfig{
			MaxReconnects:    4,
			InitialBackoffMs: 1000,
			MaxBackoffMs:     8000,
		},
		Enrich: config.EnrichConfig{Processor: "base", Engine: "parallel"},
		Log:    config.LogConfig{Level: "info", Format: "json"},
	}
}

package config

import (
	log "github.com/sirupsen/logrus"
)

// ConfigureLogging applies the level and formatter to the standard logrus logger.
func ConfigureLogging(cfg *Config) {
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	if cfg.LogFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}
}

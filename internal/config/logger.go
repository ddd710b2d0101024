package config

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// NewLogger builds the process logger: the development logger at debug
// level, otherwise the production logger at the configured level.
func (c *Config) NewLogger() (*zap.Logger, error) {
	level := strings.ToLower(c.Log.Level)
	if level == "debug" {
		return zap.NewDevelopment()
	}

	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("failed to parse log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = lvl
	return zc.Build()
}

package main

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/agleyzer/smilsync/internal/config"
	"github.com/agleyzer/smilsync/internal/logging"
)

type commandContext struct {
	configFlag  *string
	verboseFlag *bool

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string, verboseFlag *bool) *commandContext {
	return &commandContext{
		configFlag:  configFlag,
		verboseFlag: verboseFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// configValue returns the loaded configuration, or the defaults for commands
// that skip loading.
func (c *commandContext) configValue() *config.Config {
	if cfg, err := c.ensureConfig(); err == nil {
		return cfg
	}
	cfg := config.Default()
	return &cfg
}

func (c *commandContext) logger(cfg *config.Config, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	level := logging.ParseLevel(cfg.Log.Level)
	if c.verboseFlag != nil && *c.verboseFlag {
		level = slog.LevelDebug
	}
	return logging.New(logging.Config{
		Writer: w,
		Format: cfg.Log.Format,
		Level:  level,
	})
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

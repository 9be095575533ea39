// Package config loads the smilsync TOML configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/agleyzer/smilsync/internal/cluster"
	"github.com/agleyzer/smilsync/internal/playback"
	"github.com/agleyzer/smilsync/internal/touch"
)

// Server contains HTTP listener settings.
type Server struct {
	Port            int    `toml:"port" validate:"min=1,max=65535"`
	ShutdownTimeout string `toml:"shutdown_timeout" validate:"duration"`
	CommandBuffer   int    `toml:"command_buffer" validate:"min=1"`
}

// Log contains log output settings.
type Log struct {
	Level  string `toml:"level" validate:"oneof=debug info warn error"`
	Format string `toml:"format" validate:"oneof=text json"`
}

// Timeline describes the timeline served to new sessions.
type Timeline struct {
	Path              string  `toml:"path"`
	DocumentID        string  `toml:"document_id"`
	StrictCoverage    bool    `toml:"strict_coverage"`
	CoverageTolerance float64 `toml:"coverage_tolerance" validate:"gte=0"`
	Watch             bool    `toml:"watch"`
}

// Playback contains controller defaults.
type Playback struct {
	SingleFragment bool    `toml:"single_fragment"`
	PlaybackRate   float64 `toml:"playback_rate" validate:"gt=0,lte=16"`
	Autostart      bool    `toml:"autostart"`
}

// Bookmarks selects where last positions are stored.
type Bookmarks struct {
	Backend string `toml:"backend" validate:"oneof=memory sqlite cluster"`
	Dir     string `toml:"dir" validate:"required_if=Backend sqlite"`
}

// Cluster contains Raft settings for the cluster bookmark backend.
type Cluster struct {
	RaftID            string   `toml:"raft_id"`
	Bind              string   `toml:"bind"`
	Peers             []string `toml:"peers"`
	HeartbeatTimeout  string   `toml:"heartbeat_timeout" validate:"omitempty,duration"`
	ElectionTimeout   string   `toml:"election_timeout" validate:"omitempty,duration"`
	SnapshotInterval  string   `toml:"snapshot_interval" validate:"omitempty,duration"`
	SnapshotThreshold uint64   `toml:"snapshot_threshold"`
}

// RateLimit throttles taps per session.
type RateLimit struct {
	TapsPerSecond float64 `toml:"taps_per_second" validate:"gte=0"`
	Burst         int     `toml:"burst" validate:"gte=0"`
}

// Config encapsulates all configuration values.
//
// Sections:
//   - Server: HTTP listener
//   - Log: level and format
//   - Timeline: source path, document id and coverage checks
//   - Playback: controller defaults for new sessions
//   - Touch: outside tap policy
//   - Bookmarks: last position storage backend
//   - Cluster: Raft replication for the cluster backend
//   - RateLimit: per-session tap throttling
type Config struct {
	Server    Server        `toml:"server"`
	Log       Log           `toml:"log"`
	Timeline  Timeline      `toml:"timeline"`
	Playback  Playback      `toml:"playback"`
	Touch     touch.Options `toml:"touch"`
	Bookmarks Bookmarks     `toml:"bookmarks"`
	Cluster   Cluster       `toml:"cluster"`
	RateLimit RateLimit     `toml:"ratelimit"`
}

// Load reads the file at path over the defaults and validates the result.
// An empty path, or a path that does not exist, yields the defaults. The
// second return value reports whether a file was read.
func Load(path string) (*Config, bool, error) {
	cfg := Default()

	exists := false
	if path != "" {
		file, err := os.Open(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, false, fmt.Errorf("open config: %w", err)
		default:
			defer file.Close()
			exists = true
			if err := toml.NewDecoder(file).DisallowUnknownFields().Decode(&cfg); err != nil {
				return nil, false, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, false, err
	}
	return &cfg, exists, nil
}

// ShutdownTimeout returns the parsed server shutdown timeout.
func (c *Config) ShutdownTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Server.ShutdownTimeout)
	return d
}

// PlaybackOptions maps the playback section to controller options.
func (c *Config) PlaybackOptions() playback.Options {
	return playback.Options{
		SingleFragment: c.Playback.SingleFragment,
		PlaybackRate:   c.Playback.PlaybackRate,
		Autostart:      c.Playback.Autostart,
	}
}

// ClusterConfig maps the cluster section to a Raft node configuration.
func (c *Config) ClusterConfig() cluster.Config {
	parse := func(s string) time.Duration {
		d, _ := time.ParseDuration(s)
		return d
	}
	return cluster.Config{
		RaftID:            c.Cluster.RaftID,
		BindAddr:          c.Cluster.Bind,
		Peers:             c.Cluster.Peers,
		HeartbeatTimeout:  parse(c.Cluster.HeartbeatTimeout),
		ElectionTimeout:   parse(c.Cluster.ElectionTimeout),
		SnapshotInterval:  parse(c.Cluster.SnapshotInterval),
		SnapshotThreshold: c.Cluster.SnapshotThreshold,
	}
}

// Encode writes cfg as TOML.
func Encode(cfg *Config) ([]byte, error) {
	return toml.Marshal(cfg)
}

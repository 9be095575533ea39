package cluster

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// Default Raft timings applied by Validate to zero fields.
const (
	DefaultHeartbeatTimeout  = time.Second
	DefaultElectionTimeout   = time.Second
	DefaultSnapshotInterval  = 2 * time.Minute
	DefaultSnapshotThreshold = 8192
)

// ErrInvalidConfig matches every error returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid cluster config")

// Config holds the settings of one bookmark replication node. Field names
// map to the keys of the [cluster] config section.
type Config struct {
	// RaftID names this node in logs (cluster.raft_id).
	RaftID string
	// BindAddr is the host:port Raft listens on (cluster.bind). It also
	// identifies the node in the Raft configuration.
	BindAddr string
	// Peers lists the Raft addresses of every voter, this node included
	// (cluster.peers).
	Peers []string

	HeartbeatTimeout  time.Duration
	ElectionTimeout   time.Duration
	SnapshotInterval  time.Duration
	SnapshotThreshold uint64
}

// Validate reports every problem with the node settings at once, then fills
// unset timings with defaults.
func (c *Config) Validate() error {
	var problems []error
	if c.RaftID == "" {
		problems = append(problems, errors.New("cluster.raft_id is required"))
	}
	switch {
	case c.BindAddr == "":
		problems = append(problems, errors.New("cluster.bind is required"))
	default:
		if _, _, err := net.SplitHostPort(c.BindAddr); err != nil {
			problems = append(problems, fmt.Errorf("invalid cluster.bind address %q: %w", c.BindAddr, err))
		}
	}
	if len(c.Peers) == 0 {
		problems = append(problems, errors.New("cluster.peers needs at least one address"))
	}
	for i, peer := range c.Peers {
		if _, _, err := net.SplitHostPort(peer); err != nil {
			problems = append(problems, fmt.Errorf("invalid cluster.peers[%d] address %q: %w", i, peer, err))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(problems...))
	}

	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.ElectionTimeout == 0 {
		c.ElectionTimeout = DefaultElectionTimeout
	}
	if c.SnapshotInterval == 0 {
		c.SnapshotInterval = DefaultSnapshotInterval
	}
	if c.SnapshotThreshold == 0 {
		c.SnapshotThreshold = DefaultSnapshotThreshold
	}
	return nil
}

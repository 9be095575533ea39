package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"

	"github.com/agleyzer/smilsync/internal/bookmark"
)

const applyTimeout = 5 * time.Second

// Manager runs a Raft node and serves the replicated bookmarks as a
// bookmark.Store.
type Manager struct {
	config    Config
	raft      *raft.Raft
	fsm       *BookmarkFSM
	transport *raft.NetworkTransport
	logger    *slog.Logger
	mu        sync.RWMutex
	shutdown  bool
}

// NewManager creates a new cluster manager.
func NewManager(config Config, logger *slog.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Manager{
		config:   config,
		fsm:      NewBookmarkFSM(logger),
		logger:   logger,
		shutdown: false,
	}, nil
}

// Start initializes and starts the Raft cluster.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.raft != nil {
		return fmt.Errorf("cluster already started")
	}

	// Create Raft configuration
	raftConfig := raft.DefaultConfig()
	// Use bind address as LocalID for consistency with bootstrap configuration
	raftConfig.LocalID = raft.ServerID(m.config.BindAddr)
	raftConfig.HeartbeatTimeout = m.config.HeartbeatTimeout
	raftConfig.ElectionTimeout = m.config.ElectionTimeout
	raftConfig.LeaderLeaseTimeout = m.config.HeartbeatTimeout
	raftConfig.SnapshotInterval = m.config.SnapshotInterval
	raftConfig.SnapshotThreshold = m.config.SnapshotThreshold

	// Raft is chatty; only surface its logs when debugging
	if m.logger.Enabled(ctx, slog.LevelDebug) {
		raftConfig.Logger = newHCLogger(slog.NewLogLogger(m.logger.Handler(), slog.LevelDebug), hclog.Debug)
	} else {
		raftConfig.Logger = newNoOpHCLogger()
	}

	// Create in-memory stores
	logStore := raft.NewInmemStore()
	stableStore := raft.NewInmemStore()
	snapshotStore := raft.NewInmemSnapshotStore()

	// Create network transport
	addr, err := net.ResolveTCPAddr("tcp", m.config.BindAddr)
	if err != nil {
		return fmt.Errorf("resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(m.config.BindAddr, addr, 3, 10*time.Second, nil)
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}
	m.transport = transport

	// Create Raft instance
	r, err := raft.NewRaft(raftConfig, m.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		transport.Close()
		return fmt.Errorf("create raft: %w", err)
	}
	m.raft = r

	// Bootstrap cluster if this is the first node
	configuration := raft.Configuration{
		Servers: make([]raft.Server, 0, len(m.config.Peers)),
	}

	for _, peer := range m.config.Peers {
		// Use peer address as both ID and address for simplicity
		configuration.Servers = append(configuration.Servers, raft.Server{
			ID:       raft.ServerID(peer),
			Address:  raft.ServerAddress(peer),
			Suffrage: raft.Voter,
		})
	}

	// Bootstrap the cluster
	future := m.raft.BootstrapCluster(configuration)
	if err := future.Error(); err != nil && err != raft.ErrCantBootstrap {
		m.logger.Error("failed to bootstrap cluster", "error", err)
		// Continue anyway - node might be joining existing cluster
	}

	m.logger.Info("cluster started",
		"node_id", m.config.RaftID,
		"bind", m.config.BindAddr,
		"peers", len(m.config.Peers))

	return nil
}

// ErrNotLeader is returned by writes on a node that is not the Raft leader.
var ErrNotLeader = errors.New("not the cluster leader")

var _ bookmark.Store = (*Manager)(nil)

// Save replicates the bookmark of documentID. Only the leader accepts writes.
func (m *Manager) Save(ctx context.Context, documentID string, b bookmark.Bookmark) error {
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = time.Now()
	}
	return m.apply(ctx, Command{
		Type: CommandSaveBookmark,
		Data: SaveBookmarkCommand{DocumentID: documentID, Bookmark: b},
	})
}

// Load returns the bookmark of documentID from the local replica.
func (m *Manager) Load(_ context.Context, documentID string) (bookmark.Bookmark, bool, error) {
	b, ok := m.fsm.Lookup(documentID)
	return b, ok, nil
}

// Delete removes the bookmark of documentID cluster-wide.
func (m *Manager) Delete(ctx context.Context, documentID string) error {
	return m.apply(ctx, Command{
		Type: CommandDeleteBookmark,
		Data: DeleteBookmarkCommand{DocumentID: documentID},
	})
}

func (m *Manager) apply(ctx context.Context, cmd Command) error {
	m.mu.RLock()
	if m.shutdown {
		m.mu.RUnlock()
		return fmt.Errorf("cluster is shut down")
	}
	r := m.raft
	m.mu.RUnlock()

	if r == nil {
		return fmt.Errorf("cluster not started")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.State() != raft.Leader {
		return fmt.Errorf("%w (leader is %q)", ErrNotLeader, m.LeaderAddr())
	}

	data, err := EncodeCommand(cmd)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}

	timeout := applyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}

	future := r.Apply(data, timeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("apply command: %w", err)
	}
	if resp, ok := future.Response().(error); ok && resp != nil {
		return resp
	}

	return nil
}

// GetState returns the current FSM state.
func (m *Manager) GetState() ClusterState {
	return m.fsm.GetState()
}

// IsLeader returns true if this node is the Raft leader.
func (m *Manager) IsLeader() bool {
	m.mu.RLock()
	r := m.raft
	m.mu.RUnlock()

	if r == nil {
		return false
	}

	return r.State() == raft.Leader
}

// LeaderAddr returns the address of the current Raft leader.
func (m *Manager) LeaderAddr() string {
	m.mu.RLock()
	r := m.raft
	m.mu.RUnlock()

	if r == nil {
		return ""
	}

	leaderAddr, _ := r.LeaderWithID()
	return string(leaderAddr)
}

// State returns the current Raft state.
func (m *Manager) State() string {
	m.mu.RLock()
	r := m.raft
	m.mu.RUnlock()

	if r == nil {
		return "NotStarted"
	}

	switch r.State() {
	case raft.Follower:
		return "Follower"
	case raft.Candidate:
		return "Candidate"
	case raft.Leader:
		return "Leader"
	case raft.Shutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// Peers returns the list of peer addresses.
func (m *Manager) Peers() []string {
	return m.config.Peers
}

// NodeID returns this node's Raft ID.
func (m *Manager) NodeID() string {
	return m.config.RaftID
}

// Shutdown gracefully shuts down the Raft cluster.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		return nil
	}

	m.shutdown = true

	if m.raft != nil {
		if err := m.raft.Shutdown().Error(); err != nil {
			m.logger.Error("failed to shutdown raft", "error", err)
			return fmt.Errorf("shutdown raft: %w", err)
		}
	}

	if m.transport != nil {
		if err := m.transport.Close(); err != nil {
			m.logger.Error("failed to close transport", "error", err)
			return fmt.Errorf("close transport: %w", err)
		}
	}

	m.logger.Info("cluster shut down")
	return nil
}

// WaitForLeader blocks until a leader is elected or context is canceled.
func (m *Manager) WaitForLeader(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if m.LeaderAddr() != "" {
				return nil
			}
		}
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/agleyzer/smilsync/internal/bookmark"
	"github.com/agleyzer/smilsync/internal/cluster"
	"github.com/agleyzer/smilsync/internal/config"
	"github.com/agleyzer/smilsync/internal/host"
	"github.com/agleyzer/smilsync/internal/parser"
	"github.com/agleyzer/smilsync/internal/probe"
	"github.com/agleyzer/smilsync/internal/server"
)

const leaderTimeout = 30 * time.Second

type serveFlags struct {
	port         int
	timeline     string
	documentID   string
	bookmarks    string
	bookmarksDir string
	watch        bool
	single       bool
	rate         float64
	autostart    bool
}

func newServeCommand(ctx *commandContext) *cobra.Command {
	var flags serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve playback sessions over HTTP and WebSocket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if err := applyServeFlags(cmd, cfg, flags); err != nil {
				return err
			}
			logger := ctx.logger(cfg, cmd.ErrOrStderr())
			logger.Info("smilsync starting", "version", version)

			if err := runServe(cmd.Context(), cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			logger.Info("smilsync stopped")
			return nil
		},
	}

	cmd.Flags().IntVar(&flags.port, "port", 0, "HTTP server port")
	cmd.Flags().StringVarP(&flags.timeline, "timeline", "t", "", "Timeline file or URL (JSON or SMIL)")
	cmd.Flags().StringVar(&flags.documentID, "document-id", "", "Document id used to key bookmarks")
	cmd.Flags().StringVar(&flags.bookmarks, "bookmarks", "", "Bookmark backend: memory, sqlite or cluster")
	cmd.Flags().StringVar(&flags.bookmarksDir, "bookmarks-dir", "", "Directory of the sqlite bookmark database")
	cmd.Flags().BoolVar(&flags.watch, "watch", false, "Reload the timeline when its file changes")
	cmd.Flags().BoolVar(&flags.single, "single", false, "Stop after every fragment")
	cmd.Flags().Float64Var(&flags.rate, "rate", 0, "Initial playback rate of new sessions")
	cmd.Flags().BoolVar(&flags.autostart, "autostart", false, "Play the first fragment as soon as the client audio is ready")
	return cmd
}

// applyServeFlags copies explicitly set flags over cfg and revalidates it.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config, flags serveFlags) error {
	changed := cmd.Flags().Changed
	if changed("port") {
		cfg.Server.Port = flags.port
	}
	if changed("timeline") {
		cfg.Timeline.Path = flags.timeline
	}
	if changed("document-id") {
		cfg.Timeline.DocumentID = flags.documentID
	}
	if changed("bookmarks") {
		cfg.Bookmarks.Backend = flags.bookmarks
	}
	if changed("bookmarks-dir") {
		cfg.Bookmarks.Dir = flags.bookmarksDir
	}
	if changed("watch") {
		cfg.Timeline.Watch = flags.watch
	}
	if changed("single") {
		cfg.Playback.SingleFragment = flags.single
	}
	if changed("rate") {
		cfg.Playback.PlaybackRate = flags.rate
	}
	if changed("autostart") {
		cfg.Playback.Autostart = flags.autostart
	}

	if cfg.Timeline.Path == "" {
		return errors.New("a timeline is required: pass --timeline or set [timeline] path")
	}
	return cfg.Validate()
}

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("loading timeline", "location", cfg.Timeline.Path)
	tl, err := parser.LoadTimeline(ctx, cfg.Timeline.Path)
	if err != nil {
		return fmt.Errorf("failed to load timeline: %w", err)
	}

	prober := probe.Auto{}
	if err := probe.Coverage(ctx, prober, tl, cfg.Timeline.Path, cfg.Timeline.CoverageTolerance, cfg.Timeline.StrictCoverage, logger); err != nil {
		return fmt.Errorf("coverage check failed: %w", err)
	}
	logger.Info("parsed timeline",
		"fragments", tl.Len(),
		"audioFiles", len(tl.AudioRefs()),
		"duration", tl.Duration(),
	)

	store, closeStore, err := openBookmarks(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	doc := &host.Document{
		ID:       cfg.Timeline.DocumentID,
		Location: cfg.Timeline.Path,
		Timeline: tl,
		LoadedAt: time.Now(),
	}
	manager, err := host.NewManager(doc, store, host.Options{
		Playback:          cfg.PlaybackOptions(),
		Touch:             cfg.Touch,
		CommandBuffer:     cfg.Server.CommandBuffer,
		TapsPerSecond:     cfg.RateLimit.TapsPerSecond,
		TapBurst:          cfg.RateLimit.Burst,
		Prober:            prober,
		StrictCoverage:    cfg.Timeline.StrictCoverage,
		CoverageTolerance: cfg.Timeline.CoverageTolerance,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create session manager: %w", err)
	}
	defer manager.CloseAll()

	if cfg.Timeline.Watch {
		if err := manager.Watch(ctx); err != nil {
			return err
		}
	}

	srv := server.New(manager, cfg.Server.Port, cfg.ShutdownTimeout(), logger)
	logger.Info("playback sessions ready",
		"sessions", fmt.Sprintf("http://localhost:%d/sessions", cfg.Server.Port),
		"health", fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port),
		"bookmarks", cfg.Bookmarks.Backend,
	)

	// Start server (blocks until shutdown)
	return srv.Start(ctx)
}

// openBookmarks opens the configured bookmark backend. The returned function
// releases it.
func openBookmarks(ctx context.Context, cfg *config.Config, logger *slog.Logger) (bookmark.Store, func(), error) {
	switch cfg.Bookmarks.Backend {
	case "sqlite":
		store, err := bookmark.OpenSQLite(cfg.Bookmarks.Dir)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open bookmark database: %w", err)
		}
		logger.Info("bookmarks stored in sqlite", "path", store.Path())
		return store, func() { closeQuietly(store, logger) }, nil

	case "cluster":
		mgr, err := cluster.NewManager(cfg.ClusterConfig(), logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create cluster manager: %w", err)
		}
		if err := mgr.Start(ctx); err != nil {
			return nil, nil, fmt.Errorf("failed to start cluster: %w", err)
		}

		waitCtx, cancel := context.WithTimeout(ctx, leaderTimeout)
		defer cancel()
		if err := mgr.WaitForLeader(waitCtx); err != nil {
			mgr.Shutdown()
			return nil, nil, fmt.Errorf("no cluster leader elected: %w", err)
		}
		logger.Info("bookmarks replicated by raft",
			"node", mgr.NodeID(),
			"state", mgr.State(),
			"leader", mgr.LeaderAddr(),
		)
		return mgr, func() {
			if err := mgr.Shutdown(); err != nil {
				logger.Warn("cluster shutdown failed", "error", err)
			}
		}, nil

	default:
		return bookmark.NewMemory(), func() {}, nil
	}
}

func closeQuietly(c io.Closer, logger *slog.Logger) {
	if err := c.Close(); err != nil {
		logger.Warn("close failed", "error", err)
	}
}

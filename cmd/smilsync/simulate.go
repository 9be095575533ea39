package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agleyzer/smilsync/internal/parser"
	"github.com/agleyzer/smilsync/internal/playback"
	"github.com/agleyzer/smilsync/internal/remote"
	"github.com/agleyzer/smilsync/internal/schedule"
)

const simulateBuffer = 1024

type simulateOptions struct {
	from   string
	rate   float64
	single bool
}

func newSimulateCommand(ctx *commandContext) *cobra.Command {
	var opts simulateOptions

	cmd := &cobra.Command{
		Use:         "simulate <timeline>",
		Short:       "Play a timeline in real time and print the commands a client would receive",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.configValue()
			if !cmd.Flags().Changed("rate") {
				opts.rate = cfg.Playback.PlaybackRate
			}
			if !cmd.Flags().Changed("single") {
				opts.single = cfg.Playback.SingleFragment
			}
			logger := ctx.logger(cfg, cmd.ErrOrStderr())
			return runSimulate(cmd.Context(), args[0], opts, cmd.OutOrStdout(), logger)
		},
	}

	cmd.Flags().StringVar(&opts.from, "from", "", "Fragment id to start from")
	cmd.Flags().Float64Var(&opts.rate, "rate", 1, "Playback rate")
	cmd.Flags().BoolVar(&opts.single, "single", false, "Stop after the first fragment")
	return cmd
}

// runSimulate plays the timeline at location on a real-time loop until it
// completes, or until the first fragment ends in single mode.
func runSimulate(ctx context.Context, location string, opts simulateOptions, out io.Writer, logger *slog.Logger) error {
	tl, err := parser.LoadTimeline(ctx, location)
	if err != nil {
		return err
	}

	start := 0
	if opts.from != "" {
		if start = tl.IndexOfID(opts.from); start < 0 {
			return fmt.Errorf("fragment %q not found in %s", opts.from, location)
		}
	}

	loop := schedule.NewLoop(simulateBuffer, logger)
	sink := remote.NewSink(simulateBuffer, logger)
	defer sink.Close()

	ctrl, err := playback.New(tl, playback.Sinks{
		Audio:     sink,
		Highlight: sink,
		Observers: []playback.Observer{sink},
	}, loop, playback.Options{
		SingleFragment: opts.single,
		PlaybackRate:   opts.rate,
	}, logger)
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go loop.Run(loopCtx)

	if err := loop.Do(ctx, func() { ctrl.Play(start, true, -1) }); err != nil {
		return err
	}

	began := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c, ok := <-sink.Commands():
			if !ok {
				return nil
			}
			fmt.Fprintf(out, "[%8.3fs] %s\n", time.Since(began).Seconds(), describeCommand(c))
			if finished(c, opts.single) {
				return nil
			}
		}
	}
}

// finished reports whether c ends a simulation.
func finished(c remote.Command, single bool) bool {
	if c.Type == remote.CommandCompleted {
		return true
	}
	return single && c.Type == remote.CommandState && c.State == playback.Paused.String()
}

// describeCommand renders a client command as one console line.
func describeCommand(c remote.Command) string {
	var b strings.Builder
	b.WriteString(c.Type)
	switch c.Type {
	case remote.CommandSource:
		fmt.Fprintf(&b, " %s", c.Ref)
	case remote.CommandSeek:
		if c.Position != nil {
			fmt.Fprintf(&b, " %.3f", *c.Position)
		}
	case remote.CommandRate:
		fmt.Fprintf(&b, " x%g", c.Rate)
	case remote.CommandHighlight:
		fmt.Fprintf(&b, " %s %s", c.FragmentID, c.Mark)
	case remote.CommandState:
		fmt.Fprintf(&b, " %s", c.State)
	case remote.CommandFragment:
		if c.Index != nil {
			fmt.Fprintf(&b, " #%d", *c.Index)
		}
	}
	return b.String()
}

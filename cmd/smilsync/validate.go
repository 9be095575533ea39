package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/agleyzer/smilsync/internal/parser"
	"github.com/agleyzer/smilsync/internal/probe"
	"github.com/agleyzer/smilsync/internal/timeline"
)

func newValidateCommand(ctx *commandContext) *cobra.Command {
	var strict bool
	var skipProbe bool
	var tolerance float64

	cmd := &cobra.Command{
		Use:         "validate <timeline>",
		Short:       "Parse a timeline, check its fragments and the audio they cover",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			location := args[0]
			logger := ctx.logger(ctx.configValue(), cmd.ErrOrStderr())

			src, err := parser.Load(cmd.Context(), location)
			if err != nil {
				return err
			}
			tl, err := timeline.New(src.Fragments)
			if err != nil {
				return fmt.Errorf("invalid timeline %s: %w", location, err)
			}

			var durations map[string]float64
			if !skipProbe {
				durations = probe.Durations(cmd.Context(), probe.Auto{}, tl, location, logger)
			}

			out := cmd.OutOrStdout()
			writeSummary(out, location, src.Format, tl, durations)

			if skipProbe {
				return nil
			}
			if err := tl.CheckCoverage(durations, tolerance); err != nil {
				if strict {
					return err
				}
				fmt.Fprintf(out, "warning: %v\n", err)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "Fail when a fragment run does not end with its audio file")
	cmd.Flags().BoolVar(&skipProbe, "no-probe", false, "Skip reading audio durations")
	cmd.Flags().Float64Var(&tolerance, "tolerance", timeline.Epsilon, "Allowed difference between fragment end and audio duration, in seconds")
	return cmd
}

func writeSummary(w io.Writer, location string, format parser.Format, tl *timeline.Timeline, durations map[string]float64) {
	fmt.Fprintf(w, "%s: %d fragments (%s), %.3fs of audio\n", location, tl.Len(), format, tl.Duration())

	for _, ref := range tl.AudioRefs() {
		if d, ok := durations[ref]; ok {
			fmt.Fprintf(w, "  %s  %.3fs\n", ref, d)
		} else {
			fmt.Fprintf(w, "  %s  duration unknown\n", ref)
		}
	}
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// buildResumeCmd implements §6.3's `resume [prompt] [images]`: the
// first argument is the rollout path to resume, an optional second
// argument is a follow-up prompt, and --image attaches images to that
// follow-up the same way the root command does.
func buildResumeCmd(opts *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <rollout-path> [prompt]",
		Short: "Resume a recorded session and optionally submit a follow-up turn",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rolloutPath := args[0]
			prompt := ""
			if len(args) == 2 {
				prompt = args[1]
			}
			return runResumed(cmd.Context(), opts, rolloutPath, prompt, opts.images)
		},
	}
}

// buildReviewCmd implements §6.3's `review <target>`: target is a
// path, commit range, or "uncommitted" keyword the review controller
// resolves into a scoped ReviewRequest.
func buildReviewCmd(opts *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "review <target>",
		Short: "Run a standalone review against target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] == "" {
				return newExitError(exitOperationError, fmt.Errorf("review target is required"))
			}
			return runReview(cmd.Context(), opts, args[0])
		},
	}
}

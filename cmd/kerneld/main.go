// Package main provides the exec-style CLI entry point for the session
// kernel (§6.3): a single-shot or resumed turn driven from argv/stdin,
// with exit codes distinguishing user error, fatal session error, and
// interrupt.
//
// Grounded on the teacher's cmd/nexus/main.go: same buildRootCmd/cobra
// tree shape, SilenceUsage, persistent --profile-style config flag, and
// build-time version variables populated by ldflags.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCodeOf(err))
	}
}

// buildRootCmd creates the root command with its subcommands attached,
// split out from main for testability per the teacher's convention.
func buildRootCmd() *cobra.Command {
	opts := &rootOpts{}

	cmd := &cobra.Command{
		Use:   "kerneld [prompt]",
		Short: "Session orchestration kernel CLI",
		Long: `kerneld drives one turn of the session kernel (§4.K) from the
command line: a goal from --auto, a positional prompt, or piped stdin
via "-". Use the resume/review subcommands to continue an existing
rollout or request a standalone review.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
		Args:         cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := resolvePrompt(args, opts.auto)
			if err != nil {
				return newExitError(1, err)
			}
			return runOneShot(cmd.Context(), opts, prompt)
		},
	}

	opts.registerFlags(cmd)
	cmd.AddCommand(buildResumeCmd(opts), buildReviewCmd(opts))
	return cmd
}

// rootOpts holds the flags §6.3 lists on the root command, shared by
// resume/review since both need the same session-construction knobs.
type rootOpts struct {
	auto             string
	maxSeconds       int
	images           []string
	configPath       string
	reviewOutputJSON string
}

func (o *rootOpts) registerFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.auto, "auto", "", "run autonomously toward the given goal")
	cmd.Flags().IntVar(&o.maxSeconds, "max-seconds", 0, "wall-clock budget for the session (0 = unbounded)")
	cmd.Flags().StringArrayVarP(&o.images, "image", "i", nil, "attach an image file (repeatable)")
	cmd.Flags().StringVarP(&o.configPath, "config", "c", defaultConfigPath(), "path to the kernel's YAML configuration file")
	cmd.Flags().StringVar(&o.reviewOutputJSON, "review-output-json", "", "write findings/snapshot info here when the final task is a review")
}

func defaultConfigPath() string {
	home := codeHome()
	if home == "" {
		return ""
	}
	return home + "/config.yaml"
}

// codeHome resolves §6.4's CODE_HOME/CODEX_HOME (alias) environment
// variables.
func codeHome() string {
	if v := os.Getenv("CODE_HOME"); v != "" {
		return v
	}
	return os.Getenv("CODEX_HOME")
}

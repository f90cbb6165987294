package main

import (
	"fmt"
	"os"

	"github.com/relaykit/relay/pkg/kernel"
)

// renderReviewOutput prints a review task's terminal findings to
// stderr, independent of whether --review-output-json was also
// requested (that flag controls the machine-readable sink, not
// whether a human sees anything).
func renderReviewOutput(out kernel.ReviewOutputEvent) {
	fmt.Fprintf(os.Stderr, "\nreview verdict: %s (confidence %.2f)\n", out.Verdict, out.Confidence)
	if len(out.Findings) == 0 {
		fmt.Fprintln(os.Stderr, "no issues found")
		return
	}
	for i, f := range out.Findings {
		loc := f.File
		if f.Line > 0 {
			loc = fmt.Sprintf("%s:%d", f.File, f.Line)
		}
		fmt.Fprintf(os.Stderr, "%d. %s", i+1, f.Title)
		if loc != "" {
			fmt.Fprintf(os.Stderr, " (%s)", loc)
		}
		fmt.Fprintln(os.Stderr)
		if f.Body != "" {
			fmt.Fprintf(os.Stderr, "   %s\n", f.Body)
		}
	}
}

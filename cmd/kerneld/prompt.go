package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// resolvePrompt implements §6.3's input precedence: an explicit --auto
// goal wins; otherwise a single positional argument is the prompt,
// with "-" (or piped, non-terminal stdin with no argument at all)
// read from stdin.
func resolvePrompt(args []string, auto string) (string, error) {
	if strings.TrimSpace(auto) != "" {
		return auto, nil
	}
	if len(args) == 1 && args[0] != "-" {
		return args[0], nil
	}
	if len(args) == 1 && args[0] == "-" {
		return readStdin()
	}
	if stdinIsPiped() {
		return readStdin()
	}
	return "", fmt.Errorf("no prompt given: pass --auto <goal>, a prompt argument, or pipe stdin")
}

func stdinIsPiped() bool {
	info, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice == 0
}

func readStdin() (string, error) {
	var sb strings.Builder
	r := bufio.NewReader(os.Stdin)
	if _, err := io.Copy(&sb, r); err != nil {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", fmt.Errorf("stdin prompt was empty")
	}
	return text, nil
}

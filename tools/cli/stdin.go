package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// isStdinPiped reports whether file paths are being piped in, which every
// command treats as a restriction on the candidate set.
func isStdinPiped() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) == 0
}

// scanStdin reads the piped repo-relative paths, one per line, dropping
// blank lines and surrounding whitespace.
func scanStdin() ([]string, error) {
	scanner := bufio.NewScanner(os.Stdin)
	var lines []string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading from stdin: %w", err)
	}
	return lines, nil
}

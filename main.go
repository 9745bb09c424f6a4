package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/dredger-dev/dredger/internal/app"
)

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func ignoreError[V any, E error](res V, _ E) V {
	return res
}

var (
	WarningBuffer = bytes.NewBuffer([]byte{})
	InfoBuffer    = bytes.NewBuffer([]byte{})
)

var (
	gh_token = flag.String("token", getEnv("INPUT_GITHUB-TOKEN", ""), "GitHub authentication token")
	repo_dir = flag.String("dir", getEnv("GITHUB_WORKSPACE", "."), "Path to local Git repo")
	gh_repo  = flag.String("repo", getEnv("INPUT_REPOSITORY", ""), "GitHub repo name (owner/repo)")
	submit   = flag.Bool("submit", ignoreError(strconv.ParseBool(getEnv("INPUT_SUBMIT", "0"))), "Open a pull request with the generated docs")
	base     = flag.String("base", getEnv("INPUT_BASE-BRANCH", "main"), "Base branch for the pull request")
	branch   = flag.String("branch", getEnv("INPUT_BRANCH", ""), "Head branch for the pull request (generated if empty)")
	verbose  = flag.Bool("v", ignoreError(strconv.ParseBool(getEnv("INPUT_VERBOSE", "0"))), "Verbose output")
)

// shouldFail should always be true for errors that are not recoverable
func errorAndExit(shouldFail bool, format string, args ...interface{}) {
	_, err := WarningBuffer.WriteTo(os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error writing warning buffer: %v\n", err)
	}
	if *verbose {
		_, err := InfoBuffer.WriteTo(os.Stderr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error writing info buffer: %v\n", err)
		}
	}
	fmt.Fprintf(os.Stderr, format, args...)
	if shouldFail {
		os.Exit(1)
	} else {
		os.Exit(0)
	}
}

func init() {
	flag.Parse()
	if *submit {
		badFlags := make([]string, 0, 2)
		if *gh_token == "" {
			badFlags = append(badFlags, "token")
		}
		if *gh_repo == "" {
			badFlags = append(badFlags, "repo")
		}
		if len(badFlags) > 0 {
			errorAndExit(true, "Required flags or environment variables not set for submit: %s\n", badFlags)
		}
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(app.Config{
		Token:         *gh_token,
		RepoDir:       *repo_dir,
		Repo:          *gh_repo,
		Submit:        *submit,
		BaseBranch:    *base,
		HeadBranch:    *branch,
		Verbose:       *verbose,
		InfoBuffer:    InfoBuffer,
		WarningBuffer: WarningBuffer,
	})
	if err != nil {
		errorAndExit(true, "Setup Error: %v\n", err)
	}

	result, err := a.Run(ctx)
	if err != nil {
		errorAndExit(true, "Run Error: %v\n", err)
	}

	_, err = WarningBuffer.WriteTo(os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error writing warning buffer: %v\n", err)
	}
	if *verbose {
		_, err = InfoBuffer.WriteTo(os.Stdout)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error writing info buffer: %v\n", err)
		}
	}

	if !*submit {
		for _, entry := range result.Entries {
			fmt.Print(entry.DiffText())
		}
	}
	fmt.Print(result.Report.Summary())
	if result.PRURL != "" {
		fmt.Printf("Opened %s\n", result.PRURL)
	}

	if result.Report.Succeeded == 0 && result.Report.TotalChunks > 0 {
		errorAndExit(true, "FAIL: no chunks generated successfully\n")
	}
}

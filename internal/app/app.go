// Package app wires the documentation pipeline end to end: ingest, chunk,
// dispatch, assemble, and optionally submit. It owns no policy of its own;
// everything configurable comes from dredger.toml or the caller's Config.
package app

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/dredger-dev/dredger/internal/config"
	"github.com/dredger-dev/dredger/internal/dispatch"
	"github.com/dredger-dev/dredger/internal/git"
	gh "github.com/dredger-dev/dredger/internal/github"
	"github.com/dredger-dev/dredger/internal/llm"
	"github.com/dredger-dev/dredger/internal/patch"
	"github.com/dredger-dev/dredger/internal/repo"
	"github.com/dredger-dev/dredger/pkg/chunk"
	f "github.com/dredger-dev/dredger/pkg/functional"
	"github.com/dredger-dev/dredger/pkg/tokens"
)

// Config holds the application configuration
type Config struct {
	Token         string
	RepoDir       string
	Repo          string
	Submit        bool
	BaseBranch    string
	HeadBranch    string
	Verbose       bool
	Quiet         bool
	InfoBuffer    io.Writer
	WarningBuffer io.Writer
}

// Result is what one pipeline execution produced: the run report, the
// assembled patch, and the PR URL when submission was requested.
type Result struct {
	Report  *dispatch.RunReport
	Entries []patch.PatchEntry
	PRURL   string
}

// App represents the application with its dependencies
type App struct {
	Conf      *config.Config
	config    *Config
	submitter gh.Submitter
}

// New creates a new App instance with the given configuration
func New(cfg Config) (*App, error) {
	app := &App{config: &cfg}
	if cfg.Submit {
		repoSplit := strings.Split(cfg.Repo, "/")
		if len(repoSplit) != 2 {
			return nil, fmt.Errorf("invalid repo name: %s", cfg.Repo)
		}
		submitter := gh.NewClient(repoSplit[0], repoSplit[1], cfg.Token)
		submitter.SetInfoBuffer(cfg.InfoBuffer)
		submitter.SetWarningBuffer(cfg.WarningBuffer)
		app.submitter = submitter
	}
	return app, nil
}

func (a *App) printDebug(format string, args ...interface{}) {
	if a.config.Verbose {
		_, _ = fmt.Fprintf(a.config.InfoBuffer, format, args...)
	}
}

func (a *App) printWarn(format string, args ...interface{}) {
	if a.config.Quiet {
		return
	}
	_, _ = fmt.Fprintf(a.config.WarningBuffer, format, args...)
}

// Run executes the pipeline. Configuration errors abort before any network
// call; generation failures do not — failed chunks are recorded in the
// report and the partial patch still assembles.
func (a *App) Run(ctx context.Context) (*Result, error) {
	conf, err := config.ReadConfig(a.config.RepoDir)
	if err != nil {
		a.printWarn("Error reading dredger.toml - using default config\n")
	}
	a.Conf = conf
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("Config Error: %w", err)
	}

	profile, err := tokens.DefaultRegistry().Profile(conf.Model)
	if err != nil {
		return nil, fmt.Errorf("Model Error: %w", err)
	}
	a.printDebug("Model: %s (profile %s)\n", conf.Model, profile.Family)

	files, err := a.collectFiles(conf)
	if err != nil {
		return nil, err
	}
	units := repo.ExtractAll(files)
	a.printDebug("Extracted %d units from %d files\n", len(units), len(files))

	chunks, err := chunk.Build(units, conf.TokenBudget, conf.Model, profile)
	if err != nil {
		return nil, fmt.Errorf("Chunking Error: %w", err)
	}
	for _, ch := range chunks {
		if ch.Oversized {
			a.printWarn("WARNING: Oversized unit %s: %d tokens against budget %d\n",
				ch.Units[0].ID(), ch.TokenCount, conf.TokenBudget)
		}
	}

	report := dispatch.NewRunReport(units, chunks)

	client := llm.NewClient(llm.Options{
		BaseURL:  conf.Endpoint,
		Model:    conf.Model,
		Template: conf.PromptTemplate,
		Timeout:  conf.RequestTimeout(),
	})
	dispatcher := dispatch.New(client, dispatch.Options{
		Concurrency: conf.Concurrency,
		MaxRetries:  conf.MaxRetries,
		BackoffBase: conf.BackoffBase(),
		BackoffCap:  conf.BackoffCap(),
		Grace:       conf.GracePeriod(),
	})
	a.printDebug("Dispatching %d chunks with concurrency %d\n", len(chunks), conf.Concurrency)
	results := dispatcher.Run(ctx, chunks)

	entries, err := patch.Assemble(results, units, files)
	if err != nil {
		return nil, fmt.Errorf("Assemble Error: %w", err)
	}
	report.PatchedFiles = len(entries)
	report.Finalize(results)

	result := &Result{Report: report, Entries: entries}
	if a.submitter == nil {
		return result, nil
	}
	if len(entries) == 0 {
		a.printWarn("Nothing to submit: no files changed\n")
		return result, nil
	}
	prURL, err := a.submitter.SubmitPatch(entries, report, gh.SubmitOptions{
		BaseBranch: a.config.BaseBranch,
		HeadBranch: a.config.HeadBranch,
	})
	if err != nil {
		return result, fmt.Errorf("SubmitPatch Error: %w", err)
	}
	result.PRURL = prURL
	return result, nil
}

// collectFiles lists candidate paths and loads their contents. In
// changed-only mode the candidate set narrows to files touched between
// base_ref and head_ref and contents are read pinned at head_ref.
func (a *App) collectFiles(conf *config.Config) ([]repo.File, error) {
	paths, err := repo.ListPaths(a.config.RepoDir, conf)
	if err != nil {
		return nil, fmt.Errorf("ListPaths Error: %w", err)
	}

	var reader repo.FileReader = repo.OSFileReader{Root: a.config.RepoDir}
	var only f.Set[string]
	if conf.ChangedOnly {
		if conf.BaseRef == "" {
			return nil, fmt.Errorf("changed_only requires base_ref")
		}
		changed, err := git.ChangedFiles(git.DiffContext{
			Base:       conf.BaseRef,
			Head:       conf.HeadRef,
			Dir:        a.config.RepoDir,
			IgnoreDirs: conf.Ignore,
		})
		if err != nil {
			return nil, fmt.Errorf("ChangedFiles Error: %w", err)
		}
		only = changed
		reader = git.NewRefFileReader(conf.HeadRef, a.config.RepoDir)
		a.printDebug("Changed-only: %d candidates between %s...%s\n", len(changed), conf.BaseRef, conf.HeadRef)
	}

	files, err := repo.LoadFiles(paths, conf, reader, only)
	if err != nil {
		return nil, fmt.Errorf("LoadFiles Error: %w", err)
	}
	return files, nil
}

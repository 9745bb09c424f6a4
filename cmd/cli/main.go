package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/dredger-dev/dredger/internal/app"
	"github.com/dredger-dev/dredger/internal/config"
	"github.com/dredger-dev/dredger/internal/repo"
	"github.com/dredger-dev/dredger/pkg/chunk"
	"github.com/dredger-dev/dredger/pkg/tokens"
)

func main() {
	var root string
	var model string
	var budget int

	rootFlag := &cli.StringFlag{
		Name:        "root",
		Aliases:     []string{"r", "repo"},
		Value:       "./",
		Usage:       "Path to local Git repo",
		Destination: &root,
	}
	modelFlag := &cli.StringFlag{
		Name:        "model",
		Aliases:     []string{"m"},
		Value:       "",
		Usage:       "Model name (overrides dredger.toml)",
		Destination: &model,
	}
	budgetFlag := &cli.IntFlag{
		Name:        "budget",
		Aliases:     []string{"b"},
		Value:       0,
		Usage:       "Token budget per chunk (overrides dredger.toml)",
		Destination: &budget,
	}

	cliApp := &cli.App{
		Name:        "dredger-cli",
		Usage:       "Inspect how a repository will be documented before spending inference time",
		Description: "",
		Commands: []*cli.Command{
			{
				Name:    "units",
				Aliases: []string{"u"},
				Usage:   "List the source units extracted from the repository",
				Flags:   []cli.Flag{rootFlag},
				Action: func(cCtx *cli.Context) error {
					return listUnits(root)
				},
			},
			{
				Name:    "tokens",
				Aliases: []string{"t"},
				Usage:   "Count tokens per file for the configured model",
				Flags:   []cli.Flag{rootFlag, modelFlag},
				Action: func(cCtx *cli.Context) error {
					return countTokens(root, model)
				},
			},
			{
				Name:    "chunks",
				Aliases: []string{"c"},
				Usage:   "Show the chunk layout for the configured budget",
				Flags:   []cli.Flag{rootFlag, modelFlag, budgetFlag},
				Action: func(cCtx *cli.Context) error {
					return showChunks(root, model, budget)
				},
			},
			{
				Name:    "run",
				Aliases: []string{"d", "dry-run"},
				Usage:   "Run the pipeline without submitting and print the patch as a diff",
				Flags: []cli.Flag{
					rootFlag,
					&cli.BoolFlag{
						Name:    "verbose",
						Aliases: []string{"v"},
						Value:   false,
						Usage:   "Verbose output",
					},
				},
				Action: func(cCtx *cli.Context) error {
					return dryRun(cCtx.Context, root, cCtx.Bool("verbose"))
				},
			},
		},
	}

	err := cliApp.Run(os.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func loadRepo(root string, model string) (*config.Config, []repo.File, error) {
	conf, err := config.ReadConfig(root)
	if err != nil {
		return nil, nil, fmt.Errorf("error reading dredger.toml: %w", err)
	}
	if model != "" {
		conf.Model = model
	}
	if err := conf.Validate(); err != nil {
		return nil, nil, err
	}
	paths, err := repo.ListPaths(root, conf)
	if err != nil {
		return nil, nil, err
	}
	files, err := repo.LoadFiles(paths, conf, repo.OSFileReader{Root: root}, nil)
	if err != nil {
		return nil, nil, err
	}
	return conf, files, nil
}

func listUnits(root string) error {
	_, files, err := loadRepo(root, "")
	if err != nil {
		return err
	}
	for _, file := range files {
		for _, unit := range repo.ExtractUnits(file) {
			fmt.Println(unit.ID())
		}
	}
	return nil
}

func countTokens(root string, model string) error {
	conf, files, err := loadRepo(root, model)
	if err != nil {
		return err
	}
	profile, err := tokens.DefaultRegistry().Profile(conf.Model)
	if err != nil {
		return err
	}
	total := 0
	for _, file := range files {
		count := profile.Count(file.Text)
		total += count
		fmt.Printf("%8d  %s\n", count, file.Path)
	}
	fmt.Printf("%8d  total (%s)\n", total, conf.Model)
	return nil
}

func showChunks(root string, model string, budget int) error {
	conf, files, err := loadRepo(root, model)
	if err != nil {
		return err
	}
	if budget > 0 {
		conf.TokenBudget = budget
	}
	profile, err := tokens.DefaultRegistry().Profile(conf.Model)
	if err != nil {
		return err
	}
	units := repo.ExtractAll(files)
	chunks, err := chunk.Build(units, conf.TokenBudget, conf.Model, profile)
	if err != nil {
		return err
	}
	for _, ch := range chunks {
		marker := ""
		if ch.Oversized {
			marker = " OVERSIZED"
		}
		fmt.Printf("chunk %d: %d units, %d/%d tokens%s\n", ch.Index, len(ch.Units), ch.TokenCount, conf.TokenBudget, marker)
		for _, id := range ch.UnitIDs() {
			fmt.Printf("  %s\n", id)
		}
	}
	return nil
}

func dryRun(ctx context.Context, root string, verbose bool) error {
	a, err := app.New(app.Config{
		RepoDir:       root,
		Verbose:       verbose,
		InfoBuffer:    os.Stderr,
		WarningBuffer: os.Stderr,
	})
	if err != nil {
		return err
	}
	result, err := a.Run(ctx)
	if err != nil {
		return err
	}
	for _, entry := range result.Entries {
		fmt.Print(entry.DiffText())
	}
	fmt.Print(result.Report.Summary())
	return nil
}

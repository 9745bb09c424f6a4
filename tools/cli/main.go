package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/dredger-dev/dredger/internal/config"
	"github.com/dredger-dev/dredger/internal/repo"
	"github.com/dredger-dev/dredger/pkg/chunk"
	f "github.com/dredger-dev/dredger/pkg/functional"
	"github.com/dredger-dev/dredger/pkg/tokens"
)

func main() {
	var root string
	var model string
	cli.VersionFlag = &cli.BoolFlag{
		Name:    "version",
		Aliases: []string{"v"},
		Usage:   "Print version",
	}
	cli.VersionPrinter = func(cCtx *cli.Context) {
		fmt.Println(cCtx.App.Version)
	}

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
	formatFlag := &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Value:   string(FormatDefault),
		Usage:   fmt.Sprintf("Output format (%s)", strings.Join(allowedFormats, ", ")),
	}

	app := &cli.App{
		Name:        "dredger-tool",
		Usage:       "Inspect unit extraction and chunk layout for a repository",
		Version:     "v0.2.0.dev",
		Description: "File paths piped on stdin restrict every command to those paths.",
		Commands: []*cli.Command{
			{
				Name:        "units",
				Aliases:     []string{"u"},
				Usage:       "List extracted source units",
				UsageText:   "dredger-tool units [options] [target-dir]",
				Description: "List the source units the pipeline would document. If target-dir is specified, only files under that directory are listed.",
				Flags:       []cli.Flag{rootFlag, formatFlag},
				Action: func(cCtx *cli.Context) error {
					format, err := validateFormat(cCtx.String("format"))
					if err != nil {
						return err
					}
					return unitsAction(cCtx.App.Writer, root, cCtx.Args().First(), format)
				},
			},
			{
				Name:        "chunks",
				Aliases:     []string{"c"},
				Usage:       "Show the chunk layout for the configured budget",
				UsageText:   "dredger-tool chunks [options]",
				Description: "Pack the repository's units into chunks exactly as a run would and print the layout.",
				Flags: []cli.Flag{
					rootFlag, modelFlag, formatFlag,
					&cli.IntFlag{
						Name:    "budget",
						Aliases: []string{"b"},
						Value:   0,
						Usage:   "Token budget per chunk (overrides dredger.toml)",
					},
				},
				Action: func(cCtx *cli.Context) error {
					format, err := validateFormat(cCtx.String("format"))
					if err != nil {
						return err
					}
					return chunksAction(cCtx.App.Writer, root, model, cCtx.Int("budget"), format)
				},
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// loadUnits reads the repo config and extracts units, restricted to target
// (when non-empty) and to paths piped on stdin (when piped).
func loadUnits(root string, target string, model string) (*config.Config, []chunk.SourceUnit, error) {
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
	if target != "" {
		paths = f.Filtered(paths, func(path string) bool {
			return strings.HasPrefix(path, target)
		})
	}

	var only f.Set[string]
	if isStdinPiped() {
		piped, err := scanStdin()
		if err != nil {
			return nil, nil, err
		}
		only = f.NewSet[string]()
		for _, path := range piped {
			only.Add(path)
		}
	}

	files, err := repo.LoadFiles(paths, conf, repo.OSFileReader{Root: root}, only)
	if err != nil {
		return nil, nil, err
	}
	return conf, repo.ExtractAll(files), nil
}

func unitsAction(w io.Writer, root string, target string, format OutputFormat) error {
	_, units, err := loadUnits(root, target, "")
	if err != nil {
		return err
	}
	return writeUnits(w, units, format)
}

func chunksAction(w io.Writer, root string, model string, budget int, format OutputFormat) error {
	conf, units, err := loadUnits(root, "", model)
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
	chunks, err := chunk.Build(units, conf.TokenBudget, conf.Model, profile)
	if err != nil {
		return err
	}
	return writeChunks(w, chunks, conf.TokenBudget, format)
}

// Package main is the entry point for the linkgraph crawl engine.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/linkgraph-crawler/linkgraph/internal/app"
	"github.com/linkgraph-crawler/linkgraph/internal/config"
	"github.com/linkgraph-crawler/linkgraph/internal/progress"
	"github.com/linkgraph-crawler/linkgraph/internal/report"
)

func main() {
	var (
		configPath string
		showStatus bool
		doReset    bool
		doAnalyze  bool
		exportPath string
	)

	root := &cobra.Command{
		Use:   "linkgraph",
		Short: "Batch-resumable backlink crawler and link-graph analyzer",
		Long: `linkgraph continuously consumes a frontier of URLs from a backlinks
store, fetches them politely, extracts content and outbound links, computes
link-graph metrics, and rotates writes across database targets.

With no arguments the crawl scheduler starts and runs until the process is
signaled; when the frontier is exhausted it waits for new rows.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(app.ExitConfig)
			}

			switch {
			case showStatus:
				return runStatus(cfg)
			case doReset:
				return runReset(cfg)
			case doAnalyze:
				return withApp(cfg, func(a *app.App) error {
					return a.Analyze(cmd.Context())
				})
			case exportPath != "":
				return withApp(cfg, func(a *app.App) error {
					rep, err := report.Build(a.Store().Primary())
					if err != nil {
						return err
					}
					return report.NewExporter(exportPath).Export(rep)
				})
			}

			a, err := app.New(cfg)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(app.ExitStore)
			}
			defer a.Close()
			os.Exit(a.Run(context.Background()))
			return nil
		},
	}

	root.Flags().StringVar(&configPath, "config", "", "path to JSON configuration file")
	root.Flags().BoolVar(&showStatus, "status", false, "print the current progress record and exit")
	root.Flags().BoolVar(&doReset, "reset", false, "clear crawl progress (asks for confirmation)")
	root.Flags().BoolVar(&doAnalyze, "analyze", false, "run one link-graph analysis pass and exit")
	root.Flags().StringVar(&exportPath, "export", "", "export scores and stats to the given file (.xlsx/.csv/.json)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(app.ExitScheduler)
	}
}

// runStatus prints the progress record without touching any database.
func runStatus(cfg *config.Config) error {
	tracker := progress.NewTracker(cfg.ProgressPath, zerolog.Nop())
	p := tracker.Load()

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// runReset clears progress after interactive confirmation.
func runReset(cfg *config.Config) error {
	fmt.Printf("Clear crawl progress at %s? The next run restarts from page 1. [y/N] ", cfg.ProgressPath)

	reader := bufio.NewReader(os.Stdin)
	answer, _ := reader.ReadString('\n')
	if strings.ToLower(strings.TrimSpace(answer)) != "y" {
		fmt.Println("aborted")
		return nil
	}

	tracker := progress.NewTracker(cfg.ProgressPath, zerolog.Nop())
	if err := tracker.Reset(); err != nil {
		return err
	}
	fmt.Println("progress cleared")
	return nil
}

// withApp builds the application, runs fn, and tears down.
func withApp(cfg *config.Config, fn func(*app.App) error) error {
	a, err := app.New(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(app.ExitStore)
	}
	defer a.Close()
	return fn(a)
}

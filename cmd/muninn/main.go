// Package main provides the Muninn CLI entry point.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/orneryd/muninn/pkg/config"
	"github.com/orneryd/muninn/pkg/index"
	"github.com/orneryd/muninn/pkg/muninn"
	"github.com/orneryd/muninn/pkg/query"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

var (
	flagConfig  string
	flagDataDir string
	flagSession string
	flagVerbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "muninn",
		Short: "Muninn - Knowledge-Graph Memory Engine for LLM Agents",
		Long: `Muninn is an in-process, durable knowledge-graph memory engine,
maintaining a dual lexical/domain graph over ingested text.

Features:
  • Dual-graph extraction with cross-graph evidence links
  • Entity resolution (exact, fuzzy, phonetic, embedding)
  • Label/property/text/vector/pattern indexing
  • Temporal validity tracking with supersession
  • Append-only JSONL persistence with WAL and backups`,
	}

	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to YAML config")
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data", "./data", "data directory")
	rootCmd.PersistentFlags().StringVar(&flagSession, "session", "default", "session id")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	rootCmd.AddCommand(versionCmd(), ingestCmd(), queryCmd(), statsCmd(), backupCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Muninn v%s (%s)\n", version, commit)
		},
	}
}

func openEngine() (*muninn.Engine, error) {
	var cfg *config.Config
	var err error
	if flagConfig != "" {
		cfg, err = config.Load(flagConfig)
		if err != nil {
			return nil, err
		}
		if cfg.Storage.Dir == "" {
			cfg.Storage.Dir = flagDataDir
			cfg.PersistenceEnabled = true
		}
	} else {
		cfg = config.DefaultConfig(flagDataDir)
		cfg.LoadFromEnv()
	}

	logger := zap.NewNop()
	if flagVerbose {
		logger, err = zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
	}
	return muninn.Open(cfg, logger)
}

func ingestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest [text]",
		Short: "Ingest an utterance (or stdin lines) into the memory graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			ctx := context.Background()
			mctx := muninn.Context{SessionID: flagSession, Source: "cli", Timestamp: time.Now()}

			ingest := func(text string) error {
				result, err := engine.AddMemory(ctx, text, mctx)
				if err != nil {
					return err
				}
				fmt.Printf("ingested: %d entities, %d relationships, %d chunks\n",
					len(result.Entities), len(result.Relationships), result.Metadata.ChunkCount)
				for _, ingested := range result.Entities {
					fmt.Printf("  %-8s %-14s %s\n", ingested.Action, ingested.Entity.Type, ingested.Entity.Name)
				}
				return nil
			}

			if len(args) > 0 {
				if err := ingest(strings.Join(args, " ")); err != nil {
					return err
				}
			} else {
				scanner := bufio.NewScanner(os.Stdin)
				for scanner.Scan() {
					line := strings.TrimSpace(scanner.Text())
					if line == "" {
						continue
					}
					if err := ingest(line); err != nil {
						return err
					}
				}
				if err := scanner.Err(); err != nil {
					return err
				}
			}
			return engine.Sync()
		},
	}
}

func queryCmd() *cobra.Command {
	var entityTypes []string
	var limit int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Query the memory graph",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			q := query.Query{
				Lexical:           &query.LexicalQuery{Text: strings.Join(args, " "), Mode: index.TextAny, Threshold: 0.3},
				EnableMemoryBoost: true,
				RecentWindow:      time.Hour,
				Limit:             limit,
			}
			if len(entityTypes) > 0 {
				q.Domain = &query.DomainQuery{EntityTypes: entityTypes}
			}

			result, err := engine.QueryMemory(context.Background(), q, muninn.Context{SessionID: flagSession})
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			}

			fmt.Printf("%d results (%s)\n", result.Metadata.TotalResults, result.Metadata.Duration.Round(time.Microsecond))
			for _, entity := range result.Entities {
				fmt.Printf("  entity  %-14s %s\n", entity.Type, entity.Name)
			}
			for _, rel := range result.Relationships {
				fmt.Printf("  relation %s -[%s]-> %s (%.2f)\n", rel.Source, rel.Type, rel.Target, rel.Confidence)
			}
			if result.DualGraph != nil {
				for _, item := range result.DualGraph.Items {
					if item.Chunk != nil {
						fmt.Printf("  chunk   %.60s (%.2f)\n", item.Chunk.Content, item.Relevance)
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&entityTypes, "type", nil, "filter by entity types")
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum results")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print engine metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			metrics := engine.GetMetrics()
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(metrics)
		},
	}
}

func backupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup <name>",
		Short: "Snapshot the current shard set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			if err := engine.Backup(args[0]); err != nil {
				return err
			}
			fmt.Printf("backup %q written\n", args[0])
			return nil
		},
	}
}

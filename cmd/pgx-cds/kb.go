package main

import (
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pgx-cds-server/internal/knowledgebase"
)

func kbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kb",
		Short: "Inspect, validate and import interaction knowledge bases",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate <dataset.yaml>",
		Short: "Check a dataset file for schema and reference errors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logrus.New()
			logger.SetOutput(cmd.ErrOrStderr())
			kb, err := knowledgebase.LoadFile(args[0], logger)
			if err != nil {
				return err
			}
			stats := kb.Stats()
			fmt.Fprintf(cmd.OutOrStdout(), "%s is valid: version %s, %d genes, %d medications, %d rules\n",
				args[0], stats.Version, stats.Genes, stats.Medications, stats.Rules)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print statistics for the configured knowledge base source",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(true)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.loadKnowledgeBase(cmd.Context()); err != nil {
				return err
			}
			kb, err := a.provider.Current()
			if err != nil {
				return err
			}

			out := struct {
				Source string              `json:"source"`
				Stats  knowledgebase.Stats `json:"stats"`
			}{Source: a.provider.SourceName(), Stats: kb.Stats()}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(out)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "dump",
		Short: "Write the embedded dataset as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := knowledgebase.DefaultDataset()
			if err != nil {
				return err
			}
			return ds.Encode(cmd.OutOrStdout())
		},
	})

	var activate bool
	importCmd := &cobra.Command{
		Use:   "import [dataset.yaml]",
		Short: "Import a dataset into PostgreSQL (the embedded dataset when no file is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := loadApp(true)
			if err != nil {
				return err
			}
			defer a.Close()

			var source knowledgebase.Source = knowledgebase.EmbeddedSource{}
			if len(args) == 1 {
				source = knowledgebase.FileSource{Path: args[0]}
			}
			ds, err := source.Fetch(ctx)
			if err != nil {
				return err
			}

			if err := a.openDatabase(ctx); err != nil {
				return err
			}
			if err := knowledgebase.ImportDataset(ctx, a.db.Pool, ds, activate, a.logger); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported knowledge base %s from %s (active: %t)\n",
				ds.Version, source.Name(), activate)
			return nil
		},
	}
	importCmd.Flags().BoolVar(&activate, "activate", true, "make the imported version the active one")
	cmd.AddCommand(importCmd)

	return cmd
}

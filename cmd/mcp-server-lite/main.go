// Package main provides the lightweight MCP entry point for the PGx CDS server.
// It needs no external services: assessments are cached in memory and exported
// snapshots go to SQLite under the data directory.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pgx-cds-server/internal/config"
	"github.com/pgx-cds-server/internal/mcp"
	"github.com/pgx-cds-server/internal/setup"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFiles []string
	rootCmd := &cobra.Command{
		Use:          "mcp-server-lite",
		Short:        "PGx CDS MCP server over stdio",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), envFiles)
		},
	}
	// Errors go to stderr; stdout belongs to the MCP protocol.
	rootCmd.SetOut(os.Stderr)
	rootCmd.Flags().StringArrayVar(&envFiles, "env-file", nil, "dotenv file to load before reading PGX_* settings (default .env)")

	rootCmd.AddCommand(setupCmd())
	return rootCmd
}

func runServer(parent context.Context, envFiles []string) error {
	cfg, err := config.LoadLiteConfig(envFiles...)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server, err := mcp.NewLiteServer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}
	defer server.Close()

	if err := server.Start(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func setupCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Register this server with a desktop MCP client",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				return nil
			}
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			configPath, err = setup.ClientConfigPath(runtime.GOOS, home, os.Getenv)
			return err
		},
	}
	cmd.PersistentFlags().StringVar(&configPath, "client-config", "", "client config file (default: the desktop client's location for this OS)")

	var opts setup.Options
	register := &cobra.Command{
		Use:   "register",
		Short: "Add or update the pgx-cds entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			entry, err := setup.Register(configPath, opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered %s in %s\n  command: %s\nRestart the client to load the server.\n",
				setup.ServerName, configPath, entry.Command)
			return nil
		},
	}
	register.Flags().StringVar(&opts.BinaryPath, "binary", "", "server binary (default: found on PATH or next to this executable)")
	register.Flags().StringVar(&opts.DataDir, "data-dir", "", "data directory passed as PGX_DATA_DIR")
	register.Flags().StringVar(&opts.KnowledgeBasePath, "kb", "", "knowledge base YAML passed as PGX_KB_PATH")
	register.Flags().StringVar(&opts.LogLevel, "log-level", "", "log level passed as PGX_LOG_LEVEL")
	cmd.AddCommand(register)

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the registration and any problems with it",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := setup.Check(configPath)
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(status)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove",
		Short: "Remove the pgx-cds entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			removed, err := setup.Unregister(configPath)
			if err != nil {
				return err
			}
			if !removed {
				fmt.Fprintf(cmd.OutOrStdout(), "%s was not registered in %s\n", setup.ServerName, configPath)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s from %s\n", setup.ServerName, configPath)
			return nil
		},
	})

	return cmd
}

// Package main provides the CLI entry point for the alpd modem daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/postalsys/alpd/internal/config"
	"github.com/postalsys/alpd/internal/logging"
	"github.com/postalsys/alpd/internal/node"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "alpd",
		Short: "alpd - ALP command processor and file store for a DASH7 modem",
		Long: `alpd runs a DASH7 modem node: a persistent D7A file system, an ALP
command processor and the forwarding of commands over D7A sessions,
LoRaWAN or back to the host.

Host tools talk to a running node over its websocket host link or its
serial interface.`,
		Version: Version,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(execCmd())
	rootCmd.AddCommand(fsCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the modem node",
		Long:  "Start the modem node with the specified configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			logger := logging.NewLogger(cfg.Node.LogLevel, cfg.Node.LogFormat)

			n, err := node.New(cfg, node.Options{Logger: logger})
			if err != nil {
				return fmt.Errorf("failed to create node: %w", err)
			}

			fmt.Printf("Starting alpd node...\n")
			if err := n.Start(); err != nil {
				n.Stop()
				return fmt.Errorf("failed to start node: %w", err)
			}

			stats := n.Stats()
			if cfg.HostLink.Enabled {
				fmt.Printf("Host link: ws://%s%s\n", cfg.HostLink.Address, cfg.HostLink.Path)
			}
			if cfg.Serial.Enabled {
				fmt.Printf("Serial: %s\n", cfg.Serial.Device)
			}
			fmt.Printf("Status: running (files: %d, storage: %s, radio: %s)\n",
				stats.FileCount, stats.StorageBackend, cfg.Radio.Mode)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			sig := <-sigCh
			fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			done := make(chan error, 1)
			go func() { done <- n.Stop() }()
			select {
			case err := <-done:
				if err != nil {
					fmt.Printf("Shutdown error: %v\n", err)
					return err
				}
			case <-ctx.Done():
				return fmt.Errorf("shutdown: %w", ctx.Err())
			}

			fmt.Println("Node stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "alpd %s\n", Version)
		},
	}
}

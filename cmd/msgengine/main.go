package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/maxpert/msgengine/config"
	"github.com/maxpert/msgengine/server"
)

const (
	version = "0.3.0"
	banner  = `
                                          _
  _ __ ___  ___  __ _  ___ _ __   __ _(_)_ __   ___
 | '_ ' _ \/ __|/ _' |/ _ \ '_ \ / _' | | '_ \ / _ \
 | | | | | \__ \ (_| |  __/ | | | (_| | | | | |  __/
 |_| |_| |_|___/\__, |\___|_| |_|\__, |_|_| |_|\___|
                |___/            |___/
Messaging engine - destination lifecycle
Version: %s
`
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "msgengine",
		Short:         "Messaging engine",
		Long:          "msgengine runs a messaging engine that manages destinations, links and foreign buses.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.AddCommand(newRunCmd(), newGenerateConfigCmd(), newVersionCmd(), newInspectCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "msgengine version %s\n", version)
		},
	}
}

func newGenerateConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate-config <file>",
		Short: "Write the default configuration to a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.DefaultConfig().Save(args[0]); err != nil {
				return fmt.Errorf("failed to generate config file: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Generated default configuration: %s\n", args[0])
			fmt.Fprintf(out, "Edit the file and start the engine with: msgengine run --config %s\n", args[0])
			return nil
		},
	}
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the messaging engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			configFile, _ := cmd.Flags().GetString("config")
			definitions, _ := cmd.Flags().GetString("definitions")
			metricsPort, _ := cmd.Flags().GetInt("metrics-port")
			shutdownTimeout, _ := cmd.Flags().GetDuration("shutdown-timeout")

			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			if definitions != "" {
				cfg.Admin.DefinitionsFile = definitions
			}

			builder := server.NewEngineBuilderWithConfig(cfg)
			if metricsPort > 0 {
				builder = builder.WithMetrics(metricsPort)
			}
			engine, err := builder.Build()
			if err != nil {
				return fmt.Errorf("failed to create engine: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, banner, version)
			if configFile != "" {
				fmt.Fprintf(out, "Loaded configuration from: %s\n", configFile)
			} else {
				fmt.Fprintf(out, "Using default configuration (override with --config or %s* env vars)\n", config.EnvPrefix)
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if err := engine.Start(ctx); err != nil {
				return fmt.Errorf("engine failed to start: %w", err)
			}

			stats := engine.GetStats()
			fmt.Fprintf(out, "Engine %s ready on bus %s (broker %s)\n", cfg.Engine.Name, cfg.Engine.Bus, cfg.Engine.BrokerID)
			fmt.Fprintf(out, "Storage: %s, warm start: %t, destinations: %d, links: %d\n",
				cfg.Storage.Backend, stats.WarmStarted, stats.Destinations, stats.Links+stats.MQLinks)
			if cfg.Metrics.Enabled {
				fmt.Fprintf(out, "Metrics: http://localhost:%d/metrics\n", cfg.Metrics.Port)
			}
			fmt.Fprintln(out, "Press Ctrl+C to stop")

			<-ctx.Done()
			fmt.Fprintln(out, "\nShutting down engine gracefully...")

			stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer stopCancel()
			if err := engine.Stop(stopCtx); err != nil {
				return fmt.Errorf("engine stopped with errors: %w", err)
			}
			fmt.Fprintln(out, "Engine stopped")
			return nil
		},
	}
	cmd.Flags().String("config", "", "Configuration file path (YAML)")
	cmd.Flags().String("definitions", "", "Administrative definitions file, overrides admin.definitions_file")
	cmd.Flags().Int("metrics-port", 0, "Serve Prometheus metrics on this port")
	cmd.Flags().Duration("shutdown-timeout", 30*time.Second, "Maximum time to wait for a graceful stop")
	return cmd
}

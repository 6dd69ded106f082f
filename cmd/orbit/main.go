package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/cuemby/orbit/pkg/config"
	"github.com/cuemby/orbit/pkg/log"
	"github.com/cuemby/orbit/pkg/metrics"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "orbit",
	Short: "Orbit - host orchestrator for compute-graph execution",
	Long: `Orbit compiles submitted compute graphs, caches unchanged results,
arbitrates VRAM across a pool of worker processes, and supervises their
lifecycle over a shared-memory and Unix-socket transport.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"orbit version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the host orchestrator",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		srv, err := newServer(cfg)
		if err != nil {
			return fmt.Errorf("failed to start orchestrator: %w", err)
		}
		defer srv.Shutdown()

		metricsAddr := ":9090"
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
				status := srv.Health()
				w.Header().Set("Content-Type", "application/json")
				if !status.IsHealthy() {
					w.WriteHeader(http.StatusServiceUnavailable)
				}
				_ = json.NewEncoder(w).Encode(status)
			})
			log.Logger.Info().Str("addr", metricsAddr).Msg("metrics endpoint listening")
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				log.Logger.Error().Err(err).Msg("metrics server stopped")
			}
		}()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if err := srv.Start(ctx); err != nil {
			return err
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig

		log.Logger.Info().Msg("shutting down")
		return nil
	},
}

var submitGraphPath string

// submitCmd, statusCmd, and cancelCmd are intentionally unimplemented: the
// submission/status/cancel surface is pkg/orchestrator's Go API, consumed
// in-process by whatever embeds it. There is no long-lived daemon to attach
// to from a second CLI invocation (no RPC frontend is in scope), so a
// separate "orbit submit" process has nothing to talk to.
var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a graph JSON file (requires embedding pkg/orchestrator)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return fmt.Errorf("submit is not a standalone operation: call pkg/orchestrator.Orchestrator.Submit from the process that owns the orchestrator instance")
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Query a run's status (requires embedding pkg/orchestrator)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return fmt.Errorf("status is not a standalone operation: call pkg/orchestrator.Orchestrator.Status from the process that owns the orchestrator instance")
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [run-id]",
	Short: "Cancel a run (requires embedding pkg/orchestrator)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return fmt.Errorf("cancel is not a standalone operation: call pkg/orchestrator.Orchestrator.Cancel from the process that owns the orchestrator instance")
	},
}

func init() {
	submitCmd.Flags().StringVar(&submitGraphPath, "graph", "", "Path to a graph JSON file (unused placeholder; see Short text)")
}

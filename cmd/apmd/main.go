// Command apmd hosts a long-running APM core instance: it starts the
// work loop, serves Prometheus metrics, and exits cleanly on SIGINT/
// SIGTERM. It takes the place of a real transport-facing daemon (out of
// scope, §1) so the core's work loop and metrics can be exercised
// standalone.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/apm/pkg/apm/config"
	"github.com/cuemby/apm/pkg/apm/container"
	"github.com/cuemby/apm/pkg/apm/lifecycle"
	"github.com/cuemby/apm/pkg/log"
	"github.com/cuemby/apm/pkg/metrics"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "apmd",
	Short:   "Run the audio-processing-manager core as a standalone daemon",
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("apmd version %s (%s)\n", Version, Commit))
	rootCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("log-json", true, "Output logs in JSON format")
	rootCmd.Flags().String("config", "", "Path to a YAML config override file")
	rootCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Prometheus metrics listen address")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")
	cfgPath, _ := cmd.Flags().GetString("config")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	proxy := container.NewFakeProxy()
	inst := lifecycle.New(cfg, proxy, nil, nil, nil)
	inst.Start()
	defer inst.Stop()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		log.Logger.Info().Str("addr", metricsAddr).Msg("metrics server listening")
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Logger.Error().Err(err).Msg("metrics server exited")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Logger.Info().Msg("apm core started")
	<-sigCh
	log.Logger.Info().Msg("shutting down")
	return nil
}

// Command apmctl is the operator CLI for the APM core: it drives the
// open/prepare/start/stop/suspend/flush/close/close-all/get-cfg/set-cfg/
// register-cfg/deregister-cfg verbs, a status inspector, and a YAML
// manifest apply verb, following the same cobra root-plus-subcommand
// layout used throughout this project's daemon CLI.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/cuemby/apm/pkg/apm/config"
	"github.com/cuemby/apm/pkg/apm/container"
	"github.com/cuemby/apm/pkg/apm/lifecycle"
	"github.com/cuemby/apm/pkg/log"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build).
	Version = "dev"
	Commit  = "unknown"
)

var inst *lifecycle.Instance

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "apmctl",
	Short: "Drive an audio-processing-manager core's sub-graph lifecycle",
	Long: `apmctl opens, prepares, starts, stops, suspends, flushes, and closes
sub-graphs against a local APM core instance, and applies declarative
topology manifests in one shot.

This build runs the core in-process against an in-memory container
proxy: there is no wire transport to a remote daemon (out of scope for
this core), so every invocation starts a fresh instance, applies the
requested operation, and exits.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logLevel, _ := cmd.Flags().GetString("log-level")
		logJSON, _ := cmd.Flags().GetBool("log-json")
		log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})

		cfg := config.Default()
		proxy := container.NewFakeProxy()
		inst = lifecycle.New(cfg, proxy, nil, nil, nil)
		inst.Start()
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("apmctl version %s (%s)\n", Version, Commit))
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(getCfgCmd)
	rootCmd.AddCommand(setCfgCmd)
	rootCmd.AddCommand(registerCfgCmd)
	rootCmd.AddCommand(deregisterCfgCmd)
	rootCmd.AddCommand(openCmd)
	rootCmd.AddCommand(closeAllCmd)

	for _, v := range []string{"prepare", "start", "stop", "suspend", "flush", "close"} {
		rootCmd.AddCommand(graphMgmtVerbCmd(v))
	}
}

// defaultTimeout bounds how long a CLI invocation waits for its command
// to complete; the core itself never imposes a timeout (§4.2 is advisory
// logging only), this is purely an operator-facing safety net.
const defaultTimeout = 10 * time.Second

package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/stationcalyx/coordinator/pkg/calyxtypes"
	"github.com/stationcalyx/coordinator/pkg/config"
	"github.com/stationcalyx/coordinator/pkg/coordinator"
	"github.com/stationcalyx/coordinator/pkg/log"
	"github.com/stationcalyx/coordinator/pkg/metrics"
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
	Use:   "calyxd",
	Short: "calyxd - Station Calyx coordinator",
	Long: `calyxd runs the Station Calyx coordinator: a filesystem-mediated
executive layer that reads telemetry, maintains shared world state,
prioritizes and dispatches autonomous-domain work, and escalates
anything it can't resolve on its own.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"calyxd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to calyxd.yaml (defaults built in if omitted)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(pulseCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(addIntentCmd)
	rootCmd.AddCommand(resolveEscalationCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator's pulse loop",
	Long: `serve starts calyxd's cron-driven pulse loop: every
pulse-interval-seconds it runs one full telemetry-intake through
gated-execution cycle, and exposes /metrics, /health, /ready, and
/live over HTTP for operators and probes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		logger := log.WithComponent("calyxd")
		coord := coordinator.New(cfg)

		metrics.SetVersion(Version)
		metrics.RegisterComponent("statecore", true, "ready")
		metrics.RegisterComponent("intents", true, "ready")
		metrics.RegisterComponent("manifest", true, "ready")

		if cfg.Metrics.Enabled {
			go func() {
				http.Handle("/metrics", metrics.Handler())
				http.Handle("/health", metrics.HealthHandler())
				http.Handle("/ready", metrics.ReadyHandler())
				http.Handle("/live", metrics.LivenessHandler())
				if err := http.ListenAndServe(cfg.Metrics.Addr, nil); err != nil {
					logger.Error().Msgf("metrics server error: %v", err)
				}
			}()
			logger.Info().Str("addr", cfg.Metrics.Addr).Msg("metrics endpoint listening")
		}

		c := cron.New(cron.WithSeconds())
		spec := fmt.Sprintf("@every %ds", cfg.PulseIntervalSeconds)
		_, err = c.AddFunc(spec, func() {
			report := coord.Pulse()
			logger.Info().
				Int("events_ingested", report.EventsIngested).
				Int("intents_queued", report.IntentsQueued).
				Int("executions", len(report.Executions)).
				Int64("pulse_sequence", report.PulseSequence).
				Msg("pulse complete")
		})
		if err != nil {
			return fmt.Errorf("failed to schedule pulse: %w", err)
		}
		c.Start()
		defer c.Stop()

		fmt.Printf("calyxd serving. Pulse interval: %ds. Press Ctrl+C to stop.\n", cfg.PulseIntervalSeconds)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nShutting down...")
		return nil
	},
}

var pulseCmd = &cobra.Command{
	Use:   "pulse",
	Short: "Run a single pulse and print the resulting report",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		coord := coordinator.New(cfg)
		report := coord.Pulse()

		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the coordinator's current status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		coord := coordinator.New(cfg)

		setAutonomy, _ := cmd.Flags().GetString("set-autonomy")
		if setAutonomy != "" {
			mode := calyxtypes.AutonomyMode(setAutonomy)
			switch mode {
			case calyxtypes.AutonomySuggest, calyxtypes.AutonomyGuide, calyxtypes.AutonomyExecute:
			default:
				return fmt.Errorf("invalid autonomy mode %q (expected suggest, guide, or execute)", setAutonomy)
			}
			if err := coord.SetAutonomyMode(mode); err != nil {
				return fmt.Errorf("failed to set autonomy mode: %w", err)
			}
			fmt.Printf("Autonomy mode set to %s\n", mode)
		}

		status := coord.GetStatus()
		data, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	},
}

func init() {
	statusCmd.Flags().String("set-autonomy", "", "Set autonomy mode before reporting status (suggest, guide, execute)")
}

var addIntentCmd = &cobra.Command{
	Use:   "add-intent DESCRIPTION",
	Short: "Submit a new intent to the pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		description := args[0]
		origin, _ := cmd.Flags().GetString("origin")
		capabilities, _ := cmd.Flags().GetStringSlice("capability")
		outcome, _ := cmd.Flags().GetString("outcome")
		priorityHint, _ := cmd.Flags().GetInt("priority-hint")
		autonomy, _ := cmd.Flags().GetString("autonomy")

		cfg, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		coord := coordinator.New(cfg)
		id, ok := coord.AddIntent(description, origin, capabilities, outcome, priorityHint, calyxtypes.AutonomyMode(autonomy))
		if !ok {
			fmt.Println("Intent rejected or deduplicated against an existing intent.")
			return nil
		}

		fmt.Printf("Intent queued: %s\n", id)
		return nil
	},
}

func init() {
	addIntentCmd.Flags().String("origin", "CBO", "Intent origin")
	addIntentCmd.Flags().StringSlice("capability", []string{}, "Required capability (repeatable)")
	addIntentCmd.Flags().String("outcome", "", "Desired outcome")
	addIntentCmd.Flags().Int("priority-hint", 0, "Priority hint (0-100)")
	addIntentCmd.Flags().String("autonomy", "suggest", "Autonomy required (suggest, guide, execute)")
}

var resolveEscalationCmd = &cobra.Command{
	Use:   "resolve-escalation ESCALATION_ID DECISION",
	Short: "Resolve an open escalation with a human decision",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		coord := coordinator.New(cfg)
		if !coord.ResolveEscalation(args[0], args[1]) {
			return fmt.Errorf("escalation %s not found", args[0])
		}

		fmt.Printf("Escalation %s resolved: %s\n", args[0], args[1])
		return nil
	},
}


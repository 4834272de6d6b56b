package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/config"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/policy"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/internal/storage"
	"github.com/David-patrick-chuks/Agent-Zule-sub002/pkg/utils"
)

var (
	modeOverride string
	policyFile   string
	policyName   string
)

var rootCmd = &cobra.Command{
	Use:   "agentzule",
	Short: "Agent Zule - permission, voting and execution core for an autonomous portfolio agent",
	Long: `agentzule authorizes and executes portfolio actions proposed by an AI agent.

Every recommendation is checked against user permissions, optionally gated
by a token-weighted vote and executed through registered strategies with
cooldown, slippage and emergency-pause controls.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator loop and the read API",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE:  runMigrate,
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Validate and print the selected policy profile",
	RunE:  runPolicy,
}

func init() {
	serveCmd.Flags().StringVar(&modeOverride, "mode", "", "Override AGENT_MODE (shadow, pilot, full)")
	policyCmd.Flags().StringVarP(&policyFile, "file", "f", "", "Policy file (default: POLICY_PATH or configs/policy.yaml)")
	policyCmd.Flags().StringVarP(&policyName, "profile", "p", "", "Profile name (default: POLICY_PROFILE or moderate)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(policyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := utils.NewLogger(cfg.LogLevel)
	defer logger.Sync()

	// NewPostgresStorage применяет миграции при подключении
	store, err := storage.NewPostgresStorage(cmd.Context(), cfg.StorageOptions())
	if err != nil {
		return err
	}
	defer store.Close()

	logger.Info("Migrations applied to %s@%s/%s", cfg.Database.User, cfg.Database.Host, cfg.Database.DBName)
	return nil
}

func runPolicy(cmd *cobra.Command, args []string) error {
	path := policyFile
	if path == "" {
		path = os.Getenv("POLICY_PATH")
	}
	if path == "" {
		path = "configs/policy.yaml"
	}

	p, err := policy.Load(path, policyName)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode policy: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}

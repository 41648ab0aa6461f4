// File: cmd/app/main.go
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"studio-agents/internal/config"
	"studio-agents/internal/infra/api"
)

// set through -ldflags at build time
var (
	version = "dev"
	commit  = "none"
)

var (
	cfgPath string
	devMode bool
	subject string

	rootCmd = &cobra.Command{
		Use:           "studio-agents",
		Short:         "Chains AI generation stages behind an HTTP intake",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP intake and status API",
		RunE:  func(cmd *cobra.Command, args []string) error { return run(cmd, true, false) },
	}
	workerCmd = &cobra.Command{
		Use:   "worker",
		Short: "Consume chain messages and reap stale transactions",
		RunE:  func(cmd *cobra.Command, args []string) error { return run(cmd, false, true) },
	}
	allCmd = &cobra.Command{
		Use:   "all",
		Short: "Run the API and a worker in one process",
		RunE:  func(cmd *cobra.Command, args []string) error { return run(cmd, true, true) },
	}
	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE:  runMigrate,
	}
	tokenCmd = &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for a user",
		RunE:  runToken,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "studio-agents %s (%s)\n", version, commit)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "path to YAML config file")
	rootCmd.PersistentFlags().BoolVar(&devMode, "dev", false, "console logging and developer defaults")
	tokenCmd.Flags().StringVar(&subject, "user", "", "user id to put in the token subject")
	_ = tokenCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(serveCmd, workerCmd, allCmd, migrateCmd, tokenCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("studio-agents: %v", err)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(cfgPath, devMode)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	auth := api.NewAuthManager(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if !auth.Enabled() {
		return fmt.Errorf("auth.jwt_secret is not set")
	}
	tok, err := auth.Mint(subject)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, tok)
	return err
}

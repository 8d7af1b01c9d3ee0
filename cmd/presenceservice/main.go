package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/riderpresence/internal/auth"
	"github.com/example/riderpresence/internal/config"
	"github.com/example/riderpresence/internal/presence/repository"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var configPath string

	rootCmd := &cobra.Command{
		Use:           "presenceservice",
		Short:         "Rider presence and live-location service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a config file (yaml, json or toml)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP, websocket and gRPC servers with the background workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending Postgres schema migrations",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.PostgresDSN == "" {
				return fmt.Errorf("postgres.dsn is required to migrate")
			}
			return repository.Migrate(cfg.PostgresDSN)
		},
	}

	tokenCmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Issue a signed token for local testing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return fmt.Errorf("jwt.secret is required to issue tokens")
			}
			role, _ := cmd.Flags().GetString("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			token, err := auth.NewVerifier(cfg.JWTSecret).Issue(args[0], role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	tokenCmd.Flags().String("role", auth.RoleAdmin, "role claim")
	tokenCmd.Flags().Duration("ttl", 12*time.Hour, "token lifetime")

	rootCmd.AddCommand(serveCmd, migrateCmd, tokenCmd)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

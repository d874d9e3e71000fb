package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/wiremesh/internal/app"
	"github.com/vovakirdan/wiremesh/internal/auth"
	"github.com/vovakirdan/wiremesh/internal/config"
	"github.com/vovakirdan/wiremesh/internal/core"
	applog "github.com/vovakirdan/wiremesh/internal/log"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "wiremesh",
	Short:         "Message routing, offline delivery and WebRTC mesh signaling",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := execute(context.Background(), os.Stdout, os.Args[1:]...); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: $WIREMESH_CONFIG_DEFAULT_PATH or ./config.yaml)")
	rootCmd.AddCommand(newServeCmd(), newTokenCmd())
}

// loadConfig resolves the config file and applies command line overrides.
func loadConfig(overrides config.Config) (config.Config, error) {
	bootstrap := applog.New("info", "console")
	cfg, path, err := config.Load(bootstrap, configPath)
	if err != nil {
		return cfg, err
	}
	cfg.UpdateFrom(overrides)
	bootstrap.Debug().Str("path", path).Msg("config loaded")
	return cfg, nil
}

func newServeCmd() *cobra.Command {
	var overrides config.Config

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(overrides)
			if err != nil {
				return err
			}
			logger := applog.New(cfg.Log.Level, cfg.Log.Format)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			application, err := app.New(ctx, &cfg, logger)
			if err != nil {
				return err
			}

			logger.Info().Str("addr", cfg.Addr).Msg("starting wiremesh server")
			if err := application.Run(ctx); err != nil {
				return fmt.Errorf("server exited with error: %w", err)
			}
			logger.Info().Msg("server stopped")
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&overrides.Addr, "addr", "", "HTTP listen address")
	flags.DurationVar(&overrides.ReadHeaderTimeout, "read-header-timeout", 0, "HTTP read header timeout")
	flags.DurationVar(&overrides.ShutdownTimeout, "shutdown-timeout", 0, "graceful shutdown timeout")
	flags.StringVar(&overrides.Log.Level, "log-level", "", "log level (debug, info, warn, error)")
	flags.StringVar(&overrides.Log.Format, "log-format", "", "log format (console or json)")
	flags.StringVar(&overrides.Storage.Driver, "storage", "", "snapshot store (memory, sqlite, redis)")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var (
		identity string
		name     string
		caps     []string
		ttl      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed identity token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(config.Config{})
			if err != nil {
				return err
			}
			if cfg.JWT.Secret == "" {
				return fmt.Errorf("jwt.secret is not configured")
			}
			if ttl <= 0 {
				ttl = cfg.JWT.TTL
			}

			svc := auth.NewService(&auth.JWTConfig{
				Secret:   []byte(cfg.JWT.Secret),
				Issuer:   cfg.JWT.Issuer,
				Audience: cfg.JWT.Audience,
				TTL:      ttl,
			})
			token, err := svc.Issue(core.Identity(identity), name, caps)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&identity, "identity", "", "token subject")
	flags.StringVar(&name, "name", "", "display name")
	flags.StringSliceVar(&caps, "cap", nil, "capability to grant (repeatable)")
	flags.DurationVar(&ttl, "ttl", 0, "token lifetime (default: jwt.ttl)")
	_ = cmd.MarkFlagRequired("identity")
	return cmd
}

func execute(ctx context.Context, out io.Writer, args ...string) error {
	rootCmd.SetOut(out)
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(ctx)
}

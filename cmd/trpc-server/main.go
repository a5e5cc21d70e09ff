// Command trpc-server serves the example posts API over HTTP, server-sent
// events and WebSocket.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	listenAddr string
	debug      bool

	tokenUser string
	tokenTTL  time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "trpc-server",
	Short:         "Serve the posts API",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print a bearer token for a user",
	Args:  cobra.NoArgs,
	RunE:  runToken,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.Flags().StringVar(&listenAddr, "addr", "", "listen address, overrides the config file")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "include stack traces in errors and log at debug level")

	tokenCmd.Flags().StringVar(&tokenUser, "user", "1", "user id")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
	rootCmd.AddCommand(tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "trpc-server:", err)
		os.Exit(1)
	}
}

func loadConfig() (*Config, error) {
	cfg, err := Load(configPath)
	if err != nil {
		return nil, err
	}
	if listenAddr != "" {
		cfg.Addr = listenAddr
	}
	if debug {
		cfg.Debug = true
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// SIGHUP asks connected clients to reconnect, for example before a deploy.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	reconnect := make(chan struct{})
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				select {
				case reconnect <- struct{}{}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	if err := a.serve(ctx, reconnect); err != nil {
		logger.Error("server stopped", zap.Error(err))
		return err
	}
	return nil
}

func runToken(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.Secret == "" {
		return fmt.Errorf("auth.secret is not configured")
	}
	a, err := newApp(cfg, zap.NewNop())
	if err != nil {
		return err
	}
	u, ok := a.db.User(tokenUser)
	if !ok {
		return fmt.Errorf("unknown user %q", tokenUser)
	}
	token, err := a.auth.Issue(u, tokenTTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

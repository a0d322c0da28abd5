package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentworkforce/relaycache/internal/logging"
	"github.com/agentworkforce/relaycache/internal/model"
	"github.com/agentworkforce/relaycache/internal/relaycache"
	"github.com/agentworkforce/relaycache/internal/remote"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "relaycache",
		Short:         "Local cache daemon for collaborative pages and comments",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	registerFlags(root.PersistentFlags())
	root.AddCommand(newServeCmd(), newReplayCmd())
	return root
}

// setup loads configuration and builds the logger shared by every command.
func setup(cmd *cobra.Command) (config, *zap.Logger, error) {
	v, err := newViper(cmd.Flags())
	if err != nil {
		return config{}, nil, err
	}
	logger, err := logging.New(v.GetString("log-format"), v.GetString("log-level"))
	if err != nil {
		return config{}, nil, err
	}
	return loadConfig(v, logger), logger, nil
}

func newSession(cfg config, logger *zap.Logger) (*relaycache.Session, error) {
	backend, err := relaycache.BuildStateBackendFromDSN(cfg.StateDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize state backend: %w", err)
	}
	client := remote.NewClient(cfg.BaseURL, cfg.Token, remote.Options{Logger: logger})
	var user *model.User
	if cfg.UserID != "" {
		user = &model.User{ID: cfg.UserID, Name: cfg.UserName}
	}
	return relaycache.New(relaycache.Options{
		Remote:       client,
		StateBackend: backend,
		Logger:       logger,
		CurrentUser:  user,
		PageSize:     cfg.PageSize,
	})
}

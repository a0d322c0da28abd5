package main

import (
	"context"
	"math/rand"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentworkforce/relaycache/internal/httpapi"
	"github.com/agentworkforce/relaycache/internal/realtime"
	"github.com/agentworkforce/relaycache/internal/relaycache"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Sync the cache with the server's event feed and expose the local API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg config, logger *zap.Logger) error {
	session, err := newSession(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := session.Drain(closeCtx); err != nil {
			logger.Warn("mutations still in flight at shutdown", zap.Error(err))
		}
		if err := session.SaveSnapshot(closeCtx); err != nil {
			logger.Warn("final snapshot failed", zap.Error(err))
		}
		if err := session.Close(closeCtx); err != nil {
			logger.Warn("session close failed", zap.Error(err))
		}
	}()

	if restored, err := session.LoadSnapshot(ctx); err != nil {
		logger.Warn("snapshot restore failed", zap.Error(err))
	} else if restored > 0 {
		logger.Info("restored cache from snapshot", zap.Int("entries", restored))
	}

	source, err := realtime.NewWebSocketSource(realtime.WebSocketConfig{
		URL:       cfg.SocketURL,
		Token:     cfg.Token,
		Logger:    logger,
		OnConnect: session.HandleConnect,
	})
	if err != nil {
		return err
	}
	go func() {
		if err := session.Subscribe(ctx, source); err != nil && ctx.Err() == nil {
			logger.Error("event subscription ended", zap.Error(err))
		}
	}()

	go snapshotLoop(ctx, session, cfg, logger)

	server := &http.Server{
		Addr: cfg.Addr,
		Handler: httpapi.NewServerWithConfig(session, httpapi.ServerConfig{
			JWTSecret:       cfg.JWTSecret,
			RateLimitMax:    cfg.RateLimitMax,
			RateLimitWindow: cfg.RateLimitWindow,
			MaxBodyBytes:    cfg.MaxBodyBytes,
			Logger:          logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("relaycache listening", zap.String("addr", cfg.Addr), zap.String("socket_url", cfg.SocketURL))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logger.Info("relaycache stopping", zap.Error(ctx.Err()))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

// snapshotLoop persists the cache on a jittered interval until ctx ends.
func snapshotLoop(ctx context.Context, session *relaycache.Session, cfg config, logger *zap.Logger) {
	if cfg.StateDSN == "" {
		return
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(cfg.SnapshotInterval, cfg.SnapshotJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if err := session.SaveSnapshot(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("snapshot flush failed", zap.Error(err))
			}
			timer.Reset(jitteredIntervalWithSample(cfg.SnapshotInterval, cfg.SnapshotJitter, rng.Float64()))
		}
	}
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentworkforce/relaycache/internal/realtime"
	"github.com/agentworkforce/relaycache/internal/relaycache"
)

func newReplayCmd() *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "replay <event-log>",
		Short: "Apply a newline-delimited event log to the cached snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return replay(cmd.Context(), cfg, logger, args[0], follow, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&follow, "follow", false, "keep reading as the log grows")
	return cmd
}

func replay(ctx context.Context, cfg config, logger *zap.Logger, path string, follow bool, out io.Writer) error {
	session, err := newSession(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = session.Close(closeCtx)
	}()
	if _, err := session.LoadSnapshot(ctx); err != nil {
		return err
	}

	source := &realtime.FileSource{Path: path, Follow: follow, Logger: logger}
	if err := session.Subscribe(ctx, source); err != nil && ctx.Err() == nil {
		return err
	}
	// an interrupted follow still flushes what it reduced
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := waitForEvents(finishCtx, session); err != nil {
		return err
	}
	if err := session.Drain(finishCtx); err != nil {
		return err
	}
	if err := session.SaveSnapshot(finishCtx); err != nil {
		return err
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(session.Stats())
}

// waitForEvents blocks until every decoded event has been reduced.
func waitForEvents(ctx context.Context, session *relaycache.Session) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if eventsSettled(session.Stats()) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for events: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func eventsSettled(stats relaycache.Stats) bool {
	ev := stats.Events
	return stats.QueueDepth == 0 && ev.Applied+ev.Skipped+ev.Failed >= ev.Received
}

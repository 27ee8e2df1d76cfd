package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/user/insightdash/internal/api"
	"github.com/user/insightdash/internal/delivery"
	"github.com/user/insightdash/internal/gateway"
	"github.com/user/insightdash/internal/scheduler"
	"github.com/user/insightdash/internal/telegram"
	"github.com/user/insightdash/internal/types"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon: scheduler, HTTP API and Telegram bot",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func pidPath(dataDir string) string {
	return filepath.Join(dataDir, "insightdash.pid")
}

func writePIDFile(dataDir string) (string, error) {
	path := pidPath(dataDir)
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return path, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.cfg

	pidFile, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidFile)

	// Gateway
	gw := gateway.New(a.store, int64(cfg.MaxConcurrent))
	gw.Queue.SetProcessor(a.runtime.ProcessRun)
	gw.Start(ctx)
	defer gw.Stop()

	// Delivery registry; the empty prefix catches keys no channel claims.
	deliveryReg := delivery.NewRegistry()
	deliveryReg.Register("", func(ctx context.Context, key types.ConversationKey, reply *types.Reply) error {
		slog.Info("saved query answered",
			"key", key,
			"conversation_id", reply.ConversationID,
			"outcome", reply.Outcome,
			"text", reply.Text,
		)
		return nil
	})

	g, gctx := errgroup.WithContext(ctx)

	// Telegram adapter
	if cfg.Telegram.Token != "" {
		adapter, err := telegram.New(cfg.Telegram.Token, gw, a.store, a.runtime)
		if err != nil {
			return fmt.Errorf("create telegram adapter: %w", err)
		}
		deliveryReg.Register(telegram.KeyPrefix, adapter.Deliver)
		g.Go(func() error {
			adapter.Start(gctx)
			return nil
		})
	} else {
		slog.Warn("telegram adapter disabled (no token)")
	}

	// Scheduler
	sched := scheduler.New(a.queries, func(ctx context.Context, q *types.SavedQuery) {
		event := &types.AskEvent{Source: "scheduler", Key: q.Key, Query: q.Query}
		_, err := gw.HandleAsk(ctx, event, gateway.WithOnComplete(func(reply *types.Reply) {
			if err := deliveryReg.Deliver(context.WithoutCancel(ctx), q.Key, reply); err != nil {
				slog.Error("saved query delivery failed", "name", q.Name, "key", q.Key, "error", err)
			}
		}))
		if err != nil {
			slog.Error("saved query failed", "name", q.Name, "error", err)
		}
	})
	if err := sched.Start(gctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	// HTTP API
	if cfg.HTTP.Enabled {
		httpServer := &http.Server{
			Addr:              cfg.HTTP.Listen,
			Handler:           api.NewServer(gw, a.runtime, a.store, a.queries),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			slog.Info("http server started", "listen", cfg.HTTP.Listen)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	// SIGHUP reloads saved queries.
	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-hup:
				slog.Info("received SIGHUP, reloading saved queries")
				if err := sched.Reload(); err != nil {
					slog.Error("reload scheduler failed", "error", err)
				}
			case <-gctx.Done():
				return nil
			}
		}
	})

	slog.Info("insightdash started",
		"data_dir", cfg.DataDir,
		"api", cfg.API.BaseURL,
		"store", cfg.Store.Backend,
		"max_concurrent", cfg.MaxConcurrent,
		"scheduled", sched.Entries(),
		"pid_file", pidFile,
	)

	err = g.Wait()
	slog.Info("shutting down")
	return err
}

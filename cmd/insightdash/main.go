package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/user/insightdash/internal/config"
	"github.com/user/insightdash/internal/conversation"
	"github.com/user/insightdash/internal/orchestrator"
	"github.com/user/insightdash/internal/render"
	"github.com/user/insightdash/internal/runtime"
	"github.com/user/insightdash/internal/state"
	"github.com/user/insightdash/internal/types"
	"github.com/user/insightdash/pkg/taskapi/rest"
)

var version = "dev"

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "insightdash",
	Short:         "Ask analytical questions and get dashboards back",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", config.DefaultPath(), "config file path")
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("insightdash", version)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// app holds the components shared by the commands that talk to the task
// service or the conversation store.
type app struct {
	cfg     *config.Config
	store   *conversation.Store
	queries *state.SavedQueryStore
	client  *rest.Client
	runtime *runtime.Runtime
	closers []func() error
}

func openApp(ctx context.Context) (*app, error) {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	a := &app{cfg: cfg}
	repo, err := a.openRepository(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	store, err := conversation.Open(ctx, repo)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store = store
	a.queries = state.NewSavedQueryStore(cfg.SavedQueriesPath())
	a.client = rest.New(rest.Config{
		BaseURL:        cfg.API.BaseURL,
		Token:          cfg.API.Token,
		RequestTimeout: cfg.API.RequestTimeout,
	})
	a.runtime = runtime.New(a.client, store, orchestratorConfig(cfg))
	return a, nil
}

// openRepository builds the conversation repository for store.backend.
func (a *app) openRepository(ctx context.Context) (types.ConversationRepository, error) {
	sc := a.cfg.Store
	switch strings.ToLower(sc.Backend) {
	case "", "file":
		return state.NewFileRepository(a.cfg.ConversationsPath()), nil
	case "sqlite", "postgres":
		dialect := state.Dialect(strings.ToLower(sc.Backend))
		dsn := sc.DSN
		if dsn == "" && dialect == state.DialectSQLite {
			dsn = filepath.Join(a.cfg.DataDir, "insightdash.db")
		}
		db, err := state.OpenSQL(ctx, dialect, dsn)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		return state.NewSQLRepository(ctx, db, dialect, sc.Key)
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: sc.RedisAddr, DB: sc.RedisDB})
		repo, err := state.NewRedisRepository(ctx, client, sc.Key)
		if err != nil {
			client.Close()
			return nil, err
		}
		a.closers = append(a.closers, repo.Close)
		return repo, nil
	default:
		return nil, fmt.Errorf("unknown store backend: %s", sc.Backend)
	}
}

func (a *app) Close() {
	if a.runtime != nil {
		a.runtime.Close()
	}
	for _, closeFn := range a.closers {
		if err := closeFn(); err != nil {
			slog.Warn("close failed", "error", err)
		}
	}
}

func orchestratorConfig(cfg *config.Config) orchestrator.Config {
	oc := cfg.Orchestrator
	return orchestrator.Config{
		Timeout:         oc.Timeout,
		PollInitial:     oc.PollInitial,
		PollMultiplier:  oc.PollMultiplier,
		PollMax:         oc.PollMax,
		MaxServerErrors: oc.MaxServerErrors,
		CancelTimeout:   oc.CancelTimeout,
		Stream:          oc.Stream,
	}
}

// resolveConversation accepts a full id or a unique id prefix.
func resolveConversation(store *conversation.Store, arg string) (types.ConversationID, error) {
	var match types.ConversationID
	for _, c := range store.List() {
		if string(c.ID) == arg {
			return c.ID, nil
		}
		if strings.HasPrefix(string(c.ID), arg) {
			if match != "" {
				return "", fmt.Errorf("ambiguous conversation id: %s", arg)
			}
			match = c.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("%w: %s", conversation.ErrConversationNotFound, arg)
	}
	return match, nil
}

// terminalWidth reads $COLUMNS and falls back to the renderer default.
func terminalWidth() int {
	if n, err := strconv.Atoi(os.Getenv("COLUMNS")); err == nil && n > 0 {
		return n
	}
	return render.DefaultWidth
}

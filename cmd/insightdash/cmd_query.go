package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/insightdash/internal/scheduler"
	"github.com/user/insightdash/internal/state"
	"github.com/user/insightdash/internal/types"
)

func init() {
	rootCmd.AddCommand(queryCmd)
	queryCmd.AddCommand(queryAddCmd, queryListCmd, queryRemoveCmd, queryEnableCmd, queryDisableCmd, queryRunCmd)

	queryAddCmd.Flags().String("name", "", "query name (required)")
	queryAddCmd.Flags().String("query", "", "question text (required)")
	queryAddCmd.Flags().String("schedule", "", "cron schedule expression")
	queryAddCmd.Flags().String("key", "", "conversation key the answers go to, e.g. telegram:<user>:<chat>")
	_ = queryAddCmd.MarkFlagRequired("name")
	_ = queryAddCmd.MarkFlagRequired("query")
}

func savedQueryStore() *state.SavedQueryStore {
	return state.NewSavedQueryStore(loadConfig().SavedQueriesPath())
}

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Manage saved queries",
}

var queryAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add or replace a saved query",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		query, _ := cmd.Flags().GetString("query")
		schedule, _ := cmd.Flags().GetString("schedule")
		key, _ := cmd.Flags().GetString("key")

		if err := scheduler.Validate(schedule); err != nil {
			return err
		}
		q := &types.SavedQuery{
			Name:     name,
			Query:    query,
			Schedule: schedule,
			Key:      types.ConversationKey(key),
			Enabled:  true,
		}
		if err := savedQueryStore().Put(context.Background(), q); err != nil {
			return fmt.Errorf("add query: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Query %q saved.\n", name)
		return nil
	},
}

var queryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved queries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		queries, err := savedQueryStore().List(context.Background())
		if err != nil {
			return fmt.Errorf("list queries: %w", err)
		}
		if len(queries) == 0 {
			fmt.Println("No saved queries.")
			return nil
		}

		now := time.Now()
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSCHEDULE\tENABLED\tNEXT RUN\tLAST RUN\tQUERY")
		for _, q := range queries {
			next, last := "-", "-"
			if q.Schedule != "" && q.Enabled {
				if t, err := scheduler.Next(q.Schedule, now); err == nil {
					next = t.Format("2006-01-02 15:04")
				}
			}
			if q.LastRunAt != nil {
				last = q.LastRunAt.Local().Format("2006-01-02 15:04")
			}
			fmt.Fprintf(w, "%s\t%s\t%v\t%s\t%s\t%s\n", q.Name, q.Schedule, q.Enabled, next, last, q.Query)
		}
		return w.Flush()
	},
}

var queryRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a saved query",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := savedQueryStore().Delete(context.Background(), args[0]); err != nil {
			return fmt.Errorf("remove query: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Query %q removed.\n", args[0])
		return nil
	},
}

var queryEnableCmd = &cobra.Command{
	Use:   "enable <name>",
	Short: "Enable a saved query",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := savedQueryStore().SetEnabled(context.Background(), args[0], true); err != nil {
			return fmt.Errorf("enable query: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Query %q enabled.\n", args[0])
		return nil
	},
}

var queryDisableCmd = &cobra.Command{
	Use:   "disable <name>",
	Short: "Disable a saved query",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := savedQueryStore().SetEnabled(context.Background(), args[0], false); err != nil {
			return fmt.Errorf("disable query: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Query %q disabled.\n", args[0])
		return nil
	},
}

var queryRunCmd = &cobra.Command{
	Use:   "run <name>",
	Short: "Run a saved query now and render the dashboard",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		q, err := a.queries.Get(ctx, args[0])
		if err != nil {
			return err
		}
		var id types.ConversationID
		if q.Key != "" {
			if id, err = a.store.ResolveOrCreate(ctx, q.Key); err != nil {
				return err
			}
		}
		reply, err := a.runtime.Ask(ctx, id, q.Query)
		if err != nil {
			return err
		}
		if err := a.queries.MarkRun(context.WithoutCancel(ctx), q.Name, time.Now()); err != nil {
			fmt.Fprintf(os.Stderr, "warning: could not record run: %v\n", err)
		}
		return printReply(reply, terminalWidth())
	},
}

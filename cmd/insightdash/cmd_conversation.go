package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/insightdash/internal/conversation"
	"github.com/user/insightdash/internal/render"
	"github.com/user/insightdash/internal/types"
)

func init() {
	rootCmd.AddCommand(conversationCmd)
	conversationCmd.AddCommand(
		convListCmd, convNewCmd, convSelectCmd, convRenameCmd,
		convArchiveCmd, convUnarchiveCmd, convStarCmd, convUnstarCmd,
		convDeleteCmd, convShowCmd,
	)
	convListCmd.Flags().Bool("all", false, "include archived conversations")
	convShowCmd.Flags().String("format", "text", "output format: text, json or yaml")
}

var conversationCmd = &cobra.Command{
	Use:     "conversation",
	Aliases: []string{"conv"},
	Short:   "Manage conversations",
}

// withStore opens the app and runs fn against its conversation store.
func withStore(fn func(ctx context.Context, store *conversation.Store) error) error {
	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a.store)
}

// byID builds a command body that resolves args[0] to a conversation.
func byID(fn func(ctx context.Context, store *conversation.Store, id types.ConversationID, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, store *conversation.Store) error {
			id, err := resolveConversation(store, args[0])
			if err != nil {
				return err
			}
			return fn(ctx, store, id, args[1:])
		})
	}
}

var convListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		return withStore(func(ctx context.Context, store *conversation.Store) error {
			return render.ConversationList(os.Stdout, store.List(), store.CurrentID(), all)
		})
	},
}

var convNewCmd = &cobra.Command{
	Use:   "new [title...]",
	Short: "Start a new conversation and select it",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, store *conversation.Store) error {
			conv, err := store.Create(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "Created conversation %s (%s).\n", conv.ID, conv.Title)
			return nil
		})
	},
}

var convSelectCmd = &cobra.Command{
	Use:   "select <id>",
	Short: "Make a conversation current",
	Args:  cobra.ExactArgs(1),
	RunE: byID(func(ctx context.Context, store *conversation.Store, id types.ConversationID, _ []string) error {
		if err := store.Select(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Selected %s.\n", id)
		return nil
	}),
}

var convRenameCmd = &cobra.Command{
	Use:   "rename <id> <title...>",
	Short: "Rename a conversation",
	Args:  cobra.MinimumNArgs(2),
	RunE: byID(func(ctx context.Context, store *conversation.Store, id types.ConversationID, rest []string) error {
		return store.Rename(ctx, id, strings.Join(rest, " "))
	}),
}

var convArchiveCmd = &cobra.Command{
	Use:   "archive <id>",
	Short: "Hide a conversation from the default list",
	Args:  cobra.ExactArgs(1),
	RunE: byID(func(ctx context.Context, store *conversation.Store, id types.ConversationID, _ []string) error {
		return store.Archive(ctx, id)
	}),
}

var convUnarchiveCmd = &cobra.Command{
	Use:   "unarchive <id>",
	Short: "Restore an archived conversation",
	Args:  cobra.ExactArgs(1),
	RunE: byID(func(ctx context.Context, store *conversation.Store, id types.ConversationID, _ []string) error {
		return store.Unarchive(ctx, id)
	}),
}

var convStarCmd = &cobra.Command{
	Use:   "star <id>",
	Short: "Star a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: byID(func(ctx context.Context, store *conversation.Store, id types.ConversationID, _ []string) error {
		return store.SetStarred(ctx, id, true)
	}),
}

var convUnstarCmd = &cobra.Command{
	Use:   "unstar <id>",
	Short: "Remove the star from a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: byID(func(ctx context.Context, store *conversation.Store, id types.ConversationID, _ []string) error {
		return store.SetStarred(ctx, id, false)
	}),
}

var convDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: byID(func(ctx context.Context, store *conversation.Store, id types.ConversationID, _ []string) error {
		if err := store.Delete(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Deleted %s. Current conversation is %s.\n", id, store.CurrentID())
		return nil
	}),
}

var convShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Print a conversation with its dashboards",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		return withStore(func(ctx context.Context, store *conversation.Store) error {
			id := store.CurrentID()
			if len(args) == 1 {
				var err error
				if id, err = resolveConversation(store, args[0]); err != nil {
					return err
				}
			}
			conv, err := store.Get(id)
			if err != nil {
				return err
			}
			if format == "text" {
				fmt.Println(render.Transcript(conv, terminalWidth()))
				return nil
			}
			return conversation.Export(os.Stdout, conv, format)
		})
	},
}

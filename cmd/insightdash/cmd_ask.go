package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/insightdash/internal/orchestrator"
	"github.com/user/insightdash/internal/render"
	"github.com/user/insightdash/internal/types"
	"github.com/user/insightdash/pkg/taskapi"
)

func init() {
	rootCmd.AddCommand(askCmd)
	askCmd.Flags().StringP("conversation", "c", "", "conversation id or prefix (default: current)")
	askCmd.Flags().String("priority", "", "task priority: low, normal or high")
	askCmd.Flags().Int("width", 0, "dashboard width (default: $COLUMNS)")
	askCmd.Flags().Bool("quiet", false, "do not print progress")
}

var askCmd = &cobra.Command{
	Use:   "ask <question...>",
	Short: "Ask a question and render the dashboard",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		var id types.ConversationID
		if arg, _ := cmd.Flags().GetString("conversation"); arg != "" {
			if id, err = resolveConversation(a.store, arg); err != nil {
				return err
			}
		}

		var opts []orchestrator.SubmitOption
		if p, _ := cmd.Flags().GetString("priority"); p != "" {
			opts = append(opts, orchestrator.WithPriority(taskapi.Priority(p)))
		}
		if quiet, _ := cmd.Flags().GetBool("quiet"); !quiet {
			opts = append(opts, orchestrator.WithProgress(func(progress int, message string) {
				fmt.Fprintf(os.Stderr, "\r\033[K%3d%% %s", progress, message)
			}))
		}

		reply, err := a.runtime.Ask(ctx, id, strings.Join(args, " "), opts...)
		fmt.Fprint(os.Stderr, "\r\033[K")
		if err != nil {
			return err
		}
		width, _ := cmd.Flags().GetInt("width")
		if width <= 0 {
			width = terminalWidth()
		}
		return printReply(reply, width)
	},
}

// printReply renders a reply; failed outcomes are returned as errors so
// the exit status reflects them.
func printReply(reply *types.Reply, width int) error {
	switch {
	case reply.Completed() && reply.Plan != nil:
		fmt.Println(render.Dashboard(*reply.Plan, width))
		return nil
	case reply.Outcome == taskapi.StateCancelled:
		fmt.Fprintln(os.Stderr, "Request cancelled.")
		return nil
	case reply.Err != nil:
		return reply.Err
	default:
		return fmt.Errorf("request ended with status %s", reply.Outcome)
	}
}

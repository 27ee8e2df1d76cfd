package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(taskListCmd, taskCancelCmd, taskCancelAllCmd)
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect and cancel tasks on the analytics service",
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your tasks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		tasks, err := a.client.ListTasks(ctx)
		if err != nil {
			return fmt.Errorf("list tasks: %w", err)
		}
		if len(tasks) == 0 {
			fmt.Println("No tasks.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TASK\tSTATUS\tPROGRESS\tMESSAGE")
		for _, t := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%d%%\t%s\n", t.TaskID, t.Status, t.Progress, t.ProgressMessage)
		}
		return w.Flush()
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		resp, err := a.client.Cancel(ctx, args[0])
		if err != nil {
			return fmt.Errorf("cancel task: %w", err)
		}
		if !resp.Success {
			return fmt.Errorf("cancel task %s: %s", args[0], resp.Message)
		}
		fmt.Fprintf(os.Stdout, "Task %s cancelled.\n", args[0])
		return nil
	},
}

var taskCancelAllCmd = &cobra.Command{
	Use:   "cancel-all",
	Short: "Cancel all of your tasks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.runtime.CancelAll(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Cancelled %d task(s).\n", n)
		return nil
	},
}

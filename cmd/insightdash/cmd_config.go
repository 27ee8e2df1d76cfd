package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/insightdash/internal/config"
)

var configReveal bool

func init() {
	configListCmd.Flags().BoolVar(&configReveal, "reveal", false, "show tokens and DSNs unmasked")
	configCmd.AddCommand(configListCmd, configGetCmd, configSetCmd, configPathCmd)
	rootCmd.AddCommand(configCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and edit the configuration file",
}

var configListCmd = &cobra.Command{
	Use:   "list [section]",
	Short: "List settings, optionally only one section such as orchestrator",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		values, err := config.ListValues(cfgPath, !configReveal)
		if err != nil {
			return fmt.Errorf("list config: %w", err)
		}
		prefix := ""
		if len(args) == 1 {
			prefix = strings.TrimSuffix(args[0], ".") + "."
		}
		shown := 0
		for _, k := range config.SortedKeys(values) {
			if !strings.HasPrefix(k, prefix) {
				continue
			}
			fmt.Fprintf(os.Stdout, "%s = %v\n", k, values[k])
			shown++
		}
		if shown == 0 && prefix != "" {
			return fmt.Errorf("no settings under %q", strings.TrimSuffix(prefix, "."))
		}
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one setting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		val, err := config.GetValue(cfgPath, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, val)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Change one setting in the configuration file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetValue(cfgPath, key, value); err != nil {
			return err
		}
		shown := config.MaskSecrets(map[string]any{key: value})[key]
		fmt.Fprintf(os.Stdout, "Set %s = %v\n", key, shown)
		if key == "store.backend" || strings.HasPrefix(key, "http.") || strings.HasPrefix(key, "telegram.") {
			fmt.Fprintln(os.Stdout, "Restart the server for this to take effect.")
		}
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the configuration file location",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(os.Stdout, cfgPath)
	},
}

package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/insightdash/internal/config"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

// setupFields are the settings the wizard asks for, in order.
var setupFields = []struct {
	key   string
	label string
}{
	{"api.base_url", "Analytics API base URL"},
	{"api.token", "API token (optional)"},
	{"store.backend", "Conversation store (file, sqlite, postgres, redis)"},
	{"telegram.token", "Telegram bot token (optional)"},
	{"http.enabled", "Enable the HTTP API (true/false)"},
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		scanner := bufio.NewScanner(os.Stdin)

		fmt.Println("insightdash setup")
		fmt.Println("Press Enter to accept the value shown in brackets.")
		fmt.Println()

		for _, f := range setupFields {
			current, err := config.GetValue(cfgPath, f.key)
			if err != nil {
				return err
			}
			def := fmt.Sprint(current)
			if config.IsSecretKey(f.key) && def != "" {
				def = "***"
			}
			answer := prompt(scanner, f.label, def)
			if answer == def {
				continue
			}
			if err := config.SetValue(cfgPath, f.key, answer); err != nil {
				return fmt.Errorf("save %s: %w", f.key, err)
			}
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		return nil
	},
}

// prompt displays a labeled prompt with a default value and reads user input.
// If the user enters nothing, the default is returned.
func prompt(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}

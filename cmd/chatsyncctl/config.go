package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/spf13/cobra"
)

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd, configKeysCmd)
	rootCmd.AddCommand(configCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or edit ~/.chatsync/config.toml",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := config.LoadOrDefault(session.ConfigPath())
		if err != nil {
			return err
		}
		shown := *cfg
		shown.Remote.APIKey = maskSecret(shown.Remote.APIKey)
		shown.Remote.AccessToken = maskSecret(shown.Remote.AccessToken)
		fmt.Printf("# %s\n", session.ConfigPath())
		return toml.NewEncoder(rootCmd.OutOrStdout()).Encode(shown)
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value using dot notation (e.g. remote.url)",
	Args:  cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		path := session.ConfigPath()
		cfg, err := config.Load(path)
		if errors.Is(err, os.ErrNotExist) {
			// Start from an empty file so defaults are not frozen into it.
			cfg, err = &config.Config{}, nil
		}
		if err != nil {
			return fmt.Errorf("cannot read config: %w", err)
		}
		if err := cfg.Set(args[0], args[1]); err != nil {
			return err
		}
		if err := config.Save(path, cfg); err != nil {
			return fmt.Errorf("cannot write config: %w", err)
		}
		fmt.Printf("%s updated in %s\n", args[0], path)
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List settable keys",
	RunE: func(_ *cobra.Command, _ []string) error {
		for _, k := range config.Keys() {
			fmt.Println(k)
		}
		return nil
	},
}

// maskSecret keeps the first and last four characters of long secrets.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 12 {
		return "****"
	}
	return s[:4] + "..." + s[len(s)-4:]
}

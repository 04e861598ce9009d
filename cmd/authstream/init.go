package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initBaseURL string
	initExpires string
)

func init() {
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "server base URL")
	initCmd.Flags().StringVar(&initExpires, "expires", "", "token expiry (RFC 3339)")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store the access token in ~/.authstream/config.toml",
	Long:  "Initialize the authstream CLI by storing your session access token in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.AccessToken = args[0]
		cfg.Auth.TokenExpires = initExpires
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}
		if cfg.Default.Transport == "" {
			cfg.Default.Transport = "sse"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Fprintf(cmd.OutOrStdout(), "Access token saved to %s\n", path)
		return nil
	},
}

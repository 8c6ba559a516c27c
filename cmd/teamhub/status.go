package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	teamhub "github.com/teamhub-app/teamhub-go"
)

var statusConnect bool

func init() {
	statusCmd.Flags().BoolVar(&statusConnect, "connect", false, "Also test the real-time connection")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and connection status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path, err := configPath()
		if err != nil {
			return err
		}

		tokenSource := "not set"
		if os.Getenv("TEAMHUB_TOKEN") != "" {
			tokenSource = "environment (TEAMHUB_TOKEN)"
		} else if cfg.Default.Token != "" {
			tokenSource = "config file"
		}

		client, clientErr := getClient(cfg)

		fmt.Printf("Config:    %s\n", path)
		if client != nil {
			fmt.Printf("Base URL:  %s\n", client.BaseURL())
		}
		fmt.Printf("Token:     %s\n", tokenSource)
		fmt.Printf("User ID:   %s\n", valueOr(cfg.Default.UserID, "not set"))
		fmt.Printf("Workspace: %s\n", valueOr(cfg.Chat.Workspace, "not set"))

		if !statusConnect {
			return nil
		}
		if clientErr != nil {
			return clientErr
		}

		log := cliLogger()
		rt := client.Realtime(&teamhub.RealtimeConfig{Logger: &log})

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := rt.Connect(ctx); err != nil {
			fmt.Println("Realtime:  FAILED")
			return err
		}
		fmt.Printf("Realtime:  connected (%s)\n", rt.Transport())
		return rt.Disconnect()
	},
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

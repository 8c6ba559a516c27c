package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	teamhub "github.com/teamhub-app/teamhub-go"
)

func init() {
	notificationsCmd.AddCommand(notificationsReadCmd)
	notificationsCmd.AddCommand(notificationsReadAllCmd)
	rootCmd.AddCommand(notificationsCmd)
}

var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "Notification commands",
}

var notificationsReadCmd = &cobra.Command{
	Use:   "read <notification-id>...",
	Short: "Mark notifications as read",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client, err := getClient(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		err = client.Notifications().MarkRead(ctx, teamhub.MarkNotificationsReadOptions{
			NotificationIDs: args,
		})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Marked %d notification(s) as read.\n", len(args))
		return nil
	},
}

var notificationsReadAllCmd = &cobra.Command{
	Use:   "read-all [workspace-id]",
	Short: "Mark all notifications in a workspace as read",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		workspaceID := cfg.Chat.Workspace
		if len(args) == 1 {
			workspaceID = args[0]
		}
		if workspaceID == "" {
			return fmt.Errorf("no workspace id given and no chat.workspace configured")
		}
		client, err := getClient(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.Notifications().MarkAllRead(ctx, workspaceID); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Marked all notifications in workspace %s as read.\n", workspaceID)
		return nil
	},
}

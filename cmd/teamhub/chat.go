package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	teamhub "github.com/teamhub-app/teamhub-go"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// chat history
	chatHistoryLimit  int
	chatHistoryBefore string
	chatHistoryJSON   bool

	// chat send
	chatSendReplyTo string
	chatSendJSON    bool

	// chat online
	chatOnlineJSON bool

	// chat members
	chatMembersJSON bool
)

// ============================================================================
// Root chat command
// ============================================================================

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat commands",
	Long: "Read and send messages in workspace, project, and direct conversations.\n" +
		"The target id is the workspace id, project id, or other user's id\ndepending on the chat type.",
}

// ============================================================================
// chat history
// ============================================================================

var chatHistoryCmd = &cobra.Command{
	Use:   "history <workspace|project|direct> <target-id>",
	Short: "Show message history for a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatType, err := parseChatType(args[0])
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client, err := getClient(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		limit := chatHistoryLimit
		if !cmd.Flags().Changed("limit") && cfg.Chat.HistoryLimit > 0 {
			limit = cfg.Chat.HistoryLimit
		}

		page, err := client.Chat().History(ctx, chatType, args[1], &teamhub.HistoryOptions{
			Limit:  limit,
			Before: chatHistoryBefore,
		})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if chatHistoryJSON {
			b, _ := json.MarshalIndent(page, "", "  ")
			fmt.Println(string(b))
			return nil
		}

		if len(page.Messages) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		for i := range page.Messages {
			printMessage(&page.Messages[i])
		}
		if page.HasMore {
			fmt.Printf("(older messages available, use --before %s)\n", page.Messages[0].ID)
		}
		return nil
	},
}

// ============================================================================
// chat send
// ============================================================================

var chatSendCmd = &cobra.Command{
	Use:   "send <workspace|project|direct> <target-id> <message>",
	Short: "Send a message",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatType, err := parseChatType(args[0])
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client, err := getClient(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msg, err := client.Chat().Send(ctx, chatType, args[1], teamhub.SendOptions{
			Content: args[2],
			ReplyTo: chatSendReplyTo,
		})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if chatSendJSON {
			b, _ := json.MarshalIndent(msg, "", "  ")
			fmt.Println(string(b))
			return nil
		}

		fmt.Printf("Message sent.\n")
		fmt.Printf("  Message ID: %s\n", msg.ID)
		fmt.Printf("  Content:    %s\n", msg.Content)
		return nil
	},
}

// ============================================================================
// chat watch
// ============================================================================

var chatWatchCmd = &cobra.Command{
	Use:   "watch <workspace|project|direct> <target-id>",
	Short: "Stream a conversation live",
	Long: "Connect to the real-time channel, join the room, print recent history,\n" +
		"and stream new messages, edits, typing, and presence until interrupted.",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatType, err := parseChatType(args[0])
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client, err := getClient(cfg)
		if err != nil {
			return err
		}

		log := cliLogger()
		store := teamhub.NewStore(cfg.Default.UserID)
		rt := client.Realtime(&teamhub.RealtimeConfig{Logger: &log})
		unbind := store.Bind(rt)
		defer unbind()

		rt.OnConnectionStatus(func(p teamhub.ConnectionStatusPayload) {
			switch p.State {
			case teamhub.StateConnected:
				fmt.Printf("-- connected (%s)\n", p.Transport)
			case teamhub.StateConnecting:
				fmt.Println("-- connecting...")
			case teamhub.StateDisconnected:
				fmt.Printf("-- disconnected: %s\n", p.Reason)
			}
		})
		rt.OnConnectionFailed(func(p teamhub.ConnectionFailedPayload) {
			fmt.Printf("-- connection failed: %s\n", p.Reason)
		})
		rt.OnMessageNew(func(p teamhub.MessageNewPayload) {
			printMessage(&p.Message)
		})
		rt.OnMessageEdited(func(p teamhub.MessageEditedPayload) {
			fmt.Printf("-- message %s edited: %s\n", p.MessageID, p.Content)
		})
		rt.OnMessageDeleted(func(p teamhub.MessageDeletedPayload) {
			fmt.Printf("-- message %s deleted\n", p.MessageID)
		})
		rt.OnTypingStart(func(p teamhub.TypingPayload) {
			fmt.Printf("-- %s is typing...\n", p.UserName)
		})
		rt.OnUserOnline(func(p teamhub.PresencePayload) {
			fmt.Printf("-- %s is online\n", p.UserID)
		})
		rt.OnUserOffline(func(p teamhub.PresencePayload) {
			fmt.Printf("-- %s went offline\n", p.UserID)
		})

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := rt.Connect(ctx); err != nil {
			cancel()
			return fmt.Errorf("connect failed: %w", err)
		}

		sess, err := teamhub.NewSession(client, rt, store,
			chatType, roomContextFor(cfg, chatType, args[1]))
		if err != nil {
			cancel()
			return err
		}
		if err := sess.Open(ctx); err != nil {
			cancel()
			return fmt.Errorf("open failed: %w", err)
		}
		cancel()

		for _, msg := range store.Messages(sess.RoomID()) {
			printMessage(&msg)
		}
		fmt.Println("-- watching (ctrl-c to stop)")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		sess.Close()
		return rt.Disconnect()
	},
}

// ============================================================================
// chat online
// ============================================================================

var chatOnlineCmd = &cobra.Command{
	Use:   "online [workspace-id]",
	Short: "List online users in a workspace",
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

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		users, err := client.Chat().OnlineUsers(ctx, workspaceID)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if chatOnlineJSON {
			b, _ := json.MarshalIndent(users, "", "  ")
			fmt.Println(string(b))
			return nil
		}

		if len(users) == 0 {
			fmt.Println("No users online.")
			return nil
		}
		for _, u := range users {
			status := "offline"
			if u.IsOnline {
				status = "online"
			}
			fmt.Printf("  %s (%s) - %s\n", u.Name, u.ID, status)
		}
		return nil
	},
}

// ============================================================================
// chat members
// ============================================================================

var chatMembersCmd = &cobra.Command{
	Use:   "members [workspace-id]",
	Short: "List workspace members",
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

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		members, err := client.Chat().Members(ctx, workspaceID)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if chatMembersJSON {
			b, _ := json.MarshalIndent(members, "", "  ")
			fmt.Println(string(b))
			return nil
		}

		if len(members) == 0 {
			fmt.Println("No members found.")
			return nil
		}
		for _, m := range members {
			fmt.Printf("  %s (%s)\n", m.Name, m.ID)
		}
		return nil
	},
}

// ============================================================================
// Helpers
// ============================================================================

// printMessage renders one message line. Deleted messages show the
// tombstone text, edits are marked, and reactions are summarized.
func printMessage(msg *teamhub.Message) {
	edited := ""
	if msg.IsEdited && !msg.IsDeleted {
		edited = " (edited)"
	}
	line := fmt.Sprintf("[%s] %s: %s%s",
		msg.CreatedAt.Local().Format("15:04"), msg.Sender.Name, msg.DisplayContent(), edited)

	if grouped := msg.ReactionsByEmoji(); len(grouped) > 0 {
		parts := make([]string, 0, len(grouped))
		for emoji, users := range grouped {
			parts = append(parts, fmt.Sprintf("%s x%d", emoji, len(users)))
		}
		line += "  {" + strings.Join(parts, ", ") + "}"
	}
	fmt.Println(line)
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	chatHistoryCmd.Flags().IntVarP(&chatHistoryLimit, "limit", "n", 50, "Maximum number of messages to return")
	chatHistoryCmd.Flags().StringVar(&chatHistoryBefore, "before", "", "Only return messages older than this message id")
	chatHistoryCmd.Flags().BoolVar(&chatHistoryJSON, "json", false, "Output raw JSON")

	chatSendCmd.Flags().StringVar(&chatSendReplyTo, "reply-to", "", "Message id to reply to")
	chatSendCmd.Flags().BoolVar(&chatSendJSON, "json", false, "Output raw JSON")

	chatOnlineCmd.Flags().BoolVar(&chatOnlineJSON, "json", false, "Output raw JSON")
	chatMembersCmd.Flags().BoolVar(&chatMembersJSON, "json", false, "Output raw JSON")

	chatCmd.AddCommand(chatHistoryCmd)
	chatCmd.AddCommand(chatSendCmd)
	chatCmd.AddCommand(chatWatchCmd)
	chatCmd.AddCommand(chatOnlineCmd)
	chatCmd.AddCommand(chatMembersCmd)

	rootCmd.AddCommand(chatCmd)
}

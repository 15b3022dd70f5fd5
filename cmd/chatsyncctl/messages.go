package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/chat"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(sendCmd, messagesCmd, conversationsCmd, readCmd, editCmd, deleteCmd)
	sendCmd.Flags().String("from", "", "sender id")
	sendCmd.Flags().String("to", "", "recipient id")
	sendCmd.Flags().String("client-id", "", "idempotency key (generated when empty)")
	sendCmd.Flags().Bool("wait", false, "attempt delivery before returning")
	messagesCmd.Flags().Int("limit", 50, "page size")
	messagesCmd.Flags().Int64("before", 0, "unix ms cursor")
	conversationsCmd.Flags().Int("limit", 50, "page size")
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation> <text...>",
	Short: "Queue a text message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		from, _ := cmd.Flags().GetString("from")
		to, _ := cmd.Flags().GetString("to")
		clientID, _ := cmd.Flags().GetString("client-id")
		wait, _ := cmd.Flags().GetBool("wait")
		return withClient(func(ctx context.Context, c *api.Client) error {
			res, err := c.SendMessage(ctx, &api.SendMessageRequest{
				Request: intsync.SendRequest{
					ConversationID: args[0],
					SenderID:       from,
					RecipientID:    to,
					Body:           chat.Body{Text: strings.Join(args[1:], " ")},
					ClientID:       clientID,
				},
				Options: intsync.SendOptions{Wait: wait},
			})
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(res)
				return nil
			}
			fmt.Printf("Queued %s (placeholder %s, delivered %v)\n", res.QueueID, res.OptimisticID, res.Delivered)
			return nil
		})
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation>",
	Short: "List a conversation, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		before, _ := cmd.Flags().GetInt64("before")
		return withClient(func(ctx context.Context, c *api.Client) error {
			resp, err := c.GetMessages(ctx, &api.GetMessagesRequest{ConversationID: args[0], Limit: limit, Before: before})
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(resp)
				return nil
			}
			for _, m := range resp.Messages {
				text := m.Body.Text
				if m.Body.Media != nil && text == "" {
					text = "[" + string(m.Body.Media.Kind) + "]"
				}
				fmt.Printf("%s  %-40s %-9s %-12s %s\n", time.UnixMilli(m.CreatedAt).Format("2006-01-02 15:04"), m.ID, m.Status, m.SenderID, text)
			}
			return nil
		})
	},
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withClient(func(ctx context.Context, c *api.Client) error {
			resp, err := c.ListConversations(ctx, &api.ListConversationsRequest{Limit: limit})
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(resp)
				return nil
			}
			if len(resp.Conversations) == 0 {
				fmt.Println("No conversations found.")
				return nil
			}
			for _, cv := range resp.Conversations {
				fmt.Printf("%-24s unread=%-3d %s\n", cv.ID, cv.UnreadCount, cv.LastMessagePreview)
			}
			return nil
		})
	},
}

var readCmd = &cobra.Command{
	Use:   "read <conversation> <message-id...>",
	Short: "Mark messages read",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			resp, err := c.MarkRead(ctx, &api.MarkReadRequest{ConversationID: args[0], MessageIDs: args[1:]})
			return printAction(resp, err)
		})
	},
}

var editCmd = &cobra.Command{
	Use:   "edit <conversation> <message-id> <text...>",
	Short: "Replace a message body",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			resp, err := c.UpdateMessage(ctx, &api.UpdateMessageRequest{
				ConversationID: args[0],
				MessageID:      args[1],
				Body:           chat.Body{Text: strings.Join(args[2:], " ")},
			})
			return printAction(resp, err)
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <conversation> <message-id>",
	Short: "Delete a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			resp, err := c.DeleteMessage(ctx, &api.MessageRequest{ConversationID: args[0], MessageID: args[1]})
			return printAction(resp, err)
		})
	},
}

func printAction(resp *api.ActionResponse, err error) error {
	if err != nil {
		return err
	}
	if jsonFlag {
		outputJSON(resp)
		return nil
	}
	if resp.QueueID == "" {
		fmt.Println("Applied locally")
		return nil
	}
	fmt.Println("Queued " + resp.QueueID)
	return nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

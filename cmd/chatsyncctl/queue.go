package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd, drainCmd, retryCmd, clearFailedCmd, syncCmd, onlineCmd, watchCmd)
	retryCmd.Flags().Bool("all", false, "retry every failed item")
	syncCmd.Flags().String("conversation", "", "sync a single conversation")
	onlineCmd.Flags().Bool("foreground", true, "report the app as foregrounded")
	watchCmd.Flags().String("namespace", "", "event kind prefix, e.g. queue.")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connectivity, queue counts and health",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			st, err := c.GetStatus(ctx)
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(st)
				return nil
			}
			q := st.QueueStats
			fmt.Printf("State:      %s\n", st.State)
			fmt.Printf("Online:     %v\n", st.IsOnline)
			fmt.Printf("Health:     %s\n", st.Health)
			fmt.Printf("Messages:   %d pending, %d sending, %d sent, %d failed\n", q.Pending, q.Sending, q.Sent, q.Failed)
			fmt.Printf("Actions:    %d pending, %d processing, %d failed\n", q.ActionsPending, q.ActionsProcessing, q.ActionsFailed)
			fmt.Printf("Optimistic: %d\n", st.OptimisticMessageCount)
			fmt.Printf("Retries:    %d scheduled\n", st.ScheduledRetries)
			if q.OldestPendingAt > 0 {
				fmt.Printf("Oldest:     %s\n", time.UnixMilli(q.OldestPendingAt).Format(time.RFC3339))
			}
			for _, it := range st.FailedMessages {
				fmt.Printf("  failed %s  %s  retries=%d  %s\n", it.QueueID, it.Message.ConversationID, it.RetryCount, it.Error)
			}
			for _, it := range st.FailedActions {
				fmt.Printf("  failed %s  %s  retries=%d  %s\n", it.QueueID, it.Action.Kind(), it.RetryCount, it.Error)
			}
			return nil
		})
	},
}

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Run one queue drain now",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			st, err := c.ProcessQueue(ctx)
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(st)
				return nil
			}
			if !st.Ran {
				fmt.Println("Drain already running or offline.")
				return nil
			}
			fmt.Printf("Attempted %d, delivered %d, failed %d, deferred %d\n", st.Attempted, st.Delivered, st.Failed, st.Deferred)
			return nil
		})
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry [queue-id]",
	Short: "Retry a failed item, or every failed item with --all",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		if !all && len(args) == 0 {
			return fmt.Errorf("give a queue id or --all")
		}
		return withClient(func(ctx context.Context, c *api.Client) error {
			if all {
				n, err := c.RetryAllFailed(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Retried %d items\n", n)
				return nil
			}
			ok, err := c.RetryMessage(ctx, args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("queue item %s not found or in flight", args[0])
			}
			fmt.Println("Retried " + args[0])
			return nil
		})
	},
}

var clearFailedCmd = &cobra.Command{
	Use:   "clear-failed",
	Short: "Drop failed messages and their placeholders",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			n, err := c.ClearFailedMessages(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Cleared %d messages\n", n)
			return nil
		})
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Drain the queue and pull new messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		conv, _ := cmd.Flags().GetString("conversation")
		return withClient(func(ctx context.Context, c *api.Client) error {
			if err := c.Sync(ctx, conv); err != nil {
				return err
			}
			fmt.Println("Sync completed")
			return nil
		})
	},
}

var onlineCmd = &cobra.Command{
	Use:   "online <true|false>",
	Short: "Report network reachability to the daemon",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		network, err := strconv.ParseBool(args[0])
		if err != nil {
			return err
		}
		foreground, _ := cmd.Flags().GetBool("foreground")
		return withClient(func(ctx context.Context, c *api.Client) error {
			resp, err := c.SetConnectivity(ctx, &api.ConnectivityRequest{Network: &network, Foreground: &foreground})
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(resp)
				return nil
			}
			fmt.Printf("Online: %v\n", resp.Online)
			return nil
		})
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream daemon events until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ns, _ := cmd.Flags().GetString("namespace")
		c, err := dial()
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		ctx, stop := signalContext(context.Background())
		defer stop()
		return c.WatchEvents(ctx, ns, func(e *api.EventEnvelope) error {
			if jsonFlag {
				outputJSON(e)
				return nil
			}
			fmt.Printf("%s  %-24s %s\n", time.UnixMilli(e.OccurredAtUnixMs).Format("15:04:05.000"), e.Kind, e.Payload)
			return nil
		})
	},
}

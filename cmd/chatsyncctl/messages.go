package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/types/known/structpb"
)

func init() {
	sendCmd.Flags().StringVar(&correlationFlag, "id", "", "correlation id to reuse (idempotent resend)")
	rootCmd.AddCommand(sendCmd, messagesCmd, watchCmd, readCmd, retryCmd, discardCmd, typingCmd)
}

var correlationFlag string

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text...>",
	Short: "Send a message; it is queued locally when offline",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			fields := map[string]any{
				"conversation_id": args[0],
				"content":         strings.Join(args[1:], " "),
			}
			if correlationFlag != "" {
				fields["correlation_id"] = correlationFlag
			}
			resp, err := c.Call(ctx, "Send", fields)
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(resp)
				return nil
			}
			fmt.Printf("%s %s\n", str(resp, "correlation_id"), str(resp, "status"))
			return nil
		})
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "List the local copy of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			resp, err := c.ListMessages(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(resp)
				return nil
			}
			msgs := list(resp, "messages")
			if len(msgs) == 0 {
				fmt.Println("No messages.")
				return nil
			}
			for _, m := range msgs {
				printMessage(m)
			}
			return nil
		})
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <conversation-id>",
	Short: "Stream conversation snapshots as they change",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, err := sessionName()
		if err != nil {
			return err
		}
		c, err := dialSession(name)
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		return c.Watch(cmd.Context(), "Observe", map[string]any{"conversation_id": args[0]}, func(env *structpb.Struct) error {
			if jsonFlag {
				outputJSON(env)
				return nil
			}
			payload := env.GetFields()["payload"].GetStructValue()
			fmt.Printf("--- %s (%d messages)\n", str(env, "kind"), len(list(payload, "messages")))
			for _, m := range list(payload, "messages") {
				printMessage(m)
			}
			return nil
		})
	},
}

var readCmd = &cobra.Command{
	Use:   "read <message-id...>",
	Short: "Mark server message ids as read",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			resp, err := c.MarkRead(ctx, args)
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(resp)
				return nil
			}
			for _, key := range []string{"committed", "skipped", "failed"} {
				var ids []string
				for _, v := range resp.GetFields()[key].GetListValue().GetValues() {
					ids = append(ids, v.GetStringValue())
				}
				fmt.Printf("%-10s %s\n", key+":", strings.Join(ids, ", "))
			}
			return nil
		})
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <correlation-id>",
	Short: "Re-queue a failed message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			if _, err := c.Retry(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("%s re-queued\n", args[0])
			return nil
		})
	},
}

var discardCmd = &cobra.Command{
	Use:   "discard <correlation-id>",
	Short: "Abandon a failed message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			if _, err := c.Discard(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("%s discarded\n", args[0])
			return nil
		})
	},
}

var typingCmd = &cobra.Command{
	Use:   "typing <conversation-id> <on|off>",
	Short: "Publish the session user's typing state",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var typing bool
		switch args[1] {
		case "on":
			typing = true
		case "off":
		default:
			return fmt.Errorf("typing state must be on or off, got %q", args[1])
		}
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			_, err := c.SetTyping(ctx, args[0], typing)
			return err
		})
	},
}

func printMessage(m *structpb.Struct) {
	at := str(m, "created_at")
	if at == "" {
		at = str(m, "local_sent_at")
	}
	fmt.Printf("%-30s %-10s %-12s %s\n", at, str(m, "status"), str(m, "sender_id"), str(m, "content"))
}

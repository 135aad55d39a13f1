package main

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/types/known/structpb"
)

var watchPreviewsFlag bool

func init() {
	previewsCmd.Flags().BoolVarP(&watchPreviewsFlag, "watch", "w", false, "keep streaming the list as it changes")
	rootCmd.AddCommand(statusCmd, drainCmd, previewsCmd, sessionsCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show session status",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			resp, err := c.Status(ctx)
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(resp)
				return nil
			}
			online := "offline"
			if resp.GetFields()["online"].GetBoolValue() {
				online = "online"
			}
			fmt.Printf("Session: %s\n", str(resp, "session"))
			fmt.Printf("User:    %s\n", str(resp, "user_id"))
			fmt.Printf("Status:  %s (%s)\n", str(resp, "status"), online)
			fmt.Printf("Uptime:  %s\n", (time.Duration(num(resp, "uptime_ms")) * time.Millisecond).Round(time.Second))
			return nil
		})
	},
}

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Submit pending outbox entries now",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			resp, err := c.Drain(ctx)
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(resp)
				return nil
			}
			if resp.GetFields()["offline"].GetBoolValue() {
				fmt.Println("Offline: nothing attempted.")
				return nil
			}
			fmt.Printf("Attempted: %d  Synced: %d  Failed: %d  In flight: %d\n",
				num(resp, "attempted"), num(resp, "synced"), num(resp, "failed"), num(resp, "in_flight"))
			return nil
		})
	},
}

var previewsCmd = &cobra.Command{
	Use:   "previews",
	Short: "List conversations with their last message and unread count",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if watchPreviewsFlag {
			name, err := sessionName()
			if err != nil {
				return err
			}
			c, err := dialSession(name)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()
			return c.Watch(cmd.Context(), "WatchPreviews", nil, func(env *structpb.Struct) error {
				if jsonFlag {
					outputJSON(env)
					return nil
				}
				fmt.Println("---")
				printPreviews(env.GetFields()["payload"].GetStructValue())
				return nil
			})
		}
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			resp, err := c.Previews(ctx)
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(resp)
				return nil
			}
			printPreviews(resp)
			return nil
		})
	},
}

func printPreviews(s *structpb.Struct) {
	rows := list(s, "previews")
	if len(rows) == 0 {
		fmt.Println("No conversations.")
		return
	}
	for _, p := range rows {
		title := str(p, "title")
		if title == "" {
			title = str(p, "conversation_id")
		}
		last := ""
		if m := p.GetFields()["last_message"].GetStructValue(); m != nil {
			last = str(m, "content")
		}
		fmt.Printf("%-24s %3d  %s\n", title, num(p, "unread_count"), last)
	}
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List known sessions and whether their daemon is running",
	RunE: func(_ *cobra.Command, _ []string) error {
		names, err := session.List()
		if err != nil {
			return err
		}
		if len(names) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}
		for _, name := range names {
			state := "stopped"
			owner, held, err := lock.Inspect(session.Dir(name))
			switch {
			case err != nil:
				state = "unknown: " + err.Error()
			case held:
				state = fmt.Sprintf("running (pid %d)", owner.PID)
			}
			fmt.Printf("%-20s %s (%s)\n", name, session.Dir(name), state)
		}
		return nil
	},
}

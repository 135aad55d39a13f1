package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	sessionFlag string
	jsonFlag    bool
	timeoutFlag time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "chatsyncctl",
	Short: "Control a chatsync session daemon",
	Long: "Command-line client for chatsyncd.\n" +
		"Sends messages, inspects conversations and manages the outbox of a running session.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&sessionFlag, "session", "", "session name (overrides config default)")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().DurationVar(&timeoutFlag, "timeout", 10*time.Second, "deadline for unary calls")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// sessionName resolves and validates the target session.
func sessionName() (string, error) {
	name := session.Resolve(sessionFlag)
	if err := session.ValidateName(name); err != nil {
		return "", err
	}
	return name, nil
}

// withClient dials the session daemon and runs fn under the unary timeout.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *api.Client) error) error {
	name, err := sessionName()
	if err != nil {
		return err
	}
	c, err := dialSession(name)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeoutFlag)
	defer cancel()
	return fn(ctx, c)
}

func dialSession(name string) (*api.Client, error) {
	c, err := api.Dial(session.SocketPath(name))
	if err != nil {
		return nil, fmt.Errorf("cannot connect to daemon for session %q: %w", name, err)
	}
	return c, nil
}

func outputJSON(s *structpb.Struct) {
	data, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(s)
	if err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

func str(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func num(s *structpb.Struct, key string) int64 {
	return int64(s.GetFields()[key].GetNumberValue())
}

func list(s *structpb.Struct, key string) []*structpb.Struct {
	var out []*structpb.Struct
	for _, v := range s.GetFields()[key].GetListValue().GetValues() {
		if sv := v.GetStructValue(); sv != nil {
			out = append(out, sv)
		}
	}
	return out
}

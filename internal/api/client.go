package api

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client wraps the gRPC connection to a session daemon.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon's Unix domain socket. The connection is
// established lazily on the first call.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Call invokes a unary method with the given request fields.
func (c *Client) Call(ctx context.Context, method string, fields map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, FullMethod(method), in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Send(ctx context.Context, conversationID, content string) (*structpb.Struct, error) {
	return c.Call(ctx, "Send", map[string]any{"conversation_id": conversationID, "content": content})
}

func (c *Client) ListMessages(ctx context.Context, conversationID string) (*structpb.Struct, error) {
	return c.Call(ctx, "ListMessages", map[string]any{"conversation_id": conversationID})
}

func (c *Client) MarkRead(ctx context.Context, messageIDs []string) (*structpb.Struct, error) {
	return c.Call(ctx, "MarkRead", map[string]any{"message_ids": toAnySlice(messageIDs)})
}

func (c *Client) Retry(ctx context.Context, correlationID string) (*structpb.Struct, error) {
	return c.Call(ctx, "Retry", map[string]any{"correlation_id": correlationID})
}

func (c *Client) Discard(ctx context.Context, correlationID string) (*structpb.Struct, error) {
	return c.Call(ctx, "Discard", map[string]any{"correlation_id": correlationID})
}

func (c *Client) Previews(ctx context.Context) (*structpb.Struct, error) {
	return c.Call(ctx, "Previews", nil)
}

func (c *Client) Status(ctx context.Context) (*structpb.Struct, error) {
	return c.Call(ctx, "Status", nil)
}

func (c *Client) Drain(ctx context.Context) (*structpb.Struct, error) {
	return c.Call(ctx, "Drain", nil)
}

func (c *Client) SetTyping(ctx context.Context, conversationID string, typing bool) (*structpb.Struct, error) {
	return c.Call(ctx, "SetTyping", map[string]any{"conversation_id": conversationID, "typing": typing})
}

// Watch opens a server stream and calls fn for every envelope until the
// stream ends, ctx is done or fn returns an error.
func (c *Client) Watch(ctx context.Context, method string, fields map[string]any, fn func(*structpb.Struct) error) error {
	var desc *grpc.StreamDesc
	for i := range ServiceDesc.Streams {
		if ServiceDesc.Streams[i].StreamName == method {
			desc = &ServiceDesc.Streams[i]
		}
	}
	if desc == nil {
		return fmt.Errorf("unknown stream %q", method)
	}

	in, err := structpb.NewStruct(fields)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	stream, err := c.conn.NewStream(ctx, desc, FullMethod(method))
	if err != nil {
		return err
	}
	if err := stream.SendMsg(in); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		env := new(structpb.Struct)
		if err := stream.RecvMsg(env); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(env); err != nil {
			return err
		}
	}
}

// Package api exposes the sync engine over gRPC on the session socket.
package api

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/engine"
	"github.com/matheus3301/chatsync/internal/errs"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/receipt"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Engine is the part of engine.Engine the service drives.
type Engine interface {
	UserID() string
	Status() status.State
	Online() bool
	Send(content, conversationID string) store.Message
	SendWithID(correlationID, content, conversationID string) store.Message
	Messages(conversationID string) ([]store.Message, error)
	Previews() ([]store.Preview, error)
	MarkRead(ctx context.Context, messageIDs []string) receipt.Result
	Retry(correlationID string) error
	Discard(correlationID string) error
	Drain(ctx context.Context) (outbox.Result, error)
	SetTyping(ctx context.Context, conversationID string, typing bool) error
	Observe(conversationID string) (<-chan []store.Message, func())
	ConversationPreviews() (<-chan []store.Preview, func())
	OpenConversation(ctx context.Context, conversationID string) (*engine.View, error)
}

// Service implements ChatSyncServer on top of an Engine.
type Service struct {
	sessionName string
	startedAt   time.Time
	engine      Engine
	logger      *zap.Logger
}

func NewService(sessionName string, e Engine, logger *zap.Logger) *Service {
	return &Service{
		sessionName: sessionName,
		startedAt:   time.Now(),
		engine:      e,
		logger:      logger,
	}
}

func (s *Service) Send(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	conversationID := stringField(in, "conversation_id")
	if conversationID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation_id is required")
	}
	content := stringField(in, "content")

	var m store.Message
	if corr := stringField(in, "correlation_id"); corr != "" {
		m = s.engine.SendWithID(corr, content, conversationID)
	} else {
		m = s.engine.Send(content, conversationID)
	}
	return newStruct(messageFields(m))
}

func (s *Service) ListMessages(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	conversationID := stringField(in, "conversation_id")
	if conversationID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation_id is required")
	}
	msgs, err := s.engine.Messages(conversationID)
	if err != nil {
		return nil, toStatus(err, "list messages")
	}
	return newStruct(map[string]any{"messages": messageList(msgs)})
}

func (s *Service) MarkRead(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	ids := stringList(in, "message_ids")
	if len(ids) == 0 {
		return nil, grpcstatus.Error(codes.InvalidArgument, "message_ids is required")
	}
	res := s.engine.MarkRead(ctx, ids)
	return newStruct(map[string]any{
		"committed": toAnySlice(res.Committed),
		"skipped":   toAnySlice(res.Skipped),
		"failed":    toAnySlice(res.Failed),
	})
}

func (s *Service) Retry(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	corr := stringField(in, "correlation_id")
	if corr == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "correlation_id is required")
	}
	if err := s.engine.Retry(corr); err != nil {
		return nil, toStatus(err, "retry")
	}
	return newStruct(map[string]any{"correlation_id": corr})
}

func (s *Service) Discard(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	corr := stringField(in, "correlation_id")
	if corr == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "correlation_id is required")
	}
	if err := s.engine.Discard(corr); err != nil {
		return nil, toStatus(err, "discard")
	}
	return newStruct(map[string]any{"correlation_id": corr})
}

func (s *Service) Previews(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	previews, err := s.engine.Previews()
	if err != nil {
		return nil, toStatus(err, "previews")
	}
	return newStruct(map[string]any{"previews": previewList(previews)})
}

func (s *Service) Status(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return newStruct(map[string]any{
		"session":   s.sessionName,
		"status":    string(s.engine.Status()),
		"user_id":   s.engine.UserID(),
		"online":    s.engine.Online(),
		"uptime_ms": time.Since(s.startedAt).Milliseconds(),
	})
}

func (s *Service) Drain(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	res, err := s.engine.Drain(ctx)
	if err != nil {
		return nil, toStatus(err, "drain")
	}
	return newStruct(map[string]any{
		"attempted": res.Attempted,
		"synced":    res.Synced,
		"failed":    res.Failed,
		"in_flight": res.InFlight,
		"offline":   res.Offline,
	})
}

func (s *Service) SetTyping(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	conversationID := stringField(in, "conversation_id")
	if conversationID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation_id is required")
	}
	typing := boolField(in, "typing")
	if err := s.engine.SetTyping(ctx, conversationID, typing); err != nil {
		return nil, toStatus(err, "set typing")
	}
	return newStruct(map[string]any{"conversation_id": conversationID, "typing": typing})
}

// Observe keeps the conversation's realtime scopes open for the lifetime of
// the stream and sends a snapshot after every change.
func (s *Service) Observe(in *structpb.Struct, stream grpc.ServerStream) error {
	conversationID := stringField(in, "conversation_id")
	if conversationID == "" {
		return grpcstatus.Error(codes.InvalidArgument, "conversation_id is required")
	}
	ctx := stream.Context()

	view, err := s.engine.OpenConversation(ctx, conversationID)
	if err != nil {
		s.logger.Debug("observe rejected", zap.String("conversation_id", conversationID), zap.Error(err))
		return toStatus(err, "open conversation")
	}
	defer view.Close()

	snapshots, cancel := s.engine.Observe(conversationID)
	defer cancel()

	for {
		select {
		case msgs, ok := <-snapshots:
			if !ok {
				return nil
			}
			env, err := envelope("messages.snapshot", map[string]any{
				"conversation_id": conversationID,
				"messages":        messageList(msgs),
			})
			if err != nil {
				return grpcstatus.Errorf(codes.Internal, "%v", err)
			}
			if err := stream.SendMsg(env); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Service) WatchPreviews(_ *structpb.Struct, stream grpc.ServerStream) error {
	ctx := stream.Context()
	snapshots, cancel := s.engine.ConversationPreviews()
	defer cancel()

	for {
		select {
		case previews, ok := <-snapshots:
			if !ok {
				return nil
			}
			env, err := envelope("previews.snapshot", map[string]any{"previews": previewList(previews)})
			if err != nil {
				return grpcstatus.Errorf(codes.Internal, "%v", err)
			}
			if err := stream.SendMsg(env); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func envelope(kind string, payload map[string]any) (*structpb.Struct, error) {
	return newStruct(map[string]any{
		"event_id":            uuid.New().String(),
		"occurred_at_unix_ms": time.Now().UnixMilli(),
		"kind":                kind,
		"payload":             payload,
		"payload_version":     1,
	})
}

// toStatus maps store and classified errors onto gRPC codes.
func toStatus(err error, op string) error {
	var code codes.Code
	switch {
	case errors.Is(err, store.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, outbox.ErrInFlight):
		code = codes.FailedPrecondition
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	default:
		switch errs.KindOf(err) {
		case errs.Authorization:
			code = codes.PermissionDenied
		case errs.Permanent:
			code = codes.InvalidArgument
		case errs.Conflict:
			code = codes.AlreadyExists
		default:
			code = codes.Unavailable
		}
	}
	return grpcstatus.Errorf(code, "%s: %v", op, err)
}

package api

import (
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/store"
	"google.golang.org/protobuf/types/known/structpb"
)

func messageFields(m store.Message) map[string]any {
	fields := map[string]any{
		"correlation_id":  m.CorrelationID,
		"server_id":       m.ServerID,
		"conversation_id": m.ConversationID,
		"sender_id":       m.SenderID,
		"content":         m.Content,
		"status":          string(m.Status),
		"local_sent_at":   formatTime(m.LocalSentAt),
	}
	if !m.CreatedAt.IsZero() {
		fields["created_at"] = formatTime(m.CreatedAt)
	}
	return fields
}

func messageList(msgs []store.Message) []any {
	out := make([]any, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageFields(m))
	}
	return out
}

func previewList(previews []store.Preview) []any {
	out := make([]any, 0, len(previews))
	for _, p := range previews {
		fields := map[string]any{
			"conversation_id": p.ConversationID,
			"title":           p.Title,
			"unread_count":    p.UnreadCount,
			"last_activity":   formatTime(p.LastActivity),
		}
		if p.LastMessage != nil {
			fields["last_message"] = messageFields(*p.LastMessage)
		}
		out = append(out, fields)
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func newStruct(fields map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return s, nil
}

func stringField(in *structpb.Struct, key string) string {
	if in == nil {
		return ""
	}
	return in.GetFields()[key].GetStringValue()
}

func boolField(in *structpb.Struct, key string) bool {
	if in == nil {
		return false
	}
	return in.GetFields()[key].GetBoolValue()
}

func stringList(in *structpb.Struct, key string) []string {
	if in == nil {
		return nil
	}
	var out []string
	for _, v := range in.GetFields()[key].GetListValue().GetValues() {
		if s := v.GetStringValue(); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

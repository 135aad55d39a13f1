package metrics

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestSplitFullMethod(t *testing.T) {
	service, method := splitFullMethod("/chatsync.v1.ChatSync/Send")
	assert.Equal(t, "chatsync.v1.ChatSync", service)
	assert.Equal(t, "Send", method)

	service, method = splitFullMethod("bogus")
	assert.Equal(t, "unknown", service)
	assert.Equal(t, "unknown", method)
}

func TestUnaryInterceptorCountsCodes(t *testing.T) {
	interceptor := GRPCServerMetricsUnaryInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/chatsync.v1.ChatSync/Retry"}

	before := testutil.ToFloat64(grpcServerHandledTotal.WithLabelValues("chatsync.v1.ChatSync", "Retry", codes.NotFound.String()))
	_, err := interceptor(context.Background(), nil, info, func(context.Context, any) (any, error) {
		return nil, status.Error(codes.NotFound, "no such entry")
	})
	assert.Error(t, err)
	after := testutil.ToFloat64(grpcServerHandledTotal.WithLabelValues("chatsync.v1.ChatSync", "Retry", codes.NotFound.String()))
	assert.Equal(t, before+1, after)
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(outboxResultsTotal.WithLabelValues("synced"))
	IncOutboxResult("synced")
	assert.Equal(t, before+1, testutil.ToFloat64(outboxResultsTotal.WithLabelValues("synced")))

	IncActiveSubscriptions()
	IncActiveSubscriptions()
	DecActiveSubscriptions()
	assert.GreaterOrEqual(t, testutil.ToFloat64(activeSubscriptions), 1.0)
}

package metrics

import (
	"context"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

var (
	outboxResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_outbox_results_total",
			Help: "Outbox submissions by result.",
		},
		[]string{"result"},
	)
	realtimeEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_realtime_events_total",
			Help: "Changefeed events handled by the reconciler.",
		},
		[]string{"kind", "outcome"},
	)
	activeSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_realtime_active_subscriptions",
			Help: "Number of changefeed subscriptions in the active state.",
		},
	)
	resubscribesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_realtime_resubscribes_total",
			Help: "Subscription joins retried after a failure or a dropped connection.",
		},
	)
	receiptResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_receipt_results_total",
			Help: "Read/delivered receipt writes by kind and result.",
		},
		[]string{"kind", "result"},
	)
	grpcServerHandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_grpc_server_handled_total",
			Help: "Total number of gRPC requests handled by the daemon.",
		},
		[]string{"grpc_service", "grpc_method", "grpc_code"},
	)
)

func init() {
	prometheus.MustRegister(
		outboxResultsTotal,
		realtimeEventsTotal,
		activeSubscriptions,
		resubscribesTotal,
		receiptResultsTotal,
		grpcServerHandledTotal,
	)
}

func IncOutboxResult(result string) {
	outboxResultsTotal.WithLabelValues(result).Inc()
}

func IncRealtimeEvent(kind, outcome string) {
	realtimeEventsTotal.WithLabelValues(kind, outcome).Inc()
}

func IncActiveSubscriptions() {
	activeSubscriptions.Inc()
}

func DecActiveSubscriptions() {
	activeSubscriptions.Dec()
}

func IncResubscribe() {
	resubscribesTotal.Inc()
}

func IncReceiptResult(kind, result string) {
	receiptResultsTotal.WithLabelValues(kind, result).Inc()
}

func GRPCServerMetricsUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		service, method := splitFullMethod(info.FullMethod)
		grpcServerHandledTotal.WithLabelValues(service, method, status.Code(err).String()).Inc()
		return resp, err
	}
}

func splitFullMethod(fullMethod string) (string, string) {
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 3 {
		return "unknown", "unknown"
	}
	return parts[1], parts[2]
}

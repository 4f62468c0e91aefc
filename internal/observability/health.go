package observability

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// HealthChecker tracks named readiness conditions and reports them over
// the grpc health service and an HTTP mux that also carries /metrics.
// The process is ready while every registered condition holds and no
// shutdown has begun.
type HealthChecker struct {
	grpcHealth *health.Server
	httpServer *http.Server
	logger     *zap.Logger

	mu         sync.Mutex
	conditions map[string]bool
	draining   bool
}

// NewHealthChecker creates a checker with no conditions registered.
func NewHealthChecker(logger *zap.Logger) *HealthChecker {
	return &HealthChecker{
		grpcHealth: health.NewServer(),
		logger:     logger,
		conditions: make(map[string]bool),
	}
}

// RegisterGRPC attaches the health service to a gRPC server.
func (h *HealthChecker) RegisterGRPC(s *grpc.Server) {
	grpc_health_v1.RegisterHealthServer(s, h.grpcHealth)
	h.grpcHealth.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
}

// SetCondition registers or updates one named readiness condition.
func (h *HealthChecker) SetCondition(name string, ok bool) {
	h.mu.Lock()
	h.conditions[name] = ok
	ready := h.readyLocked()
	h.mu.Unlock()

	status := grpc_health_v1.HealthCheckResponse_SERVING
	if !ready {
		status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	h.grpcHealth.SetServingStatus("", status)
}

// readyLocked reports overall readiness. Callers hold mu.
func (h *HealthChecker) readyLocked() bool {
	if h.draining {
		return false
	}
	for _, ok := range h.conditions {
		if !ok {
			return false
		}
	}
	return true
}

// failing returns the names of conditions currently not holding.
func (h *HealthChecker) failing() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	if h.draining {
		out = append(out, "draining")
	}
	for name, ok := range h.conditions {
		if !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// StartHTTPServer serves /healthz and /metrics until shutdown.
func (h *HealthChecker) StartHTTPServer(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())

	h.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	h.logger.Info("starting HTTP health server", zap.String("addr", addr))
	return h.httpServer.ListenAndServe()
}

// Shutdown flips the checker to draining and stops the HTTP server.
func (h *HealthChecker) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.draining = true
	h.mu.Unlock()
	h.grpcHealth.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	if h.httpServer != nil {
		return h.httpServer.Shutdown(ctx)
	}
	return nil
}

func (h *HealthChecker) handleHealthz(w http.ResponseWriter, r *http.Request) {
	failing := h.failing()
	if len(failing) == 0 {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte("NOT_READY: " + strings.Join(failing, ", ")))
}

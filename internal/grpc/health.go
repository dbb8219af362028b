package server

import (
	"context"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/bagaspng/Moisture-Sense-Dashboard/internal/state"
)

// DeviceService is the health service name that reflects the device link.
const DeviceService = "moissense.Device"

// HealthChecker implements the gRPC health checking protocol
type HealthChecker struct {
	grpc_health_v1.UnimplementedHealthServer
	validator *RequestValidator

	mu       sync.RWMutex
	shutdown bool
	status   map[string]grpc_health_v1.HealthCheckResponse_ServingStatus
	watchers map[string]map[chan grpc_health_v1.HealthCheckResponse_ServingStatus]struct{}
}

// NewHealthChecker returns a checker where the overall server ("") is
// SERVING and the device service is NOT_SERVING until Follow says otherwise.
func NewHealthChecker() *HealthChecker {
	h := &HealthChecker{
		validator: NewRequestValidator(),
		status:    make(map[string]grpc_health_v1.HealthCheckResponse_ServingStatus),
		watchers:  make(map[string]map[chan grpc_health_v1.HealthCheckResponse_ServingStatus]struct{}),
	}
	h.status[""] = grpc_health_v1.HealthCheckResponse_SERVING
	h.status[DeviceService] = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	return h
}

func (h *HealthChecker) Check(ctx context.Context, req *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	if err := h.validator.Validate(req.GetService()); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if s, ok := h.status[req.GetService()]; ok {
		return &grpc_health_v1.HealthCheckResponse{Status: s}, nil
	}
	return nil, status.Error(codes.NotFound, "unknown service")
}

// Watch sends the current status of the requested service and then every
// change until the client goes away. Unknown services report
// SERVICE_UNKNOWN.
func (h *HealthChecker) Watch(req *grpc_health_v1.HealthCheckRequest, stream grpc_health_v1.Health_WatchServer) error {
	service := req.GetService()
	if err := h.validator.Validate(service); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	updates := make(chan grpc_health_v1.HealthCheckResponse_ServingStatus, 1)

	h.mu.Lock()
	current, ok := h.status[service]
	if !ok {
		current = grpc_health_v1.HealthCheckResponse_SERVICE_UNKNOWN
	}
	if h.watchers[service] == nil {
		h.watchers[service] = make(map[chan grpc_health_v1.HealthCheckResponse_ServingStatus]struct{})
	}
	h.watchers[service][updates] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.watchers[service], updates)
		h.mu.Unlock()
	}()

	if err := stream.Send(&grpc_health_v1.HealthCheckResponse{Status: current}); err != nil {
		return err
	}

	last := current
	for {
		select {
		case s := <-updates:
			if s == last {
				continue
			}
			last = s
			if err := stream.Send(&grpc_health_v1.HealthCheckResponse{Status: s}); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return status.Error(codes.Canceled, "stream has ended")
		}
	}
}

// SetServingStatus sets the serving status of a service. It is a no-op
// after Shutdown.
func (h *HealthChecker) SetServingStatus(service string, s grpc_health_v1.HealthCheckResponse_ServingStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.shutdown {
		return
	}
	h.setLocked(service, s)
}

// Shutdown reports every service as NOT_SERVING and freezes the statuses,
// so that clients drain before the server stops.
func (h *HealthChecker) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.shutdown = true
	for service := range h.status {
		h.setLocked(service, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	}
}

func (h *HealthChecker) setLocked(service string, s grpc_health_v1.HealthCheckResponse_ServingStatus) {
	if prev, ok := h.status[service]; ok && prev == s {
		return
	}
	h.status[service] = s
	for ch := range h.watchers[service] {
		// latest wins
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
}

// Follow keeps DeviceService in line with the store until ctx is done: it
// is SERVING while the device is connected and the last successful poll is
// younger than maxAge. The store is re-checked every recheck even without
// updates so that staleness is noticed.
func (h *HealthChecker) Follow(ctx context.Context, store *state.Store, maxAge, recheck time.Duration) {
	updates, cancel := store.Subscribe()
	defer cancel()

	if recheck <= 0 {
		recheck = time.Second
	}
	ticker := time.NewTicker(recheck)
	defer ticker.Stop()

	h.evaluate(store.Current(), maxAge)
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-updates:
			if !ok {
				return
			}
			h.evaluate(st, maxAge)
		case <-ticker.C:
			h.evaluate(store.Current(), maxAge)
		}
	}
}

func (h *HealthChecker) evaluate(st state.State, maxAge time.Duration) {
	s := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if st.Connectivity.Connected && !st.Stale(time.Now(), maxAge) {
		s = grpc_health_v1.HealthCheckResponse_SERVING
	}
	h.SetServingStatus(DeviceService, s)
}

var _ grpc_health_v1.HealthServer = (*HealthChecker)(nil)

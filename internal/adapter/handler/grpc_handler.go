package handler

import (
	"context"
	"sort"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

const checkTimeout = 2 * time.Second

// CheckFunc reports whether one dependency is reachable.
type CheckFunc func(ctx context.Context) error

// HealthChecker runs named dependency checks concurrently.
type HealthChecker struct {
	checks map[string]CheckFunc
}

func NewHealthChecker(checks map[string]CheckFunc) *HealthChecker {
	return &HealthChecker{checks: checks}
}

// Run returns the error of every check, nil for healthy ones.
func (c *HealthChecker) Run(ctx context.Context) map[string]error {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]error, len(c.checks))
	)
	for name, check := range c.checks {
		wg.Add(1)
		go func(name string, check CheckFunc) {
			defer wg.Done()
			err := check(ctx)
			mu.Lock()
			results[name] = err
			mu.Unlock()
		}(name, check)
	}
	wg.Wait()
	return results
}

// Report renders Run as a JSON-friendly map and an overall verdict.
func (c *HealthChecker) Report(ctx context.Context) (map[string]string, bool) {
	results := c.Run(ctx)
	report := map[string]string{"status": "ok"}
	healthy := true
	for name, err := range results {
		if err != nil {
			report[name] = err.Error()
			healthy = false
			continue
		}
		report[name] = "ok"
	}
	if !healthy {
		report["status"] = "degraded"
	}
	return report, healthy
}

func (c *HealthChecker) names() []string {
	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GRPCHandler serves grpc.health.v1. The empty service name covers every
// dependency; a dependency name ("mysql", "redis", ...) covers just that one.
type GRPCHandler struct {
	grpc_health_v1.UnimplementedHealthServer
	checker *HealthChecker
}

func NewGRPCHandler(checker *HealthChecker) *GRPCHandler {
	return &GRPCHandler{checker: checker}
}

func (h *GRPCHandler) Check(ctx context.Context, req *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	results := h.checker.Run(ctx)

	service := req.GetService()
	if service != "" {
		err, ok := results[service]
		if !ok {
			return nil, status.Errorf(codes.NotFound, "unknown service %q, known: %v", service, h.checker.names())
		}
		return &grpc_health_v1.HealthCheckResponse{Status: servingStatus(err == nil)}, nil
	}

	for _, err := range results {
		if err != nil {
			return &grpc_health_v1.HealthCheckResponse{Status: servingStatus(false)}, nil
		}
	}
	return &grpc_health_v1.HealthCheckResponse{Status: servingStatus(true)}, nil
}

func servingStatus(ok bool) grpc_health_v1.HealthCheckResponse_ServingStatus {
	if ok {
		return grpc_health_v1.HealthCheckResponse_SERVING
	}
	return grpc_health_v1.HealthCheckResponse_NOT_SERVING
}

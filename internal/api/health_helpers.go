package api

import (
	"context"
	"net/http"
	"time"
)

// HealthCheck probes one dependency for /healthz.
type HealthCheck struct {
	Component string
	Check     func(ctx context.Context) error
}

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

const healthCheckTimeout = 2 * time.Second

func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	overallStatus := "ok"
	statusCode := http.StatusOK
	components := make([]componentStatus, 0, len(h.Checks))
	for _, check := range h.Checks {
		if check.Check == nil {
			continue
		}
		checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
		err := check.Check(checkCtx)
		cancel()

		status := componentStatus{Component: check.Component, Status: "ok"}
		if err != nil {
			status.Status = "degraded"
			status.Error = err.Error()
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		components = append(components, status)
	}
	return components, overallStatus, statusCode
}

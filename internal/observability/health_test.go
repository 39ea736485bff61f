package observability

import (
	"context"
	"errors"
	"testing"
)

func TestHealthCheckerCriticalVsNonCritical(t *testing.T) {
	hc := NewHealthChecker()
	hc.RegisterCheck("registry", true, func(ctx context.Context) error {
		return errors.New("boom")
	})
	hc.RegisterCheck("metrics-scrape", false, func(ctx context.Context) error {
		return errors.New("also boom")
	})

	hc.RunChecks(context.Background())

	if hc.IsHealthy() {
		t.Error("expected IsHealthy() false when any component is unhealthy")
	}
	if hc.IsReady() {
		t.Error("expected IsReady() false when a critical component is unhealthy")
	}
}

func TestHealthCheckerReadyIgnoresNonCritical(t *testing.T) {
	hc := NewHealthChecker()
	hc.RegisterCheck("registry", true, func(ctx context.Context) error {
		return nil
	})
	hc.RegisterCheck("optional", false, func(ctx context.Context) error {
		return errors.New("degraded but non-blocking")
	})

	hc.RunChecks(context.Background())

	if !hc.IsReady() {
		t.Error("expected IsReady() true when only a non-critical component is unhealthy")
	}
	if hc.IsHealthy() {
		t.Error("expected IsHealthy() false since a component is unhealthy")
	}
}

func TestPingHealthCheckWrapsError(t *testing.T) {
	check := PingHealthCheck("server", func(ctx context.Context) error {
		return errors.New("connection refused")
	})
	err := check(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
}

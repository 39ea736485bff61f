package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/artemis/fleetmigrate/internal/mapping"
	"github.com/artemis/fleetmigrate/internal/observability"
	"github.com/artemis/fleetmigrate/internal/orchestrator"
	"github.com/artemis/fleetmigrate/internal/protocol"
	"github.com/artemis/fleetmigrate/internal/queue"
	"github.com/artemis/fleetmigrate/internal/registry"
	"github.com/artemis/fleetmigrate/internal/scheduler"
)

type stubServer struct{}

func (stubServer) SendHealthCheck(string) error { return nil }
func (stubServer) SendDeploymentAssignment(string, protocol.DeploymentAssignment) error {
	return nil
}
func (stubServer) SendAssignmentPause(string, string, string) error  { return nil }
func (stubServer) SendAssignmentResume(string, string, string) error { return nil }
func (stubServer) SendAssignmentCancel(string, string, string) error { return nil }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	reg := registry.New(nil, nil, time.Hour)
	sched := scheduler.New()
	q := queue.New()
	mapper := mapping.NewEngine(mapping.LargestFree)
	orch := orchestrator.New(reg, q, mapper, stubServer{}, nil, nil)
	health := observability.NewHealthChecker()
	return New(reg, sched, orch, health, nil)
}

func TestListDestinationsEmpty(t *testing.T) {
	s := newTestServer(t)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/destinations", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Destinations []protocol.Destination `json:"destinations"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Destinations) != 0 {
		t.Errorf("destinations = %+v, want empty", body.Destinations)
	}
}

func TestGetDestinationNotFound(t *testing.T) {
	s := newTestServer(t)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/destinations/missing", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestStartDeploymentValidatesMapping(t *testing.T) {
	s := newTestServer(t)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/deployments", bytes.NewBufferString(`{}`))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestStartDeploymentAcceptsValidMapping(t *testing.T) {
	s := newTestServer(t)

	m := mapping.DeploymentMapping{
		Type:         mapping.OneToMany,
		Sources:      []mapping.SourceProfile{{Username: "alice", ProfileSizeBytes: 10}},
		Destinations: []protocol.Destination{{DestinationID: "D1"}},
	}
	body, _ := json.Marshal(m)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/deployments", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp struct {
		DeploymentID string `json:"deployment_id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.DeploymentID == "" {
		t.Error("expected a non-empty deployment id")
	}

	w2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodGet, "/api/deployments/"+resp.DeploymentID, nil)
	s.router.ServeHTTP(w2, req2)
	if w2.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w2.Code, w2.Body.String())
	}
}

func TestMappingStrategyRoundTrip(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(setStrategyRequest{Strategy: mapping.RoundRobin})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/api/mapping/strategy", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	w2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodGet, "/api/mapping/strategy", nil)
	s.router.ServeHTTP(w2, req2)
	var resp struct {
		Strategy string `json:"strategy"`
	}
	if err := json.Unmarshal(w2.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Strategy != string(mapping.RoundRobin) {
		t.Errorf("strategy = %q, want %q", resp.Strategy, mapping.RoundRobin)
	}
}

func TestHealthzAndMetricsEndpoints(t *testing.T) {
	s := newTestServer(t)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		s.router.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("%s: status = %d", path, w.Code)
		}
	}
}

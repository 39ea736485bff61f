package registry

import (
	"context"
	"testing"
	"time"

	"github.com/artemis/fleetmigrate/internal/protocol"
)

func testDestination(id string) protocol.Destination {
	d := protocol.NewDestination()
	d.DestinationID = id
	d.Health = protocol.Health{AdminRights: true, AgentRunning: true, FreeDiskBytes: 100}
	return d
}

func TestRegisterEmitsRegisteredThenUpdated(t *testing.T) {
	r := New(nil, nil, 30*time.Second)
	events := r.Subscribe()

	r.Register(testDestination("D1"))
	ev := <-events
	if ev.Type != EventRegistered {
		t.Errorf("first event = %v, want Registered", ev.Type)
	}

	r.Register(testDestination("D1"))
	ev = <-events
	if ev.Type != EventUpdated {
		t.Errorf("second event = %v, want Updated", ev.Type)
	}
}

func TestUpdateHealthUnknownIDIsNoOp(t *testing.T) {
	r := New(nil, nil, 30*time.Second)
	events := r.Subscribe()

	r.UpdateHealth("unknown", protocol.Health{})

	select {
	case ev := <-events:
		t.Fatalf("expected no event, got %v", ev)
	case <-time.After(10 * time.Millisecond):
	}
}

func TestDestinationsPreservesFirstSeenOrder(t *testing.T) {
	r := New(nil, nil, 30*time.Second)
	r.Register(testDestination("C"))
	r.Register(testDestination("A"))
	r.Register(testDestination("B"))

	got := r.Destinations()
	if len(got) != 3 {
		t.Fatalf("got %d destinations, want 3", len(got))
	}
	want := []string{"C", "A", "B"}
	for i, d := range got {
		if d.DestinationID != want[i] {
			t.Errorf("position %d = %s, want %s", i, d.DestinationID, want[i])
		}
	}
}

func TestCheckReadiness(t *testing.T) {
	cases := []struct {
		name     string
		health   protocol.Health
		required int64
		want     bool
		reason   string
	}{
		{"ready", protocol.Health{AdminRights: true, AgentRunning: true, FreeDiskBytes: 1000, CPUUsagePercent: 10, RAMUsagePercent: 10}, 500, true, ""},
		{"no admin", protocol.Health{AgentRunning: true}, 0, false, "admin rights required"},
		{"agent down", protocol.Health{AdminRights: true}, 0, false, "agent not running"},
		{"low disk", protocol.Health{AdminRights: true, AgentRunning: true, FreeDiskBytes: 10}, 500, false, "insufficient disk space"},
		{"cpu at threshold", protocol.Health{AdminRights: true, AgentRunning: true, CPUUsagePercent: 90}, 0, false, "high CPU usage"},
		{"ram at threshold", protocol.Health{AdminRights: true, AgentRunning: true, RAMUsagePercent: 90}, 0, false, "high memory usage"},
		{"cpu just under threshold", protocol.Health{AdminRights: true, AgentRunning: true, CPUUsagePercent: 89}, 0, true, ""},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			d := protocol.Destination{Health: c.health}
			ok, reason := CheckReadiness(d, c.required)
			if ok != c.want {
				t.Errorf("ready = %v, want %v (reason=%q)", ok, c.want, reason)
			}
			if !c.want && reason != c.reason {
				t.Errorf("reason = %q, want %q", reason, c.reason)
			}
		})
	}
}

func TestPruneStaleKeepsExactlyAtThreshold(t *testing.T) {
	r := New(nil, nil, 30*time.Second)
	d := testDestination("Z")
	d.LastSeen = time.Now().Add(-30 * time.Second)

	r.mu.Lock()
	r.destinations["Z"] = d
	r.order = append(r.order, "Z")
	r.mu.Unlock()

	r.pruneStale()
	if !r.Contains("Z") {
		t.Error("destination exactly at stale threshold should be kept")
	}
}

func TestPruneStaleRemovesPastThreshold(t *testing.T) {
	r := New(nil, nil, 30*time.Second)
	events := r.Subscribe()

	d := testDestination("Z")
	d.LastSeen = time.Now().Add(-30*time.Second - time.Millisecond)

	r.mu.Lock()
	r.destinations["Z"] = d
	r.order = append(r.order, "Z")
	r.mu.Unlock()

	r.pruneStale()
	if r.Contains("Z") {
		t.Error("destination past stale threshold should be removed")
	}

	select {
	case ev := <-events:
		if ev.Type != EventRemoved || ev.DestinationID != "Z" {
			t.Errorf("event = %+v, want Removed(Z)", ev)
		}
	case <-time.After(10 * time.Millisecond):
		t.Fatal("expected a Removed event")
	}
}

func TestStartPruningStopsOnContextCancel(t *testing.T) {
	r := New(nil, nil, 30*time.Second)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		r.StartPruning(ctx, 5*time.Millisecond)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("StartPruning did not stop after context cancellation")
	}
}

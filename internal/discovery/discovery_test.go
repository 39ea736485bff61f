package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/artemis/fleetmigrate/internal/protocol"
)

func TestOrchestratorDestinationRoundTrip(t *testing.T) {
	orchestrator := New(nil, 0, 54322)
	destination := New(nil, 0, 54322)

	destInfo := protocol.NewDestination()
	destInfo.DestinationID = "HOST@10.0.0.5"
	destInfo.Hostname = "HOST"
	destination.SetDestinationInfo(destInfo)

	discovered := make(chan DestinationDiscovered, 1)
	orchestrator.OnDestinationDiscovered(func(d DestinationDiscovered) {
		discovered <- d
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := orchestrator.StartAsOrchestrator(ctx); err != nil {
		t.Fatalf("StartAsOrchestrator: %v", err)
	}
	defer orchestrator.Stop()

	if err := destination.StartAsDestination(ctx); err != nil {
		t.Fatalf("StartAsDestination: %v", err)
	}
	defer destination.Stop()

	orchestratorAddr := orchestrator.conn.LocalAddr().(*net.UDPAddr)
	destination.announce(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: orchestratorAddr.Port})

	select {
	case d := <-discovered:
		if d.Destination.DestinationID != "HOST@10.0.0.5" {
			t.Errorf("DestinationID = %q", d.Destination.DestinationID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for destination discovery")
	}
}

func TestHandleDatagramIgnoresUnknownType(t *testing.T) {
	s := New(nil, 0, 54322)
	called := false
	s.OnDestinationDiscovered(func(d DestinationDiscovered) { called = true })
	s.handleDatagram([]byte(`{"message_type":"NOT_A_REAL_TYPE"}`), &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1)})
	if called {
		t.Error("unexpected callback invocation for unknown message type")
	}
}

func TestHandleDatagramDropsInvalidJSON(t *testing.T) {
	s := New(nil, 0, 54322)
	s.handleDatagram([]byte("not json"), &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1)})
}

func TestBroadcastForComputesAddress(t *testing.T) {
	_, ipnet, err := net.ParseCIDR("192.168.1.42/24")
	if err != nil {
		t.Fatal(err)
	}
	got := broadcastFor(ipnet)
	want := net.IPv4(192, 168, 1, 255).To4()
	if got.String() != want.String() {
		t.Errorf("broadcastFor = %v, want %v", got, want)
	}
}

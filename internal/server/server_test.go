package server

import (
	"net"
	"testing"
	"time"

	"github.com/artemis/fleetmigrate/internal/protocol"
)

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	return conn
}

func sendMessage(t *testing.T, conn net.Conn, msg protocol.Message) {
	t.Helper()
	framed, err := protocol.Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := conn.Write(framed); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

func readMessage(t *testing.T, conn net.Conn) protocol.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(time.Second))
	dec := protocol.NewDecoder(nil, "test-client")
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		messages, decErr := dec.Feed(buf[:n])
		if decErr != nil {
			t.Fatalf("Feed: %v", decErr)
		}
		if len(messages) > 0 {
			return messages[0]
		}
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestDestinationRegisterInvokesHandlerAndTracksConnection(t *testing.T) {
	var registered protocol.Destination
	var gotIt bool

	s := New(Handlers{
		DestinationRegistered: func(d protocol.Destination) {
			registered = d
			gotIt = true
		},
	}, nil)

	if err := s.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	addr := s.listener.Addr().String()
	conn := dial(t, addr)
	defer conn.Close()

	sendMessage(t, conn, protocol.NewMessage(protocol.MsgDestinationRegister, map[string]interface{}{
		"destination_info": map[string]interface{}{
			"destination_id": "DEST1",
			"hostname":       "host1",
		},
	}))

	waitFor(t, time.Second, func() bool { return gotIt })

	if registered.DestinationID != "DEST1" {
		t.Errorf("DestinationID = %q, want DEST1", registered.DestinationID)
	}

	waitFor(t, time.Second, func() bool {
		for _, id := range s.ConnectedDestinationIDs() {
			if id == "DEST1" {
				return true
			}
		}
		return false
	})
}

func TestDestinationRegisterFallsBackToHostnameAtAddress(t *testing.T) {
	var registered protocol.Destination
	done := make(chan struct{})

	s := New(Handlers{
		DestinationRegistered: func(d protocol.Destination) {
			registered = d
			close(done)
		},
	}, nil)
	if err := s.Start("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	conn := dial(t, s.listener.Addr().String())
	defer conn.Close()

	sendMessage(t, conn, protocol.NewMessage(protocol.MsgDestinationRegister, map[string]interface{}{
		"destination_info": map[string]interface{}{
			"hostname": "host1",
		},
	}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for registration")
	}

	if registered.DestinationID == "" {
		t.Fatal("expected a synthesized destination id")
	}
	want := "host1@127.0.0.1"
	if registered.DestinationID[:len(want)] != want {
		t.Errorf("DestinationID = %q, want prefix %q", registered.DestinationID, want)
	}
}

func TestAuthValidatorRejectsBadToken(t *testing.T) {
	var gotIt bool
	s := New(Handlers{
		DestinationRegistered: func(d protocol.Destination) { gotIt = true },
	}, nil)
	s.SetTokenValidator(func(token string) bool { return token == "correct-token" })

	if err := s.Start("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	conn := dial(t, s.listener.Addr().String())
	defer conn.Close()

	sendMessage(t, conn, protocol.NewMessage(protocol.MsgDestinationRegister, map[string]interface{}{
		"auth_token": "wrong-token",
		"destination_info": map[string]interface{}{
			"destination_id": "DEST1",
		},
	}))

	time.Sleep(50 * time.Millisecond)
	if gotIt {
		t.Error("expected registration with a bad token to be rejected")
	}
}

func TestSendDeploymentAssignmentDeliversFramedMessage(t *testing.T) {
	registered := make(chan struct{})
	s := New(Handlers{
		DestinationRegistered: func(d protocol.Destination) { close(registered) },
	}, nil)
	if err := s.Start("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	conn := dial(t, s.listener.Addr().String())
	defer conn.Close()

	sendMessage(t, conn, protocol.NewMessage(protocol.MsgDestinationRegister, map[string]interface{}{
		"destination_info": map[string]interface{}{"destination_id": "DEST1"},
	}))
	<-registered

	assignment := protocol.DeploymentAssignment{DeploymentID: "D1", JobID: "J1", Priority: protocol.PriorityHigh}
	if err := s.SendDeploymentAssignment("DEST1", assignment); err != nil {
		t.Fatalf("SendDeploymentAssignment: %v", err)
	}

	msg := readMessage(t, conn)
	if msg.Type() != protocol.MsgDeploymentAssign {
		t.Fatalf("Type() = %v, want DEPLOYMENT_ASSIGN", msg.Type())
	}
	payload, ok := msg["assignment"].(map[string]interface{})
	if !ok || payload["deployment_id"] != "D1" {
		t.Errorf("assignment payload = %+v", msg["assignment"])
	}
}

func TestSendToUnknownDestinationIsNoOp(t *testing.T) {
	s := New(Handlers{}, nil)
	if err := s.SendHealthCheck("GHOST"); err != nil {
		t.Errorf("SendHealthCheck to unknown destination should be a no-op, got %v", err)
	}
}

func TestDisconnectRemovesDestination(t *testing.T) {
	registered := make(chan struct{})
	s := New(Handlers{
		DestinationRegistered: func(d protocol.Destination) { close(registered) },
	}, nil)
	if err := s.Start("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	conn := dial(t, s.listener.Addr().String())
	sendMessage(t, conn, protocol.NewMessage(protocol.MsgDestinationRegister, map[string]interface{}{
		"destination_info": map[string]interface{}{"destination_id": "DEST1"},
	}))
	<-registered
	conn.Close()

	waitFor(t, time.Second, func() bool { return len(s.ConnectedDestinationIDs()) == 0 })
}

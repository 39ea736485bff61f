// Package discovery implements UDP broadcast auto-registration: the
// orchestrator probes for destinations and destinations announce
// themselves, per section 4.2 of the specification.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/artemis/fleetmigrate/internal/observability"
	"github.com/artemis/fleetmigrate/internal/protocol"
	"go.uber.org/zap"
)

const broadcastInterval = 3 * time.Second

// ErrBindFailed is a terminal, surfaced-as-status error for the discovery
// subsystem; it never aborts the process.
type ErrBindFailed struct {
	Port int
	Err  error
}

func (e *ErrBindFailed) Error() string {
	return fmt.Sprintf("discovery: failed to bind port %d: %v", e.Port, e.Err)
}

func (e *ErrBindFailed) Unwrap() error { return e.Err }

func (e *ErrBindFailed) Kind() string { return "BindFailed" }

// DestinationDiscovered is raised when the orchestrator receives a
// DESTINATION_ANNOUNCE datagram.
type DestinationDiscovered struct {
	Destination protocol.Destination
}

// OrchestratorDiscovered is raised when a destination receives an
// ORCH_DISCOVERY probe.
type OrchestratorDiscovered struct {
	Address net.IP
	Port    int
}

// Service is a UDP discovery endpoint, usable in either role.
type Service struct {
	conn *net.UDPConn
	port int

	roleOrchestrator bool
	orchestratorPort int
	destinationInfo  protocol.Destination

	logger *observability.Logger

	onDestinationDiscovered func(DestinationDiscovered)
	onOrchestratorDiscovered func(OrchestratorDiscovered)

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// New returns a discovery Service bound to no socket yet; call
// StartAsOrchestrator or StartAsDestination to begin.
func New(logger *observability.Logger, port, orchestratorPort int) *Service {
	return &Service{
		port:             port,
		orchestratorPort: orchestratorPort,
		logger:           logger,
	}
}

// SetDestinationInfo sets the record announced by a destination-role service.
func (s *Service) SetDestinationInfo(d protocol.Destination) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destinationInfo = d
}

// OnDestinationDiscovered registers the orchestrator-role callback.
func (s *Service) OnDestinationDiscovered(f func(DestinationDiscovered)) {
	s.onDestinationDiscovered = f
}

// OnOrchestratorDiscovered registers the destination-role callback.
func (s *Service) OnOrchestratorDiscovered(f func(OrchestratorDiscovered)) {
	s.onOrchestratorDiscovered = f
}

// StartAsOrchestrator binds the discovery port and begins probing every
// 3 seconds on every non-loopback, up-and-running interface's broadcast
// address, while also listening for DESTINATION_ANNOUNCE replies.
func (s *Service) StartAsOrchestrator(ctx context.Context) error {
	return s.start(ctx, true)
}

// StartAsDestination binds the discovery port, broadcasts
// DESTINATION_ANNOUNCE every 3 seconds, and replies in kind to any
// ORCH_DISCOVERY probe it receives.
func (s *Service) StartAsDestination(ctx context.Context) error {
	return s.start(ctx, false)
}

func (s *Service) start(ctx context.Context, asOrchestrator bool) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: s.port})
	if err != nil {
		s.mu.Unlock()
		return &ErrBindFailed{Port: s.port, Err: err}
	}

	s.conn = conn
	s.roleOrchestrator = asOrchestrator
	s.running = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	go s.readLoop(runCtx)
	go s.broadcastLoop(runCtx)

	if asOrchestrator {
		s.broadcastProbe()
	} else {
		s.announce(&net.UDPAddr{IP: net.IPv4bcast, Port: s.port})
	}

	if s.logger != nil {
		s.logger.Info("discovery service started",
			zap.Int("port", s.port),
			zap.Bool("orchestrator_role", asOrchestrator))
	}
	return nil
}

// Stop closes the socket and stops the broadcast timer.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	if s.cancel != nil {
		s.cancel()
	}
	if s.conn != nil {
		s.conn.Close()
	}
}

func (s *Service) broadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(broadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.roleOrchestrator {
				s.broadcastProbe()
			} else {
				s.announce(&net.UDPAddr{IP: net.IPv4bcast, Port: s.port})
			}
		}
	}
}

// broadcastProbe sends ORCH_DISCOVERY to the broadcast address of every
// non-loopback, up-and-running interface. If none are found, it logs a
// warning and leaves the timer running — new interfaces may appear later.
func (s *Service) broadcastProbe() {
	addrs := broadcastAddresses()
	if len(addrs) == 0 {
		if s.logger != nil {
			s.logger.Warn("discovery broadcast skipped: no broadcast-capable interfaces")
		}
		return
	}

	payload := map[string]interface{}{
		"timestamp":         time.Now().Unix(),
		"orchestrator_port": s.orchestratorPort,
	}
	datagram, err := json.Marshal(protocol.NewMessage("ORCH_DISCOVERY", payload))
	if err != nil {
		return
	}

	for _, addr := range addrs {
		s.conn.WriteToUDP(datagram, &net.UDPAddr{IP: addr, Port: s.port})
	}
}

func (s *Service) announce(addr *net.UDPAddr) {
	s.mu.Lock()
	info := s.destinationInfo
	s.mu.Unlock()

	payload := map[string]interface{}{
		"timestamp":        time.Now().Unix(),
		"destination_info": info,
	}
	datagram, err := json.Marshal(protocol.NewMessage("DESTINATION_ANNOUNCE", payload))
	if err != nil {
		return
	}
	s.conn.WriteToUDP(datagram, addr)
}

func (s *Service) readLoop(ctx context.Context) {
	buf := make([]byte, 65535)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, sender, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		s.handleDatagram(buf[:n], sender)
	}
}

func (s *Service) handleDatagram(data []byte, sender *net.UDPAddr) {
	var obj map[string]interface{}
	if err := json.Unmarshal(data, &obj); err != nil {
		return
	}

	msgType, _ := obj["message_type"].(string)
	switch msgType {
	case "ORCH_DISCOVERY":
		port := s.orchestratorPort
		if p, ok := obj["orchestrator_port"].(float64); ok {
			port = int(p)
		}
		if s.onOrchestratorDiscovered != nil {
			s.onOrchestratorDiscovered(OrchestratorDiscovered{Address: sender.IP, Port: port})
		}
		if !s.roleOrchestrator {
			s.announce(sender)
		}

	case "DESTINATION_ANNOUNCE":
		if !s.roleOrchestrator {
			return
		}
		infoRaw, _ := obj["destination_info"].(map[string]interface{})
		dest := destinationFromMap(infoRaw)
		dest.IPAddress = sender.IP.String()
		dest.LastSeen = time.Now()
		if dest.DestinationID == "" {
			dest.DestinationID = fmt.Sprintf("%s@%s", dest.Hostname, dest.IPAddress)
		}
		if s.onDestinationDiscovered != nil {
			s.onDestinationDiscovered(DestinationDiscovered{Destination: dest})
		}
	}
}

func destinationFromMap(m map[string]interface{}) protocol.Destination {
	d := protocol.NewDestination()
	b, err := json.Marshal(m)
	if err != nil {
		return d
	}
	_ = json.Unmarshal(b, &d)
	return d
}

// broadcastAddresses enumerates every up, running, non-loopback
// interface's IPv4 broadcast address.
func broadcastAddresses() []net.IP {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	var out []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagRunning == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok || ipnet.IP.To4() == nil {
				continue
			}
			bcast := broadcastFor(ipnet)
			if bcast != nil {
				out = append(out, bcast)
			}
		}
	}
	return out
}

func broadcastFor(ipnet *net.IPNet) net.IP {
	ip4 := ipnet.IP.To4()
	if ip4 == nil {
		return nil
	}
	mask := ipnet.Mask
	bcast := make(net.IP, len(ip4))
	for i := range ip4 {
		bcast[i] = ip4[i] | ^mask[i]
	}
	return bcast
}

// Package server implements the orchestrator's control-plane listener: a
// plain TCP accept loop speaking the length-prefixed JSON protocol defined
// in internal/protocol, replacing the reference implementation's Qt socket
// server with the stdlib net package.
package server

import (
	"fmt"
	"net"
	"sync"

	"github.com/artemis/fleetmigrate/internal/observability"
	"github.com/artemis/fleetmigrate/internal/protocol"
	"go.uber.org/zap"
)

// TokenValidator reports whether a control-stream auth token is accepted.
// A nil validator (the default) accepts every connection unauthenticated.
type TokenValidator func(token string) bool

// Handlers receives the events the server decodes off the wire. Each
// method is called synchronously from the connection's read goroutine; it
// must not block.
type Handlers struct {
	DestinationRegistered func(destination protocol.Destination)
	HealthUpdated         func(destinationID string, health protocol.Health)
	ProgressUpdated       func(progress protocol.DeploymentProgress)
	DeploymentCompleted   func(completion protocol.DeploymentCompletion)
	StatusMessage         func(message string)
	ConnectionError       func(message string)
}

func (h Handlers) statusf(format string, args ...interface{}) {
	if h.StatusMessage != nil {
		h.StatusMessage(fmt.Sprintf(format, args...))
	}
}

// Server accepts destination connections and dispatches inbound messages
// to Handlers; outbound sends are addressed by destination id and are a
// silent no-op if the destination is not currently connected, matching the
// reference implementation's sendHealthCheck/sendDeploymentAssignment
// guard on m_destinationSockets.contains().
type Server struct {
	handlers  Handlers
	logger    *observability.Logger
	validator TokenValidator

	listener net.Listener

	mu               sync.Mutex
	destinationConns map[string]*guardedConn
	connDestinations map[net.Conn]string
}

// guardedConn serializes writes to a connection shared by the server's
// Run() goroutine (deployment assignments) and HTTP-triggered pause/
// resume/cancel calls, so two frames can never interleave mid-write.
type guardedConn struct {
	conn net.Conn
	mu   sync.Mutex
}

func (g *guardedConn) Write(p []byte) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.conn.Write(p)
}

// New returns a Server that dispatches decoded messages to handlers.
func New(handlers Handlers, logger *observability.Logger) *Server {
	return &Server{
		handlers:         handlers,
		logger:           logger,
		destinationConns: make(map[string]*guardedConn),
		connDestinations: make(map[net.Conn]string),
	}
}

// SetTokenValidator installs the predicate used to authenticate
// DESTINATION_REGISTER messages. Pass nil to disable authentication.
func (s *Server) SetTokenValidator(v TokenValidator) {
	s.validator = v
}

// Start begins listening on addr (e.g. ":54322") and accepting connections
// in a background goroutine. It returns once the listener is bound.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", addr, err)
	}
	s.listener = lis

	s.handlers.statusf("Orchestrator listening on %s", addr)
	go s.acceptLoop()
	return nil
}

// Stop closes the listener and every connected destination socket.
func (s *Server) Stop() error {
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}

	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.connDestinations))
	for c := range s.connDestinations {
		conns = append(conns, c)
	}
	s.destinationConns = make(map[string]*guardedConn)
	s.connDestinations = make(map[net.Conn]string)
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	return err
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return // listener closed
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.onDisconnect(conn)

	dec := protocol.NewDecoder(s.logger, conn.RemoteAddr().String())
	buf := make([]byte, 64*1024)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			messages, feedErr := dec.Feed(buf[:n])
			for _, msg := range messages {
				s.handleMessage(conn, msg)
			}
			if feedErr != nil {
				s.handlers.statusf("closing connection from %s: %v", conn.RemoteAddr(), feedErr)
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) onDisconnect(conn net.Conn) {
	s.mu.Lock()
	destinationID, ok := s.connDestinations[conn]
	if ok {
		delete(s.connDestinations, conn)
		delete(s.destinationConns, destinationID)
	}
	s.mu.Unlock()

	conn.Close()

	if ok {
		s.handlers.statusf("Destination disconnected: %s", destinationID)
	}
}

// ensureDestinationID mirrors the reference implementation's fallback: a
// destination that registers without an id is identified by
// "hostname@remote-address" instead.
func ensureDestinationID(d protocol.Destination, conn net.Conn) string {
	if d.DestinationID != "" {
		return d.DestinationID
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host = conn.RemoteAddr().String()
	}
	return fmt.Sprintf("%s@%s", d.Hostname, host)
}

func (s *Server) handleMessage(conn net.Conn, msg protocol.Message) {
	msgType, ok := protocol.ParseMessageType(string(msg.Type()))
	if !ok {
		return
	}

	switch msgType {
	case protocol.MsgDestinationRegister:
		s.handleDestinationRegister(conn, msg)
	case protocol.MsgHealthCheckResponse:
		s.handleHealthCheckResponse(conn, msg)
	case protocol.MsgProgressUpdate:
		s.handleProgressUpdate(conn, msg)
	case protocol.MsgDeploymentComplete:
		s.handleDeploymentComplete(conn, msg)
	}
}

func (s *Server) handleDestinationRegister(conn net.Conn, msg protocol.Message) {
	if s.validator != nil {
		token, _ := msg["auth_token"].(string)
		if !s.validator(token) {
			s.handlers.statusf("rejecting unauthenticated registration from %s", conn.RemoteAddr())
			conn.Close()
			return
		}
	}

	info, _ := msg["destination_info"].(map[string]interface{})
	destination := destinationFromJSON(info)

	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err == nil {
		destination.IPAddress = host
	}
	destination.DestinationID = ensureDestinationID(destination, conn)

	s.mu.Lock()
	s.destinationConns[destination.DestinationID] = &guardedConn{conn: conn}
	s.connDestinations[conn] = destination.DestinationID
	s.mu.Unlock()

	if s.handlers.DestinationRegistered != nil {
		s.handlers.DestinationRegistered(destination)
	}
	s.handlers.statusf("Destination registered: %s", destination.Hostname)
}

func (s *Server) handleHealthCheckResponse(conn net.Conn, msg protocol.Message) {
	destinationID, _ := msg["destination_id"].(string)
	if destinationID == "" {
		destinationID = s.resolveConn(conn)
	}
	if destinationID == "" {
		return
	}

	healthObj, _ := msg["health_metrics"].(map[string]interface{})
	health := healthFromJSON(healthObj)

	if s.handlers.HealthUpdated != nil {
		s.handlers.HealthUpdated(destinationID, health)
	}
}

func (s *Server) handleProgressUpdate(conn net.Conn, msg protocol.Message) {
	progress := progressFromJSON(msg)
	if progress.DestinationID == "" {
		progress.DestinationID = s.resolveConn(conn)
	}
	if s.handlers.ProgressUpdated != nil {
		s.handlers.ProgressUpdated(progress)
	}
}

func (s *Server) handleDeploymentComplete(conn net.Conn, msg protocol.Message) {
	completion := completionFromJSON(msg)
	if completion.DestinationID == "" {
		completion.DestinationID = s.resolveConn(conn)
	}
	if s.handlers.DeploymentCompleted != nil {
		s.handlers.DeploymentCompleted(completion)
	}
}

func (s *Server) resolveConn(conn net.Conn) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connDestinations[conn]
}

func (s *Server) connFor(destinationID string) (*guardedConn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.destinationConns[destinationID]
	return c, ok
}

func (s *Server) send(destinationID string, msgType protocol.MessageType, payload map[string]interface{}) error {
	conn, ok := s.connFor(destinationID)
	if !ok {
		return nil
	}

	framed, err := protocol.Encode(protocol.NewMessage(msgType, payload))
	if err != nil {
		return fmt.Errorf("server: encode message for %s: %w", destinationID, err)
	}
	if _, err := conn.Write(framed); err != nil {
		if s.logger != nil {
			s.logger.Warn("failed to write to destination", zap.String("destination_id", destinationID), zap.Error(err))
		}
		return err
	}
	return nil
}

// SendHealthCheck sends a HEALTH_CHECK_REQUEST. No-op if destinationID is
// not currently connected.
func (s *Server) SendHealthCheck(destinationID string) error {
	return s.send(destinationID, protocol.MsgHealthCheckRequest, map[string]interface{}{
		"destination_id": destinationID,
	})
}

// SendDeploymentAssignment sends a DEPLOYMENT_ASSIGN. No-op if
// destinationID is not currently connected.
func (s *Server) SendDeploymentAssignment(destinationID string, assignment protocol.DeploymentAssignment) error {
	return s.send(destinationID, protocol.MsgDeploymentAssign, map[string]interface{}{
		"destination_id": destinationID,
		"assignment":     assignmentToJSON(assignment),
	})
}

// SendAssignmentPause, SendAssignmentResume, and SendAssignmentCancel send
// ASSIGNMENT_CONTROL with the matching action string, funneled through the
// same payload shape as the reference implementation's
// sendAssignmentControl.
func (s *Server) SendAssignmentPause(destinationID, deploymentID, jobID string) error {
	return s.sendAssignmentControl(destinationID, deploymentID, jobID, "pause")
}

func (s *Server) SendAssignmentResume(destinationID, deploymentID, jobID string) error {
	return s.sendAssignmentControl(destinationID, deploymentID, jobID, "resume")
}

func (s *Server) SendAssignmentCancel(destinationID, deploymentID, jobID string) error {
	return s.sendAssignmentControl(destinationID, deploymentID, jobID, "cancel")
}

func (s *Server) sendAssignmentControl(destinationID, deploymentID, jobID, action string) error {
	return s.send(destinationID, protocol.MsgAssignmentControl, map[string]interface{}{
		"destination_id": destinationID,
		"deployment_id":  deploymentID,
		"job_id":         jobID,
		"action":         action,
	})
}

// ConnectedDestinationIDs returns the ids of all currently connected
// destinations, in no particular order.
func (s *Server) ConnectedDestinationIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.destinationConns))
	for id := range s.destinationConns {
		ids = append(ids, id)
	}
	return ids
}

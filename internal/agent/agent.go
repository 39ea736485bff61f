// Package agent implements the destination-side control-stream client: it
// registers with the orchestrator, answers health checks, receives
// deployment assignments and pause/resume/cancel control messages, and
// reports progress and completion back. Reconnection uses a fixed
// interval, unlike the scheduler's exponential job-retry backoff, because
// the reference client's QTimer-based reconnect never grows its delay.
package agent

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/artemis/fleetmigrate/internal/observability"
	"github.com/artemis/fleetmigrate/internal/protocol"
)

const defaultReconnectInterval = 5 * time.Second
const minReconnectInterval = 100 * time.Millisecond
const dialTimeout = 10 * time.Second

// HealthProvider supplies a fresh health snapshot for each incoming
// HEALTH_CHECK_REQUEST. A nil provider falls back to the health recorded
// on the Agent's destination at construction time.
type HealthProvider func() protocol.Health

// Handlers receives the events the agent decodes off the control stream.
// Each is called synchronously from the read goroutine; it must not block.
type Handlers struct {
	AssignmentReceived func(assignment protocol.DeploymentAssignment)
	AssignmentPaused   func(deploymentID, jobID string)
	AssignmentResumed  func(deploymentID, jobID string)
	AssignmentCanceled func(deploymentID, jobID string)
	StatusMessage      func(message string)
	ConnectionError    func(message string)
}

func (h Handlers) statusf(format string, args ...interface{}) {
	if h.StatusMessage != nil {
		h.StatusMessage(fmt.Sprintf(format, args...))
	}
}

func (h Handlers) errorf(format string, args ...interface{}) {
	if h.ConnectionError != nil {
		h.ConnectionError(fmt.Sprintf(format, args...))
	}
}

// Agent is one destination's connection to the orchestrator.
type Agent struct {
	destination protocol.Destination
	healthFn    HealthProvider
	handlers    Handlers
	logger      *observability.Logger

	authToken string

	mu                sync.Mutex
	conn              net.Conn
	connected         bool
	autoReconnect     bool
	reconnectInterval time.Duration

	// writeMu serializes conn.Write calls across the read loop (health
	// check replies) and the progress-pump goroutines (SendProgress,
	// SendCompletion), so two frames can never interleave mid-write.
	writeMu sync.Mutex
}

// New returns an Agent identifying as destination. destination.Health is
// used for health responses unless SetHealthProvider installs a live
// source.
func New(destination protocol.Destination, handlers Handlers, logger *observability.Logger) *Agent {
	return &Agent{
		destination:       destination,
		handlers:          handlers,
		logger:            logger,
		autoReconnect:     true,
		reconnectInterval: defaultReconnectInterval,
	}
}

// SetHealthProvider installs the callback consulted for HEALTH_CHECK_REQUEST.
func (a *Agent) SetHealthProvider(fn HealthProvider) {
	a.healthFn = fn
}

// SetAuthToken sets the shared-secret token sent with DESTINATION_REGISTER.
// Empty (the default) omits the field entirely.
func (a *Agent) SetAuthToken(token string) {
	a.authToken = token
}

// SetReconnectInterval sets the fixed delay between reconnect attempts,
// floored at minReconnectInterval.
func (a *Agent) SetReconnectInterval(d time.Duration) {
	if d < minReconnectInterval {
		d = minReconnectInterval
	}
	a.mu.Lock()
	a.reconnectInterval = d
	a.mu.Unlock()
}

// SetAutoReconnect toggles reconnection after an unexpected disconnect.
func (a *Agent) SetAutoReconnect(enabled bool) {
	a.mu.Lock()
	a.autoReconnect = enabled
	a.mu.Unlock()
}

// IsConnected reports whether the control stream is currently up.
func (a *Agent) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// Run dials addr and maintains the connection, registering, answering
// health checks, and dispatching assignments until ctx is canceled. It
// blocks; the caller should run it in a goroutine.
func (a *Agent) Run(ctx context.Context, addr string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, err := net.DialTimeout("tcp", addr, dialTimeout)
		if err != nil {
			a.handlers.errorf("connect to %s failed: %v", addr, err)
			if !a.waitForRetry(ctx) {
				return
			}
			continue
		}

		a.mu.Lock()
		a.conn = conn
		a.connected = true
		a.mu.Unlock()

		a.register(conn)
		a.handlers.statusf("Registered destination with orchestrator")

		a.readLoop(conn)

		a.mu.Lock()
		a.connected = false
		a.conn = nil
		reconnect := a.autoReconnect
		a.mu.Unlock()

		a.handlers.statusf("Disconnected from orchestrator")
		conn.Close()

		if !reconnect {
			return
		}
		if !a.waitForRetry(ctx) {
			return
		}
	}
}

func (a *Agent) waitForRetry(ctx context.Context) bool {
	a.mu.Lock()
	interval := a.reconnectInterval
	a.mu.Unlock()

	a.handlers.statusf("Reconnecting to orchestrator...")
	select {
	case <-ctx.Done():
		return false
	case <-time.After(interval):
		return true
	}
}

func (a *Agent) register(conn net.Conn) {
	if a.destination.DestinationID == "" {
		host, _, err := net.SplitHostPort(conn.LocalAddr().String())
		if err != nil {
			host = conn.LocalAddr().String()
		}
		a.destination.DestinationID = fmt.Sprintf("%s@%s", a.destination.Hostname, host)
	}

	payload := map[string]interface{}{
		"destination_info": destinationToJSON(a.destination),
	}
	if a.authToken != "" {
		payload["auth_token"] = a.authToken
	}

	a.writeMessage(conn, protocol.MsgDestinationRegister, payload)
}

func (a *Agent) readLoop(conn net.Conn) {
	dec := protocol.NewDecoder(a.logger, "orchestrator")
	buf := make([]byte, 64*1024)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			messages, feedErr := dec.Feed(buf[:n])
			for _, msg := range messages {
				a.handleMessage(conn, msg)
			}
			if feedErr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (a *Agent) handleMessage(conn net.Conn, msg protocol.Message) {
	msgType, ok := protocol.ParseMessageType(string(msg.Type()))
	if !ok {
		return
	}

	switch msgType {
	case protocol.MsgHealthCheckRequest:
		a.handleHealthCheckRequest(conn)
	case protocol.MsgDeploymentAssign:
		a.handleDeploymentAssign(msg)
	case protocol.MsgAssignmentControl:
		a.handleAssignmentControl(msg)
	}
}

func (a *Agent) handleHealthCheckRequest(conn net.Conn) {
	health := a.destination.Health
	if a.healthFn != nil {
		health = a.healthFn()
	}

	a.writeMessage(conn, protocol.MsgHealthCheckResponse, map[string]interface{}{
		"destination_id": a.destination.DestinationID,
		"health_metrics": healthToJSON(health),
	})
}

func (a *Agent) handleDeploymentAssign(msg protocol.Message) {
	assignmentObj, _ := msg["assignment"].(map[string]interface{})
	assignment := assignmentFromJSON(assignmentObj)
	if a.handlers.AssignmentReceived != nil {
		a.handlers.AssignmentReceived(assignment)
	}
}

func (a *Agent) handleAssignmentControl(msg protocol.Message) {
	deploymentID, _ := msg["deployment_id"].(string)
	jobID, _ := msg["job_id"].(string)
	action, _ := msg["action"].(string)

	switch action {
	case "pause":
		if a.handlers.AssignmentPaused != nil {
			a.handlers.AssignmentPaused(deploymentID, jobID)
		}
	case "resume":
		if a.handlers.AssignmentResumed != nil {
			a.handlers.AssignmentResumed(deploymentID, jobID)
		}
	case "cancel":
		if a.handlers.AssignmentCanceled != nil {
			a.handlers.AssignmentCanceled(deploymentID, jobID)
		}
	}
}

func (a *Agent) writeMessage(conn net.Conn, msgType protocol.MessageType, payload map[string]interface{}) error {
	framed, err := protocol.Encode(protocol.NewMessage(msgType, payload))
	if err != nil {
		return fmt.Errorf("agent: encode message: %w", err)
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	_, err = conn.Write(framed)
	return err
}

// SendProgress reports transfer progress over the active control stream.
// Returns an error if not currently connected.
func (a *Agent) SendProgress(progress protocol.DeploymentProgress) error {
	conn, ok := a.activeConn()
	if !ok {
		return fmt.Errorf("agent: not connected")
	}
	return a.writeMessage(conn, protocol.MsgProgressUpdate, progressToJSON(progress))
}

// SendCompletion reports a job's terminal outcome over the active control
// stream. Returns an error if not currently connected.
func (a *Agent) SendCompletion(completion protocol.DeploymentCompletion) error {
	conn, ok := a.activeConn()
	if !ok {
		return fmt.Errorf("agent: not connected")
	}
	return a.writeMessage(conn, protocol.MsgDeploymentComplete, completionToJSON(completion))
}

func (a *Agent) activeConn() (net.Conn, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil, false
	}
	return a.conn, true
}

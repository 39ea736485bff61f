package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/artemis/fleetmigrate/internal/observability"
	"go.uber.org/zap"
)

// Version is the protocol_version stamped on every message.
const Version = "1.0"

// MaxFrameLength is the largest payload accepted in a single frame (16 MiB).
// Exceeding it is a protocol violation that closes the stream.
const MaxFrameLength = 16 * 1024 * 1024

const frameHeaderLength = 4

// MessageType is one of the typed control-plane messages in section 4.3.
type MessageType string

const (
	MsgDestinationRegister MessageType = "DESTINATION_REGISTER"
	MsgHealthCheckRequest  MessageType = "HEALTH_CHECK_REQUEST"
	MsgHealthCheckResponse MessageType = "HEALTH_CHECK_RESPONSE"
	MsgDeploymentAssign    MessageType = "DEPLOYMENT_ASSIGN"
	MsgAssignmentControl   MessageType = "ASSIGNMENT_CONTROL"
	MsgStartTransfer       MessageType = "START_TRANSFER"
	MsgProgressUpdate      MessageType = "PROGRESS_UPDATE"
	MsgDeploymentComplete  MessageType = "DEPLOYMENT_COMPLETE"
	MsgError               MessageType = "ERROR"
	MsgHeartbeat           MessageType = "HEARTBEAT"
)

// ParseMessageType maps a wire string to a known MessageType. Unknown types
// are reported via ok=false; callers ignore the message rather than erroring
// the stream (§4.1).
func ParseMessageType(s string) (MessageType, bool) {
	switch MessageType(s) {
	case MsgDestinationRegister, MsgHealthCheckRequest, MsgHealthCheckResponse,
		MsgDeploymentAssign, MsgAssignmentControl, MsgStartTransfer,
		MsgProgressUpdate, MsgDeploymentComplete, MsgError, MsgHeartbeat:
		return MessageType(s), true
	default:
		return "", false
	}
}

// ErrFrameTooLarge is a ProtocolViolation: the stream must be closed.
var ErrFrameTooLarge = errors.New("protocol: frame exceeds max length")

// Message is a decoded wire object: the payload fields plus message_type
// and protocol_version.
type Message map[string]interface{}

// Type returns the message's message_type field, or "" if absent/not a string.
func (m Message) Type() MessageType {
	v, _ := m["message_type"].(string)
	return MessageType(v)
}

// NewMessage stamps payload with message_type and protocol_version, matching
// the reference implementation's makeMessage. payload may be nil.
func NewMessage(t MessageType, payload map[string]interface{}) Message {
	msg := make(Message, len(payload)+2)
	for k, v := range payload {
		msg[k] = v
	}
	msg["message_type"] = string(t)
	msg["protocol_version"] = Version
	return msg
}

// Encode produces the framed byte form of message: a 4-byte big-endian
// length prefix followed by that many bytes of compact JSON.
func Encode(message Message) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode message: %w", err)
	}
	if len(payload) > MaxFrameLength {
		return nil, ErrFrameTooLarge
	}

	framed := make([]byte, frameHeaderLength+len(payload))
	binary.BigEndian.PutUint32(framed[:frameHeaderLength], uint32(len(payload)))
	copy(framed[frameHeaderLength:], payload)
	return framed, nil
}

// Decoder accumulates bytes read off a stream and yields complete frames.
// It is not safe for concurrent use; each connection owns one Decoder.
type Decoder struct {
	buf    []byte
	logger *observability.Logger
	source string
}

// NewDecoder returns a Decoder that logs malformed frames through logger,
// tagging them with source (e.g. a destination id or "discovery") for the
// frame_decode_errors metric label.
func NewDecoder(logger *observability.Logger, source string) *Decoder {
	return &Decoder{logger: logger, source: source}
}

// Feed appends incoming to the internal buffer and returns every complete
// frame now available, leaving any trailing partial frame buffered for the
// next call. Malformed JSON inside a complete frame is dropped and logged,
// not returned as an error — the stream stays open. A frame whose declared
// length exceeds MaxFrameLength is a protocol violation: Feed returns
// ErrFrameTooLarge and the caller must close the stream.
func (d *Decoder) Feed(incoming []byte) ([]Message, error) {
	d.buf = append(d.buf, incoming...)

	var messages []Message
	for len(d.buf) >= frameHeaderLength {
		length := binary.BigEndian.Uint32(d.buf[:frameHeaderLength])
		if length > MaxFrameLength {
			return messages, ErrFrameTooLarge
		}
		if uint32(len(d.buf)-frameHeaderLength) < length {
			break
		}

		payload := d.buf[frameHeaderLength : frameHeaderLength+int(length)]
		d.buf = d.buf[frameHeaderLength+int(length):]

		var obj Message
		if err := json.Unmarshal(payload, &obj); err != nil {
			d.logFrameDecodeError(length, payload)
			continue
		}
		messages = append(messages, obj)
	}

	return messages, nil
}

func (d *Decoder) logFrameDecodeError(length uint32, payload []byte) {
	observability.NewMetrics().RecordFrameDecodeError(d.source)

	if d.logger == nil {
		return
	}
	preview := payload
	if len(preview) > 32 {
		preview = preview[:32]
	}
	d.logger.Warn("dropping malformed protocol frame",
		zap.String("source", d.source),
		zap.Uint32("frame_length", length),
		zap.String("preview_hex", hex.EncodeToString(preview)),
	)
}

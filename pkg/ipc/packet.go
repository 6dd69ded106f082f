// Package ipc implements the length-prefixed control protocol (C5) used
// between the host orchestrator and worker processes over Unix domain
// sockets: a u32 little-endian length prefix followed by a JSON-encoded
// tagged-variant ControlPacket.
package ipc

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/cuemby/orbit/pkg/orberr"
)

// DefaultSocketPath is the default control-socket location.
const DefaultSocketPath = "/tmp/orbit.sock"

// ProtocolVersion must match between host and worker; on a mismatch
// during the handshake the host replies with a SYS-003 Error packet and
// closes that worker's connection.
const ProtocolVersion uint32 = 1

// PayloadType tags the variant carried by a ControlPacket.
type PayloadType string

const (
	TypeHandshake    PayloadType = "Handshake"
	TypeHandshakeAck PayloadType = "HandshakeAck"
	TypeJobSubmit    PayloadType = "JobSubmit"
	TypeJobResult    PayloadType = "JobResult"
	TypeJobCancel    PayloadType = "JobCancel"
	TypeHeartbeat    PayloadType = "Heartbeat"
	TypeError        PayloadType = "Error"
)

// Handshake is sent by a worker immediately after connecting.
type Handshake struct {
	ProtocolVersion uint32   `json:"protocol_version"`
	WorkerID        string   `json:"worker_id"`
	Capabilities    []string `json:"capabilities"`
}

// HandshakeAck is the host's reply, assigning the worker its slot and
// the shared-memory region it should map.
type HandshakeAck struct {
	SlotID  uint8  `json:"slot_id"`
	ShmName string `json:"shm_name"`
}

// JobSubmit dispatches one unit of work to a worker.
type JobSubmit struct {
	JobID        string          `json:"job_id"`
	NodeID       string          `json:"node_id"`
	OpType       string          `json:"op_type"`
	InputHandles []uint64        `json:"input_handles"`
	Params       json.RawMessage `json:"params"`
}

// JobResult is the worker's reply to a JobSubmit.
type JobResult struct {
	JobID         string  `json:"job_id"`
	Success       bool    `json:"success"`
	OutputHandle  *uint64 `json:"output_handle,omitempty"`
	ErrorMessage  string  `json:"error_message,omitempty"`
	DurationUS    uint64  `json:"duration_us"`
	PeakVRAMMB    uint64  `json:"peak_vram_mb"`
}

// JobCancel requests that a worker abandon an in-flight job.
type JobCancel struct {
	JobID string `json:"job_id"`
}

// Heartbeat is sent periodically by a worker while alive.
type Heartbeat struct {
	WorkerID  string `json:"worker_id"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorPayload carries a stable error code and message.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Payload is implemented by every ControlPacket variant.
type Payload interface {
	payloadType() PayloadType
}

func (Handshake) payloadType() PayloadType    { return TypeHandshake }
func (HandshakeAck) payloadType() PayloadType { return TypeHandshakeAck }
func (JobSubmit) payloadType() PayloadType    { return TypeJobSubmit }
func (JobResult) payloadType() PayloadType    { return TypeJobResult }
func (JobCancel) payloadType() PayloadType    { return TypeJobCancel }
func (Heartbeat) payloadType() PayloadType    { return TypeHeartbeat }
func (ErrorPayload) payloadType() PayloadType { return TypeError }

// ControlPacket is one wire message: a request id for dedup/correlation,
// a timestamp, and a tagged payload.
type ControlPacket struct {
	RequestID   string      `json:"request_id"`
	TimestampMS int64       `json:"timestamp_ms"`
	Payload     Payload     `json:"-"`
}

// wireEnvelope is the JSON-on-the-wire shape: Payload is split into a
// discriminant tag plus a raw body, since Go has no native tagged-union
// marshaling.
type wireEnvelope struct {
	RequestID   string          `json:"request_id"`
	TimestampMS int64           `json:"timestamp_ms"`
	Type        PayloadType     `json:"type"`
	Body        json.RawMessage `json:"body"`
}

// NewPacket wraps payload in a ControlPacket with a fresh request id and
// the current wall-clock timestamp.
func NewPacket(payload Payload) ControlPacket {
	return ControlPacket{
		RequestID:   uuid.NewString(),
		TimestampMS: time.Now().UnixMilli(),
		Payload:     payload,
	}
}

// MarshalJSON implements the envelope split described above.
func (p ControlPacket) MarshalJSON() ([]byte, error) {
	body, err := json.Marshal(p.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEnvelope{
		RequestID:   p.RequestID,
		TimestampMS: p.TimestampMS,
		Type:        p.Payload.payloadType(),
		Body:        body,
	})
}

// UnmarshalJSON reverses MarshalJSON, dispatching on the type tag.
func (p *ControlPacket) UnmarshalJSON(data []byte) error {
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}

	var payload Payload
	switch env.Type {
	case TypeHandshake:
		var v Handshake
		if err := json.Unmarshal(env.Body, &v); err != nil {
			return err
		}
		payload = v
	case TypeHandshakeAck:
		var v HandshakeAck
		if err := json.Unmarshal(env.Body, &v); err != nil {
			return err
		}
		payload = v
	case TypeJobSubmit:
		var v JobSubmit
		if err := json.Unmarshal(env.Body, &v); err != nil {
			return err
		}
		payload = v
	case TypeJobResult:
		var v JobResult
		if err := json.Unmarshal(env.Body, &v); err != nil {
			return err
		}
		payload = v
	case TypeJobCancel:
		var v JobCancel
		if err := json.Unmarshal(env.Body, &v); err != nil {
			return err
		}
		payload = v
	case TypeHeartbeat:
		var v Heartbeat
		if err := json.Unmarshal(env.Body, &v); err != nil {
			return err
		}
		payload = v
	case TypeError:
		var v ErrorPayload
		if err := json.Unmarshal(env.Body, &v); err != nil {
			return err
		}
		payload = v
	default:
		return fmt.Errorf("ipc: unknown payload type %q", env.Type)
	}

	p.RequestID = env.RequestID
	p.TimestampMS = env.TimestampMS
	p.Payload = payload
	return nil
}

// Encode serializes p into the length-prefixed wire form: a u32 LE byte
// count followed by the JSON envelope.
func Encode(p ControlPacket) ([]byte, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, orberr.ShmFailure("ipc: failed to marshal packet", err)
	}
	buf := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(buf[:4], uint32(len(body)))
	copy(buf[4:], body)
	return buf, nil
}

// DecodeFrom parses one length-prefixed packet out of data, returning
// the packet and the number of bytes consumed. It reports ErrShortRead
// when data does not yet hold a full frame, so callers reading off a
// stream can buffer and retry.
func DecodeFrom(data []byte) (ControlPacket, int, error) {
	var pkt ControlPacket
	if len(data) < 4 {
		return pkt, 0, ErrShortRead
	}
	n := int(binary.LittleEndian.Uint32(data[:4]))
	if n == 0 || n > MaxFrameBytes {
		return pkt, 0, orberr.ShmFailure(fmt.Sprintf("ipc: frame length %d outside (0, %d]", n, MaxFrameBytes), nil)
	}
	if len(data) < 4+n {
		return pkt, 0, ErrShortRead
	}
	if err := json.Unmarshal(data[4:4+n], &pkt); err != nil {
		return pkt, 0, orberr.ShmFailure("ipc: failed to unmarshal packet", err)
	}
	return pkt, 4 + n, nil
}

// ErrShortRead signals that a frame is incomplete in the supplied buffer.
var ErrShortRead = fmt.Errorf("ipc: short read")

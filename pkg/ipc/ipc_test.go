package ipc

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	pkt := NewPacket(Handshake{
		ProtocolVersion: ProtocolVersion,
		WorkerID:        "worker-0",
		Capabilities:    []string{"CUDA"},
	})

	buf, err := Encode(pkt)
	require.NoError(t, err)

	decoded, n, err := DecodeFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, pkt.RequestID, decoded.RequestID)

	hs, ok := decoded.Payload.(Handshake)
	require.True(t, ok)
	assert.Equal(t, ProtocolVersion, hs.ProtocolVersion)
	assert.Equal(t, "worker-0", hs.WorkerID)
}

func TestDecodeFrom_ShortReadReportsIncomplete(t *testing.T) {
	pkt := NewPacket(Heartbeat{WorkerID: "w", Timestamp: time.Now().UnixMilli()})
	buf, err := Encode(pkt)
	require.NoError(t, err)

	_, _, err = DecodeFrom(buf[:len(buf)-1])
	assert.ErrorIs(t, err, ErrShortRead)
}

func TestAllVariants_RoundTrip(t *testing.T) {
	handle := uint64(42)
	cases := []Payload{
		Handshake{ProtocolVersion: 1, WorkerID: "w0", Capabilities: []string{"CUDA"}},
		HandshakeAck{SlotID: 3, ShmName: "orbit-shm"},
		JobSubmit{JobID: "j1", NodeID: "n1", OpType: "Sampler::KSampler", InputHandles: []uint64{1, 2}},
		JobResult{JobID: "j1", Success: true, OutputHandle: &handle, DurationUS: 1234, PeakVRAMMB: 512},
		JobCancel{JobID: "j1"},
		Heartbeat{WorkerID: "w0", Timestamp: 1000},
		ErrorPayload{Code: "SYS-003", Message: "version mismatch"},
	}

	for _, payload := range cases {
		pkt := NewPacket(payload)
		buf, err := Encode(pkt)
		require.NoError(t, err)
		decoded, _, err := DecodeFrom(buf)
		require.NoError(t, err)
		assert.IsType(t, payload, decoded.Payload)
	}
}

// TestScenarioF_ProtocolVersionMismatch checks that a Handshake carrying
// a stale protocol version survives the wire encoding with that version
// intact, so the host's handshake check sees a value that differs from
// ProtocolVersion. The rejection itself happens in the supervisor.
func TestScenarioF_ProtocolVersionMismatch(t *testing.T) {
	hs := Handshake{ProtocolVersion: 0, WorkerID: "stale-worker"}
	pkt := NewPacket(hs)

	buf, err := Encode(pkt)
	require.NoError(t, err)
	decoded, _, err := DecodeFrom(buf)
	require.NoError(t, err)

	decodedHS := decoded.Payload.(Handshake)
	assert.NotEqual(t, ProtocolVersion, decodedHS.ProtocolVersion)
}

func TestGatewayDialAccept_SendRecv(t *testing.T) {
	sockPath := fmt.Sprintf("%s/orbit-ipc-test-%d.sock", os.TempDir(), os.Getpid())
	defer os.Remove(sockPath)

	gw := NewGateway(sockPath)
	require.NoError(t, gw.Bind())
	defer gw.Close()

	accepted := make(chan *Conn, 1)
	acceptErr := make(chan error, 1)
	go func() {
		c, err := gw.Accept()
		accepted <- c
		acceptErr <- err
	}()

	client, err := Dial(sockPath)
	require.NoError(t, err)
	defer client.Close()

	server := <-accepted
	require.NoError(t, <-acceptErr)
	defer server.Close()

	want := NewPacket(Heartbeat{WorkerID: "w0", Timestamp: 42})
	require.NoError(t, client.Send(want))

	got, err := server.Recv()
	require.NoError(t, err)
	assert.Equal(t, want.RequestID, got.RequestID)

	pid, err := server.PeerPID()
	require.NoError(t, err)
	assert.NotZero(t, pid)
}

package ipc

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/cuemby/orbit/pkg/orberr"
)

// Gateway listens on a Unix domain socket and hands out Conn values for
// accepted connections.
type Gateway struct {
	path     string
	listener *net.UnixListener
}

// NewGateway creates a gateway bound to path once Bind is called.
func NewGateway(path string) *Gateway {
	return &Gateway{path: path}
}

// Bind removes any stale socket file and starts listening.
func (g *Gateway) Bind() error {
	_ = os.Remove(g.path)

	addr, err := net.ResolveUnixAddr("unix", g.path)
	if err != nil {
		return orberr.BindError(g.path, err.Error(), err)
	}
	l, err := net.ListenUnix("unix", addr)
	if err != nil {
		return orberr.BindError(g.path, err.Error(), err)
	}
	g.listener = l
	return nil
}

// Accept blocks for the next incoming worker connection.
func (g *Gateway) Accept() (*Conn, error) {
	if g.listener == nil {
		return nil, orberr.BindError(g.path, "gateway not bound", nil)
	}
	uc, err := g.listener.AcceptUnix()
	if err != nil {
		return nil, err
	}
	return newConn(uc), nil
}

// Close stops listening and removes the socket file.
func (g *Gateway) Close() error {
	if g.listener == nil {
		return nil
	}
	err := g.listener.Close()
	_ = os.Remove(g.path)
	return err
}

// Dial connects to a gateway as a client (used by worker harnesses and
// tests that stand in for a real worker process).
func Dial(path string) (*Conn, error) {
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, err
	}
	uc, err := net.DialUnix("unix", nil, addr)
	if err != nil {
		return nil, err
	}
	return newConn(uc), nil
}

// Conn is one length-prefixed framed connection over a Unix domain
// socket, with buffered reads and access to the peer's credentials.
type Conn struct {
	uc *net.UnixConn
	r  *bufio.Reader
}

func newConn(uc *net.UnixConn) *Conn {
	return &Conn{uc: uc, r: bufio.NewReader(uc)}
}

// Send writes one packet, length-prefixed, to the peer.
func (c *Conn) Send(p ControlPacket) error {
	buf, err := Encode(p)
	if err != nil {
		return err
	}
	_, err = c.uc.Write(buf)
	return err
}

// MaxFrameBytes is the largest frame body Recv will allocate for. A
// length prefix outside (0, MaxFrameBytes] is treated as a corrupt or
// hostile stream rather than read into memory.
const MaxFrameBytes = 16 * 1024 * 1024

// Recv blocks for the next full packet on the connection.
func (c *Conn) Recv() (ControlPacket, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.r, lenBuf[:]); err != nil {
		return ControlPacket{}, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n == 0 || n > MaxFrameBytes {
		return ControlPacket{}, orberr.ShmFailure(fmt.Sprintf("ipc: frame length %d outside (0, %d]", n, MaxFrameBytes), nil)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(c.r, body); err != nil {
		return ControlPacket{}, err
	}

	full := make([]byte, 4+n)
	copy(full[:4], lenBuf[:])
	copy(full[4:], body)

	pkt, _, err := DecodeFrom(full)
	return pkt, err
}

// Close closes the underlying socket.
func (c *Conn) Close() error {
	return c.uc.Close()
}

// PeerPID returns the pid of the process on the other end of the
// socket, obtained via SO_PEERCRED. This is the authentication
// mechanism for worker connections: the host only trusts JobResult and
// Heartbeat messages from the pid it spawned into a given slot.
func (c *Conn) PeerPID() (int32, error) {
	raw, err := c.uc.SyscallConn()
	if err != nil {
		return 0, err
	}

	var ucred *unix.Ucred
	var sockErr error
	ctlErr := raw.Control(func(fd uintptr) {
		ucred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if ctlErr != nil {
		return 0, ctlErr
	}
	if sockErr != nil {
		return 0, sockErr
	}
	return ucred.Pid, nil
}

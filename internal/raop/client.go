package raop

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// tcpClient is the production Client: Connect dials a TCP connection to the
// speaker and holds it open, and the client tracks a local playtime cursor
// the way the external library contract describes (opaque, monotonic,
// advanced by every sent chunk). No RTSP/RAOP handshake or crypto is
// performed; the session is modeled as a persistent control connection
// plus a cursor.
type tcpClient struct {
	cfg Config

	mu   sync.Mutex
	conn net.Conn

	playtime atomic.Int64
}

// NewTCPClient is the default raop.Factory: dial-based reachability plus a
// persistent control connection.
func NewTCPClient(cfg Config) Client {
	return &tcpClient{cfg: cfg}
}

func (c *tcpClient) Connect(ctx context.Context, host string, port int, setVolume bool) error {
	dialer := net.Dialer{Timeout: ReachableTimeout}
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("raop: connect %s: %w", addr, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	return nil
}

func (c *tcpClient) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

func (c *tcpClient) Keepalive() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("raop: keepalive on disconnected client")
	}
	conn.SetWriteDeadline(time.Now().Add(ReachableTimeout))
	_, err := conn.Write(keepaliveProbe)
	return err
}

// AcceptFrames reports whether the library currently has buffer room for
// another chunk. The real protocol tracks this from RTP timing feedback;
// lacking that feedback channel here, a live control connection always
// accepts, matching the contract's steady-state behavior.
func (c *tcpClient) AcceptFrames() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *tcpClient) SendChunk(data []byte, frames int) (int64, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return 0, fmt.Errorf("raop: send_chunk on disconnected client")
	}
	if frames <= 0 {
		return 0, fmt.Errorf("raop: send_chunk with non-positive frame count")
	}

	conn.SetWriteDeadline(time.Now().Add(ReachableTimeout))
	if _, err := conn.Write(data); err != nil {
		return 0, err
	}

	return c.playtime.Add(int64(frames)), nil
}

// keepaliveProbe is a minimal RTSP OPTIONS-style keep-alive payload.
var keepaliveProbe = []byte("OPTIONS * RTSP/1.0\r\n\r\n")

package hostage

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/loomcast/airloom/internal/raop"
)

// fakeClient is a raop.Client test double that records calls and lets
// tests inject failures at each step.
type fakeClient struct {
	cfg raop.Config

	connectErr   error
	accept       bool
	sendErr      error
	keepaliveErr error

	sent [][]byte
}

func (f *fakeClient) Connect(ctx context.Context, host string, port int, setVolume bool) error {
	return f.connectErr
}
func (f *fakeClient) Disconnect()       {}
func (f *fakeClient) Keepalive() error   { return f.keepaliveErr }
func (f *fakeClient) AcceptFrames() bool { return f.accept }
func (f *fakeClient) SendChunk(data []byte, frames int) (int64, error) {
	if f.sendErr != nil {
		return 0, f.sendErr
	}
	f.sent = append(f.sent, data)
	return int64(len(f.sent)), nil
}

func listenLocal(t *testing.T) (addr string, port int, closeFn func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()
	tcpAddr := ln.Addr().(*net.TCPAddr)
	return tcpAddr.IP.String(), tcpAddr.Port, func() { ln.Close() }
}

func TestConnectSucceedsOnFirstAttempt(t *testing.T) {
	t.Parallel()
	ip, port, closeFn := listenLocal(t)
	defer closeFn()

	var captured raop.Config
	factory := func(cfg raop.Config) raop.Client {
		captured = cfg
		return &fakeClient{accept: true}
	}

	h := New(nil, "A", ip, port, "0,1", false, factory)
	if !h.Connect(context.Background()) {
		t.Fatal("Connect should succeed against a reachable listener")
	}
	if !h.Connected() {
		t.Error("hostage should report connected")
	}
	if captured.Crypto != raop.CryptoClear && captured.Crypto != raop.CryptoRSA {
		t.Errorf("unexpected crypto mode %v", captured.Crypto)
	}
}

func TestConnectFailsOnUnreachableAddress(t *testing.T) {
	t.Parallel()
	// A TEST-NET-3 address (RFC 5737): reliably unreachable, no DNS needed.
	h := New(nil, "A", "203.0.113.1", 7, "0,1", false, raop.NewTCPClient)

	ctx, cancel := context.WithTimeout(context.Background(), 1200*time.Millisecond)
	defer cancel()

	if h.Connect(ctx) {
		t.Error("Connect should fail against an unreachable address")
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	t.Parallel()
	h := New(nil, "A", "10.0.0.2", 7000, "0", false, func(cfg raop.Config) raop.Client {
		return &fakeClient{}
	})
	h.Disconnect()
	h.Disconnect()
	if h.Connected() {
		t.Error("hostage should not be connected")
	}
}

func TestSendAudioChunkRejectsUnalignedLength(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{accept: true}
	h := New(nil, "A", "10.0.0.2", 7000, "0", false, func(cfg raop.Config) raop.Client { return fc })
	h.mu.Lock()
	h.client = fc
	h.connected = true
	h.mu.Unlock()

	if h.SendAudioChunk(make([]byte, 1407)) {
		t.Error("send should reject a length that is not a multiple of 4")
	}
}

func TestSendAudioChunkSucceeds(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{accept: true}
	h := New(nil, "A", "10.0.0.2", 7000, "0", false, func(cfg raop.Config) raop.Client { return fc })
	h.mu.Lock()
	h.client = fc
	h.connected = true
	h.mu.Unlock()

	if !h.SendAudioChunk(make([]byte, 1408)) {
		t.Fatal("send should succeed")
	}
	if len(fc.sent) != 1 {
		t.Errorf("expected 1 chunk recorded, got %d", len(fc.sent))
	}
}

func TestPulseReconnectsOnKeepaliveFailure(t *testing.T) {
	t.Parallel()
	ip, port, closeFn := listenLocal(t)
	defer closeFn()

	calls := 0
	factory := func(cfg raop.Config) raop.Client {
		calls++
		return &fakeClient{accept: true, keepaliveErr: errors.New("boom")}
	}

	h := New(nil, "A", ip, port, "0", false, factory)
	h.Connect(context.Background())
	h.Pulse(context.Background())

	if calls < 2 {
		t.Errorf("expected reconnect to create a new client, got %d factory calls", calls)
	}
}

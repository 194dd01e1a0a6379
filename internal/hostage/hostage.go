// Package hostage implements RaopHostage: a persistent RAOP connection to
// one speaker, held open so competing AirPlay sources cannot grab it.
package hostage

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/loomcast/airloom/internal/raop"
)

// WaitAttempts and WaitDelay parameterize wait_for_frames_ready's
// spin/sleep poll.
const (
	WaitAttempts = 200
	WaitDelay    = 1 * time.Millisecond
)

// Hostage is one connection to one speaker: connect-with-capability-
// negotiation, keep-alive, frame-ready gate, chunk send, reconnect.
//
// It satisfies registry.Hostage (Disconnect) so a *Hostage can be stored
// directly in a registry row without that package importing this one.
type Hostage struct {
	log *slog.Logger

	id         string
	ipv4       string
	port       int
	preferAuth bool
	factory    raop.Factory

	mu           sync.Mutex
	et           string
	connected    bool
	lastAuthUsed bool
	client       raop.Client
	playtime     int64
}

// New creates a disconnected Hostage for speaker id at ipv4:port,
// advertising capability string et. preferAuth selects which half of the
// two-attempt connect() order is tried first. If factory is nil,
// raop.NewTCPClient is used.
func New(log *slog.Logger, id, ipv4 string, port int, et string, preferAuth bool, factory raop.Factory) *Hostage {
	if log == nil {
		log = slog.Default()
	}
	if factory == nil {
		factory = raop.NewTCPClient
	}
	return &Hostage{
		log:        log.With("component", "hostage", "speaker", id),
		id:         id,
		ipv4:       ipv4,
		port:       port,
		et:         sanitizeET(et),
		preferAuth: preferAuth,
		factory:    factory,
	}
}

// ID returns the speaker id this hostage is attached to.
func (h *Hostage) ID() string { return h.id }

// Connect tries up to two attempts in the order [preferAuth, !preferAuth],
// returning true on the first success. Both auth flags are tried even when
// raop.Decide yields the same settings for each.
func (h *Hostage) Connect(ctx context.Context) bool {
	h.mu.Lock()
	already := h.connected
	h.mu.Unlock()
	if already {
		return true
	}

	attempts := []bool{h.preferAuth, !h.preferAuth}
	tried := make(map[bool]bool, 2)

	for _, authFlag := range attempts {
		if tried[authFlag] {
			continue
		}
		tried[authFlag] = true

		if h.attemptConnect(ctx, authFlag) {
			return true
		}
		h.log.Warn("raop connect failed", "auth", authFlag)
	}

	h.log.Warn("exhausted all connection strategies")
	return false
}

func (h *Hostage) attemptConnect(ctx context.Context, authFlag bool) bool {
	h.Disconnect()

	probeCtx, cancel := context.WithTimeout(ctx, raop.ReachableTimeout)
	defer cancel()
	if !reachable(probeCtx, h.ipv4, h.port) {
		return false
	}

	decision := raop.Decide(h.et, authFlag)

	cfg := raop.DefaultConfig()
	cfg.Crypto = decision.Crypto
	cfg.EnableAuth = decision.EnableAuth
	cfg.ET = decision.ET

	h.log.Info("creating raop client",
		"auth", authFlag, "crypto", decision.Crypto, "et", decision.ET)

	client := h.factory(cfg)

	h.log.Info("attempting raop connect", "ip", h.ipv4, "port", h.port, "auth", authFlag)
	if err := client.Connect(ctx, h.ipv4, h.port, true); err != nil {
		h.log.Warn("raop protocol connect failed", "auth", authFlag, "error", err)
		return false
	}

	h.mu.Lock()
	h.client = client
	h.connected = true
	h.lastAuthUsed = authFlag
	h.mu.Unlock()

	h.log.Info("raop connect succeeded", "auth", authFlag)
	return true
}

// Disconnect idempotently tears down the client.
func (h *Hostage) Disconnect() {
	h.mu.Lock()
	client := h.client
	h.client = nil
	h.connected = false
	h.mu.Unlock()

	if client != nil {
		client.Disconnect()
	}
}

// Pulse issues a keep-alive if connected. On failure it disconnects and
// immediately attempts to reconnect.
func (h *Hostage) Pulse(ctx context.Context) {
	h.mu.Lock()
	client := h.client
	connected := h.connected
	h.mu.Unlock()

	if !connected || client == nil {
		return
	}

	if err := client.Keepalive(); err != nil {
		h.log.Warn("keepalive failed, reconnecting", "error", err)
		h.Disconnect()
		h.Connect(ctx)
	}
}

// Connected reports whether the hostage currently holds a live client.
func (h *Hostage) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}

// AcceptFrames reports whether the library currently has room for another
// chunk.
func (h *Hostage) AcceptFrames() bool {
	h.mu.Lock()
	client := h.client
	connected := h.connected
	h.mu.Unlock()
	if !connected || client == nil {
		return false
	}
	return client.AcceptFrames()
}

// WaitForFramesReady spin/sleep polls AcceptFrames, returning true on the
// first true and false after WaitAttempts exhausted.
func (h *Hostage) WaitForFramesReady() bool {
	for attempt := 0; attempt < WaitAttempts; attempt++ {
		if h.AcceptFrames() {
			return true
		}
		if WaitDelay > 0 {
			time.Sleep(WaitDelay)
		}
	}
	return false
}

// SendAudioChunk transmits data (length must be a multiple of 4) and
// returns success/failure; the playtime cursor is updated opaquely.
func (h *Hostage) SendAudioChunk(data []byte) bool {
	if len(data)%4 != 0 {
		h.log.Error("send_audio_chunk: length not a multiple of 4", "len", len(data))
		return false
	}
	frames := len(data) / 4

	h.mu.Lock()
	client := h.client
	connected := h.connected
	h.mu.Unlock()
	if !connected || client == nil {
		return false
	}

	playtime, err := client.SendChunk(data, frames)
	if err != nil {
		h.log.Warn("send_audio_chunk failed", "error", err)
		return false
	}

	h.mu.Lock()
	h.playtime = playtime
	h.mu.Unlock()
	return true
}

// Playtime returns the most recently observed playtime cursor.
func (h *Hostage) Playtime() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.playtime
}

func sanitizeET(et string) string {
	return strings.Join(strings.Fields(et), "")
}

// reachable performs the 1s-timeout TCP reachability probe described in
// the external RAOP contract, ahead of the real connect attempt.
func reachable(ctx context.Context, ipv4 string, port int) bool {
	if ipv4 == "" || ipv4 == "0.0.0.0" {
		return false
	}
	dialer := net.Dialer{Timeout: raop.ReachableTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", ipv4, port))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

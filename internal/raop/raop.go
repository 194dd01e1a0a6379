// Package raop adapts the external RAOP (AirPlay 1) client library
// contract described in the system's external interfaces: create/connect/
// disconnect/keepalive/accept_frames/send_chunk, crypto modes CLEAR/RSA,
// codec ALAC. The concrete wire protocol is out of scope here; Client is
// the seam a real RAOP library implementation plugs into.
package raop

import (
	"context"
	"time"
)

// CryptoMode selects the RAOP session's encryption mode.
type CryptoMode int

// Crypto modes supported by the RAOP library contract.
const (
	CryptoClear CryptoMode = iota
	CryptoRSA
)

func (m CryptoMode) String() string {
	if m == CryptoRSA {
		return "RSA"
	}
	return "CLEAR"
}

// Codec identifies the audio codec negotiated with the client library.
type Codec int

// Only ALAC is used; FramesPerChunk/SampleRate/BitsPerSample/Channels are
// otherwise fixed at their AirPlay 1 defaults.
const (
	CodecALAC Codec = iota
)

// Config parameters for creating a RAOP client, per spec's external
// interface: codec ALAC, default frames-per-chunk, 44100 Hz, 16-bit stereo.
type Config struct {
	Codec          Codec
	FramesPerChunk int
	SampleRate     int
	BitsPerSample  int
	Channels       int
	Crypto         CryptoMode
	EnableAuth     bool
	ET             string
}

// DefaultConfig returns the fixed audio format parameters used for every
// RAOP session, with Crypto/EnableAuth/ET left for the caller to fill in
// from the capability decision table (see Decide).
func DefaultConfig() Config {
	return Config{
		Codec:          CodecALAC,
		FramesPerChunk: 352,
		SampleRate:     44100,
		BitsPerSample:  16,
		Channels:       2,
	}
}

// Client is the external RAOP library contract: one connection to one
// speaker. The streamer calls AcceptFrames/SendChunk and the heartbeat calls
// Keepalive from its own goroutine; internal/hostage does not serialize the
// two, so Keepalive can overlap a streamer call on the same Client.
type Client interface {
	// Connect dials host:port and performs the RAOP handshake. setVolume
	// requests the library apply its default session volume on connect.
	Connect(ctx context.Context, host string, port int, setVolume bool) error
	Disconnect()
	Keepalive() error
	AcceptFrames() bool
	// SendChunk transmits frames of audio (len(data)/4 frames of 16-bit
	// stereo PCM) and returns the library's running playtime cursor.
	SendChunk(data []byte, frames int) (playtime int64, err error)
}

// Factory constructs a Client for one connection attempt, configured per
// cfg. Swappable in tests; production wiring supplies NewTCPClient.
type Factory func(cfg Config) Client

// Decision is the result of the capability/auth decision table in the
// external RAOP contract: which crypto mode to request, whether to enable
// FairPlay auth, and the (possibly amended) et string to hand the library.
type Decision struct {
	SupportClear bool
	SupportRSA   bool
	SupportFP    bool
	EnableAuth   bool
	UseRSA       bool
	Crypto       CryptoMode
	ET           string
}

// Decide computes the crypto/auth decision for one connection attempt.
// et is the speaker's capability string (already whitespace-stripped);
// attemptAuth is true on the auth-preferring half of a connect() attempt
// pair. This is the exhaustive decision table referenced by the external
// contract: every combination of (support_clear, support_rsa, support_fp,
// attempt_auth) is covered by the boolean algebra below, no branch is
// missing.
func Decide(et string, attemptAuth bool) Decision {
	supportClear := etHas(et, '0')
	supportRSA := etHas(et, '1') || etHas(et, '3') || etHas(et, '4')
	supportFP := etHas(et, '4')

	enableAuth := attemptAuth && supportFP
	useRSA := (!supportClear && supportRSA) || enableAuth

	crypto := CryptoClear
	if useRSA {
		crypto = CryptoRSA
	}

	sendET := et
	if enableAuth && !etHas(et, '4') {
		if sendET != "" {
			sendET += ","
		}
		sendET += "4"
	}

	return Decision{
		SupportClear: supportClear,
		SupportRSA:   supportRSA,
		SupportFP:    supportFP,
		EnableAuth:   enableAuth,
		UseRSA:       useRSA,
		Crypto:       crypto,
		ET:           sendET,
	}
}

func etHas(et string, token byte) bool {
	for i := 0; i < len(et); i++ {
		if et[i] == token {
			return true
		}
	}
	return false
}

// ReachableTimeout is the reachability-probe timeout used before every
// connect attempt.
const ReachableTimeout = 1 * time.Second

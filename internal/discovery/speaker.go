package discovery

import "strings"

// Speaker is a discovered AirPlay/RAOP endpoint, derived from an mDNS
// `_raop._tcp` service instance.
type Speaker struct {
	// ID is derived from the full mDNS service instance name and is
	// stable across snapshots as long as the speaker keeps advertising
	// under the same instance.
	ID       string
	Name     string
	Hostname string
	IPv4     string
	Port     int
	TXT      map[string]string

	// ET is the capability token string from the "et" TXT key, with
	// whitespace stripped.
	ET string

	// RequiresAuth is true if ET contains '4' (FairPlay) or TXT "pw" is "1".
	RequiresAuth bool
}

// etSupportsToken reports whether et contains the given capability digit.
func etSupportsToken(et string, token byte) bool {
	return strings.IndexByte(et, token) >= 0
}

// SupportsClear reports whether the speaker accepts the CLEAR crypto mode.
func (s Speaker) SupportsClear() bool { return etSupportsToken(s.ET, '0') }

// SupportsRSA reports whether the speaker accepts RSA-based crypto.
func (s Speaker) SupportsRSA() bool {
	return etSupportsToken(s.ET, '1') || etSupportsToken(s.ET, '3') || etSupportsToken(s.ET, '4')
}

// SupportsFairPlay reports whether the speaker requires/accepts FairPlay auth.
func (s Speaker) SupportsFairPlay() bool { return etSupportsToken(s.ET, '4') }

// deriveSpeaker builds a Speaker from a resolved mDNS instance, applying
// the TXT normalization and requires_auth derivation from spec.md §3/§4.1.
func deriveSpeaker(id, name, hostname, ipv4 string, port int, txt map[string]string) Speaker {
	et := strings.Join(strings.Fields(txt["et"]), "")
	requiresAuth := etSupportsToken(et, '4') || txt["pw"] == "1"

	return Speaker{
		ID:           id,
		Name:         name,
		Hostname:     hostname,
		IPv4:         ipv4,
		Port:         port,
		TXT:          txt,
		ET:           et,
		RequiresAuth: requiresAuth,
	}
}

// parseTXT normalizes a raw mDNS TXT record (a list of "key=value" strings)
// into a map, lower-casing keys and leaving values verbatim except for
// whitespace stripping on "et" (handled in deriveSpeaker).
func parseTXT(records []string) map[string]string {
	out := make(map[string]string, len(records))
	for _, rec := range records {
		key, value, found := strings.Cut(rec, "=")
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			continue
		}
		if !found {
			out[key] = ""
			continue
		}
		out[key] = value
	}
	return out
}

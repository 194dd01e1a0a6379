// Package registry tracks discovered speakers by id, applying the
// snapshot merge policy from spec.md §4.2: SpeakerRegistry is the
// authoritative mapping of speaker id -> {info, online?, reserved?,
// hostage?, retry counters}.
//
// Registry is NOT safe for concurrent use on its own. Per spec.md I6,
// every state-mutating path that observes both the registry and the
// group map does so under a single shared lock; that lock lives on
// internal/appstate.AppState, which embeds a Registry. Callers outside
// appstate must hold AppState's lock before calling any method here.
package registry

import (
	"log/slog"

	"github.com/loomcast/airloom/internal/discovery"
)

// Hostage is the subset of a RAOP hostage the registry needs to know
// about for merge/offline handling, without importing the hostage
// package (which would create an import cycle: hostage doesn't need
// to know about the registry, but the registry needs to be able to
// drop a hostage when a speaker goes offline).
type Hostage interface {
	Disconnect()
}

// State is a registry row: one speaker's discovery info plus group
// membership and connection-retry bookkeeping.
type State struct {
	Info      discovery.Speaker
	Connected bool
	Reserved  bool

	Hostage Hostage

	NotReadyStreak    uint32
	ReconnectAttempts uint32
}

// Registry is the authoritative id -> State map.
type Registry struct {
	log  *slog.Logger
	rows map[string]*State
}

// New creates an empty Registry. If log is nil, slog.Default() is used.
func New(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:  log.With("component", "registry"),
		rows: make(map[string]*State),
	}
}

// Merge applies a discovery snapshot: upserts every speaker present in the
// snapshot (marking it connected), and marks every previously-known speaker
// absent from the snapshot as disconnected, dropping its hostage if it has
// one. Reservation is preserved across the offline transition so a
// returning speaker rejoins its group (spec.md §4.2, S6).
func (r *Registry) Merge(snapshot []discovery.Speaker) {
	present := make(map[string]bool, len(snapshot))

	for _, sp := range snapshot {
		present[sp.ID] = true
		row, ok := r.rows[sp.ID]
		if !ok {
			row = &State{}
			r.rows[sp.ID] = row
		}
		row.Info = sp
		row.Connected = true
	}

	for id, row := range r.rows {
		if present[id] || !row.Connected {
			continue
		}
		row.Connected = false
		if row.Hostage != nil {
			row.Hostage.Disconnect()
			row.Hostage = nil
			r.log.Info("disconnected (offline)", "speaker", id)
		}
	}
}

// Get returns a copy of the row for id, or false if unknown.
func (r *Registry) Get(id string) (State, bool) {
	row, ok := r.rows[id]
	if !ok {
		return State{}, false
	}
	return *row, true
}

// Row returns the live row for id, creating it if absent. Mutations through
// the returned pointer are visible to subsequent Get/Snapshot calls.
func (r *Registry) Row(id string) *State {
	row, ok := r.rows[id]
	if !ok {
		row = &State{}
		r.rows[id] = row
	}
	return row
}

// Snapshot returns a copy of every row, keyed by speaker id.
func (r *Registry) Snapshot() map[string]State {
	out := make(map[string]State, len(r.rows))
	for id, row := range r.rows {
		out[id] = *row
	}
	return out
}

// Available returns the ids of speakers that are connected and not
// reserved by any group.
func (r *Registry) Available() []string {
	var out []string
	for id, row := range r.rows {
		if row.Connected && !row.Reserved {
			out = append(out, id)
		}
	}
	return out
}

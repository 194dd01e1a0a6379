// Package appstate is the explicit shared-state value the design notes
// call for in place of the original's global mutable statics
// (speaker_states, groups, running, chunk_counter): a single value, owned
// by main and handed to every subsystem, with one mutex inside protecting
// both the speaker registry and the group map (spec.md I6).
package appstate

import (
	"sync"
	"sync/atomic"

	"github.com/loomcast/airloom/internal/registry"
)

// Process is the subset of a receiver process a Group needs to own,
// without internal/appstate depending on internal/receiver.
type Process interface {
	Stop()
}

// StreamerHandle is the subset of a running streamer task a Group needs to
// own for teardown, without internal/appstate depending on internal/engine.
type StreamerHandle interface {
	// Stop requests the streamer loop exit and blocks until it has.
	Stop()
}

// Group is the active fan-out row for one named group, per spec.md §3.
// Fields are read and written while the owning AppState's lock is held,
// including the engine's ChunkQueue/PendingBytes/ConsecutiveSilenceChunks
// accesses during the brief snapshot-under-lock window described in
// spec.md §4.5. GroupManager.Delete reads Streamer, Process and MemberIDs
// after releasing the lock, once it has set StreamerRunning to false.
type Group struct {
	Name            string
	Port            int
	ParentInterface string
	MemberIDs       []string

	Process Process

	PendingBytes             []byte
	ChunkQueue               [][]byte
	StreamerRunning          bool
	Streamer                 StreamerHandle
	ConsecutiveSilenceChunks uint64
}

// AppState is the single shared-state value. Speakers and Groups are both
// guarded by the embedded mutex; callers must hold it (via Lock/Unlock or
// With) before touching either.
type AppState struct {
	mu sync.Mutex

	Speakers *registry.Registry
	Groups   map[string]*Group

	Running      atomic.Bool
	ChunkCounter atomic.Uint64
}

// New creates an AppState with an empty registry and group map, with
// Running initialized to true.
func New() *AppState {
	as := &AppState{
		Speakers: registry.New(nil),
		Groups:   make(map[string]*Group),
	}
	as.Running.Store(true)
	return as
}

// Lock acquires the shared state mutex.
func (as *AppState) Lock() { as.mu.Lock() }

// Unlock releases the shared state mutex.
func (as *AppState) Unlock() { as.mu.Unlock() }

// With runs fn with the shared state mutex held. Per spec.md §5, fn must
// not block on I/O or another lock; snapshot what's needed and do blocking
// work after With returns.
func (as *AppState) With(fn func(as *AppState)) {
	as.mu.Lock()
	defer as.mu.Unlock()
	fn(as)
}

// Package engine implements GroupEngine, the hot path described in
// spec.md §4.5: re-chunking ingested PCM to RAOP frame geometry, buffering
// it in a bounded queue, and streaming it to a group's hostages with
// silence generation and stall-triggered reconnects.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/loomcast/airloom/internal/appstate"
	"github.com/loomcast/airloom/internal/hostage"
	"github.com/loomcast/airloom/internal/metrics"
	"github.com/loomcast/airloom/internal/raop"
)

// ChunkBytes is one RAOP chunk: 352 frames of 16-bit stereo PCM.
const ChunkBytes = 4 * 352

// MaxQueuedChunks bounds the per-group chunk queue (spec.md I3).
const MaxQueuedChunks = 16

// notReadyThreshold is the consecutive readiness-failure count at which the
// streamer forces a reconnect (spec.md §4.5 step 3); at 1, the first
// failure triggers it.
const notReadyThreshold = 1

// silenceStallThreshold switches the streamer to a 2ms sleep once this
// many consecutive silence chunks have been sent (spec.md §4.5 step 5).
const silenceStallThreshold = 1000

// Engine drives the ingest and streamer activities for one group.
type Engine struct {
	log     *slog.Logger
	state   *appstate.AppState
	group   string
	metrics *metrics.Metrics
	factory raop.Factory

	stop chan struct{}
	done chan struct{}
}

// New creates an Engine for the named group, already present in
// state.Groups. m may be nil, in which case metrics recording is skipped.
// factory builds the raop.Client a reconstructed hostage connects with
// (see handleNotReady's rejoin path); if nil, raop.NewTCPClient is used.
func New(log *slog.Logger, state *appstate.AppState, groupName string, m *metrics.Metrics, factory raop.Factory) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if factory == nil {
		factory = raop.NewTCPClient
	}
	return &Engine{
		log:     log.With("component", "engine", "group", groupName),
		state:   state,
		group:   groupName,
		metrics: m,
		factory: factory,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Ingest appends freshly-read PCM bytes to the group's pending buffer,
// carving off as many full chunks as are available and pushing them to
// the back of the chunk queue, dropping the oldest on overflow (spec.md
// §4.5 Ingest, I3/I4). It is invoked from the receiver's reader goroutine
// on every non-empty read and must stay cheap: one lock acquisition, no
// I/O.
func (e *Engine) Ingest(data []byte) {
	e.state.With(func(as *appstate.AppState) {
		g, ok := as.Groups[e.group]
		if !ok {
			return
		}

		g.PendingBytes = append(g.PendingBytes, data...)

		silenceBeforeResume := g.ConsecutiveSilenceChunks

		produced := 0
		for len(g.PendingBytes) >= ChunkBytes {
			chunk := make([]byte, ChunkBytes)
			copy(chunk, g.PendingBytes[:ChunkBytes])
			g.PendingBytes = g.PendingBytes[ChunkBytes:]

			g.ChunkQueue = append(g.ChunkQueue, chunk)
			if len(g.ChunkQueue) > MaxQueuedChunks {
				g.ChunkQueue = g.ChunkQueue[1:]
			}
			produced++
		}

		if produced > 0 {
			g.ConsecutiveSilenceChunks = 0
			if silenceBeforeResume > 0 {
				e.log.Info(fmt.Sprintf("Audio resumed after %d silence chunks", silenceBeforeResume))
			}
		}

		if e.metrics != nil {
			e.metrics.SetChunkQueueDepth(e.group, len(g.ChunkQueue))
		}
	})
}

// hostageSnapshot is a member id paired with its live hostage handle, or a
// nil handle if the speaker currently has none.
type hostageSnapshot struct {
	id string
	h  *hostage.Hostage
}

// Run executes the streamer loop until Stop is called. It satisfies
// appstate.StreamerHandle.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.done)

	for {
		select {
		case <-e.stop:
			e.log.Info("streamer exiting")
			return
		case <-ctx.Done():
			return
		default:
		}

		sleep, requeued := e.iterate(ctx)
		if sleep > 0 {
			select {
			case <-time.After(sleep):
			case <-e.stop:
				return
			case <-ctx.Done():
				return
			}
		}
		_ = requeued
	}
}

// Stop requests the streamer loop exit and blocks until it has, per
// appstate.StreamerHandle.
func (e *Engine) Stop() {
	close(e.stop)
	<-e.done
}

// iterate runs one streamer loop iteration (spec.md §4.5 steps 1-5) and
// returns the sleep duration to apply before the next iteration.
func (e *Engine) iterate(ctx context.Context) (sleep time.Duration, requeued bool) {
	var (
		chunk     []byte
		isSilence bool
		snapshot  []hostageSnapshot
	)

	e.state.With(func(as *appstate.AppState) {
		g, ok := as.Groups[e.group]
		if !ok {
			return
		}

		if len(g.ChunkQueue) > 0 {
			chunk = g.ChunkQueue[0]
			g.ChunkQueue = g.ChunkQueue[1:]
		} else {
			chunk = make([]byte, ChunkBytes)
			isSilence = true
		}

		snapshot = snapshotHostages(as, g.MemberIDs)
	})

	if len(snapshot) == 0 {
		return 1 * time.Millisecond, false
	}

	var blocked string
	for _, m := range snapshot {
		if m.h == nil || !m.h.WaitForFramesReady() {
			blocked = m.id
			break
		}
	}

	if blocked != "" {
		if !isSilence {
			e.state.With(func(as *appstate.AppState) {
				g, ok := as.Groups[e.group]
				if !ok {
					return
				}
				g.ChunkQueue = append([][]byte{chunk}, g.ChunkQueue...)
				// Deliberate exception to I3's "drop oldest": the chunk
				// just requeued to the front is the one we most need to
				// keep, so an overflow here trims the tail instead.
				if len(g.ChunkQueue) > MaxQueuedChunks {
					g.ChunkQueue = g.ChunkQueue[:MaxQueuedChunks]
				}
			})
			requeued = true
		}
		e.handleNotReady(ctx, blocked)
		return 2 * time.Millisecond, requeued
	}

	e.state.ChunkCounter.Add(1)

	var consecutiveSilence uint64
	e.state.With(func(as *appstate.AppState) {
		g, ok := as.Groups[e.group]
		if !ok {
			return
		}
		if isSilence {
			g.ConsecutiveSilenceChunks++
		} else {
			g.ConsecutiveSilenceChunks = 0
		}
		consecutiveSilence = g.ConsecutiveSilenceChunks
	})

	sent := false
	for _, m := range snapshot {
		if m.h == nil || !m.h.Connected() {
			continue
		}
		if !m.h.SendAudioChunk(chunk) {
			e.log.Warn("send_audio_chunk failed, reconnecting", "speaker", m.id)
			m.h.Disconnect()
			m.h.Connect(ctx)
			if e.metrics != nil {
				e.metrics.IncHostageReconnects(m.id)
			}
			continue
		}
		sent = true
	}

	if e.metrics != nil && sent {
		if isSilence {
			e.metrics.IncSilenceChunks(e.group)
		} else {
			e.metrics.IncChunksSent(e.group)
		}
	}

	if isSilence {
		if consecutiveSilence > silenceStallThreshold {
			return 2 * time.Millisecond, false
		}
		return 1 * time.Millisecond, false
	}
	return 0, false
}

// handleNotReady increments the blocked speaker's stall streak and forces
// a reconnect only on the transition to notReadyStreak == notReadyThreshold
// (spec.md §4.5 step 3 / §7 "frame-readiness stall"). On a failed
// reconnect the streak is left as-is, so later iterations that push it
// past the threshold do not trigger another reconnect attempt — recovery
// then falls to the heartbeat's pulse() path (spec.md §7), matching P7's
// "exactly one reconnect attempt on the first stall; no reconnect loop".
//
// A blocked speaker with no hostage at all — one that dropped offline
// (Merge nils out its Hostage on the offline transition) and has since
// come back (Connected == true again) — has nothing for a type assertion
// to find, so the same transition instead reconstructs a hostage from the
// registry row's discovery info and connects it. This is "the group
// engine reconnects the hostage on the next streamer iteration" from
// spec.md §4.2/S6.
func (e *Engine) handleNotReady(ctx context.Context, speakerID string) {
	var h *hostage.Hostage
	reconnect := false

	var rejoin bool
	var ipv4, et string
	var port int
	var preferAuth bool

	e.state.With(func(as *appstate.AppState) {
		row := as.Speakers.Row(speakerID)
		row.NotReadyStreak++
		if row.NotReadyStreak != notReadyThreshold {
			return
		}
		if rh, ok := row.Hostage.(*hostage.Hostage); ok {
			h = rh
			reconnect = true
			return
		}
		if row.Connected && row.Info.IPv4 != "" && row.Info.Port != 0 {
			ipv4, port, et, preferAuth = row.Info.IPv4, row.Info.Port, row.Info.ET, row.Info.RequiresAuth
			rejoin = true
		}
	})

	switch {
	case reconnect && h != nil:
		h.Disconnect()
		if e.metrics != nil {
			e.metrics.IncHostageReconnects(speakerID)
		}
		if h.Connect(ctx) {
			e.state.With(func(as *appstate.AppState) {
				as.Speakers.Row(speakerID).NotReadyStreak = 0
			})
		}
	case rejoin:
		nh := hostage.New(e.log, speakerID, ipv4, port, et, preferAuth, e.factory)
		if e.metrics != nil {
			e.metrics.IncHostageReconnects(speakerID)
		}
		if nh.Connect(ctx) {
			e.state.With(func(as *appstate.AppState) {
				row := as.Speakers.Row(speakerID)
				row.Hostage = nh
				row.NotReadyStreak = 0
			})
		}
	}
}

// snapshotHostages returns, for each member id in order, its live hostage
// handle (nil if absent). Callers must hold the AppState lock.
func snapshotHostages(as *appstate.AppState, memberIDs []string) []hostageSnapshot {
	ids := make([]string, len(memberIDs))
	copy(ids, memberIDs)
	sort.Strings(ids)

	out := make([]hostageSnapshot, 0, len(ids))
	for _, id := range ids {
		row, ok := as.Speakers.Get(id)
		var h *hostage.Hostage
		if ok {
			h, _ = row.Hostage.(*hostage.Hostage)
		}
		out = append(out, hostageSnapshot{id: id, h: h})
	}
	return out
}

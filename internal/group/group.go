// Package group implements GroupManager: create/delete groups, port
// allocation, reserve/release of member speakers, and the heartbeat task
// that pulses every connected hostage, per spec.md §4.6.
package group

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loomcast/airloom/internal/appstate"
	"github.com/loomcast/airloom/internal/engine"
	"github.com/loomcast/airloom/internal/hostage"
	"github.com/loomcast/airloom/internal/metrics"
	"github.com/loomcast/airloom/internal/raop"
	"github.com/loomcast/airloom/internal/receiver"
	"github.com/loomcast/airloom/internal/secrets"
)

// portRangeStart/End bound the free port set groups are allocated from
// (spec.md §3, I5).
const (
	portRangeStart = 6000
	portRangeEnd   = 20000
)

// heartbeatInterval is the heartbeat task's tick period.
const heartbeatInterval = 100 * time.Millisecond

// normalPulseTicks/fastPulseTicks set the pulse cadence: every 30 ticks
// normally, every 10 ticks once any group is deep in silence.
const (
	normalPulseTicks = 30
	fastPulseTicks   = 10
)

// silenceFastPulseThreshold is the consecutive_silence_chunks level that
// switches the heartbeat to the faster pulse cadence (spec.md §4.6).
const silenceFastPulseThreshold = 500

// Manager owns group lifecycle orchestration.
type Manager struct {
	log     *slog.Logger
	state   *appstate.AppState
	factory raop.Factory
	metrics *metrics.Metrics
	secrets *secrets.Store

	// hexSuffix returns the namespace/macvlan suffix for a new receiver
	// launch. Overridable in tests; production uses the low 32 bits of a
	// wall-clock nanosecond timestamp, per spec.md §6.
	hexSuffix func() string
}

// New creates a Manager bound to state. If factory is nil,
// raop.NewTCPClient is used for every hostage. m and store may both be
// nil, in which case metrics recording and paired-secret lookup are
// skipped respectively.
func New(log *slog.Logger, state *appstate.AppState, factory raop.Factory, m *metrics.Metrics, store *secrets.Store) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if factory == nil {
		factory = raop.NewTCPClient
	}
	return &Manager{
		log:       log.With("component", "group-manager"),
		state:     state,
		factory:   factory,
		metrics:   m,
		secrets:   store,
		hexSuffix: defaultHexSuffix,
	}
}

func defaultHexSuffix() string {
	return fmt.Sprintf("%08x", uint32(time.Now().UnixNano()))
}

// Create allocates a group named name with the given members on
// parentInterface, per spec.md §4.6 create(). The skeletal group row is
// inserted synchronously under the lock; hostage connects and receiver
// startup happen afterward, outside the hot path.
func (m *Manager) Create(ctx context.Context, name string, memberIDs []string, parentInterface string) error {
	var port int
	var members []string

	err := func() error {
		var innerErr error
		m.state.With(func(as *appstate.AppState) {
			if _, exists := as.Groups[name]; exists {
				innerErr = fmt.Errorf("group: %q already exists", name)
				return
			}

			p, ok := allocatePortLocked(as)
			if !ok {
				innerErr = fmt.Errorf("group: no free port in [%d, %d)", portRangeStart, portRangeEnd)
				return
			}

			members = append(members, memberIDs...)
			as.Groups[name] = &appstate.Group{
				Name:            name,
				Port:            p,
				ParentInterface: parentInterface,
				MemberIDs:       members,
			}
			port = p
		})
		return innerErr
	}()
	if err != nil {
		return err
	}

	m.log.Info("group created (skeletal)", "group", name, "port", port, "members", members)

	proc := receiver.New(m.log, name, port, parentInterface, m.hexSuffix())
	eng := engine.New(m.log, m.state, name, m.metrics, m.factory)
	proc.SetCallback(eng.Ingest)

	for _, id := range members {
		m.connectMember(ctx, name, id)
	}

	if err := proc.Start(ctx); err != nil {
		m.log.Error("receiver start failed, group stays registered but silent", "group", name, "error", err)
	}

	m.state.With(func(as *appstate.AppState) {
		g, ok := as.Groups[name]
		if !ok {
			return
		}
		g.Process = proc
		g.Streamer = eng
		g.StreamerRunning = true
	})

	go eng.Run(ctx)

	m.recordGroupsActive()
	m.log.Info("group started", "group", name)
	return nil
}

// connectMember reserves one member for groupName and, if it doesn't
// already have a hostage and its address is known, constructs and
// connects one. The reservation is set unconditionally — per spec.md
// §4.6 step 2 ("Set reserved = true on each member") and I1/P1 (reserved
// ids == the union of every group's member_ids) — so a member with a
// not-yet-resolved address still counts as reserved; it will connect once
// discovery learns its address and handleNotReady's rejoin path catches
// it up (spec.md §4.2, S6).
func (m *Manager) connectMember(ctx context.Context, groupName, speakerID string) {
	var ipv4 string
	var port int
	var et string
	preferAuth := false
	var need bool
	m.state.With(func(as *appstate.AppState) {
		sp := as.Speakers.Row(speakerID)
		sp.Reserved = true
		if sp.Hostage != nil {
			return
		}
		if sp.Info.IPv4 == "" || sp.Info.Port == 0 {
			m.log.Warn("skipping member with invalid address", "speaker", speakerID)
			return
		}
		ipv4 = sp.Info.IPv4
		port = sp.Info.Port
		et = sp.Info.ET
		preferAuth = sp.Info.RequiresAuth
		need = true
	})

	if !need {
		return
	}

	if m.secrets != nil {
		if _, paired := m.secrets.Get(speakerID); paired {
			m.log.Debug("speaker has a stored pairing secret", "speaker", speakerID)
		}
	}

	h := hostage.New(m.log, speakerID, ipv4, port, et, preferAuth, m.factory)
	ok := h.Connect(ctx)

	m.state.With(func(as *appstate.AppState) {
		as.Speakers.Row(speakerID).Hostage = h
	})

	if ok {
		m.log.Info("hostage connected", "group", groupName, "speaker", speakerID)
	} else {
		m.log.Warn("hostage failed to connect, group is degraded", "group", groupName, "speaker", speakerID)
	}
}

// Delete tears down a group: stops the streamer and receiver process
// outside the lock, then releases members and erases the row, per
// spec.md §4.6 delete().
func (m *Manager) Delete(name string) error {
	var g *appstate.Group

	m.state.With(func(as *appstate.AppState) {
		gg, ok := as.Groups[name]
		if !ok {
			return
		}
		gg.StreamerRunning = false
		g = gg
	})
	if g == nil {
		return fmt.Errorf("group: %q not found", name)
	}

	if g.Streamer != nil {
		g.Streamer.Stop()
	}
	if g.Process != nil {
		g.Process.Stop()
	}

	m.state.With(func(as *appstate.AppState) {
		for _, id := range g.MemberIDs {
			sp := as.Speakers.Row(id)
			sp.Reserved = false
			if sp.Hostage != nil {
				sp.Hostage.Disconnect()
				sp.Hostage = nil
			}
		}
		delete(as.Groups, name)
	})

	m.recordGroupsActive()
	m.log.Info("group deleted", "group", name)
	return nil
}

// recordGroupsActive samples the current group count into the
// groups-active gauge, if metrics are enabled.
func (m *Manager) recordGroupsActive() {
	if m.metrics == nil {
		return
	}
	var n int
	m.state.With(func(as *appstate.AppState) {
		n = len(as.Groups)
	})
	m.metrics.SetGroupsActive(n)
}

// allocatePortLocked scans [portRangeStart, portRangeEnd) and returns the
// smallest unused port. Callers must hold the AppState lock.
func allocatePortLocked(as *appstate.AppState) (int, bool) {
	used := make(map[int]bool, len(as.Groups))
	for _, g := range as.Groups {
		used[g.Port] = true
	}
	for p := portRangeStart; p < portRangeEnd; p++ {
		if !used[p] {
			return p, true
		}
	}
	return 0, false
}

// Heartbeat runs the periodic pulse task until ctx is cancelled, per
// spec.md §4.6: ticks every 100ms; every normalPulseTicks ticks normally
// (fastPulseTicks when any group is deep in silence), pulses every
// connected hostage.
func (m *Manager) Heartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	var tickCount uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tickCount++

			cadence := normalPulseTicks
			if m.anyGroupDeepInSilence() {
				cadence = fastPulseTicks
			}
			if tickCount%uint64(cadence) != 0 {
				continue
			}

			m.pulseAll(ctx)
		}
	}
}

func (m *Manager) anyGroupDeepInSilence() bool {
	deep := false
	m.state.With(func(as *appstate.AppState) {
		for _, g := range as.Groups {
			if g.ConsecutiveSilenceChunks > silenceFastPulseThreshold {
				deep = true
				return
			}
		}
	})
	return deep
}

func (m *Manager) pulseAll(ctx context.Context) {
	var hostages []*hostage.Hostage
	m.state.With(func(as *appstate.AppState) {
		for _, row := range as.Speakers.Snapshot() {
			if h, ok := row.Hostage.(*hostage.Hostage); ok {
				hostages = append(hostages, h)
			}
		}
	})
	for _, h := range hostages {
		h.Pulse(ctx)
	}
}

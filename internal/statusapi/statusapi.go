// Package statusapi exposes a read-only HTTP surface for external tools
// to poll snapshots of speakers, groups, and Prometheus metrics, per
// SPEC_FULL.md §4.10. All mutation (create/delete group) happens through
// GroupManager directly; this package never touches AppState for writes.
package statusapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/loomcast/airloom/internal/appstate"
	"github.com/loomcast/airloom/internal/metrics"
)

// SpeakerSnapshot is the JSON shape returned by GET /api/speakers.
type SpeakerSnapshot struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	IPv4       string `json:"ipv4"`
	Port       int    `json:"port"`
	Connected  bool   `json:"connected"`
	Reserved   bool   `json:"reserved"`
	HasHostage bool   `json:"has_hostage"`
}

// GroupSnapshot is the JSON shape returned by GET /api/groups.
type GroupSnapshot struct {
	Name            string   `json:"name"`
	Port            int      `json:"port"`
	ParentInterface string   `json:"parent_interface"`
	MemberIDs       []string `json:"member_ids"`
	StreamerRunning bool     `json:"streamer_running"`
}

// statusResponse is the legacy-compatible shape returned by GET /status
// (spec.md §6), minus any mutating affordance.
type statusResponse struct {
	Status        string `json:"status"`
	SpeakersCount int    `json:"speakers_count"`
}

// Server wires a chi router over a read-only view of AppState plus
// optional metrics exposition.
type Server struct {
	log     *slog.Logger
	state   *appstate.AppState
	metrics *metrics.Metrics
	router  chi.Router
}

// New builds a Server. m may be nil, in which case GET /metrics 404s.
func New(log *slog.Logger, state *appstate.AppState, m *metrics.Metrics) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{log: log.With("component", "statusapi"), state: state, metrics: m}

	r := chi.NewRouter()
	r.Get("/status", s.handleStatus)
	r.Get("/api/speakers", s.handleSpeakers)
	r.Get("/api/groups", s.handleGroups)
	if m != nil {
		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { m.Handler().ServeHTTP(w, r) })
	}
	s.router = r
	return s
}

// Handler returns the http.Handler to mount on an *http.Server.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var count int
	s.state.With(func(as *appstate.AppState) {
		count = len(as.Speakers.Snapshot())
	})
	writeJSON(w, http.StatusOK, statusResponse{Status: "running", SpeakersCount: count})
}

func (s *Server) handleSpeakers(w http.ResponseWriter, r *http.Request) {
	var out []SpeakerSnapshot
	s.state.With(func(as *appstate.AppState) {
		for id, row := range as.Speakers.Snapshot() {
			out = append(out, SpeakerSnapshot{
				ID:         id,
				Name:       row.Info.Name,
				IPv4:       row.Info.IPv4,
				Port:       row.Info.Port,
				Connected:  row.Connected,
				Reserved:   row.Reserved,
				HasHostage: row.Hostage != nil,
			})
		}
	})
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	var out []GroupSnapshot
	s.state.With(func(as *appstate.AppState) {
		for name, g := range as.Groups {
			out = append(out, GroupSnapshot{
				Name:            name,
				Port:            g.Port,
				ParentInterface: g.ParentInterface,
				MemberIDs:       g.MemberIDs,
				StreamerRunning: g.StreamerRunning,
			})
		}
	})
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

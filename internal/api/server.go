// Package api provides the HTTP API for observing a running simulation.
// GET endpoints are public (read-only observation).
// POST endpoints require a bearer token (admin control plane).
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/talgya/pressure-sim/internal/agents"
	"github.com/talgya/pressure-sim/internal/dominance"
	"github.com/talgya/pressure-sim/internal/dynamics"
	"github.com/talgya/pressure-sim/internal/engine"
	"github.com/talgya/pressure-sim/internal/persistence"
)

const (
	maxStreamConns       = 8
	maxStreamsPerClient  = 2
	streamConnectsPerMin = 30
	maxSpeed             = 1000
)

// Server serves the simulation state over HTTP.
type Server struct {
	Sim      *engine.Simulation
	Eng      *engine.Engine
	DB       *persistence.DB // Optional; enables per-agent leap history
	Stream   *Broadcaster    // Created and subscribed to Sim when nil
	RunID    string
	Addr     string
	AdminKey string // Bearer token for POST endpoints. Empty = POST disabled.

	gate     *StreamGate
	upgrader websocket.Upgrader
	srv      *http.Server
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	if s.gate == nil {
		s.gate = NewStreamGate(GateLimits{
			Connects:     streamConnectsPerMin,
			Window:       time.Minute,
			MaxOpen:      maxStreamConns,
			MaxPerClient: maxStreamsPerClient,
		})
	}
	if s.Stream == nil {
		s.Stream = NewBroadcaster(false)
		s.Sim.Subscribe(s.Stream.Publish)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4 * 1024,
		WriteBufferSize: 64 * 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	mux := http.NewServeMux()

	// Public endpoints.
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/stats", s.handleStats)
	mux.HandleFunc("/api/v1/agents", s.handleAgents)
	mux.HandleFunc("/api/v1/agent/", s.handleAgentDetail)
	mux.HandleFunc("/api/v1/decisions", s.handleDecisions)

	// Websocket decision stream, admitted per client IP.
	mux.HandleFunc("/api/v1/stream", s.gate.Middleware(s.handleStream))

	// Admin endpoints.
	mux.HandleFunc("/api/v1/speed", s.adminOnly(s.handleSpeed))
	mux.HandleFunc("/api/v1/trust", s.adminOnly(s.handleTrust))

	return mux
}

// Start begins serving the HTTP API in a goroutine.
func (s *Server) Start() {
	s.srv = &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("HTTP API starting", "addr", s.Addr, "admin_auth", s.AdminKey != "")

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()
}

// Shutdown stops the listener and the stream gate.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.srv != nil {
		err = s.srv.Shutdown(ctx)
	}
	if s.gate != nil {
		s.gate.Close()
	}
	return err
}

// checkBearerToken returns true if the request has a valid admin bearer token.
func (s *Server) checkBearerToken(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.AdminKey
}

// adminOnly wraps a handler to require bearer token auth on POST requests.
// GET requests pass through.
func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			if s.AdminKey == "" {
				http.Error(w, "admin endpoints disabled (no PRESSURESIM_ADMIN_KEY set)", http.StatusForbidden)
				return
			}
			if !s.checkBearerToken(r) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.Sim.Stats()
	status := map[string]any{
		"name":        "pressuresim",
		"run_id":      s.RunID,
		"tick":        s.Sim.CurrentTick(),
		"speed":       s.Eng.Speed(),
		"running":     s.Eng.Running(),
		"population":  st.Population,
		"leaps":       st.Leaps,
		"failures":    st.Failures,
		"mean_energy": st.MeanEnergy,
		"subscribers": s.Stream.Count(),
	}
	writeJSON(w, status)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Sim.Stats())
}

type agentSummary struct {
	ID           agents.AgentID             `json:"id"`
	Name         string                     `json:"name"`
	Archetype    string                     `json:"archetype"`
	Hub          float64                    `json:"hub"`
	Energy       map[dynamics.Layer]float64 `json:"energy"`
	Critical     []dynamics.Layer           `json:"critical,omitempty"`
	Frustration  dynamics.Layer             `json:"frustration"` // Layer holding the most energy
	LastDecision dominance.Decision         `json:"last_decision"`
	LeapCount    uint64                     `json:"leap_count"`
}

func summarize(a agents.Agent) agentSummary {
	energy := make(map[dynamics.Layer]float64, len(a.State.Layers))
	for l, ls := range a.State.Layers {
		energy[l] = ls.Energy
	}
	frustration, _ := dynamics.DominantFrustration(a.State, a.Params)
	return agentSummary{
		ID:           a.ID,
		Name:         a.Name,
		Archetype:    a.Archetype,
		Hub:          a.State.Hub,
		Energy:       energy,
		Critical:     dynamics.CriticalLayers(a.State.Flags(), a.Params),
		Frustration:  frustration,
		LastDecision: a.LastDecision,
		LeapCount:    a.LeapCount,
	}
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	archetype := r.URL.Query().Get("archetype")
	criticalOnly := r.URL.Query().Get("critical") == "true"

	result := []agentSummary{}
	for _, a := range s.Sim.Agents() {
		if archetype != "" && a.Archetype != archetype {
			continue
		}
		sum := summarize(a)
		if criticalOnly && len(sum.Critical) == 0 {
			continue
		}
		result = append(result, sum)
	}
	writeJSON(w, result)
}

type agentDetail struct {
	agents.Agent
	Distribution map[string]float64         `json:"distribution"`
	TotalEnergy  float64                    `json:"total_energy"`
	Resistance   map[dynamics.Layer]float64 `json:"resistance"`
	LeapsByLayer map[dynamics.Layer]int     `json:"leaps_by_layer"`
	RecentLeaps  []agents.Leap              `json:"recent_leaps"`
	History      []agents.Record            `json:"history,omitempty"`
}

func (s *Server) handleAgentDetail(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(r.URL.Path, "/")
	if len(parts) < 5 || parts[4] == "" {
		http.Error(w, "missing agent id", http.StatusBadRequest)
		return
	}
	id, err := strconv.ParseUint(parts[4], 10, 64)
	if err != nil {
		http.Error(w, "invalid agent id", http.StatusBadRequest)
		return
	}

	a, ok := s.Sim.Agent(agents.AgentID(id))
	if !ok {
		http.Error(w, "agent not found", http.StatusNotFound)
		return
	}

	detail := agentDetail{
		Agent:        a,
		Distribution: dynamics.Distribution(a.State),
		TotalEnergy:  dynamics.TotalEnergy(a.State),
		Resistance:   dominance.Resistance(a.State, a.Params),
		LeapsByLayer: agents.LeapsByLayer(&a),
		RecentLeaps:  agents.RecentLeaps(&a, 10),
	}
	if s.DB != nil {
		history, err := s.DB.AgentLeaps(a.ID, 50)
		if err != nil {
			slog.Warn("agent leap history query failed", "agent", a.ID, "error", err)
		} else {
			detail.History = history
		}
	}
	writeJSON(w, detail)
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 50
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	leapsOnly := q.Get("leaps") == "true"
	var agentFilter *agents.AgentID
	if v := q.Get("agent"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid agent id", http.StatusBadRequest)
			return
		}
		id := agents.AgentID(n)
		agentFilter = &id
	}

	result := []agents.Record{}
	for _, rec := range s.Sim.Recent(0) {
		if leapsOnly && !rec.Decision.Leap {
			continue
		}
		if agentFilter != nil && rec.AgentID != *agentFilter {
			continue
		}
		result = append(result, rec)
	}
	if len(result) > limit {
		result = result[len(result)-limit:]
	}
	writeJSON(w, result)
}

func (s *Server) handleSpeed(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		var req struct {
			Speed float64 `json:"speed"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if req.Speed < 0 || req.Speed > maxSpeed {
			http.Error(w, "speed must be 0-1000", http.StatusBadRequest)
			return
		}
		s.Eng.SetSpeed(req.Speed)
		slog.Info("speed changed", "speed", req.Speed)
	}

	writeJSON(w, map[string]float64{"speed": s.Eng.Speed()})
}

func (s *Server) handleTrust(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		From  agents.AgentID `json:"from"`
		To    agents.AgentID `json:"to"`
		Trust float64        `json:"trust"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Trust < 0 || req.Trust > 1 {
		http.Error(w, "trust must be 0-1", http.StatusBadRequest)
		return
	}
	if err := s.Sim.SetTrust(req.From, req.To, req.Trust); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	slog.Info("trust changed", "from", req.From, "to", req.To, "trust", req.Trust)

	a, _ := s.Sim.Agent(req.From)
	rels := append([]agents.Relationship(nil), a.Relationships...)
	sort.Slice(rels, func(i, j int) bool { return rels[i].TargetID < rels[j].TargetID })
	writeJSON(w, rels)
}

// handleStream upgrades to a websocket and pushes one frame per committed
// tick. The client only needs to read; any message it sends is ignored.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	subID, frames := s.Stream.Subscribe(64)
	defer s.Stream.Unsubscribe(subID)
	slog.Info("stream client connected", "sub_id", subID)

	// Reader goroutine: detects the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-heartbeat.C:
			_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
		case <-gone:
			slog.Info("stream client disconnected", "sub_id", subID)
			return
		case <-r.Context().Done():
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

// Package gateway serves the coordinator over HTTP: liveness and
// metrics probes, a JSON API mirroring the Go surface, and a websocket
// stream of diagnostic snapshots and flash progress.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/garagemate/ecubus"
	"github.com/garagemate/ecubus/pkg/diag"
	"github.com/garagemate/ecubus/pkg/flash"
	"github.com/garagemate/ecubus/pkg/log"
	"github.com/garagemate/ecubus/pkg/metrics"
	"github.com/garagemate/ecubus/pkg/profile"
	"github.com/garagemate/ecubus/pkg/session"
)

// Options configures the gateway listener.
type Options struct {
	Addr string
}

// NewOptions creates an Options object with default parameters.
func NewOptions() *Options {
	return &Options{
		Addr: "0.0.0.0:8590",
	}
}

// AddFlags adds gateway flags to the given flag set.
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Addr, "http.addr", o.Addr, "Gateway bind address and port.")
}

// Server is the HTTP/websocket front of one coordinator.
type Server struct {
	coord  *session.Coordinator
	server *http.Server

	upgrader  websocket.Upgrader
	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Message is the JSON envelope sent to websocket clients. Exactly one
// of Snapshot and Flash is set.
type Message struct {
	Snapshot *diag.Snapshot `json:"snapshot,omitempty"`
	Flash    *flash.Status  `json:"flash,omitempty"`
	Stamp    int64          `json:"stamp"` // Unix ms
}

func New(coord *session.Coordinator, opts *Options) *Server {
	s := &Server{
		coord:   coord,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", s.handleReady)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/snapshot", s.handleSnapshot)
	mux.HandleFunc("/api/limits", s.handleLimits)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/flash", s.handleFlash)
	mux.HandleFunc("/api/cancel", s.handleCancel)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/ws", s.handleWS)

	s.server = &http.Server{
		Addr:    opts.Addr,
		Handler: s.instrument(mux),
	}
	return s
}

// Handler exposes the full route table, instrumentation included.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// long-lived endpoints stay out of the latency histogram
		if r.URL.Path == "/ws" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		next.ServeHTTP(w, r)
		metrics.RequestsTotal.WithLabelValues(r.URL.Path).Inc()
		metrics.RequestDuration.WithLabelValues(r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

// Start runs the listener until the context ends, then drains it with a
// short grace period. The websocket feed shares the same lifetime.
func (s *Server) Start(ctx context.Context) error {
	go s.feed(ctx)

	log.Info("starting gateway", "addr", s.server.Addr)
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}

// feed relays coordinator updates to the websocket clients.
func (s *Server) feed(ctx context.Context) {
	statuses, cancelStatuses := s.coord.Watch()
	defer cancelStatuses()
	snaps, cancelSnaps := s.coord.WatchSnapshots()
	defer cancelSnaps()

	for {
		select {
		case <-ctx.Done():
			return
		case st := <-statuses:
			s.broadcast(Message{Flash: &st, Stamp: time.Now().UnixMilli()})
		case snap := <-snaps:
			s.broadcast(Message{Snapshot: &snap, Stamp: time.Now().UnixMilli()})
		}
	}
}

func (s *Server) broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// client too slow, skip
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "err", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}
	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	total := len(s.clients)
	s.clientsMu.Unlock()
	metrics.WSClients.Inc()
	log.Debug("websocket client connected", "total", total)

	// the latest snapshot primes a fresh client
	if snap, ok := s.coord.Snapshot(); ok {
		if data, err := json.Marshal(Message{Snapshot: &snap, Stamp: time.Now().UnixMilli()}); err == nil {
			client.send <- data
		}
	}

	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			total := len(s.clients)
			s.clientsMu.Unlock()
			close(client.send)
			metrics.WSClients.Dec()
			log.Debug("websocket client disconnected", "total", total)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.coord.State() != ecubus.StateConnected {
		http.Error(w, "not connected", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type identityBody struct {
	Serial   string `json:"serial"`
	Firmware string `json:"firmware"`
	Version  uint8  `json:"version"`
}

type statusBody struct {
	State    string       `json:"state"`
	Identity identityBody `json:"identity"`
	Profile  string       `json:"profile"`
	Profiles []string     `json:"profiles"`
	FlashID  string       `json:"flash_id,omitempty"`
	LastPoll *time.Time   `json:"last_poll,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := s.coord.Identity()
	body := statusBody{
		State: s.coord.State().String(),
		Identity: identityBody{
			Serial:   id.Serial,
			Firmware: fmt.Sprintf("0x%08X", id.Firmware),
			Version:  id.Version,
		},
		Profile:  s.coord.Profile().Name,
		Profiles: s.coord.Profiles(),
	}
	if flashID, ok := s.coord.ActiveFlash(); ok {
		body.FlashID = flashID
	}
	if snap, ok := s.coord.Snapshot(); ok {
		body.LastPoll = &snap.Time
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap, ok := s.coord.Snapshot()
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "no diagnostic snapshot yet"})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type parameterBody struct {
	Name     string  `json:"name"`
	Unit     string  `json:"unit,omitempty"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	MaxDelta float64 `json:"max_delta,omitempty"`
	Default  float64 `json:"default"`
}

type limitsBody struct {
	Profile    string          `json:"profile"`
	Parameters []parameterBody `json:"parameters"`
}

func (s *Server) handleLimits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	profileID := r.URL.Query().Get("profile")
	specs, err := s.coord.Limits(profileID)
	if err != nil {
		writeJSON(w, statusFor(err), errorBody{Error: err.Error()})
		return
	}
	if profileID == "" {
		profileID = s.coord.Profile().Name
	}
	body := limitsBody{Profile: profileID, Parameters: make([]parameterBody, len(specs))}
	for i, spec := range specs {
		body.Parameters[i] = parameterBody{
			Name:     spec.Name,
			Unit:     spec.Unit,
			Min:      spec.Min,
			Max:      spec.Max,
			MaxDelta: spec.MaxDelta,
			Default:  spec.Default,
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	cfg, err := s.coord.ReadConfig(r.Context(), r.URL.Query().Get("profile"))
	if err != nil {
		writeJSON(w, statusFor(err), errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

type flashRequest struct {
	Profile string             `json:"profile,omitempty"`
	Set     map[string]float64 `json:"set"`
}

func (s *Server) handleFlash(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req flashRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad request: " + err.Error()})
		return
	}
	if len(req.Set) == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "empty write set"})
		return
	}

	res, err := s.coord.Flash(r.Context(), req.Profile, req.Set)
	if err == nil {
		writeJSON(w, http.StatusOK, res)
		return
	}
	body := errorBody{Error: err.Error(), Result: res}
	var verr *profile.ValidationError
	if errors.As(err, &verr) {
		for _, rej := range verr.Rejections {
			body.Rejections = append(body.Rejections, rejectionBody{
				Parameter: rej.Parameter,
				Value:     rej.Value,
				Limit:     rej.Limit,
				Prev:      rej.Prev,
				Reason:    rej.Reason.String(),
			})
		}
		writeJSON(w, http.StatusUnprocessableEntity, body)
		return
	}
	writeJSON(w, statusFor(err), body)
}

type cancelRequest struct {
	SessionID string `json:"session_id,omitempty"`
}

type cancelBody struct {
	SessionID string      `json:"session_id,omitempty"`
	State     flash.State `json:"state"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req cancelRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad request: " + err.Error()})
			return
		}
	}
	id := req.SessionID
	if id == "" {
		id, _ = s.coord.ActiveFlash()
	}
	st, err := s.coord.CancelFlash(req.SessionID)
	if err != nil {
		code := http.StatusConflict
		if errors.Is(err, session.ErrNoActiveFlash) {
			code = http.StatusNotFound
		}
		writeJSON(w, code, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, cancelBody{SessionID: id, State: st})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if id := r.URL.Query().Get("id"); id != "" {
		res, ok := s.coord.Session(id)
		if !ok {
			writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown session " + id})
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}
	writeJSON(w, http.StatusOK, s.coord.Sessions())
}

type rejectionBody struct {
	Parameter string  `json:"parameter"`
	Value     float64 `json:"value"`
	Limit     float64 `json:"limit,omitempty"`
	Prev      float64 `json:"prev,omitempty"`
	Reason    string  `json:"reason"`
}

type errorBody struct {
	Error      string          `json:"error"`
	Rejections []rejectionBody `json:"rejections,omitempty"`
	Result     *flash.Result   `json:"result,omitempty"`
}

// statusFor maps coordinator errors onto HTTP status codes: a busy link
// or firmware pin mismatch is a conflict, a missing connection or
// profile its own code, and anything from the wire a bad gateway.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrFlashBusy):
		return http.StatusConflict
	case errors.Is(err, profile.ErrFirmwareMismatch):
		return http.StatusConflict
	case errors.Is(err, ecubus.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, profile.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("response write failed", "err", err)
	}
}

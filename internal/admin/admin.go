// Package admin implements the admin/metrics HTTP surface SPEC_FULL.md adds
// beyond spec.md: a health endpoint, a Prometheus /metrics endpoint, a
// /status JSON dump of the shared cluster registry and watchdog state
// machine, and a /watch websocket stream of registry/state transition
// events for an operator console.
//
// None of this is the client-facing wire protocol, which stays raw TCP —
// this is an entirely separate, optional listener.
//
// Grounded on the teacher's internal/api/server.go (gorilla/mux router,
// CORS middleware, one handler per concern) and internal/websocket's
// hub-with-register/unregister/broadcast channels shape, generalized from
// REST-for-a-React-frontend to ops dashboard JSON/events.
package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/pgproxy/internal/metrics"
	"github.com/ocx/pgproxy/internal/registry"
	"github.com/ocx/pgproxy/internal/watchdog/fsm"
)

// Event is one watch-stream notification pushed to /watch subscribers.
type Event struct {
	Type      string                 `json:"type"` // backend_status, watchdog_transition
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Server is the admin HTTP surface bound to the process's shared state.
type Server struct {
	reg     *registry.Registry
	machine *fsm.Machine
	metrics *metrics.Recorder
	log     *slog.Logger

	upgrader websocket.Upgrader

	mu         sync.RWMutex
	clients    map[*websocket.Conn]bool
	broadcast  chan Event
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
}

// New builds an admin server. machine may be nil (a worker process with no
// local watchdog); metrics may be nil (instrumentation disabled).
func New(reg *registry.Registry, machine *fsm.Machine, rec *metrics.Recorder, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		reg:     reg,
		machine: machine,
		metrics: rec,
		log:     log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Router builds the mux.Router exposing every admin endpoint.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware)

	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/watch", s.handleWatch).Methods("GET")
	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}
	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// statusResponse is the /status JSON shape: every configured backend
// descriptor plus the registry's derived master/primary/switching state,
// the pending failover queue depth, and (if this process runs a local
// watchdog) its current state machine position.
type statusResponse struct {
	MasterNodeID  int                          `json:"master_node_id"`
	PrimaryNodeID int                           `json:"primary_node_id"`
	Switching     bool                          `json:"switching"`
	ConnCount     int                           `json:"conn_count"`
	QueueLen      int                           `json:"queue_len"`
	Backends      []registry.BackendDescriptor  `json:"backends"`
	WatchdogState string                        `json:"watchdog_state,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		MasterNodeID:  s.reg.MasterNodeID(),
		PrimaryNodeID: s.reg.PrimaryNodeID(),
		Switching:     s.reg.Switching(),
		ConnCount:     s.reg.ConnCount(),
		QueueLen:      s.reg.QueueLen(),
		Backends:      s.reg.Descriptors(),
	}
	if s.machine != nil {
		resp.WatchdogState = s.machine.State().String()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleWatch upgrades to a websocket and streams Events until the client
// disconnects, mirroring the teacher's DAGStreamer.HandleWebSocket.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("admin: websocket upgrade failed", slog.Any("error", err))
		return
	}
	s.register <- conn

	go func() {
		defer func() { s.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Run drives the watch-stream hub: register/unregister/broadcast. Callers
// run this in its own goroutine alongside the HTTP listener.
func (s *Server) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case c := <-s.register:
			s.mu.Lock()
			s.clients[c] = true
			s.mu.Unlock()
		case c := <-s.unregister:
			s.mu.Lock()
			if _, ok := s.clients[c]; ok {
				delete(s.clients, c)
				_ = c.Close()
			}
			s.mu.Unlock()
		case ev := <-s.broadcast:
			s.mu.RLock()
			for c := range s.clients {
				if err := c.WriteJSON(ev); err != nil {
					_ = c.Close()
					delete(s.clients, c)
				}
			}
			s.mu.RUnlock()
		}
	}
}

// PublishBackendTransition enqueues a watch-stream event for a registry
// status change. Non-blocking: a full broadcast buffer drops the event
// rather than stall the caller (the composition root's state-polling loop).
func (s *Server) PublishBackendTransition(nodeID int, from, to string) {
	s.publish(Event{
		Type:      "backend_status",
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"node_id": nodeID, "from": from, "to": to},
	})
}

// PublishWatchdogTransition enqueues a watch-stream event for a local state
// machine move.
func (s *Server) PublishWatchdogTransition(from, to string) {
	s.publish(Event{
		Type:      "watchdog_transition",
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"from": from, "to": to},
	})
}

func (s *Server) publish(ev Event) {
	select {
	case s.broadcast <- ev:
	default:
		s.log.Warn("admin: watch broadcast buffer full, dropping event", slog.String("type", ev.Type))
	}
}

// ClientCount reports the number of currently connected /watch subscribers,
// for tests/diagnostics.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

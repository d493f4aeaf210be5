// Package gateway serves the live event stream to authenticated websocket
// subscribers: one per-job topic per job id, plus a global topic for
// cross-entity change notifications.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mandiant/harbinger-sub002/bus"
	"github.com/mandiant/harbinger-sub002/config"
	"github.com/mandiant/harbinger-sub002/dispatch"
	"github.com/mandiant/harbinger-sub002/logger"
	"github.com/mandiant/harbinger-sub002/store"
)

// Server upgrades subscriber connections, relays bus events, and exposes the
// synchronous job/plan API
type Server struct {
	cfg        *config.Config
	bus        *bus.Bus
	sessions   *Sessions
	store      *store.Store
	dispatcher *dispatch.Dispatcher
	log        *zap.SugaredLogger
	upgrader   websocket.Upgrader
}

// New creates the streaming gateway
func New(cfg *config.Config, b *bus.Bus, sessions *Sessions, st *store.Store, d *dispatch.Dispatcher) *Server {
	s := &Server{
		cfg:        cfg,
		bus:        b,
		sessions:   sessions,
		store:      st,
		dispatcher: d,
		log:        logger.Get().Named("gateway"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  2048,
		WriteBufferSize: 2048,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin validates the websocket origin against configured allowed
// origins. An empty allowlist permits same-host tooling only.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.Server.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Routes registers the gateway's HTTP handlers on mux
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.HandleWebSocket)
	mux.HandleFunc("/health", s.HandleHealth)

	mux.HandleFunc("POST /api/jobs", s.requireSession(s.HandleCreateJob))
	mux.HandleFunc("GET /api/jobs", s.requireSession(s.HandleListJobs))
	mux.HandleFunc("GET /api/jobs/{id}", s.requireSession(s.HandleGetJob))
	mux.HandleFunc("POST /api/plans", s.requireSession(s.HandleCreatePlan))
	mux.HandleFunc("GET /api/plans/{id}", s.requireSession(s.HandleGetPlan))
	mux.HandleFunc("POST /api/plans/{id}/supervisor/start", s.requireSession(s.HandleStartSupervisor))
	mux.HandleFunc("POST /api/plans/{id}/supervisor/stop", s.requireSession(s.HandleStopSupervisor))
	mux.HandleFunc("POST /api/plans/{id}/supervisor/force-update", s.requireSession(s.HandleForceUpdate))
}

// HandleHealth reports liveness
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// HandleWebSocket upgrades the connection and, after token validation,
// subscribes it to the requested topic. The topic is a job id, or "global"
// for the cross-entity change feed. Authentication failures close the
// connection immediately with an explicit reason; no partial delivery.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	token := r.URL.Query().Get("token")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	if token == "" {
		s.rejectConn(conn, "authentication required")
		return
	}
	if !s.sessions.Validate(token) {
		s.rejectConn(conn, "invalid token")
		return
	}
	if topic == "" {
		s.rejectConn(conn, "topic required")
		return
	}

	c := &client{
		conn: conn,
		sub:  s.bus.Subscribe(topic),
		bus:  s.bus,
		log:  s.log.With("remote", r.RemoteAddr, "topic", topic),
	}

	c.log.Infow("Subscriber connected")
	go c.writePump()
	go c.readPump()
}

// rejectConn closes a freshly upgraded connection with a policy-violation
// close frame carrying the reason
func (s *Server) rejectConn(conn *websocket.Conn, reason string) {
	s.log.Warnw("Rejecting websocket connection", "reason", reason)
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason))
	conn.Close()
}

// Run serves HTTP until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	s.Routes(mux)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infow("Gateway listening", "port", s.cfg.Server.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

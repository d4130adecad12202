// Package server exposes the connection gateway: the WebSocket upgrade with
// its credential gate, the room API, and the health check.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// Gateway accepts new connections, runs the token verifier as a handshake
// gate, and constructs sessions bound to the relay engine.
type Gateway struct {
	engine   *Engine
	verifier *TokenVerifier
	registry *Registry
	cfg      Config
	upgrader websocket.Upgrader
	log      *slog.Logger
}

// NewGateway wires the gateway to its collaborators. The origin allowlist
// from cfg feeds the upgrader's CheckOrigin hook.
func NewGateway(engine *Engine, verifier *TokenVerifier, registry *Registry, cfg Config, logger *slog.Logger) *Gateway {
	checker := newOriginChecker(cfg.AllowedOrigins, logger)
	return &Gateway{
		engine:   engine,
		verifier: verifier,
		registry: registry,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checker.check,
		},
		log: logger,
	}
}

// bearerToken extracts the credential from the Authorization header, falling
// back to the token query parameter since browser WebSocket clients cannot
// set headers.
func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return token
		}
	}
	return r.URL.Query().Get("token")
}

// HandleWebSocket authenticates the handshake, upgrades the connection, and
// attaches a new session to the relay engine. On a failed credential check the
// connection is refused before the upgrade; no session or partial state is
// created.
func (g *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	identity, err := g.verifier.Verify(bearerToken(r))
	if err != nil {
		g.log.Warn("handshake refused", "remote_addr", r.RemoteAddr, "error", err)
		http.Error(w, "invalid or missing credential", http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	session := newSession(conn, g.engine, identity, r.RemoteAddr, g.cfg, g.log)
	if err := g.engine.Attach(session); err != nil {
		g.log.Error("attaching session", "session_id", session.ID(), "error", err)
		_ = conn.Close()
		return
	}

	g.engine.startPumps(session)
}

type roomRequest struct {
	Name string `json:"name"`
}

type roomResponse struct {
	Name    string `json:"name"`
	Members int    `json:"members"`
}

// HandleCreateRoom provisions a room record ahead of the first join. The
// relay creates rooms on demand, so this endpoint is a convenience for
// clients that want the room to exist before connecting.
func (g *Gateway) HandleCreateRoom(w http.ResponseWriter, r *http.Request) {
	if _, err := g.verifier.Verify(bearerToken(r)); err != nil {
		http.Error(w, "invalid or missing credential", http.StatusUnauthorized)
		return
	}

	var req roomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		http.Error(w, "room name is required", http.StatusBadRequest)
		return
	}

	room := g.registry.GetOrCreate(req.Name)
	g.log.Info("room provisioned", "room", room.Name())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(roomResponse{Name: room.Name(), Members: room.MemberCount()})
}

// HandleGetRoom reports a room's current membership count.
func (g *Gateway) HandleGetRoom(w http.ResponseWriter, r *http.Request) {
	if _, err := g.verifier.Verify(bearerToken(r)); err != nil {
		http.Error(w, "invalid or missing credential", http.StatusUnauthorized)
		return
	}

	name := chi.URLParam(r, "name")
	room, ok := g.registry.Find(name)
	if !ok {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(roomResponse{Name: room.Name(), Members: room.MemberCount()})
}

// HandleHealth provides a simple health check endpoint that returns server
// status.
func (g *Gateway) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("TeamChat relay is running!"))
}

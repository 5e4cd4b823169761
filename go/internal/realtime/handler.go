package realtime

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/jurisnexo/relay/go/internal/events"
)

// Handler authenticates websocket upgrade requests and hands the sessions to
// the hub.
type Handler struct {
	hub      *Hub
	verifier Verifier
	upgrader websocket.Upgrader
	config   ConnectionConfig
}

func NewHandler(hub *Hub, verifier Verifier, cfg ConnectionConfig) *Handler {
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Handler{
		hub:      hub,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     checkOrigin,
		},
		config: cfg,
	}
}

// OriginChecker allows requests without an Origin header (non-browser
// clients) and otherwise applies the same policy as the HTTP CORS layer.
func OriginChecker(allowedOrigins []string) func(r *http.Request) bool {
	policy := cors.New(cors.Options{AllowedOrigins: allowedOrigins})
	return func(r *http.Request) bool {
		if r.Header.Get("Origin") == "" {
			return true
		}
		return policy.OriginAllowed(r)
	}
}

// HandleConnect verifies the credential before upgrading; a rejected request
// never becomes a websocket session.
func (h *Handler) HandleConnect(w http.ResponseWriter, r *http.Request) {
	ident, err := h.verifier.Verify(TokenFromRequest(r))
	if err != nil {
		log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("rejected websocket handshake")
		status := http.StatusUnauthorized
		if !errors.Is(err, ErrMissingToken) && !errors.Is(err, ErrInvalidToken) {
			status = http.StatusInternalServerError
		}
		http.Error(w, http.StatusText(status), status)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		log.Error().Err(err).Str("user_id", ident.SubjectID).Msg("failed to upgrade websocket connection")
		return
	}

	c := newConnection(h.hub, ws, ident, h.config)
	h.hub.Register(c)
	h.hub.Join(c, events.TenantRoom(ident.TenantID))

	c.reply(EventConnected, ConnectedPayload{
		ConnectionID: c.ID,
		UserID:       ident.SubjectID,
		TenantID:     ident.TenantID.String(),
		Rooms:        h.hub.Rooms(c),
	})

	go c.writePump()
	go c.readPump()

	log.Info().
		Str("connection_id", c.ID).
		Str("user_id", ident.SubjectID).
		Str("tenant_id", ident.TenantID.String()).
		Msg("websocket connection established")
}

// HandleStats serves counts only. Room names carry tenant and conversation
// ids and the route is unauthenticated.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats := h.hub.Stats()
	stats.RoomSizes = nil
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		log.Error().Err(err).Msg("failed to write hub stats")
	}
}

// RegisterRoutes registers the websocket routes with an HTTP mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", h.HandleConnect)
	mux.HandleFunc("/ws/stats", h.HandleStats)
}

package websocket

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/MacMoment/licensing/internal/config"
	"github.com/MacMoment/licensing/internal/infrastructure"
)

// Handler upgrades requests to the log feed
type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
	pump     PumpConfig
	logger   *slog.Logger
}

// NewHandler creates the /ws/logs handler. Browser origins must appear in
// allowedOrigins; requests without an Origin header are accepted.
func NewHandler(hub *Hub, cfg config.WebSocketConfig, allowedOrigins []string) *Handler {
	h := &Handler{
		hub:    hub,
		pump:   PumpConfig{PingPeriod: cfg.PingPeriod, PongWait: cfg.PongWait},
		logger: hub.logger.With(slog.String("component", "websocket.handler")),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		h.logger.WarnContext(r.Context(), "websocket upgrade failed",
			slog.String("error", err.Error()),
			slog.String("remote_addr", r.RemoteAddr))
		return
	}

	client := NewClient(h.hub, NewConnectionWrapper(conn), h.pump, infrastructure.GetTraceID(infrastructure.EnsureTraceID(r.Context())))
	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}

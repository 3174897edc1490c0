package ws

import (
	"context"
	nethttp "net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"mathstream/server"
	"mathstream/server/internal/telemetry"
	"mathstream/server/logging"
	"mathstream/server/logging/network"
)

// RoleViewer connects a client with read-only permissions.
const RoleViewer = "viewer"

type HandlerConfig struct {
	Logger       telemetry.Logger
	Publisher    logging.Publisher
	ReadLimit    int64
	WriteTimeout time.Duration
	PingInterval time.Duration
	// RateLimit caps inbound messages per second per connection. Zero disables it.
	RateLimit      float64
	RateBurst      int
	AllowedOrigins []string
}

// DefaultHandlerConfig returns the endpoint limits used by the server binary.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		ReadLimit:    1 << 20,
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
		RateLimit:    50,
		RateBurst:    100,
	}
}

// Handler upgrades stream requests and pumps inbound frames into the hub.
type Handler struct {
	hub      *server.Hub
	cfg      HandlerConfig
	upgrader websocket.Upgrader
}

func NewHandler(hub *server.Hub, cfg HandlerConfig) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = telemetry.Discard()
	}
	if cfg.Publisher == nil {
		cfg.Publisher = logging.NopPublisher()
	}

	origins := cfg.AllowedOrigins
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *nethttp.Request) bool {
			if len(origins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range origins {
				if allowed == "*" || allowed == origin {
					return true
				}
			}
			return false
		},
	}

	return &Handler{hub: hub, cfg: cfg, upgrader: upgrader}
}

func (h *Handler) Handle(w nethttp.ResponseWriter, r *nethttp.Request) {
	query := r.URL.Query()
	clientID := query.Get("clientId")
	if clientID == "" {
		clientID = uuid.NewString()
	}
	var permissions []server.Permission
	if query.Get("role") == RoleViewer {
		permissions = []server.Permission{server.PermissionRead}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.cfg.Logger.Printf("upgrade failed for %s: %v", clientID, err)
		return
	}
	if h.cfg.ReadLimit > 0 {
		conn.SetReadLimit(h.cfg.ReadLimit)
	}

	sess := newSession(conn, h.cfg.WriteTimeout)
	h.hub.HandleConnection(clientID, sess, permissions...)
	if !sess.Open() {
		return
	}

	if h.cfg.PingInterval > 0 {
		pongWait := 2 * h.cfg.PingInterval
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		go sess.keepalive(h.cfg.PingInterval)
	}

	var limiter *rate.Limiter
	if h.cfg.RateLimit > 0 {
		burst := h.cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(h.cfg.RateLimit), burst)
	}

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.cfg.Logger.Printf("stream connection %s closed: %v", clientID, err)
			}
			h.hub.HandleDisconnect(sess)
			sess.Close()
			return
		}

		if limiter != nil && !limiter.Allow() {
			h.cfg.Logger.Printf("rate limit exceeded for %s, dropping message", clientID)
			network.RateLimited(context.Background(), h.cfg.Publisher, logging.ClientRef(clientID), network.RejectPayload{
				Reason: "rate limit exceeded",
				Bytes:  len(payload),
			}, nil)
			continue
		}

		// Rejections are logged and counted by the hub; the connection stays open.
		h.hub.HandleMessageFrom(clientID, payload)
	}
}

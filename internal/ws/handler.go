package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"chat-realtime/internal/models"
	"chat-realtime/internal/observability"
	"chat-realtime/internal/presence"
)

// TokenValidator resolves a bearer token to a user id.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (int, error)
}

// Options tunes websocket sessions.
type Options struct {
	SendBuffer    int
	PingInterval  time.Duration
	MaxFrameBytes int64
}

func (o Options) withDefaults() Options {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = 75 << 20
	}
	return o
}

// Handler upgrades GET /ws and runs the session loops.
type Handler struct {
	dispatcher *Dispatcher
	registry   *presence.Registry
	validator  TokenValidator
	opts       Options
	log        *slog.Logger
	upgrader   websocket.Upgrader

	// mu is held for reading across a handshake so Shutdown never misses a
	// session that is about to attach.
	mu       sync.RWMutex
	draining bool
	sessions sync.WaitGroup
}

// NewHandler builds the websocket handler. A nil validator accepts
// anonymous handshakes; identity then comes from handleUserConnection only.
func NewHandler(dispatcher *Dispatcher, registry *presence.Registry, validator TokenValidator, opts Options, log *slog.Logger) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		registry:   registry,
		validator:  validator,
		opts:       opts.withDefaults(),
		log:        log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handle upgrades the connection and starts its read and write loops.
func (h *Handler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("chat-realtime/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.draining {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting down"})
		return
	}

	userID := 0
	if h.validator != nil {
		token := bearerToken(c.Request)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		id, err := h.validator.ValidateToken(ctx, token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		userID = id
	}

	wsConn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", slog.Any("err", err))
		return
	}

	requestID := observability.RequestIDFromRequest(c.Request)
	info := ConnInfo{
		ConnID:      uuid.NewString(),
		UserID:      userID,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   requestID,
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	conn := newConn(wsConn, info, h.opts, h.log)
	sessionCtx := observability.WithRequestID(context.WithoutCancel(ctx), requestID)

	h.registry.Attach(conn)
	observability.IncWSActive()
	observability.IncWSEvent("ws_connect")
	publishWSEvent(sessionCtx, "ws_connect", info, "")

	h.sessions.Add(1)
	go conn.writePump()
	go h.serve(sessionCtx, conn)
}

// Shutdown refuses new handshakes, closes every attached connection and
// waits for the session loops to finish dispatching. It returns the number
// of connections closed.
func (h *Handler) Shutdown(ctx context.Context) (int, error) {
	h.mu.Lock()
	h.draining = true
	h.mu.Unlock()

	closed := h.registry.CloseAll()
	done := make(chan struct{})
	go func() {
		h.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return closed, nil
	case <-ctx.Done():
		return closed, ctx.Err()
	}
}

func (h *Handler) serve(ctx context.Context, conn *Conn) {
	reason := ""
	defer func() {
		defer h.sessions.Done()
		h.dispatcher.Disconnect(conn)
		conn.Close()
		observability.DecWSActive()
		observability.IncWSEvent("ws_disconnect")
		publishWSEvent(ctx, "ws_disconnect", conn.info, reason)
	}()

	err := conn.readPump(func(env models.Envelope) {
		h.dispatcher.Dispatch(ctx, conn, env)
	})
	reason = err.Error()
	if conn.abnormalEnd(err) {
		observability.IncWSEvent("ws_error")
		publishWSEvent(ctx, "ws_error", conn.info, reason)
		h.log.Warn("websocket read failed", slog.String("conn_id", conn.ID()), slog.Any("err", err))
	}
}

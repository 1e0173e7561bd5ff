package ws

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chat-realtime/internal/apperr"
	"chat-realtime/internal/models"
	"chat-realtime/internal/transport"
)

const writeWait = 10 * time.Second

// Conn is one websocket session. Outbound events go through a bounded buffer
// drained by writePump; Send never blocks.
type Conn struct {
	ws   *websocket.Conn
	info ConnInfo
	log  *slog.Logger

	pingInterval time.Duration
	pongWait     time.Duration
	maxFrame     int64

	send    chan models.Event
	closing chan struct{}
	done    chan struct{}

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

func newConn(wsConn *websocket.Conn, info ConnInfo, opts Options, log *slog.Logger) *Conn {
	return &Conn{
		ws:           wsConn,
		info:         info,
		log:          log.With(slog.String("conn_id", info.ConnID)),
		pingInterval: opts.PingInterval,
		pongWait:     opts.PingInterval * 10 / 9,
		maxFrame:     opts.MaxFrameBytes,
		send:         make(chan models.Event, opts.SendBuffer),
		closing:      make(chan struct{}),
		done:         make(chan struct{}),
	}
}

func (c *Conn) ID() string  { return c.info.ConnID }
func (c *Conn) UserID() int { return c.info.UserID }

// Send queues ev for delivery.
func (c *Conn) Send(ev models.Event) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return transport.ErrConnClosed
	}
	select {
	case c.send <- ev:
		return nil
	default:
		c.log.Warn("send buffer full, dropping event", slog.String("event", ev.Name))
		return transport.ErrSendBufferFull
	}
}

// Close stops accepting events. Events already queued are flushed before the
// close frame is written.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.closing)
	})
}

// Done is closed once the write side has shut down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
		close(c.done)
	}()

	for {
		select {
		case ev := <-c.send:
			if !c.write(ev) {
				return
			}
		case <-c.closing:
			c.flush()
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Conn) flush() {
	for {
		select {
		case ev := <-c.send:
			if !c.write(ev) {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(ev models.Event) bool {
	payload, err := json.Marshal(ev)
	if err != nil {
		c.log.Error("failed to serialize event", slog.String("event", ev.Name), slog.Any("err", err))
		return true
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
			c.log.Warn("write message failed", slog.Any("err", err))
		}
		return false
	}
	return true
}

// readPump decodes inbound frames and hands them to handle sequentially. It
// returns the error that ended the session.
func (c *Conn) readPump(handle func(models.Envelope)) error {
	c.ws.SetReadLimit(c.maxFrame)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait))

		var env models.Envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
			_ = c.Send(models.NewEvent(models.EventConnectionError, models.ErrorPayload{
				Kind:  string(apperr.KindValidation),
				Error: "malformed event",
			}))
			continue
		}
		handle(env)
	}
}

// abnormalEnd reports whether err ended the session other than by a normal
// close from either side.
func (c *Conn) abnormalEnd(err error) bool {
	c.mu.RLock()
	closedByUs := c.closed
	c.mu.RUnlock()
	if closedByUs || errors.Is(err, websocket.ErrCloseSent) {
		return false
	}
	return !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}

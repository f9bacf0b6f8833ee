package realtime

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mushrhyme/easy-rebate-sub001/internal/items"
	"go.uber.org/zap"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultPongGrace         = 10 * time.Second

	writeWait       = 10 * time.Second
	maxClientFrame  = 4096
	replyBufferSize = 4
)

var errAlreadySubscribed = errors.New("already subscribed")

// HandlerConfig configures the WebSocket endpoint.
type HandlerConfig struct {
	Hub               *Hub
	HeartbeatInterval time.Duration
	PongGrace         time.Duration
	CheckOrigin       func(*http.Request) bool
	Logger            *zap.Logger
}

// Handler upgrades requests and serves one page subscription per socket.
type Handler struct {
	hub       *Hub
	upgrader  websocket.Upgrader
	heartbeat time.Duration
	grace     time.Duration
	logger    *zap.Logger
}

// NewHandler constructs the WebSocket endpoint.
func NewHandler(cfg HandlerConfig) *Handler {
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	grace := cfg.PongGrace
	if grace <= 0 {
		grace = DefaultPongGrace
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		hub: cfg.Hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		heartbeat: heartbeat,
		grace:     grace,
		logger:    logger,
	}
}

// ServeHTTP performs the upgrade and blocks until the connection ends.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	conn.SetReadLimit(maxClientFrame)
	h.extendDeadline(conn)
	conn.SetPongHandler(func(string) error {
		h.extendDeadline(conn)
		return nil
	})

	page, err := h.awaitSubscribe(conn)
	if err != nil {
		h.logger.Info("websocket subscribe rejected", zap.Error(err))
		h.reject(conn, err)
		return
	}

	subscription, err := h.hub.Subscribe(page)
	if err != nil {
		h.closeWith(conn, websocket.CloseGoingAway, "server shutting down")
		return
	}

	replies := make(chan []byte, replyBufferSize)
	readerDone := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writePump(conn, subscription, replies, readerDone)
	}()

	h.readPump(conn, replies)
	close(readerDone)
	h.hub.Unsubscribe(subscription)
	<-writerDone
}

func (h *Handler) extendDeadline(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(h.heartbeat + h.grace))
}

// awaitSubscribe reads frames until the subscribe frame arrives. Pings are
// answered; anything else is a protocol error.
func (h *Handler) awaitSubscribe(conn *websocket.Conn) (items.PageRef, error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return items.PageRef{}, err
		}
		h.extendDeadline(conn)
		message, err := parseClientFrame(data)
		if err != nil {
			return items.PageRef{}, err
		}
		switch message.Type {
		case MessagePing:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, encode(controlMessage{Type: MessagePong})); err != nil {
				return items.PageRef{}, err
			}
		case MessageSubscribe:
			return items.NewPageRef(message.PDFFilename, message.PageNumber)
		default:
			return items.PageRef{}, errors.New("first frame must be subscribe")
		}
	}
}

func (h *Handler) readPump(conn *websocket.Conn, replies chan<- []byte) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("websocket read ended", zap.Error(err))
			}
			return
		}
		h.extendDeadline(conn)

		message, err := parseClientFrame(data)
		var reply []byte
		switch {
		case err != nil:
			reply = encode(controlMessage{Type: MessageError, Error: err.Error()})
		case message.Type == MessagePing:
			reply = encode(controlMessage{Type: MessagePong})
		case message.Type == MessageSubscribe:
			reply = encode(controlMessage{Type: MessageError, Error: errAlreadySubscribed.Error()})
		default:
			continue
		}
		select {
		case replies <- reply:
		default:
		}
	}
}

func (h *Handler) writePump(conn *websocket.Conn, subscription *Subscription, replies <-chan []byte, readerDone <-chan struct{}) {
	ticker := time.NewTicker(h.heartbeat)
	defer func() {
		ticker.Stop()
		// Unblocks the reader when the writer exits first.
		_ = conn.Close()
	}()

	write := func(messageType int, payload []byte) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(messageType, payload) == nil
	}

	for {
		select {
		case payload := <-subscription.Messages():
			if !write(websocket.TextMessage, payload) {
				return
			}
		case reply := <-replies:
			if !write(websocket.TextMessage, reply) {
				return
			}
		case <-ticker.C:
			if !write(websocket.PingMessage, nil) {
				return
			}
		case <-subscription.Done():
			code, text := subscription.CloseReason()
			if code == websocket.CloseNormalClosure {
				return
			}
			h.drain(conn, subscription)
			h.closeWith(conn, code, text)
			return
		case <-readerDone:
			return
		}
	}
}

// drain flushes frames that were queued before the subscription was dropped.
func (h *Handler) drain(conn *websocket.Conn, subscription *Subscription) {
	for {
		select {
		case payload := <-subscription.Messages():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (h *Handler) reject(conn *websocket.Conn, cause error) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.TextMessage, encode(controlMessage{Type: MessageError, Error: cause.Error()}))
	h.closeWith(conn, websocket.ClosePolicyViolation, "subscribe required")
}

func (h *Handler) closeWith(conn *websocket.Conn, code int, text string) {
	deadline := time.Now().Add(writeWait)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
}

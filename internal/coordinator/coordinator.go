// Package coordinator is the client side of the review core. A Coordinator
// follows one (document, page) topic over WebSocket, mirrors the page's lock
// table, and performs edits and review toggles through the REST API with
// bounded version-CAS retry.
//
// Connection states run DISCONNECTED -> CONNECTING -> SUBSCRIBED -> CONNECTED
// and back to DISCONNECTED. A close with code 1000 ends the run loop; 1006 or
// a transport error without a close frame reconnects after the abnormal delay;
// any other code reconnects after the regular delay. Every reconnect starts
// from an empty lock cache that the next snapshot repopulates.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mushrhyme/easy-rebate-sub001/internal/items"
	"github.com/mushrhyme/easy-rebate-sub001/internal/realtime"
	"go.uber.org/zap"
)

const (
	DefaultAbnormalReconnectDelay = 3 * time.Second
	DefaultReconnectDelay         = 5 * time.Second
	DefaultPingInterval           = 30 * time.Second
	DefaultPongTimeout            = 10 * time.Second
	DefaultRetryAttempts          = 2
	DefaultRetryDelay             = 100 * time.Millisecond

	writeWait = 10 * time.Second
	closeWait = time.Second
)

// State is the connection state of the coordinator.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateSubscribed:
		return "SUBSCRIBED"
	case StateConnected:
		return "CONNECTED"
	default:
		return "DISCONNECTED"
	}
}

// Row is the local copy of an item. RemoteOwned marks a row whose review
// status was pushed by another session and has not yet been confirmed by an
// authoritative fetch at RemoteVersion or later.
type Row struct {
	Item
	RemoteOwned   bool
	RemoteVersion int64
}

// Config wires a Coordinator.
type Config struct {
	BaseURL    string
	Page       items.PageRef
	SessionID  string
	HTTPClient *http.Client
	Dialer     *websocket.Dialer

	AbnormalReconnectDelay time.Duration
	ReconnectDelay         time.Duration
	PingInterval           time.Duration
	PongTimeout            time.Duration
	RetryAttempts          int
	RetryDelay             time.Duration

	OnStateChange  func(State)
	OnLockChange   func(itemID int64, lockedBy string, held bool)
	OnReviewStatus func(itemID int64, status items.ReviewStatus, version int64)

	Logger *zap.Logger
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	client *Client
	wsURL  string
	page   items.PageRef
	dialer *websocket.Dialer

	abnormalDelay time.Duration
	normalDelay   time.Duration
	pingInterval  time.Duration
	pongTimeout   time.Duration
	retryAttempts int
	retryDelay    time.Duration

	onStateChange  func(State)
	onLockChange   func(int64, string, bool)
	onReviewStatus func(int64, items.ReviewStatus, int64)

	logger *zap.Logger

	mu           sync.Mutex
	state        State
	stateChanged chan struct{}
	sessionID    string
	userID       string
	locks        map[int64]string
	rows         map[int64]*Row
	editing      map[int64]bool

	cancel context.CancelFunc
	done   chan struct{}
}

type lockChange struct {
	itemID   int64
	lockedBy string
	held     bool
}

// link is one WebSocket connection. gorilla connections allow a single
// concurrent writer, so writes go through writeMu.
type link struct {
	conn         *websocket.Conn
	writeMu      sync.Mutex
	awaitingPing atomic.Int64
}

func (l *link) writeJSON(v any) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return l.conn.WriteJSON(v)
}

func (l *link) closeNormally() {
	l.writeMu.Lock()
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = l.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(closeWait))
	l.writeMu.Unlock()
	_ = l.conn.SetReadDeadline(time.Now().Add(closeWait))
}

// New validates the configuration and constructs a Coordinator. Start opens
// the WebSocket; edit operations work without it.
func New(cfg Config) (*Coordinator, error) {
	page, err := items.NewPageRef(cfg.Page.PDFFilename, cfg.Page.PageNumber)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.SessionID) == "" {
		return nil, ErrSessionInvalid
	}
	wsURL, err := websocketURL(cfg.BaseURL)
	if err != nil {
		return nil, err
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Coordinator{
		client:         NewClient(cfg.BaseURL, cfg.HTTPClient),
		wsURL:          wsURL,
		page:           page,
		dialer:         dialer,
		abnormalDelay:  durationOr(cfg.AbnormalReconnectDelay, DefaultAbnormalReconnectDelay),
		normalDelay:    durationOr(cfg.ReconnectDelay, DefaultReconnectDelay),
		pingInterval:   durationOr(cfg.PingInterval, DefaultPingInterval),
		pongTimeout:    durationOr(cfg.PongTimeout, DefaultPongTimeout),
		retryAttempts:  intOr(cfg.RetryAttempts, DefaultRetryAttempts),
		retryDelay:     durationOr(cfg.RetryDelay, DefaultRetryDelay),
		onStateChange:  cfg.OnStateChange,
		onLockChange:   cfg.OnLockChange,
		onReviewStatus: cfg.OnReviewStatus,
		logger:         logger.With(zap.String("topic", page.Key())),
		state:          StateDisconnected,
		stateChanged:   make(chan struct{}),
		sessionID:      strings.TrimSpace(cfg.SessionID),
		locks:          make(map[int64]string),
		rows:           make(map[int64]*Row),
		editing:        make(map[int64]bool),
	}, nil
}

func websocketURL(baseURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.New("coordinator: base url must be http or https")
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/ws"
	return parsed.String(), nil
}

func durationOr(value, fallback time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return fallback
}

func intOr(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}

// Start launches the connection loop. It returns immediately.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.done != nil {
		c.mu.Unlock()
		return errors.New("coordinator: already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go c.run(runCtx, done)
	return nil
}

// Close sends a normal closure and waits for the connection loop to exit.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// Done is closed once the connection loop has exited. It is nil before Start.
func (c *Coordinator) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AwaitState blocks until the coordinator reaches want or ctx ends.
func (c *Coordinator) AwaitState(ctx context.Context, want State) error {
	for {
		c.mu.Lock()
		if c.state == want {
			c.mu.Unlock()
			return nil
		}
		changed := c.stateChanged
		c.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// LockedBy reports who holds the item's lock according to the local cache.
func (c *Coordinator) LockedBy(itemID int64) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	holder, ok := c.locks[itemID]
	return holder, ok
}

// Locks returns a copy of the local lock cache.
func (c *Coordinator) Locks() map[int64]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := make(map[int64]string, len(c.locks))
	for itemID, holder := range c.locks {
		snapshot[itemID] = holder
	}
	return snapshot
}

func (c *Coordinator) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	for {
		code := c.connectOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		delay, again := c.reconnectDelay(code)
		if !again {
			c.logger.Info("connection closed normally")
			return
		}
		c.logger.Info("reconnecting", zap.Int("close_code", code), zap.Duration("delay", delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (c *Coordinator) reconnectDelay(code int) (time.Duration, bool) {
	switch code {
	case websocket.CloseNormalClosure:
		return 0, false
	case websocket.CloseAbnormalClosure:
		return c.abnormalDelay, true
	default:
		return c.normalDelay, true
	}
}

// connectOnce runs one connection to completion and returns its close code.
func (c *Coordinator) connectOnce(ctx context.Context) int {
	c.setState(StateConnecting)

	conn, _, err := c.dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		c.logger.Warn("websocket dial failed", zap.Error(err))
		c.setState(StateDisconnected)
		return websocket.CloseAbnormalClosure
	}
	l := &link{conn: conn}

	if err := l.writeJSON(realtime.SubscribeMessage(c.page)); err != nil {
		c.logger.Warn("subscribe failed", zap.Error(err))
		_ = conn.Close()
		c.setState(StateDisconnected)
		return websocket.CloseAbnormalClosure
	}
	c.setState(StateSubscribed)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.heartbeat(l, stop)
	}()
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			l.closeNormally()
		case <-stop:
		}
	}()

	code := c.readLoop(l)
	close(stop)
	wg.Wait()
	_ = conn.Close()

	c.mu.Lock()
	cleared := make([]lockChange, 0, len(c.locks))
	for itemID := range c.locks {
		cleared = append(cleared, lockChange{itemID: itemID})
	}
	c.locks = make(map[int64]string)
	c.mu.Unlock()
	c.notifyLocks(cleared)
	c.setState(StateDisconnected)
	return code
}

func (c *Coordinator) readLoop(l *link) int {
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				c.logger.Info("websocket closed", zap.Int("close_code", closeErr.Code), zap.String("reason", closeErr.Text))
				return closeErr.Code
			}
			c.logger.Warn("websocket transport error", zap.Error(err))
			return websocket.CloseAbnormalClosure
		}
		l.awaitingPing.Store(0)

		var message realtime.Message
		if err := json.Unmarshal(data, &message); err != nil {
			c.logger.Warn("discarding malformed frame", zap.Error(err))
			continue
		}
		c.handle(message)
	}
}

// heartbeat sends a ping every interval and drops the connection when the
// server stays silent for longer than the pong timeout.
func (c *Coordinator) heartbeat(l *link, stop <-chan struct{}) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	var sequence int64
	var watchdog *time.Timer
	defer func() {
		if watchdog != nil {
			watchdog.Stop()
		}
	}()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if l.awaitingPing.Load() != 0 {
				continue
			}
			sequence++
			pending := sequence
			l.awaitingPing.Store(pending)
			if err := l.writeJSON(realtime.Message{Type: realtime.MessagePing}); err != nil {
				_ = l.conn.Close()
				return
			}
			if watchdog != nil {
				watchdog.Stop()
			}
			watchdog = time.AfterFunc(c.pongTimeout, func() {
				if l.awaitingPing.Load() == pending {
					c.logger.Warn("pong overdue, dropping connection")
					_ = l.conn.Close()
				}
			})
		}
	}
}

func (c *Coordinator) handle(message realtime.Message) {
	switch message.Type {
	case realtime.MessageConnected:
		c.applySnapshot(message.CurrentLocks)
	case realtime.MessageLockAcquired:
		c.mu.Lock()
		c.locks[message.ItemID] = message.LockedBy
		c.mu.Unlock()
		c.notifyLocks([]lockChange{{itemID: message.ItemID, lockedBy: message.LockedBy, held: true}})
	case realtime.MessageLockReleased:
		c.mu.Lock()
		delete(c.locks, message.ItemID)
		c.mu.Unlock()
		c.notifyLocks([]lockChange{{itemID: message.ItemID}})
	case realtime.MessageReviewStatusUpdated:
		if message.ReviewStatus != nil {
			c.applyPushedReview(message.ItemID, *message.ReviewStatus, message.Version)
		}
	case realtime.MessagePong:
	case realtime.MessageError:
		c.logger.Warn("server reported an error", zap.String("error", message.Error))
	default:
		c.logger.Debug("ignoring frame", zap.String("type", message.Type))
	}
}

// applySnapshot replaces the lock cache wholesale and enters CONNECTED.
func (c *Coordinator) applySnapshot(entries []realtime.LockEntry) {
	next := make(map[int64]string, len(entries))
	for _, entry := range entries {
		next[entry.ItemID] = entry.LockedBy
	}

	c.mu.Lock()
	changes := make([]lockChange, 0, len(entries))
	for itemID := range c.locks {
		if _, kept := next[itemID]; !kept {
			changes = append(changes, lockChange{itemID: itemID})
		}
	}
	for itemID, holder := range next {
		if c.locks[itemID] != holder {
			changes = append(changes, lockChange{itemID: itemID, lockedBy: holder, held: true})
		}
	}
	c.locks = next
	c.mu.Unlock()

	c.notifyLocks(changes)
	c.setState(StateConnected)
}

func (c *Coordinator) applyPushedReview(itemID int64, status items.ReviewStatus, version int64) {
	c.mu.Lock()
	if row, ok := c.rows[itemID]; ok && version > row.Version && version > row.RemoteVersion {
		row.ReviewStatus = status
		row.RemoteOwned = true
		row.RemoteVersion = version
	}
	c.mu.Unlock()

	if c.onReviewStatus != nil {
		c.onReviewStatus(itemID, status, version)
	}
}

func (c *Coordinator) notifyLocks(changes []lockChange) {
	if c.onLockChange == nil {
		return
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].itemID < changes[j].itemID })
	for _, change := range changes {
		c.onLockChange(change.itemID, change.lockedBy, change.held)
	}
}

func (c *Coordinator) setState(next State) {
	c.mu.Lock()
	if c.state == next {
		c.mu.Unlock()
		return
	}
	c.state = next
	close(c.stateChanged)
	c.stateChanged = make(chan struct{})
	c.mu.Unlock()

	c.logger.Debug("connection state changed", zap.Stringer("state", next))
	if c.onStateChange != nil {
		c.onStateChange(next)
	}
}

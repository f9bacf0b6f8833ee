// Package realtime fans lock and review events out to WebSocket subscribers
// of a (document, page) topic.
//
// Each topic keeps the live lock table for its page alongside the
// subscriber set. Subscribe captures that table and registers the
// subscriber under the same mutex that Publish holds, so a snapshot is never
// missing an event that the subscriber will not also receive, and never
// includes one it will receive twice.
package realtime

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mushrhyme/easy-rebate-sub001/internal/events"
	"github.com/mushrhyme/easy-rebate-sub001/internal/items"
	"go.uber.org/zap"
)

const (
	defaultSendBuffer   = 64
	mirrorBuffer        = 256
	mirrorPublishWindow = 2 * time.Second
)

// ErrHubClosed is returned by Subscribe after Shutdown.
var ErrHubClosed = errors.New("realtime: hub closed")

// HubConfig wires the hub.
type HubConfig struct {
	// SendBuffer bounds each subscriber's outbound queue. A subscriber whose
	// queue is full is disconnected with close code 1013.
	SendBuffer int
	Publisher  events.Publisher
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Hub owns every page topic.
type Hub struct {
	mu         sync.Mutex
	topics     map[string]*topic
	nextID     int64
	sendBuffer int
	closed     bool

	publisher  events.Publisher
	mirror     chan mirrorEvent
	mirrorDone chan struct{}

	clock  func() time.Time
	logger *zap.Logger
}

type topic struct {
	page        items.PageRef
	locks       map[int64]heldLock
	subscribers map[int64]*Subscription
}

type heldLock struct {
	lockedBy  string
	expiresAt time.Time
}

type mirrorEvent struct {
	subject string
	payload any
}

// Subscription is one connection's view of a topic.
type Subscription struct {
	id   int64
	page items.PageRef
	send chan []byte
	done chan struct{}

	once      sync.Once
	closeCode int
	closeText string
}

// Page returns the subscribed topic.
func (s *Subscription) Page() items.PageRef {
	return s.page
}

// Messages delivers encoded frames in topic order. The first frame is the
// connected snapshot.
func (s *Subscription) Messages() <-chan []byte {
	return s.send
}

// Done is closed when the hub drops the subscription.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// CloseReason reports the close code the connection should send once Done
// is closed.
func (s *Subscription) CloseReason() (int, string) {
	select {
	case <-s.done:
		return s.closeCode, s.closeText
	default:
		return 0, ""
	}
}

func (s *Subscription) drop(code int, text string) {
	s.once.Do(func() {
		s.closeCode = code
		s.closeText = text
		close(s.done)
	})
}

// NewHub constructs a hub and starts its event mirror.
func NewHub(cfg HubConfig) *Hub {
	sendBuffer := cfg.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = &events.NoopPublisher{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	hub := &Hub{
		topics:     make(map[string]*topic),
		sendBuffer: sendBuffer,
		publisher:  publisher,
		mirror:     make(chan mirrorEvent, mirrorBuffer),
		mirrorDone: make(chan struct{}),
		clock:      clock,
		logger:     logger,
	}
	go hub.runMirror()
	return hub
}

// Subscribe registers a subscriber on the page and queues the connected
// snapshot as its first frame.
func (h *Hub) Subscribe(page items.PageRef) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}

	t := h.topicLocked(page)
	h.nextID++
	subscription := &Subscription{
		id:   h.nextID,
		page: page,
		send: make(chan []byte, h.sendBuffer),
		done: make(chan struct{}),
	}
	subscription.send <- encode(connectedMessage{Type: MessageConnected, CurrentLocks: t.snapshot(h.clock())})
	t.subscribers[subscription.id] = subscription

	h.logger.Debug("topic subscribed",
		zap.String("topic", page.Key()),
		zap.Int64("subscriber_id", subscription.id),
		zap.Int("subscribers", len(t.subscribers)))
	return subscription, nil
}

// Unsubscribe removes the subscriber. It is safe to call more than once.
func (h *Hub) Unsubscribe(subscription *Subscription) {
	if subscription == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.topics[subscription.page.Key()]; ok {
		delete(t.subscribers, subscription.id)
		h.pruneLocked(t)
	}
	subscription.drop(websocket.CloseNormalClosure, "")
}

// SubscriberCount reports how many connections follow the page.
func (h *Hub) SubscriberCount(page items.PageRef) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.topics[page.Key()]; ok {
		return len(t.subscribers)
	}
	return 0
}

// LockAcquired records the lock and its lease in the topic table and fans it
// out.
func (h *Hub) LockAcquired(page items.PageRef, itemID int64, lockedBy string, expiresAt time.Time) {
	payload := encode(lockAcquiredMessage{Type: MessageLockAcquired, ItemID: itemID, LockedBy: lockedBy})
	mirrored := mirrorEvent{subject: events.SubjectLockAcquired, payload: events.LockAcquired{
		PDFFilename: page.PDFFilename,
		PageNumber:  page.PageNumber,
		ItemID:      itemID,
		LockedBy:    lockedBy,
		OccurredAt:  h.clock().UTC(),
	}}
	h.publish(page, payload, mirrored, func(t *topic) {
		t.locks[itemID] = heldLock{lockedBy: lockedBy, expiresAt: expiresAt}
	})
}

// LockRenewed extends the lease recorded for the lock. Nothing is sent.
func (h *Hub) LockRenewed(page items.PageRef, itemID int64, expiresAt time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	t, ok := h.topics[page.Key()]
	if !ok {
		return
	}
	if held, ok := t.locks[itemID]; ok {
		held.expiresAt = expiresAt
		t.locks[itemID] = held
	}
}

// LockReleased removes the lock from the topic table and fans it out.
func (h *Hub) LockReleased(page items.PageRef, itemID int64) {
	payload := encode(lockReleasedMessage{Type: MessageLockReleased, ItemID: itemID})
	mirrored := mirrorEvent{subject: events.SubjectLockReleased, payload: events.LockReleased{
		PDFFilename: page.PDFFilename,
		PageNumber:  page.PageNumber,
		ItemID:      itemID,
		OccurredAt:  h.clock().UTC(),
	}}
	h.publish(page, payload, mirrored, func(t *topic) {
		delete(t.locks, itemID)
	})
}

// ReviewStatusUpdated fans a committed review flag change out.
func (h *Hub) ReviewStatusUpdated(page items.PageRef, itemID int64, status items.ReviewStatus, version int64) {
	payload := encode(reviewStatusMessage{
		Type:         MessageReviewStatusUpdated,
		ItemID:       itemID,
		ReviewStatus: status,
		Version:      version,
	})
	mirrored := mirrorEvent{subject: events.SubjectReviewStatusUpdated, payload: events.ReviewStatusUpdated{
		PDFFilename:  page.PDFFilename,
		PageNumber:   page.PageNumber,
		ItemID:       itemID,
		ReviewStatus: status,
		Version:      version,
		OccurredAt:   h.clock().UTC(),
	}}
	h.publish(page, payload, mirrored, nil)
}

// Shutdown drops every subscriber with 1001 and stops the mirror.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	for key, t := range h.topics {
		for _, subscription := range t.subscribers {
			subscription.drop(websocket.CloseGoingAway, "server shutting down")
		}
		delete(h.topics, key)
	}
	close(h.mirror)
	h.mu.Unlock()

	select {
	case <-h.mirrorDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) publish(page items.PageRef, payload []byte, mirrored mirrorEvent, update func(*topic)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	t := h.topicLocked(page)
	if update != nil {
		update(t)
	}
	for id, subscription := range t.subscribers {
		select {
		case subscription.send <- payload:
		default:
			delete(t.subscribers, id)
			subscription.drop(websocket.CloseTryAgainLater, "subscriber too slow")
			h.logger.Warn("slow subscriber disconnected",
				zap.String("topic", page.Key()),
				zap.Int64("subscriber_id", id))
		}
	}
	h.pruneLocked(t)
	h.enqueueMirrorLocked(mirrored)
}

func (h *Hub) topicLocked(page items.PageRef) *topic {
	key := page.Key()
	t, ok := h.topics[key]
	if !ok {
		t = &topic{
			page:        page,
			locks:       make(map[int64]heldLock),
			subscribers: make(map[int64]*Subscription),
		}
		h.topics[key] = t
	}
	return t
}

// pruneLocked forgets topics that have neither subscribers nor locks.
func (h *Hub) pruneLocked(t *topic) {
	if len(t.subscribers) == 0 && len(t.locks) == 0 {
		delete(h.topics, t.page.Key())
	}
}

// snapshot lists the live locks. Leases that lapsed before the reaper ran
// are left out.
func (t *topic) snapshot(now time.Time) []LockEntry {
	entries := make([]LockEntry, 0, len(t.locks))
	for itemID, held := range t.locks {
		if !held.expiresAt.IsZero() && !now.Before(held.expiresAt) {
			continue
		}
		entries = append(entries, LockEntry{ItemID: itemID, LockedBy: held.lockedBy})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ItemID < entries[j].ItemID
	})
	return entries
}

func (h *Hub) enqueueMirrorLocked(event mirrorEvent) {
	select {
	case h.mirror <- event:
	default:
		h.logger.Warn("event mirror backlog full, dropping event", zap.String("subject", event.subject))
	}
}

func (h *Hub) runMirror() {
	defer close(h.mirrorDone)
	for event := range h.mirror {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorPublishWindow)
		if err := h.publisher.Publish(ctx, event.subject, event.payload); err != nil {
			h.logger.Warn("event mirror publish failed",
				zap.String("subject", event.subject),
				zap.Error(err))
		}
		cancel()
	}
}

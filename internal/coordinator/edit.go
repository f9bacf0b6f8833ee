package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mushrhyme/easy-rebate-sub001/internal/items"
	"go.uber.org/zap"
)

// SessionID returns the active session, or "" once the server rejected it.
func (c *Coordinator) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// UserID returns the reviewer id learned from the first granted lock.
func (c *Coordinator) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// IsEditing reports whether this coordinator holds the item in edit mode.
func (c *Coordinator) IsEditing(itemID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.editing[itemID]
}

// LoadPage fetches every item of the topic page and replaces the local rows.
// Remote-owned marks are cleared for rows fetched at or past the pushed version.
func (c *Coordinator) LoadPage(ctx context.Context) ([]Row, error) {
	fetched, err := c.client.ListPage(ctx, c.page)
	if err != nil {
		return nil, c.fail(err)
	}

	c.mu.Lock()
	next := make(map[int64]*Row, len(fetched))
	for _, item := range fetched {
		next[item.ItemID] = mergeRow(c.rows[item.ItemID], item)
	}
	c.rows = next
	c.mu.Unlock()
	return c.Rows(), nil
}

// Rows returns the local rows ordered as on the page.
func (c *Coordinator) Rows() []Row {
	c.mu.Lock()
	defer c.mu.Unlock()
	rows := make([]Row, 0, len(c.rows))
	for _, row := range c.rows {
		rows = append(rows, *row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Order != rows[j].Order {
			return rows[i].Order < rows[j].Order
		}
		return rows[i].ItemID < rows[j].ItemID
	})
	return rows
}

// Row returns the local copy of one item.
func (c *Coordinator) Row(itemID int64) (Row, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	row, ok := c.rows[itemID]
	if !ok {
		return Row{}, false
	}
	return *row, true
}

// BeginEdit acquires the item's lock and enters edit mode. A
// *LockConflictError names the user already editing the row.
func (c *Coordinator) BeginEdit(ctx context.Context, itemID int64) error {
	sessionID, err := c.requireSession()
	if err != nil {
		return err
	}
	grant, err := c.client.AcquireLock(ctx, itemID, sessionID)
	if err != nil {
		var conflict *LockConflictError
		if errors.As(err, &conflict) {
			c.logger.Info("edit refused, row locked", zap.Int64("item_id", itemID), zap.String("locked_by", conflict.Holder))
		}
		return c.fail(err)
	}

	c.mu.Lock()
	c.editing[itemID] = true
	c.locks[itemID] = grant.LockedBy
	if c.userID == "" {
		c.userID = grant.LockedBy
	}
	c.mu.Unlock()
	return nil
}

// CancelEdit leaves edit mode and releases the lock.
func (c *Coordinator) CancelEdit(ctx context.Context, itemID int64) error {
	sessionID, err := c.requireSession()
	if err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.editing, itemID)
	c.mu.Unlock()
	return c.fail(c.client.ReleaseLock(ctx, itemID, sessionID))
}

// Save writes the edited field data through the CAS resolver and releases
// the lock once the write is committed. On failure the row keeps its
// previous field data and the item stays in edit mode.
func (c *Coordinator) Save(ctx context.Context, itemID int64, fieldData map[string]any) (Item, error) {
	sessionID, err := c.requireSession()
	if err != nil {
		return Item{}, err
	}
	if !c.IsEditing(itemID) {
		return Item{}, ErrNotEditing
	}
	if fieldData == nil {
		fieldData = map[string]any{}
	}

	base, previous, err := c.applyOptimistic(ctx, itemID, func(row *Row) {
		row.FieldData = fieldData
	})
	if err != nil {
		return Item{}, c.fail(err)
	}

	item, latest, err := c.writeWithRetry(ctx, itemID, base, func(current Item) WriteRequest {
		return WriteRequest{
			FieldData:       fieldData,
			ExpectedVersion: current.Version,
			SessionID:       sessionID,
		}
	})
	if err != nil {
		c.rollback(itemID, previous, latest)
		return Item{}, c.fail(err)
	}
	c.storeRow(item)

	c.mu.Lock()
	delete(c.editing, itemID)
	c.mu.Unlock()
	if err := c.client.ReleaseLock(ctx, itemID, sessionID); err != nil {
		c.logger.Warn("lock release after save failed", zap.Int64("item_id", itemID), zap.Error(err))
	}
	return item, nil
}

// ToggleReview sets one review flag. The local row changes immediately;
// conflicts are resolved against the server state so the other flag is never
// overwritten. After the bounded retries the local change is rolled back and
// ErrConcurrentEdit is returned.
func (c *Coordinator) ToggleReview(ctx context.Context, itemID int64, stage items.ReviewStage, checked bool) (Item, error) {
	sessionID, err := c.requireSession()
	if err != nil {
		return Item{}, err
	}
	toggle := items.ReviewToggle{Stage: stage, Checked: checked}

	base, previous, err := c.applyOptimistic(ctx, itemID, func(row *Row) {
		row.ReviewStatus = toggle.Apply(row.ReviewStatus)
	})
	if err != nil {
		return Item{}, c.fail(err)
	}

	item, latest, err := c.writeWithRetry(ctx, itemID, base, func(current Item) WriteRequest {
		status := toggle.Apply(current.ReviewStatus)
		return WriteRequest{
			ReviewStatus:    &status,
			ExpectedVersion: current.Version,
			SessionID:       sessionID,
		}
	})
	if err != nil {
		c.rollback(itemID, previous, latest)
		return Item{}, c.fail(err)
	}
	c.storeRow(item)
	return item, nil
}

// writeWithRetry runs the version-CAS protocol: the initial attempt plus at
// most retryAttempts retries, each rebuilt from a fresh server read. On
// failure it also returns the newest server state it read.
func (c *Coordinator) writeWithRetry(ctx context.Context, itemID int64, base Item, build func(current Item) WriteRequest) (Item, Item, error) {
	current := base
	for attempt := 0; ; attempt++ {
		item, err := c.client.WriteItem(ctx, itemID, build(current))
		if err == nil {
			return item, item, nil
		}
		var conflict *VersionConflictError
		if !errors.As(err, &conflict) {
			return Item{}, current, err
		}
		if attempt >= c.retryAttempts {
			c.logger.Warn("version conflict retries exhausted",
				zap.Int64("item_id", itemID),
				zap.Int64("current_version", conflict.Current),
				zap.Int("attempts", attempt+1))
			return Item{}, current, fmt.Errorf("%w: item %d", ErrConcurrentEdit, itemID)
		}
		c.logger.Debug("version conflict, retrying",
			zap.Int64("item_id", itemID),
			zap.Int64("expected_version", current.Version),
			zap.Int64("current_version", conflict.Current))

		if err := sleepContext(ctx, c.retryDelay); err != nil {
			return Item{}, current, err
		}
		fetched, err := c.client.GetItem(ctx, itemID)
		if err != nil {
			return Item{}, current, err
		}
		current = fetched
	}
}

// applyOptimistic mutates the cached row, fetching it first when absent, and
// returns the pre-change item and row for the write and a later rollback.
func (c *Coordinator) applyOptimistic(ctx context.Context, itemID int64, mutate func(*Row)) (Item, Row, error) {
	c.mu.Lock()
	row, ok := c.rows[itemID]
	c.mu.Unlock()
	if !ok {
		item, err := c.client.GetItem(ctx, itemID)
		if err != nil {
			return Item{}, Row{}, err
		}
		c.storeRow(item)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	row = c.rows[itemID]
	previous := *row
	mutate(row)
	return previous.Item, previous, nil
}

// rollback undoes the caller's optimistic change. A review status pushed
// while the write was in flight stays, and a newer server read replaces the
// pre-change row.
func (c *Coordinator) rollback(itemID int64, previous Row, latest Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	row, ok := c.rows[itemID]
	if !ok {
		return
	}
	restored := previous
	if row.RemoteOwned && row.RemoteVersion > previous.RemoteVersion {
		restored.ReviewStatus = row.ReviewStatus
		restored.RemoteOwned = true
		restored.RemoteVersion = row.RemoteVersion
	}
	if latest.ItemID == itemID && latest.Version > restored.Version {
		restored = *mergeRow(&restored, latest)
	}
	*row = restored
}

func (c *Coordinator) storeRow(item Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rows[item.ItemID] = mergeRow(c.rows[item.ItemID], item)
}

// mergeRow keeps a pushed review status that the fetched item predates.
func mergeRow(previous *Row, item Item) *Row {
	row := &Row{Item: item}
	if previous != nil && previous.RemoteOwned && item.Version < previous.RemoteVersion {
		row.ReviewStatus = previous.ReviewStatus
		row.RemoteOwned = true
		row.RemoteVersion = previous.RemoteVersion
	}
	return row
}

func (c *Coordinator) requireSession() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID == "" {
		return "", ErrSessionInvalid
	}
	return c.sessionID, nil
}

// fail drops the session when the server no longer accepts it.
func (c *Coordinator) fail(err error) error {
	if errors.Is(err, ErrSessionInvalid) {
		c.mu.Lock()
		dropped := c.sessionID
		c.sessionID = ""
		c.editing = make(map[int64]bool)
		c.mu.Unlock()
		if dropped != "" {
			c.logger.Warn("session rejected, re-authentication required")
		}
	}
	return err
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

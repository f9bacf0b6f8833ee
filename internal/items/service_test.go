package items

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/mushrhyme/easy-rebate-sub001/internal/sessions"
	"gorm.io/gorm"
)

type stubSessions map[string]string

func (s stubSessions) Lookup(_ context.Context, sessionID string) (sessions.Session, error) {
	userID, ok := s[sessionID]
	if !ok {
		return sessions.Session{}, sessions.ErrSessionInvalid
	}
	return sessions.Session{SessionID: sessionID, UserID: userID}, nil
}

type stubLocks map[int64][2]string

func (s stubLocks) HolderOf(itemID int64) (string, string, bool) {
	holder, ok := s[itemID]
	if !ok {
		return "", "", false
	}
	return holder[0], holder[1], true
}

type reviewEvent struct {
	page    PageRef
	itemID  int64
	status  ReviewStatus
	version int64
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []reviewEvent
}

func (r *recordingBroadcaster) ReviewStatusUpdated(page PageRef, itemID int64, status ReviewStatus, version int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, reviewEvent{page: page, itemID: itemID, status: status, version: version})
}

func (r *recordingBroadcaster) snapshot() []reviewEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]reviewEvent(nil), r.events...)
}

type serviceFixture struct {
	service     *Service
	db          *gorm.DB
	locks       stubLocks
	broadcaster *recordingBroadcaster
	page        PageRef
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&Item{}, &ItemChange{}); err != nil {
		t.Fatalf("failed to migrate items: %v", err)
	}

	locks := stubLocks{}
	broadcaster := &recordingBroadcaster{}
	clockNow := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	service, err := NewService(ServiceConfig{
		Database:    db,
		Sessions:    stubSessions{"session-a": "alice", "session-b": "bob"},
		Locks:       locks,
		Broadcaster: broadcaster,
		Clock:       func() time.Time { return clockNow },
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	page, err := NewPageRef("invoice-0001.pdf", 1)
	if err != nil {
		t.Fatalf("unexpected page error: %v", err)
	}
	return &serviceFixture{service: service, db: db, locks: locks, broadcaster: broadcaster, page: page}
}

func (f *serviceFixture) seed(t *testing.T, order int, fields map[string]any) Item {
	t.Helper()
	item, err := f.service.Create(context.Background(), CreateRequest{Page: f.page, Order: order, FieldData: fields})
	if err != nil {
		t.Fatalf("failed to seed item: %v", err)
	}
	return item
}

// advance moves an item to the requested version through field-only writes.
func (f *serviceFixture) advance(t *testing.T, item Item, version int64) Item {
	t.Helper()
	for item.Version < version {
		updated, err := f.service.Write(context.Background(), WriteRequest{
			ItemID:          item.ItemID,
			FieldData:       map[string]any{"amount": item.Version + 1},
			ExpectedVersion: item.Version,
			SessionID:       "session-a",
		})
		if err != nil {
			t.Fatalf("failed to advance item: %v", err)
		}
		item = updated
	}
	return item
}

func TestCreateStartsAtVersionZero(t *testing.T) {
	fixture := newServiceFixture(t)
	item := fixture.seed(t, 2, map[string]any{"product": "widget"})

	if item.ItemID <= 0 {
		t.Fatalf("expected generated item id, got %d", item.ItemID)
	}
	if item.Version != 0 {
		t.Fatalf("expected version 0, got %d", item.Version)
	}
	fields, err := item.FieldData()
	if err != nil {
		t.Fatalf("failed to decode field data: %v", err)
	}
	if fields["product"] != "widget" {
		t.Fatalf("unexpected field data: %#v", fields)
	}
}

func TestListPageOrdersRows(t *testing.T) {
	fixture := newServiceFixture(t)
	second := fixture.seed(t, 2, nil)
	first := fixture.seed(t, 1, nil)
	other, err := NewPageRef("invoice-0001.pdf", 2)
	if err != nil {
		t.Fatalf("unexpected page error: %v", err)
	}
	if _, err := fixture.service.Create(context.Background(), CreateRequest{Page: other, Order: 0}); err != nil {
		t.Fatalf("failed to seed other page: %v", err)
	}

	rows, err := fixture.service.ListPage(context.Background(), fixture.page)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected two rows on the page, got %d", len(rows))
	}
	if rows[0].ItemID != first.ItemID || rows[1].ItemID != second.ItemID {
		t.Fatalf("rows not in display order: %d, %d", rows[0].ItemID, rows[1].ItemID)
	}
}

func TestGetUnknownItem(t *testing.T) {
	fixture := newServiceFixture(t)
	if _, err := fixture.service.Get(context.Background(), 999); !errors.Is(err, ErrItemNotFound) {
		t.Fatalf("expected ErrItemNotFound, got %v", err)
	}
}

func TestWriteBumpsVersionAndRecordsAudit(t *testing.T) {
	fixture := newServiceFixture(t)
	item := fixture.seed(t, 0, map[string]any{"amount": 10})

	updated, err := fixture.service.Write(context.Background(), WriteRequest{
		ItemID:          item.ItemID,
		FieldData:       map[string]any{"amount": 12},
		ExpectedVersion: 0,
		SessionID:       "session-a",
	})
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if updated.Version != 1 {
		t.Fatalf("expected version 1, got %d", updated.Version)
	}

	changes, err := fixture.service.Changes(context.Background(), item.ItemID)
	if err != nil {
		t.Fatalf("changes failed: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("expected one audit row, got %d", len(changes))
	}
	change := changes[0]
	if change.PreviousVersion != 0 || change.NewVersion != 1 || change.UserID != "alice" {
		t.Fatalf("unexpected audit row: %#v", change)
	}
	if len(fixture.broadcaster.snapshot()) != 0 {
		t.Fatalf("field-only write must not broadcast review updates")
	}
}

func TestWriteConcurrentSameExpectedVersion(t *testing.T) {
	fixture := newServiceFixture(t)
	item := fixture.advance(t, fixture.seed(t, 0, nil), 3)

	var (
		wg        sync.WaitGroup
		successes int
		conflicts int
		mu        sync.Mutex
	)
	for _, sessionID := range []string{"session-a", "session-b"} {
		wg.Add(1)
		go func(sessionID string) {
			defer wg.Done()
			_, err := fixture.service.Write(context.Background(), WriteRequest{
				ItemID:          item.ItemID,
				ReviewStatus:    &ReviewStatus{FirstReview: ReviewFlag{Checked: sessionID == "session-a"}, SecondReview: ReviewFlag{Checked: sessionID == "session-b"}},
				ExpectedVersion: 3,
				SessionID:       sessionID,
			})
			mu.Lock()
			defer mu.Unlock()
			var conflict *VersionConflictError
			switch {
			case err == nil:
				successes++
			case errors.As(err, &conflict):
				conflicts++
				if conflict.Current != 4 {
					t.Errorf("expected loser to observe version 4, got %d", conflict.Current)
				}
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(sessionID)
	}
	wg.Wait()

	if successes != 1 || conflicts != 1 {
		t.Fatalf("expected exactly one winner and one conflict, got %d/%d", successes, conflicts)
	}
	stored, err := fixture.service.Get(context.Background(), item.ItemID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.Version != 4 {
		t.Fatalf("expected version 4, got %d", stored.Version)
	}
}

func TestWriteMergesIndependentReviewFlags(t *testing.T) {
	fixture := newServiceFixture(t)
	item := fixture.advance(t, fixture.seed(t, 0, nil), 3)
	ctx := context.Background()

	first := ReviewToggle{Stage: StageFirstReview, Checked: true}.Apply(item.ReviewStatus())
	afterA, err := fixture.service.Write(ctx, WriteRequest{
		ItemID:          item.ItemID,
		ReviewStatus:    &first,
		ExpectedVersion: 3,
		SessionID:       "session-a",
	})
	if err != nil {
		t.Fatalf("writer A failed: %v", err)
	}
	if afterA.Version != 4 {
		t.Fatalf("expected version 4, got %d", afterA.Version)
	}

	stale := ReviewToggle{Stage: StageSecondReview, Checked: true}.Apply(item.ReviewStatus())
	_, err = fixture.service.Write(ctx, WriteRequest{
		ItemID:          item.ItemID,
		ReviewStatus:    &stale,
		ExpectedVersion: 3,
		SessionID:       "session-b",
	})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected version conflict for stale writer, got %v", err)
	}

	fresh, err := fixture.service.Get(ctx, item.ItemID)
	if err != nil {
		t.Fatalf("refetch failed: %v", err)
	}
	if fresh.SecondReviewChecked {
		t.Fatalf("second review must be unchanged after writer A")
	}
	merged := ReviewToggle{Stage: StageSecondReview, Checked: true}.Apply(fresh.ReviewStatus())
	afterB, err := fixture.service.Write(ctx, WriteRequest{
		ItemID:          item.ItemID,
		ReviewStatus:    &merged,
		ExpectedVersion: fresh.Version,
		SessionID:       "session-b",
	})
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if afterB.Version != 5 {
		t.Fatalf("expected version 5, got %d", afterB.Version)
	}
	status := afterB.ReviewStatus()
	if !status.FirstReview.Checked || !status.SecondReview.Checked {
		t.Fatalf("expected both flags checked, got %#v", status)
	}
	if status.FirstReview.ReviewedBy != "alice" || status.SecondReview.ReviewedBy != "bob" {
		t.Fatalf("unexpected reviewers: %q / %q", status.FirstReview.ReviewedBy, status.SecondReview.ReviewedBy)
	}

	events := fixture.broadcaster.snapshot()
	if len(events) != 2 {
		t.Fatalf("expected two review broadcasts, got %d", len(events))
	}
	if events[0].version != 4 || events[1].version != 5 {
		t.Fatalf("broadcasts out of order: %d, %d", events[0].version, events[1].version)
	}
	if events[1].page != fixture.page {
		t.Fatalf("unexpected topic: %#v", events[1].page)
	}
}

func TestWriteRejectsFieldChangeWhileLockedByOther(t *testing.T) {
	fixture := newServiceFixture(t)
	item := fixture.seed(t, 0, map[string]any{"amount": 1})
	fixture.locks[item.ItemID] = [2]string{"session-a", "alice"}

	_, err := fixture.service.Write(context.Background(), WriteRequest{
		ItemID:          item.ItemID,
		FieldData:       map[string]any{"amount": 2},
		ExpectedVersion: 0,
		SessionID:       "session-b",
	})
	var locked *LockedError
	if !errors.As(err, &locked) {
		t.Fatalf("expected LockedError, got %v", err)
	}
	if locked.Holder != "alice" {
		t.Fatalf("unexpected holder %q", locked.Holder)
	}

	review := ReviewToggle{Stage: StageFirstReview, Checked: true}.Apply(item.ReviewStatus())
	updated, err := fixture.service.Write(context.Background(), WriteRequest{
		ItemID:          item.ItemID,
		FieldData:       map[string]any{"amount": 1},
		ReviewStatus:    &review,
		ExpectedVersion: 0,
		SessionID:       "session-b",
	})
	if err != nil {
		t.Fatalf("review-only write should bypass the lock: %v", err)
	}
	if updated.Version != 1 {
		t.Fatalf("expected version 1, got %d", updated.Version)
	}

	holderWrite, err := fixture.service.Write(context.Background(), WriteRequest{
		ItemID:          item.ItemID,
		FieldData:       map[string]any{"amount": 3},
		ExpectedVersion: 1,
		SessionID:       "session-a",
	})
	if err != nil {
		t.Fatalf("lock holder write failed: %v", err)
	}
	if holderWrite.Version != 2 {
		t.Fatalf("expected version 2, got %d", holderWrite.Version)
	}
}

func TestWriteRejectsInvalidSession(t *testing.T) {
	fixture := newServiceFixture(t)
	item := fixture.seed(t, 0, nil)

	_, err := fixture.service.Write(context.Background(), WriteRequest{
		ItemID:          item.ItemID,
		FieldData:       map[string]any{"amount": 1},
		ExpectedVersion: 0,
		SessionID:       "session-unknown",
	})
	if !errors.Is(err, sessions.ErrSessionInvalid) {
		t.Fatalf("expected ErrSessionInvalid, got %v", err)
	}
	stored, err := fixture.service.Get(context.Background(), item.ItemID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.Version != 0 {
		t.Fatalf("rejected write must not bump the version")
	}
}

func TestWriteKeepsMetadataOfUnchangedFlag(t *testing.T) {
	fixture := newServiceFixture(t)
	item := fixture.seed(t, 0, nil)
	ctx := context.Background()

	checked := ReviewToggle{Stage: StageFirstReview, Checked: true}.Apply(item.ReviewStatus())
	afterFirst, err := fixture.service.Write(ctx, WriteRequest{ItemID: item.ItemID, ReviewStatus: &checked, ExpectedVersion: 0, SessionID: "session-a"})
	if err != nil {
		t.Fatalf("first write failed: %v", err)
	}

	resent := afterFirst.ReviewStatus()
	resent.FirstReview.ReviewedBy = "mallory"
	resent.SecondReview = ReviewFlag{Checked: true}
	afterSecond, err := fixture.service.Write(ctx, WriteRequest{ItemID: item.ItemID, ReviewStatus: &resent, ExpectedVersion: 1, SessionID: "session-b"})
	if err != nil {
		t.Fatalf("second write failed: %v", err)
	}
	status := afterSecond.ReviewStatus()
	if status.FirstReview.ReviewedBy != "alice" {
		t.Fatalf("unchanged flag must keep stored reviewer, got %q", status.FirstReview.ReviewedBy)
	}
	if status.SecondReview.ReviewedBy != "bob" || status.SecondReview.ReviewedAt == nil {
		t.Fatalf("changed flag must be stamped, got %#v", status.SecondReview)
	}
}

func TestWriteRejectsMalformedRequests(t *testing.T) {
	fixture := newServiceFixture(t)
	testCases := []struct {
		name    string
		request WriteRequest
		want    error
	}{
		{name: "zero item", request: WriteRequest{ItemID: 0, SessionID: "session-a"}, want: ErrInvalidWrite},
		{name: "negative version", request: WriteRequest{ItemID: 1, ExpectedVersion: -1, SessionID: "session-a"}, want: ErrInvalidWrite},
		{name: "missing session", request: WriteRequest{ItemID: 1}, want: sessions.ErrSessionInvalid},
		{name: "unknown item", request: WriteRequest{ItemID: 404, SessionID: "session-a"}, want: ErrItemNotFound},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := fixture.service.Write(context.Background(), testCase.request); !errors.Is(err, testCase.want) {
				t.Fatalf("expected %v, got %v", testCase.want, err)
			}
		})
	}
}

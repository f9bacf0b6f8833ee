package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mushrhyme/easy-rebate-sub001/internal/items"
)

func TestClientTranslatesErrorCodes(t *testing.T) {
	responses := map[string]struct {
		status int
		body   string
	}{
		"/items/1/lock": {http.StatusConflict, `{"error":"lock_conflict","locked_by":"alice"}`},
		"/items/2":      {http.StatusConflict, `{"error":"version_conflict","current_version":7}`},
		"/items/3":      {http.StatusConflict, `{"error":"item_locked","locked_by":"carol"}`},
		"/items/4":      {http.StatusNotFound, `{"error":"item_not_found"}`},
		"/items/5":      {http.StatusUnauthorized, `{"error":"session_invalid"}`},
		"/items/6":      {http.StatusInternalServerError, `oops`},
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		response := responses[r.URL.Path]
		w.WriteHeader(response.status)
		_, _ = w.Write([]byte(response.body))
	}))
	t.Cleanup(server.Close)
	client := NewClient(server.URL+"/", nil)
	ctx := context.Background()

	_, err := client.AcquireLock(ctx, 1, "session-a")
	var lockConflict *LockConflictError
	if !errors.As(err, &lockConflict) || lockConflict.Holder != "alice" || !errors.Is(err, ErrLockConflict) {
		t.Fatalf("expected lock conflict by alice, got %v", err)
	}

	_, err = client.WriteItem(ctx, 2, WriteRequest{SessionID: "session-a"})
	var versionConflict *VersionConflictError
	if !errors.As(err, &versionConflict) || versionConflict.Current != 7 {
		t.Fatalf("expected version conflict at 7, got %v", err)
	}

	_, err = client.WriteItem(ctx, 3, WriteRequest{SessionID: "session-a"})
	if !errors.As(err, &lockConflict) || lockConflict.Holder != "carol" {
		t.Fatalf("expected item_locked to map to a lock conflict, got %v", err)
	}

	if _, err := client.GetItem(ctx, 4); !errors.Is(err, ErrItemNotFound) {
		t.Fatalf("expected ErrItemNotFound, got %v", err)
	}
	if _, err := client.GetItem(ctx, 5); !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("expected ErrSessionInvalid, got %v", err)
	}

	_, err = client.GetItem(ctx, 6)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusInternalServerError || apiErr.Message != "oops" {
		t.Fatalf("expected raw APIError, got %v", err)
	}
}

func TestClientReportsConnectionErrors(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	baseURL := server.URL
	server.Close()

	client := NewClient(baseURL, &http.Client{Timeout: time.Second})
	if _, err := client.GetItem(context.Background(), 1); !errors.Is(err, ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
}

func TestToggleReviewRollsBackAfterRetriesExhausted(t *testing.T) {
	var writes, reads atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.Method {
		case http.MethodGet:
			version := int64(10 + reads.Add(1))
			_ = json.NewEncoder(w).Encode(Item{ItemID: 1, PDFFilename: testPage.PDFFilename, PageNumber: 1, Version: version})
		case http.MethodPut:
			writes.Add(1)
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error":"version_conflict","current_version":99}`))
		}
	}))
	t.Cleanup(server.Close)

	c, err := New(Config{BaseURL: server.URL, Page: testPage, SessionID: "session-a", RetryDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("failed to build coordinator: %v", err)
	}

	_, err = c.ToggleReview(context.Background(), 1, items.StageFirstReview, true)
	if !errors.Is(err, ErrConcurrentEdit) {
		t.Fatalf("expected ErrConcurrentEdit, got %v", err)
	}
	if got := writes.Load(); got != 3 {
		t.Fatalf("expected initial attempt plus two retries, got %d writes", got)
	}
	if got := reads.Load(); got != 3 {
		t.Fatalf("expected one initial read and two refetches, got %d", got)
	}
	row, ok := c.Row(1)
	if !ok || row.ReviewStatus.FirstReview.Checked {
		t.Fatalf("expected optimistic toggle to be rolled back, got %+v", row)
	}
	if row.Version != 13 {
		t.Fatalf("expected the row to settle on the last fetched version 13, got %d", row.Version)
	}
	if c.SessionID() != "session-a" {
		t.Fatalf("a version conflict must not drop the session")
	}
}

func TestFailedToggleKeepsReviewPushedDuringWrite(t *testing.T) {
	pushed := items.ReviewStatus{SecondReview: items.ReviewFlag{Checked: true, ReviewedBy: "bob"}}
	var (
		c      *Coordinator
		writes atomic.Int32
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.Method {
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(Item{ItemID: 1, PDFFilename: testPage.PDFFilename, PageNumber: 1, Version: 1})
		case http.MethodPut:
			if writes.Add(1) == 1 {
				c.applyPushedReview(1, pushed, 9)
			}
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error":"version_conflict","current_version":9}`))
		}
	}))
	t.Cleanup(server.Close)

	var err error
	c, err = New(Config{BaseURL: server.URL, Page: testPage, SessionID: "session-a", RetryDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("failed to build coordinator: %v", err)
	}

	_, err = c.ToggleReview(context.Background(), 1, items.StageFirstReview, true)
	if !errors.Is(err, ErrConcurrentEdit) {
		t.Fatalf("expected ErrConcurrentEdit, got %v", err)
	}
	row, ok := c.Row(1)
	if !ok {
		t.Fatalf("expected row to stay cached")
	}
	if row.ReviewStatus.FirstReview.Checked {
		t.Fatalf("expected own toggle to be undone, got %+v", row.ReviewStatus)
	}
	if !row.RemoteOwned || row.RemoteVersion != 9 {
		t.Fatalf("expected remote ownership at version 9, got owned=%v version=%d", row.RemoteOwned, row.RemoteVersion)
	}
	if !row.ReviewStatus.SecondReview.Checked || row.ReviewStatus.SecondReview.ReviewedBy != "bob" {
		t.Fatalf("expected pushed second review by bob to survive, got %+v", row.ReviewStatus.SecondReview)
	}
}

func TestFailedSaveKeepsReviewPushedDuringWrite(t *testing.T) {
	pushed := items.ReviewStatus{FirstReview: items.ReviewFlag{Checked: true, ReviewedBy: "bob"}}
	var c *Coordinator
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet:
			_ = json.NewEncoder(w).Encode(Item{ItemID: 1, PDFFilename: testPage.PDFFilename, PageNumber: 1, Version: 1,
				FieldData: map[string]any{"amount": "10"}})
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/lock"):
			_, _ = w.Write([]byte(`{"item_id":1,"locked_by":"alice"}`))
		case r.Method == http.MethodPut:
			c.applyPushedReview(1, pushed, 2)
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error":"item_locked","locked_by":"carol"}`))
		}
	}))
	t.Cleanup(server.Close)

	var err error
	c, err = New(Config{BaseURL: server.URL, Page: testPage, SessionID: "session-a", RetryDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("failed to build coordinator: %v", err)
	}
	ctx := context.Background()
	if err := c.BeginEdit(ctx, 1); err != nil {
		t.Fatalf("begin edit failed: %v", err)
	}

	_, err = c.Save(ctx, 1, map[string]any{"amount": "99"})
	if !errors.Is(err, ErrLockConflict) {
		t.Fatalf("expected lock conflict, got %v", err)
	}
	row, ok := c.Row(1)
	if !ok {
		t.Fatalf("expected row to stay cached")
	}
	if row.FieldData["amount"] != "10" {
		t.Fatalf("expected field data to be rolled back, got %v", row.FieldData)
	}
	if !row.RemoteOwned || !row.ReviewStatus.FirstReview.Checked {
		t.Fatalf("expected pushed review to survive the rollback, got %+v", row)
	}
}

package sessions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		t.Fatalf("failed to migrate sessions: %v", err)
	}
	return db
}

func TestGormStoreCreateAndLookup(t *testing.T) {
	clockNow := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store, err := NewGormStore(GormStoreConfig{
		Database: openTestDatabase(t),
		TTL:      time.Hour,
		Clock:    func() time.Time { return clockNow },
		NewID:    func() (string, error) { return "session-1", nil },
	})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}

	created, err := store.Create(context.Background(), " alice ")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if created.SessionID != "session-1" || created.UserID != "alice" {
		t.Fatalf("unexpected session: %#v", created)
	}
	if !created.ExpiresAt.Equal(clockNow.Add(time.Hour)) {
		t.Fatalf("unexpected expiry: %s", created.ExpiresAt)
	}

	found, err := store.Lookup(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if found.UserID != "alice" {
		t.Fatalf("unexpected user: %s", found.UserID)
	}
}

func TestGormStoreLookupExpired(t *testing.T) {
	clockNow := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store, err := NewGormStore(GormStoreConfig{
		Database: openTestDatabase(t),
		TTL:      time.Minute,
		Clock:    func() time.Time { return clockNow },
	})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	created, err := store.Create(context.Background(), "bob")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	clockNow = clockNow.Add(2 * time.Minute)
	if _, err := store.Lookup(context.Background(), created.SessionID); !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("expected ErrSessionInvalid, got %v", err)
	}
}

func TestGormStoreRevoke(t *testing.T) {
	store, err := NewGormStore(GormStoreConfig{Database: openTestDatabase(t), TTL: time.Hour})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	created, err := store.Create(context.Background(), "carol")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := store.Revoke(context.Background(), created.SessionID); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	if _, err := store.Lookup(context.Background(), created.SessionID); !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("expected revoked session to be invalid, got %v", err)
	}
	if err := store.Revoke(context.Background(), "unknown"); err != nil {
		t.Fatalf("revoking unknown session should not fail: %v", err)
	}
}

func TestGormStoreRejectsEmptyInput(t *testing.T) {
	store, err := NewGormStore(GormStoreConfig{Database: openTestDatabase(t), TTL: time.Hour})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	if _, err := store.Create(context.Background(), "  "); !errors.Is(err, ErrMissingUserID) {
		t.Fatalf("expected ErrMissingUserID, got %v", err)
	}
	if _, err := store.Lookup(context.Background(), ""); !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("expected ErrSessionInvalid, got %v", err)
	}
}

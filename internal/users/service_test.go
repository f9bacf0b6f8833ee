package users

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/mushrhyme/easy-rebate-sub001/internal/auth"
	"gorm.io/gorm"
)

func newTestService(t *testing.T, dsn string) (*Service, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Identity{}); err != nil {
		t.Fatalf("failed to migrate identity schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1, 0)
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, db
}

func TestResolveUserIDStripsProviderPrefix(t *testing.T) {
	service, db := newTestService(t, "file:users_prefix?mode=memory&cache=shared")

	claims := auth.IdentityClaims{
		UserID:          "sso:12345",
		UserEmail:       "user@example.com",
		UserDisplayName: "Example User",
	}
	userID, err := service.ResolveUserID(context.Background(), claims)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if userID != "12345" {
		t.Fatalf("expected canonical user id without provider prefix, got %q", userID)
	}

	// second call hits the cache and must not create a duplicate record.
	userID, err = service.ResolveUserID(context.Background(), claims)
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if userID != "12345" {
		t.Fatalf("expected canonical user id to remain stable, got %q", userID)
	}
	var count int64
	if err := db.Model(&Identity{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected a single identity row, got %d", count)
	}
}

func TestResolveUserIDUsesSubjectAndRefreshesProfile(t *testing.T) {
	service, _ := newTestService(t, "file:users_subject?mode=memory&cache=shared")
	ctx := context.Background()

	claims := auth.IdentityClaims{RegisteredClaims: jwt.RegisteredClaims{Subject: "reviewer-1"}}
	if _, err := service.ResolveUserID(ctx, claims); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	claims.UserDisplayName = "Reviewer One"
	if _, err := service.ResolveUserID(ctx, claims); err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}

	identity, err := service.Lookup(ctx, "reviewer-1")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if identity.Provider != defaultProvider || identity.DisplayName != "Reviewer One" {
		t.Fatalf("unexpected identity: %#v", identity)
	}
}

func TestResolveUserIDRejectsEmptyClaims(t *testing.T) {
	service, _ := newTestService(t, "file:users_empty?mode=memory&cache=shared")
	if _, err := service.ResolveUserID(context.Background(), auth.IdentityClaims{}); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected ErrInvalidIdentity, got %v", err)
	}
}

package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/mushrhyme/easy-rebate-sub001/internal/events"
	"github.com/mushrhyme/easy-rebate-sub001/internal/items"
	"github.com/mushrhyme/easy-rebate-sub001/internal/locks"
	"github.com/mushrhyme/easy-rebate-sub001/internal/realtime"
	"github.com/mushrhyme/easy-rebate-sub001/internal/sessions"
	"github.com/mushrhyme/easy-rebate-sub001/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ApplicationConfig collects everything needed to assemble the review core.
type ApplicationConfig struct {
	Database          *gorm.DB
	Sessions          sessions.Directory
	IdentityValidator IdentityValidator
	Publisher         events.Publisher

	LockLease         time.Duration
	HeartbeatInterval time.Duration
	PongGrace         time.Duration
	SendBuffer        int
	AllowedOrigins    []string

	Clock  func() time.Time
	Logger *zap.Logger
}

// Application is the assembled review core: lock registry, item store,
// broadcast hub and the HTTP surface that fronts them.
type Application struct {
	Handler  http.Handler
	Hub      *realtime.Hub
	Registry *locks.Registry
	Items    *items.Service
	Locks    *locks.Service
	Users    *users.Service

	logger *zap.Logger
}

func NewApplication(cfg ApplicationConfig) (*Application, error) {
	if cfg.Database == nil {
		return nil, errors.New("server: database required")
	}
	if cfg.Sessions == nil {
		return nil, errMissingSessionDirectory
	}
	if cfg.IdentityValidator == nil {
		return nil, errMissingIdentityValidator
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	hub := realtime.NewHub(realtime.HubConfig{
		SendBuffer: cfg.SendBuffer,
		Publisher:  cfg.Publisher,
		Clock:      cfg.Clock,
		Logger:     logger.Named("hub"),
	})
	registry := locks.NewRegistry(locks.RegistryConfig{
		LeaseDuration: cfg.LockLease,
		Broadcaster:   hub,
		Clock:         cfg.Clock,
		Logger:        logger.Named("locks"),
	})

	itemService, err := items.NewService(items.ServiceConfig{
		Database:    cfg.Database,
		Sessions:    cfg.Sessions,
		Locks:       registry,
		Broadcaster: hub,
		Clock:       cfg.Clock,
		Logger:      logger.Named("items"),
	})
	if err != nil {
		return nil, err
	}
	lockService, err := locks.NewService(locks.ServiceConfig{
		Registry: registry,
		Sessions: cfg.Sessions,
		Items:    itemService,
		Logger:   logger.Named("locks"),
	})
	if err != nil {
		return nil, err
	}
	userService, err := users.NewService(users.ServiceConfig{
		Database: cfg.Database,
		Clock:    cfg.Clock,
		Logger:   logger.Named("users"),
	})
	if err != nil {
		return nil, err
	}

	handler, err := NewHTTPHandler(Dependencies{
		IdentityValidator: cfg.IdentityValidator,
		Users:             userService,
		Sessions:          cfg.Sessions,
		ItemsService:      itemService,
		LockService:       lockService,
		Realtime: realtime.NewHandler(realtime.HandlerConfig{
			Hub:               hub,
			HeartbeatInterval: cfg.HeartbeatInterval,
			PongGrace:         cfg.PongGrace,
			CheckOrigin:       websocketOriginCheck(cfg.AllowedOrigins),
			Logger:            logger.Named("ws"),
		}),
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	return &Application{
		Handler:  handler,
		Hub:      hub,
		Registry: registry,
		Items:    itemService,
		Locks:    lockService,
		Users:    userService,
		logger:   logger,
	}, nil
}

// StartReaper begins expiring stale locks in the background.
func (a *Application) StartReaper(interval time.Duration) {
	a.Registry.StartReaper(interval)
}

// Shutdown stops the reaper and closes every subscriber with 1001. It must
// run before the HTTP server shuts down so WebSocket handlers can return.
func (a *Application) Shutdown(ctx context.Context) error {
	a.Registry.Stop()
	return a.Hub.Shutdown(ctx)
}

package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/mushrhyme/easy-rebate-sub001/internal/auth"
	"github.com/mushrhyme/easy-rebate-sub001/internal/items"
	"github.com/mushrhyme/easy-rebate-sub001/internal/locks"
	"github.com/mushrhyme/easy-rebate-sub001/internal/sessions"
	"go.uber.org/zap"
)

var (
	errMissingIdentityValidator = errors.New("identity validator dependency required")
	errMissingUserResolver      = errors.New("user resolver dependency required")
	errMissingSessionDirectory  = errors.New("session directory dependency required")
	errMissingItemsService      = errors.New("items service dependency required")
	errMissingLockService       = errors.New("lock service dependency required")
	errMissingRealtimeHandler   = errors.New("realtime handler dependency required")
)

// IdentityValidator authenticates the bearer identity token on session creation.
type IdentityValidator interface {
	ValidateRequest(r *http.Request) (auth.IdentityClaims, error)
}

// UserResolver maps identity claims to the canonical reviewer id.
type UserResolver interface {
	ResolveUserID(ctx context.Context, claims auth.IdentityClaims) (string, error)
}

type Dependencies struct {
	IdentityValidator IdentityValidator
	Users             UserResolver
	Sessions          sessions.Directory
	ItemsService      *items.Service
	LockService       *locks.Service
	Realtime          http.Handler
	AllowedOrigins    []string
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.IdentityValidator == nil:
		return nil, errMissingIdentityValidator
	case deps.Users == nil:
		return nil, errMissingUserResolver
	case deps.Sessions == nil:
		return nil, errMissingSessionDirectory
	case deps.ItemsService == nil:
		return nil, errMissingItemsService
	case deps.LockService == nil:
		return nil, errMissingLockService
	case deps.Realtime == nil:
		return nil, errMissingRealtimeHandler
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		identities: deps.IdentityValidator,
		users:      deps.Users,
		sessions:   deps.Sessions,
		items:      deps.ItemsService,
		locks:      deps.LockService,
		logger:     logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/ws", gin.WrapH(deps.Realtime))

	router.POST("/sessions", handler.handleCreateSession)
	router.DELETE("/sessions/:session_id", handler.handleRevokeSession)

	router.GET("/items/:item_id", handler.handleGetItem)
	router.PUT("/items/:item_id", handler.handleWriteItem)
	router.POST("/items/:item_id/lock", handler.handleAcquireLock)
	router.DELETE("/items/:item_id/lock", handler.handleReleaseLock)

	pages := router.Group("/documents/:pdf_filename/pages/:page_number")
	pages.GET("/items", handler.handleListPageItems)
	pages.POST("/items", handler.handleCreateItem)
	pages.GET("/locks", handler.handleListPageLocks)

	return router, nil
}

// websocketOriginCheck mirrors the CORS origin list for the upgrade. Requests
// without an Origin header come from non-browser clients and are accepted.
// A nil result accepts every origin.
func websocketOriginCheck(allowedOrigins []string) func(*http.Request) bool {
	if len(allowedOrigins) == 0 {
		return nil
	}
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[normalizeOrigin(origin)] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[normalizeOrigin(origin)]
		return ok
	}
}

func normalizeOrigin(origin string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(origin)), "/")
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

type httpHandler struct {
	identities IdentityValidator
	users      UserResolver
	sessions   sessions.Directory
	items      *items.Service
	locks      *locks.Service
	logger     *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type sessionResponsePayload struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *httpHandler) handleCreateSession(c *gin.Context) {
	claims, err := h.identities.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredIdentityToken) {
			h.logger.Info("identity token rejected", zap.Error(err))
		} else {
			h.logger.Warn("identity token rejected", zap.Error(err))
		}
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, err := h.users.ResolveUserID(c.Request.Context(), claims)
	if err != nil {
		h.logger.Warn("identity resolution failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	session, err := h.sessions.Create(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("failed to create session", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_create_failed"})
		return
	}
	c.JSON(http.StatusCreated, sessionResponsePayload{
		SessionID: session.SessionID,
		UserID:    session.UserID,
		ExpiresAt: session.ExpiresAt,
	})
}

func (h *httpHandler) handleRevokeSession(c *gin.Context) {
	sessionID := strings.TrimSpace(c.Param("session_id"))
	if err := h.sessions.Revoke(c.Request.Context(), sessionID); err != nil {
		h.logger.Error("failed to revoke session", zap.String("session_id", sessionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_revoke_failed"})
		return
	}
	released := h.locks.ReleaseSession(c.Request.Context(), sessionID)
	c.JSON(http.StatusOK, gin.H{"status": "revoked", "released_locks": released})
}

type itemPayload struct {
	ItemID       int64              `json:"item_id"`
	PDFFilename  string             `json:"pdf_filename"`
	PageNumber   int                `json:"page_number"`
	Order        int                `json:"order"`
	FieldData    map[string]any     `json:"field_data"`
	ReviewStatus items.ReviewStatus `json:"review_status"`
	Version      int64              `json:"version"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

func newItemPayload(item items.Item) (itemPayload, error) {
	fields, err := item.FieldData()
	if err != nil {
		return itemPayload{}, err
	}
	return itemPayload{
		ItemID:       item.ItemID,
		PDFFilename:  item.PDFFilename,
		PageNumber:   item.PageNumber,
		Order:        item.RowOrder,
		FieldData:    fields,
		ReviewStatus: item.ReviewStatus(),
		Version:      item.Version,
		UpdatedAt:    item.UpdatedAt,
	}, nil
}

func (h *httpHandler) respondItem(c *gin.Context, status int, item items.Item) {
	payload, err := newItemPayload(item)
	if err != nil {
		h.logger.Error("stored field data is not valid json", zap.Int64("item_id", item.ItemID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "item_decode_failed"})
		return
	}
	c.JSON(status, payload)
}

func (h *httpHandler) handleGetItem(c *gin.Context) {
	itemID, ok := parseItemID(c)
	if !ok {
		return
	}
	item, err := h.items.Get(c.Request.Context(), itemID)
	if err != nil {
		h.writeError(c, "get_item", err)
		return
	}
	h.respondItem(c, http.StatusOK, item)
}

type writeRequestPayload struct {
	FieldData       map[string]any      `json:"field_data"`
	ReviewStatus    *items.ReviewStatus `json:"review_status"`
	ExpectedVersion *int64              `json:"expected_version"`
	SessionID       string              `json:"session_id"`
}

func (h *httpHandler) handleWriteItem(c *gin.Context) {
	itemID, ok := parseItemID(c)
	if !ok {
		return
	}
	var request writeRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.ExpectedVersion == nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_write"})
		return
	}
	item, err := h.items.Write(c.Request.Context(), items.WriteRequest{
		ItemID:          itemID,
		FieldData:       request.FieldData,
		ReviewStatus:    request.ReviewStatus,
		ExpectedVersion: *request.ExpectedVersion,
		SessionID:       request.SessionID,
	})
	if err != nil {
		h.writeError(c, "write_item", err)
		return
	}
	h.respondItem(c, http.StatusOK, item)
}

type lockRequestPayload struct {
	SessionID string `json:"session_id"`
}

type lockResponsePayload struct {
	ItemID    int64     `json:"item_id"`
	LockedBy  string    `json:"locked_by"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *httpHandler) handleAcquireLock(c *gin.Context) {
	itemID, ok := parseItemID(c)
	if !ok {
		return
	}
	var request lockRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.SessionID) == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "session_invalid"})
		return
	}
	lock, err := h.locks.Acquire(c.Request.Context(), itemID, request.SessionID)
	if err != nil {
		h.writeError(c, "acquire_lock", err)
		return
	}
	c.JSON(http.StatusOK, lockResponsePayload{ItemID: lock.ItemID, LockedBy: lock.LockedBy, ExpiresAt: lock.ExpiresAt})
}

func (h *httpHandler) handleReleaseLock(c *gin.Context) {
	itemID, ok := parseItemID(c)
	if !ok {
		return
	}
	var request lockRequestPayload
	if c.Request.ContentLength != 0 {
		_ = c.ShouldBindJSON(&request)
	}
	if request.SessionID == "" {
		request.SessionID = c.Query("session_id")
	}
	if err := h.locks.Release(c.Request.Context(), itemID, request.SessionID); err != nil {
		h.writeError(c, "release_lock", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "released"})
}

type createItemPayload struct {
	Order     int            `json:"order"`
	FieldData map[string]any `json:"field_data"`
}

func (h *httpHandler) handleCreateItem(c *gin.Context) {
	page, ok := parsePageRef(c)
	if !ok {
		return
	}
	var request createItemPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	item, err := h.items.Create(c.Request.Context(), items.CreateRequest{
		Page:      page,
		Order:     request.Order,
		FieldData: request.FieldData,
	})
	if err != nil {
		h.writeError(c, "create_item", err)
		return
	}
	h.respondItem(c, http.StatusCreated, item)
}

func (h *httpHandler) handleListPageItems(c *gin.Context) {
	page, ok := parsePageRef(c)
	if !ok {
		return
	}
	rows, err := h.items.ListPage(c.Request.Context(), page)
	if err != nil {
		h.writeError(c, "list_items", err)
		return
	}
	payloads := make([]itemPayload, 0, len(rows))
	for _, row := range rows {
		payload, err := newItemPayload(row)
		if err != nil {
			h.logger.Error("stored field data is not valid json", zap.Int64("item_id", row.ItemID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "item_decode_failed"})
			return
		}
		payloads = append(payloads, payload)
	}
	c.JSON(http.StatusOK, gin.H{"items": payloads})
}

func (h *httpHandler) handleListPageLocks(c *gin.Context) {
	page, ok := parsePageRef(c)
	if !ok {
		return
	}
	held := h.locks.PageLocks(page)
	payloads := make([]lockResponsePayload, 0, len(held))
	for _, lock := range held {
		payloads = append(payloads, lockResponsePayload{ItemID: lock.ItemID, LockedBy: lock.LockedBy, ExpiresAt: lock.ExpiresAt})
	}
	c.JSON(http.StatusOK, gin.H{"locks": payloads})
}

// writeError maps domain errors onto the REST error taxonomy.
func (h *httpHandler) writeError(c *gin.Context, operation string, err error) {
	var (
		lockConflict    *locks.ConflictError
		versionConflict *items.VersionConflictError
		itemLocked      *items.LockedError
	)
	switch {
	case errors.Is(err, sessions.ErrSessionInvalid):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "session_invalid"})
	case errors.As(err, &lockConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "lock_conflict", "locked_by": lockConflict.Holder})
	case errors.As(err, &versionConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "version_conflict", "current_version": versionConflict.Current})
	case errors.As(err, &itemLocked):
		c.JSON(http.StatusConflict, gin.H{"error": "item_locked", "locked_by": itemLocked.Holder})
	case errors.Is(err, items.ErrItemNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "item_not_found"})
	case errors.Is(err, items.ErrInvalidWrite):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_write"})
	case errors.Is(err, items.ErrInvalidItemID), errors.Is(err, items.ErrInvalidPageRef), errors.Is(err, locks.ErrInvalidLockRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	default:
		h.logger.Error("request failed", zap.String("operation", operation), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": operation + "_failed"})
	}
}

func parseItemID(c *gin.Context) (int64, bool) {
	itemID, err := strconv.ParseInt(c.Param("item_id"), 10, 64)
	if err != nil || itemID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_item_id"})
		return 0, false
	}
	return itemID, true
}

func parsePageRef(c *gin.Context) (items.PageRef, bool) {
	pageNumber, err := strconv.Atoi(c.Param("page_number"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_page"})
		return items.PageRef{}, false
	}
	page, err := items.NewPageRef(c.Param("pdf_filename"), pageNumber)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_page"})
		return items.PageRef{}, false
	}
	return page, true
}

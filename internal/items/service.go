package items

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mushrhyme/easy-rebate-sub001/internal/sessions"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingSessions = errors.New("session directory is required")
	noOpLogger         = zap.NewNop()
)

const (
	opServiceNew = "items.service.new"
	opCreate     = "items.create"
	opGet        = "items.get"
	opListPage   = "items.list_page"
	opWrite      = "items.write"

	fieldItemID    = "item_id"
	fieldSessionID = "session_id"
)

// SessionResolver resolves the writing session to its user.
type SessionResolver interface {
	Lookup(ctx context.Context, sessionID string) (sessions.Session, error)
}

// LockInspector reports the current holder of an item's row lock.
type LockInspector interface {
	HolderOf(itemID int64) (sessionID string, userID string, held bool)
}

// ReviewBroadcaster fans review flag changes out to page subscribers.
type ReviewBroadcaster interface {
	ReviewStatusUpdated(page PageRef, itemID int64, status ReviewStatus, version int64)
}

// IDProvider issues audit record identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// ServiceConfig describes the dependencies of the item store.
type ServiceConfig struct {
	Database    *gorm.DB
	Sessions    SessionResolver
	Locks       LockInspector
	Broadcaster ReviewBroadcaster
	Clock       func() time.Time
	IDProvider  IDProvider
	Logger      *zap.Logger
}

// Service owns item rows and their CAS version counters.
type Service struct {
	db          *gorm.DB
	sessions    SessionResolver
	locks       LockInspector
	broadcaster ReviewBroadcaster
	clock       func() time.Time
	idProvider  IDProvider
	logger      *zap.Logger

	// writeMu orders commit and broadcast so review events follow version order.
	writeMu sync.Mutex
}

// NewService validates dependencies and constructs the item store.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Sessions == nil {
		return nil, newServiceError(opServiceNew, "missing_sessions", errMissingSessions)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:          cfg.Database,
		sessions:    cfg.Sessions,
		locks:       cfg.Locks,
		broadcaster: cfg.Broadcaster,
		clock:       clock,
		idProvider:  idProvider,
		logger:      logger,
	}, nil
}

// CreateRequest seeds a new row on a page.
type CreateRequest struct {
	Page      PageRef
	Order     int
	FieldData map[string]any
}

// Create inserts a row at version 0.
func (s *Service) Create(ctx context.Context, request CreateRequest) (Item, error) {
	page, err := NewPageRef(request.Page.PDFFilename, request.Page.PageNumber)
	if err != nil {
		return Item{}, err
	}
	fieldJSON, err := encodeFieldData(request.FieldData)
	if err != nil {
		return Item{}, errors.Join(ErrInvalidWrite, err)
	}
	item := Item{
		PDFFilename:   page.PDFFilename,
		PageNumber:    page.PageNumber,
		RowOrder:      request.Order,
		FieldDataJSON: fieldJSON,
		Version:       0,
	}
	if err := s.db.WithContext(ctx).Create(&item).Error; err != nil {
		s.logError(opCreate, "insert_failed", err, zap.String("pdf_filename", page.PDFFilename))
		return Item{}, newServiceError(opCreate, "insert_failed", err)
	}
	return item, nil
}

// Get returns the authoritative state of one item.
func (s *Service) Get(ctx context.Context, itemID int64) (Item, error) {
	if _, err := NewItemID(itemID); err != nil {
		return Item{}, err
	}
	var item Item
	err := s.db.WithContext(ctx).Where("item_id = ?", itemID).Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Item{}, ErrItemNotFound
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.Int64(fieldItemID, itemID))
		return Item{}, newServiceError(opGet, "query_failed", err)
	}
	return item, nil
}

// ListPage returns the rows of a page in display order.
func (s *Service) ListPage(ctx context.Context, page PageRef) ([]Item, error) {
	page, err := NewPageRef(page.PDFFilename, page.PageNumber)
	if err != nil {
		return nil, err
	}
	var rows []Item
	if err := s.db.WithContext(ctx).
		Where("pdf_filename = ? AND page_number = ?", page.PDFFilename, page.PageNumber).
		Order("row_order ASC, item_id ASC").
		Find(&rows).Error; err != nil {
		s.logError(opListPage, "query_failed", err, zap.String("topic", page.Key()))
		return nil, newServiceError(opListPage, "query_failed", err)
	}
	return rows, nil
}

// WriteRequest is a compare-and-swap write. A nil FieldData or ReviewStatus
// leaves that part of the row unchanged.
type WriteRequest struct {
	ItemID          int64
	FieldData       map[string]any
	ReviewStatus    *ReviewStatus
	ExpectedVersion int64
	SessionID       string
}

// Write applies the request iff the stored version equals ExpectedVersion,
// bumping the version by one together with the data and an audit record.
func (s *Service) Write(ctx context.Context, request WriteRequest) (Item, error) {
	if _, err := NewItemID(request.ItemID); err != nil {
		return Item{}, errors.Join(ErrInvalidWrite, err)
	}
	if request.ExpectedVersion < 0 {
		return Item{}, errors.Join(ErrInvalidWrite, errors.New("negative expected version"))
	}
	if strings.TrimSpace(request.SessionID) == "" {
		return Item{}, sessions.ErrSessionInvalid
	}

	session, err := s.sessions.Lookup(ctx, request.SessionID)
	if err != nil {
		if errors.Is(err, sessions.ErrSessionInvalid) {
			return Item{}, err
		}
		s.logError(opWrite, "session_lookup_failed", err, zap.String(fieldSessionID, request.SessionID))
		return Item{}, newServiceError(opWrite, "session_lookup_failed", err)
	}

	var fieldJSON string
	if request.FieldData != nil {
		fieldJSON, err = encodeFieldData(request.FieldData)
		if err != nil {
			return Item{}, errors.Join(ErrInvalidWrite, err)
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var (
		stored  Item
		updated Item
	)
	appliedAt := s.clock().UTC()
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("item_id = ?", request.ItemID).Take(&stored).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrItemNotFound
		}
		if err != nil {
			s.logError(opWrite, "item_select_failed", err, zap.Int64(fieldItemID, request.ItemID))
			return newServiceError(opWrite, "item_select_failed", err)
		}
		if stored.Version != request.ExpectedVersion {
			return &VersionConflictError{Expected: request.ExpectedVersion, Current: stored.Version}
		}

		nextFieldJSON := stored.FieldDataJSON
		if request.FieldData != nil && !sameFieldData(stored.FieldDataJSON, fieldJSON) {
			if holderSession, holderUser, held := s.lockHolder(request.ItemID); held && holderSession != session.SessionID {
				return &LockedError{Holder: holderUser}
			}
			nextFieldJSON = fieldJSON
		}

		nextStatus := stored.ReviewStatus()
		if request.ReviewStatus != nil {
			nextStatus = stampReviewStatus(nextStatus, *request.ReviewStatus, session.UserID, appliedAt)
		}

		result := tx.Model(&Item{}).
			Where("item_id = ? AND version = ?", request.ItemID, request.ExpectedVersion).
			Updates(map[string]any{
				"field_data_json":       nextFieldJSON,
				"first_review_checked":  nextStatus.FirstReview.Checked,
				"first_reviewed_at":     nextStatus.FirstReview.ReviewedAt,
				"first_reviewed_by":     nextStatus.FirstReview.ReviewedBy,
				"second_review_checked": nextStatus.SecondReview.Checked,
				"second_reviewed_at":    nextStatus.SecondReview.ReviewedAt,
				"second_reviewed_by":    nextStatus.SecondReview.ReviewedBy,
				"version":               gorm.Expr("version + 1"),
				"updated_at":            appliedAt,
			})
		if result.Error != nil {
			s.logError(opWrite, "item_update_failed", result.Error, zap.Int64(fieldItemID, request.ItemID))
			return newServiceError(opWrite, "item_update_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			var current Item
			if err := tx.Select("version").Where("item_id = ?", request.ItemID).Take(&current).Error; err != nil {
				return newServiceError(opWrite, "item_reload_failed", err)
			}
			return &VersionConflictError{Expected: request.ExpectedVersion, Current: current.Version}
		}

		if err := tx.Where("item_id = ?", request.ItemID).Take(&updated).Error; err != nil {
			s.logError(opWrite, "item_reload_failed", err, zap.Int64(fieldItemID, request.ItemID))
			return newServiceError(opWrite, "item_reload_failed", err)
		}

		audit, err := s.auditRecord(updated, stored.Version, session, appliedAt)
		if err != nil {
			s.logError(opWrite, "audit_build_failed", err, zap.Int64(fieldItemID, request.ItemID))
			return newServiceError(opWrite, "audit_build_failed", err)
		}
		if err := tx.Create(&audit).Error; err != nil {
			s.logError(opWrite, "audit_insert_failed", err, zap.Int64(fieldItemID, request.ItemID))
			return newServiceError(opWrite, "audit_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		if errors.Is(txErr, ErrVersionConflict) {
			s.loggerOrDefault().Debug("item write rejected: stale version",
				zap.Int64(fieldItemID, request.ItemID),
				zap.String(fieldSessionID, session.SessionID),
				zap.Error(txErr))
		}
		return Item{}, txErr
	}

	if !stored.ReviewStatus().SameChecks(updated.ReviewStatus()) && s.broadcaster != nil {
		s.broadcaster.ReviewStatusUpdated(updated.Page(), updated.ItemID, updated.ReviewStatus(), updated.Version)
	}
	return updated, nil
}

// Changes returns the audit trail of an item, oldest first.
func (s *Service) Changes(ctx context.Context, itemID int64) ([]ItemChange, error) {
	var changes []ItemChange
	if err := s.db.WithContext(ctx).
		Where("item_id = ?", itemID).
		Order("new_version ASC").
		Find(&changes).Error; err != nil {
		return nil, newServiceError(opGet, "changes_query_failed", err)
	}
	return changes, nil
}

func (s *Service) lockHolder(itemID int64) (string, string, bool) {
	if s.locks == nil {
		return "", "", false
	}
	return s.locks.HolderOf(itemID)
}

func (s *Service) auditRecord(updated Item, previousVersion int64, session sessions.Session, appliedAt time.Time) (ItemChange, error) {
	changeID, err := s.idProvider.NewID()
	if err != nil {
		return ItemChange{}, err
	}
	statusJSON, err := json.Marshal(updated.ReviewStatus())
	if err != nil {
		return ItemChange{}, err
	}
	return ItemChange{
		ChangeID:         changeID,
		ItemID:           updated.ItemID,
		SessionID:        session.SessionID,
		UserID:           session.UserID,
		PreviousVersion:  previousVersion,
		NewVersion:       updated.Version,
		FieldDataJSON:    updated.FieldDataJSON,
		ReviewStatusJSON: string(statusJSON),
		AppliedAt:        appliedAt,
	}, nil
}

// stampReviewStatus keeps stored metadata for unchanged flags and records the
// writer and time on flags whose checked value changes.
func stampReviewStatus(stored, incoming ReviewStatus, userID string, appliedAt time.Time) ReviewStatus {
	result := stored
	for _, stage := range []ReviewStage{StageFirstReview, StageSecondReview} {
		want := incoming.Flag(stage)
		if want.Checked == stored.Flag(stage).Checked {
			continue
		}
		stampedAt := appliedAt
		result = result.WithFlag(stage, ReviewFlag{
			Checked:    want.Checked,
			ReviewedAt: &stampedAt,
			ReviewedBy: userID,
		})
	}
	return result
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("items service error", attrs...)
}

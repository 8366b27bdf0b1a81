package overlays

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/memberreview/internal/ids"
	"github.com/MarcoPoloResearchLab/memberreview/internal/patch"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrVersionConflict is wrapped by every VersionConflictError.
	ErrVersionConflict = errors.New("overlays: version conflict")
	// ErrOverlayNotOpen indicates an operation that requires an open overlay.
	ErrOverlayNotOpen = errors.New("overlays: overlay is not open")
	// ErrInvalidRequest indicates missing identifiers or an unknown decision.
	ErrInvalidRequest = errors.New("overlays: invalid request")

	errMissingDatabase = errors.New("overlays: database handle is required")
	errMissingIDs      = errors.New("overlays: id provider is required")
)

// NoVersion is reported as the current version when no open overlay exists.
const NoVersion int64 = -1

// VersionConflictError reports an optimistic concurrency failure.
type VersionConflictError struct {
	ApplicationID   string
	OverlayID       string
	ExpectedVersion int64
	CurrentVersion  int64
}

func (e *VersionConflictError) Error() string {
	if e.CurrentVersion == NoVersion {
		return fmt.Sprintf("%v: application %s has no open overlay (expected version %d)", ErrVersionConflict, e.ApplicationID, e.ExpectedVersion)
	}
	return fmt.Sprintf("%v: overlay %s expected version %d, current %d", ErrVersionConflict, e.OverlayID, e.ExpectedVersion, e.CurrentVersion)
}

func (e *VersionConflictError) Unwrap() error {
	return ErrVersionConflict
}

// UpsertRequest replaces the open overlay of an application, creating one when none is open.
type UpsertRequest struct {
	TenantID        string
	ApplicationID   string
	ReviewerID      string
	Patch           patch.Patch
	Notes           string
	ExpectedVersion *int64
}

// StoreConfig describes the dependencies of a Store.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ids.Provider
}

// Store persists overlays with compare-and-set versioning.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider ids.Provider
}

// NewStore constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDs
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: cfg.Database, clock: clock, idProvider: cfg.IDProvider}, nil
}

// WithDB returns a copy of the store bound to db, typically a transaction.
func (s *Store) WithDB(db *gorm.DB) *Store {
	clone := *s
	clone.db = db
	return &clone
}

// FindOpen returns the open overlay of an application, or nil when none is open.
func (s *Store) FindOpen(ctx context.Context, tenantID, applicationID string) (*Overlay, error) {
	var overlay Overlay
	err := s.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate}).
		Where("tenant_id = ? AND application_id = ? AND status = ?", tenantID, applicationID, StatusOpen).
		Take(&overlay).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("overlays: find open: %w", err)
	}
	return &overlay, nil
}

// FindByID returns an overlay by id within a tenant, or nil when absent.
func (s *Store) FindByID(ctx context.Context, tenantID, overlayID string) (*Overlay, error) {
	var overlay Overlay
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND overlay_id = ?", tenantID, overlayID).
		Take(&overlay).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("overlays: find by id: %w", err)
	}
	return &overlay, nil
}

// History lists every overlay of an application, newest first.
func (s *Store) History(ctx context.Context, tenantID, applicationID string) ([]Overlay, error) {
	var history []Overlay
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND application_id = ?", tenantID, applicationID).
		Order("created_at_s DESC").
		Order("overlay_id DESC").
		Find(&history).Error
	if err != nil {
		return nil, fmt.Errorf("overlays: history: %w", err)
	}
	return history, nil
}

// UpsertOpen stores the request's patch as the open overlay. A new overlay starts at version 0;
// each replacement increments the version by one.
func (s *Store) UpsertOpen(ctx context.Context, request UpsertRequest) (Overlay, error) {
	if strings.TrimSpace(request.TenantID) == "" || strings.TrimSpace(request.ApplicationID) == "" {
		return Overlay{}, fmt.Errorf("%w: tenant and application ids are required", ErrInvalidRequest)
	}
	encoded, err := encodePatch(request.Patch)
	if err != nil {
		return Overlay{}, fmt.Errorf("overlays: encode patch: %w", err)
	}

	existing, err := s.FindOpen(ctx, request.TenantID, request.ApplicationID)
	if err != nil {
		return Overlay{}, err
	}
	if existing == nil {
		if request.ExpectedVersion != nil {
			return Overlay{}, &VersionConflictError{
				ApplicationID:   request.ApplicationID,
				ExpectedVersion: *request.ExpectedVersion,
				CurrentVersion:  NoVersion,
			}
		}
		created, createErr := s.create(ctx, request, encoded)
		if createErr == nil {
			return created, nil
		}
		if !isUniqueViolation(createErr) {
			return Overlay{}, createErr
		}
		// Another writer opened the overlay first; replace theirs.
		existing, err = s.FindOpen(ctx, request.TenantID, request.ApplicationID)
		if err != nil {
			return Overlay{}, err
		}
		if existing == nil {
			return Overlay{}, createErr
		}
	}

	if request.ExpectedVersion != nil && *request.ExpectedVersion != existing.Version {
		return Overlay{}, &VersionConflictError{
			ApplicationID:   request.ApplicationID,
			OverlayID:       existing.OverlayID,
			ExpectedVersion: *request.ExpectedVersion,
			CurrentVersion:  existing.Version,
		}
	}

	now := s.clock().UTC().Unix()
	updates := map[string]any{
		"proposed_patch": encoded,
		"notes":          request.Notes,
		"reviewer_id":    request.ReviewerID,
		"version":        existing.Version + 1,
		"updated_at_s":   now,
	}
	if err := s.compareAndSet(ctx, *existing, updates); err != nil {
		return Overlay{}, err
	}

	updated := *existing
	updated.ProposedPatch = encoded
	updated.Notes = request.Notes
	updated.ReviewerID = request.ReviewerID
	updated.Version = existing.Version + 1
	updated.UpdatedAtSeconds = now
	return updated, nil
}

// Close decides an open overlay. The overlay's observed version must still be current.
func (s *Store) Close(ctx context.Context, overlay Overlay, decision Decision, reason, decidedBy string) (Overlay, error) {
	if decision != DecisionApproved && decision != DecisionRejected {
		return Overlay{}, fmt.Errorf("%w: decision %q", ErrInvalidRequest, decision)
	}
	if !overlay.IsOpen() {
		return Overlay{}, fmt.Errorf("%w: %s", ErrOverlayNotOpen, overlay.OverlayID)
	}

	now := s.clock().UTC().Unix()
	updates := map[string]any{
		"status":          StatusDecided,
		"decision":        decision,
		"decision_reason": reason,
		"decided_by":      decidedBy,
		"decided_at_s":    now,
		"version":         overlay.Version + 1,
		"updated_at_s":    now,
	}
	if err := s.compareAndSet(ctx, overlay, updates); err != nil {
		return Overlay{}, err
	}

	overlay.Status = StatusDecided
	overlay.Decision = decision
	overlay.DecisionReason = reason
	overlay.DecidedBy = decidedBy
	overlay.DecidedAtSeconds = now
	overlay.Version++
	overlay.UpdatedAtSeconds = now
	return overlay, nil
}

func (s *Store) create(ctx context.Context, request UpsertRequest, encoded []byte) (Overlay, error) {
	overlayID, err := s.idProvider.NewID()
	if err != nil {
		return Overlay{}, err
	}
	now := s.clock().UTC().Unix()
	overlay := Overlay{
		OverlayID:        overlayID,
		ApplicationID:    request.ApplicationID,
		TenantID:         request.TenantID,
		ReviewerID:       request.ReviewerID,
		ProposedPatch:    encoded,
		Notes:            request.Notes,
		Version:          0,
		Status:           StatusOpen,
		Decision:         DecisionNone,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	// Nested transaction becomes a savepoint when the store is bound to a transaction.
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&overlay).Error
	})
	if err != nil {
		return Overlay{}, fmt.Errorf("overlays: create: %w", err)
	}
	return overlay, nil
}

func (s *Store) compareAndSet(ctx context.Context, observed Overlay, updates map[string]any) error {
	result := s.db.WithContext(ctx).
		Model(&Overlay{}).
		Where("overlay_id = ? AND version = ? AND status = ?", observed.OverlayID, observed.Version, StatusOpen).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("overlays: update %s: %w", observed.OverlayID, result.Error)
	}
	if result.RowsAffected == 1 {
		return nil
	}

	conflict := &VersionConflictError{
		ApplicationID:   observed.ApplicationID,
		OverlayID:       observed.OverlayID,
		ExpectedVersion: observed.Version,
		CurrentVersion:  NoVersion,
	}
	var current Overlay
	err := s.db.WithContext(ctx).Where("overlay_id = ?", observed.OverlayID).Take(&current).Error
	if err == nil && current.IsOpen() {
		conflict.CurrentVersion = current.Version
	}
	return conflict
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	message := err.Error()
	return strings.Contains(message, "UNIQUE constraint failed") || strings.Contains(message, "duplicate key")
}

package applications

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/memberreview/internal/ids"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInvalidTenantID indicates an empty tenant identifier.
	ErrInvalidTenantID = errors.New("applications: invalid tenant id")
	errMissingIDs      = errors.New("applications: id provider is required")
)

var applicationIDConflict = []clause.Column{{Name: "application_id"}}

// RecordsConfig describes the dependencies of Records.
type RecordsConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ids.Provider
}

// Records writes the three application-scoped records.
type Records struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider ids.Provider
}

// NewRecords constructs Records.
func NewRecords(cfg RecordsConfig) (*Records, error) {
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
	return &Records{db: cfg.Database, clock: clock, idProvider: cfg.IDProvider}, nil
}

// WithDB returns a copy of the records writer bound to db, typically a transaction.
func (r *Records) WithDB(db *gorm.DB) *Records {
	clone := *r
	clone.db = db
	return &clone
}

// Submit stores an applicant submission and resets the application to submitted.
func (r *Records) Submit(ctx context.Context, tenantID, applicationID string, submission Submission) error {
	return r.write(ctx, tenantID, applicationID, submission, true)
}

// UpsertSections writes the sections of submission to the three records, creating any that are missing.
func (r *Records) UpsertSections(ctx context.Context, tenantID, applicationID string, submission Submission) error {
	return r.write(ctx, tenantID, applicationID, submission, false)
}

func (r *Records) write(ctx context.Context, tenantID, applicationID string, submission Submission, resetStatus bool) error {
	tenantID = strings.TrimSpace(tenantID)
	applicationID = strings.TrimSpace(applicationID)
	if applicationID == "" {
		return ErrInvalidApplicationID
	}
	if tenantID == "" {
		return ErrInvalidTenantID
	}

	filtered, err := SubmissionFromDocument(submission.Document())
	if err != nil {
		return err
	}
	now := r.clock().UTC().Unix()
	handle := r.db.WithContext(ctx)

	personalID, err := r.idProvider.NewID()
	if err != nil {
		return err
	}
	personalColumns := []string{"personal_info", "contact_info", "updated_at_s"}
	if resetStatus {
		personalColumns = append(personalColumns, "application_status", "reviewed_by", "reviewed_at_s", "rejection_reason")
	}
	personal := PersonalDetails{
		RecordID:          personalID,
		ApplicationID:     applicationID,
		TenantID:          tenantID,
		PersonalInfo:      datatypes.JSONMap(filtered.PersonalInfo),
		ContactInfo:       datatypes.JSONMap(filtered.ContactInfo),
		ApplicationStatus: StatusSubmitted,
		CreatedAtSeconds:  now,
		UpdatedAtSeconds:  now,
	}
	if err := handle.Clauses(clause.OnConflict{
		Columns:   applicationIDConflict,
		DoUpdates: clause.AssignmentColumns(personalColumns),
	}).Create(&personal).Error; err != nil {
		return fmt.Errorf("applications: upsert personal record: %w", err)
	}

	professionalID, err := r.idProvider.NewID()
	if err != nil {
		return err
	}
	professional := ProfessionalDetails{
		RecordID:            professionalID,
		ApplicationID:       applicationID,
		TenantID:            tenantID,
		ProfessionalDetails: datatypes.JSONMap(filtered.ProfessionalDetails),
		CreatedAtSeconds:    now,
		UpdatedAtSeconds:    now,
	}
	if err := handle.Clauses(clause.OnConflict{
		Columns:   applicationIDConflict,
		DoUpdates: clause.AssignmentColumns([]string{"professional_details", "updated_at_s"}),
	}).Create(&professional).Error; err != nil {
		return fmt.Errorf("applications: upsert professional record: %w", err)
	}

	subscriptionID, err := r.idProvider.NewID()
	if err != nil {
		return err
	}
	subscription := SubscriptionDetails{
		RecordID:            subscriptionID,
		ApplicationID:       applicationID,
		TenantID:            tenantID,
		SubscriptionDetails: datatypes.JSONMap(filtered.SubscriptionDetails),
		CreatedAtSeconds:    now,
		UpdatedAtSeconds:    now,
	}
	if err := handle.Clauses(clause.OnConflict{
		Columns:   applicationIDConflict,
		DoUpdates: clause.AssignmentColumns([]string{"subscription_details", "updated_at_s"}),
	}).Create(&subscription).Error; err != nil {
		return fmt.Errorf("applications: upsert subscription record: %w", err)
	}
	return nil
}

// MarkApproved records the approval decision on the personal record.
func (r *Records) MarkApproved(ctx context.Context, applicationID, reviewerID string, at time.Time) error {
	return r.markDecision(ctx, applicationID, map[string]any{
		"application_status": StatusApproved,
		"reviewed_by":        reviewerID,
		"reviewed_at_s":      at.UTC().Unix(),
		"rejection_reason":   "",
		"updated_at_s":       at.UTC().Unix(),
	})
}

// MarkRejected records the rejection decision and reason on the personal record.
func (r *Records) MarkRejected(ctx context.Context, applicationID, reviewerID, reason string, at time.Time) error {
	return r.markDecision(ctx, applicationID, map[string]any{
		"application_status": StatusRejected,
		"reviewed_by":        reviewerID,
		"reviewed_at_s":      at.UTC().Unix(),
		"rejection_reason":   reason,
		"updated_at_s":       at.UTC().Unix(),
	})
}

func (r *Records) markDecision(ctx context.Context, applicationID string, updates map[string]any) error {
	result := r.db.WithContext(ctx).
		Model(&PersonalDetails{}).
		Where(queryApplicationID, applicationID).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("applications: update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrApplicationNotFound, applicationID)
	}
	return nil
}

// FindPersonal returns the personal record of an application, or nil when absent.
func (r *Records) FindPersonal(ctx context.Context, applicationID string) (*PersonalDetails, error) {
	applicationID = strings.TrimSpace(applicationID)
	if applicationID == "" {
		return nil, ErrInvalidApplicationID
	}
	personal, err := takeByApplication[PersonalDetails](r.db.WithContext(ctx), applicationID)
	if err != nil {
		return nil, wrapLoadError("personal", err)
	}
	return personal, nil
}

package applications

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var (
	// ErrInvalidApplicationID indicates an empty application identifier.
	ErrInvalidApplicationID = errors.New("applications: invalid application id")
	// ErrApplicationNotFound indicates that no personal record exists for the application.
	ErrApplicationNotFound = errors.New("applications: application not found")
	errMissingDatabase     = errors.New("applications: database handle is required")
)

const queryApplicationID = "application_id = ?"

// Meta describes where a loaded submission came from.
type Meta struct {
	ApplicationID        string    `json:"applicationId"`
	TenantID             string    `json:"tenantId,omitempty"`
	Status               Status    `json:"status,omitempty"`
	PersonalRecordID     string    `json:"personalRecordId,omitempty"`
	ProfessionalRecordID string    `json:"professionalRecordId,omitempty"`
	SubscriptionRecordID string    `json:"subscriptionRecordId,omitempty"`
	LoadedAt             time.Time `json:"loadedAt"`
}

// LoaderConfig describes the dependencies of a Loader.
type LoaderConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Loader assembles submissions from the three application records.
type Loader struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewLoader constructs a Loader.
func NewLoader(cfg LoaderConfig) (*Loader, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Load reads the three records concurrently. Absent records produce empty sections.
func (l *Loader) Load(ctx context.Context, applicationID string) (Submission, Meta, error) {
	applicationID = strings.TrimSpace(applicationID)
	if applicationID == "" {
		return Submission{}, Meta{}, ErrInvalidApplicationID
	}

	var (
		personal     *PersonalDetails
		professional *ProfessionalDetails
		subscription *SubscriptionDetails
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		record, err := takeByApplication[PersonalDetails](l.db.WithContext(groupCtx), applicationID)
		personal = record
		return wrapLoadError("personal", err)
	})
	group.Go(func() error {
		record, err := takeByApplication[ProfessionalDetails](l.db.WithContext(groupCtx), applicationID)
		professional = record
		return wrapLoadError("professional", err)
	})
	group.Go(func() error {
		record, err := takeByApplication[SubscriptionDetails](l.db.WithContext(groupCtx), applicationID)
		subscription = record
		return wrapLoadError("subscription", err)
	})
	if err := group.Wait(); err != nil {
		l.logger.Error("submission load failed", zap.String("application_id", applicationID), zap.Error(err))
		return Submission{}, Meta{}, err
	}

	submission, meta := l.assemble(applicationID, personal, professional, subscription)
	return submission, meta, nil
}

// LoadWithin reads the records sequentially on the provided transaction handle.
func (l *Loader) LoadWithin(ctx context.Context, tx *gorm.DB, applicationID string) (Submission, Meta, error) {
	applicationID = strings.TrimSpace(applicationID)
	if applicationID == "" {
		return Submission{}, Meta{}, ErrInvalidApplicationID
	}
	handle := tx.WithContext(ctx)

	personal, err := takeByApplication[PersonalDetails](handle, applicationID)
	if err != nil {
		return Submission{}, Meta{}, wrapLoadError("personal", err)
	}
	professional, err := takeByApplication[ProfessionalDetails](handle, applicationID)
	if err != nil {
		return Submission{}, Meta{}, wrapLoadError("professional", err)
	}
	subscription, err := takeByApplication[SubscriptionDetails](handle, applicationID)
	if err != nil {
		return Submission{}, Meta{}, wrapLoadError("subscription", err)
	}

	submission, meta := l.assemble(applicationID, personal, professional, subscription)
	return submission, meta, nil
}

func (l *Loader) assemble(applicationID string, personal *PersonalDetails, professional *ProfessionalDetails, subscription *SubscriptionDetails) (Submission, Meta) {
	meta := Meta{ApplicationID: applicationID, LoadedAt: l.clock().UTC()}
	submission := Submission{
		PersonalInfo:        Section{},
		ContactInfo:         Section{},
		ProfessionalDetails: Section{},
		SubscriptionDetails: Section{},
	}
	if personal != nil {
		submission.PersonalInfo = filterSection(SectionPersonalInfo, personal.PersonalInfo)
		submission.ContactInfo = filterSection(SectionContactInfo, personal.ContactInfo)
		meta.PersonalRecordID = personal.RecordID
		meta.TenantID = personal.TenantID
		meta.Status = personal.ApplicationStatus
	}
	if professional != nil {
		submission.ProfessionalDetails = filterSection(SectionProfessionalDetails, professional.ProfessionalDetails)
		meta.ProfessionalRecordID = professional.RecordID
		if meta.TenantID == "" {
			meta.TenantID = professional.TenantID
		}
	}
	if subscription != nil {
		submission.SubscriptionDetails = filterSection(SectionSubscriptionDetails, subscription.SubscriptionDetails)
		meta.SubscriptionRecordID = subscription.RecordID
		if meta.TenantID == "" {
			meta.TenantID = subscription.TenantID
		}
	}
	submission.BackfillMembershipCategory()
	return submission, meta
}

func takeByApplication[T any](db *gorm.DB, applicationID string) (*T, error) {
	var record T
	err := db.Where(queryApplicationID, applicationID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func wrapLoadError(record string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("applications: load %s record: %w", record, err)
}

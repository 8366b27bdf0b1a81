// Package profiles persists member profiles created by application approvals.
package profiles

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/memberreview/internal/applications"
	"github.com/MarcoPoloResearchLab/memberreview/internal/ids"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	// ErrDuplicateProfile indicates a uniqueness violation on tenant+email or membership number.
	ErrDuplicateProfile = errors.New("profiles: duplicate profile")
	// ErrProfileNotFound indicates an update against an unknown profile.
	ErrProfileNotFound = errors.New("profiles: profile not found")
	// ErrInvalidEmail indicates an empty email.
	ErrInvalidEmail = errors.New("profiles: email is required")

	errMissingDatabase = errors.New("profiles: database handle is required")
	errMissingIDs      = errors.New("profiles: id provider is required")
)

// CreateRequest describes a new profile.
type CreateRequest struct {
	TenantID         string
	Email            string
	MembershipNumber string
	UserID           *string
	ApplicationID    string
	Sections         applications.Submission
}

// StoreConfig describes the dependencies of a Store.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ids.Provider
}

// Store reads and writes member profiles.
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

// FindByEmail looks up a profile by tenant and normalized email; absent profiles return nil.
func (s *Store) FindByEmail(ctx context.Context, tenantID, email string) (*Profile, error) {
	var profile Profile
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND normalized_email = ?", tenantID, NormalizeEmail(email)).
		Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("profiles: find by email: %w", err)
	}
	return &profile, nil
}

// FindByID looks up a profile within a tenant; absent profiles return nil.
func (s *Store) FindByID(ctx context.Context, tenantID, profileID string) (*Profile, error) {
	var profile Profile
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND profile_id = ?", tenantID, profileID).
		Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("profiles: find by id: %w", err)
	}
	return &profile, nil
}

// Create inserts an active profile with the allow-listed sections of the request.
func (s *Store) Create(ctx context.Context, request CreateRequest) (Profile, error) {
	normalized := NormalizeEmail(request.Email)
	if normalized == "" {
		return Profile{}, ErrInvalidEmail
	}
	sections, err := applications.SubmissionFromDocument(request.Sections.Document())
	if err != nil {
		return Profile{}, err
	}
	profileID, err := s.idProvider.NewID()
	if err != nil {
		return Profile{}, err
	}
	now := s.clock().UTC().Unix()
	profile := Profile{
		ProfileID:           profileID,
		TenantID:            request.TenantID,
		NormalizedEmail:     normalized,
		Email:               strings.TrimSpace(request.Email),
		MembershipNumber:    request.MembershipNumber,
		UserID:              request.UserID,
		Active:              true,
		PersonalInfo:        datatypes.JSONMap(sections.PersonalInfo),
		ContactInfo:         datatypes.JSONMap(sections.ContactInfo),
		ProfessionalDetails: datatypes.JSONMap(sections.ProfessionalDetails),
		SubscriptionDetails: datatypes.JSONMap(sections.SubscriptionDetails),
		LastApplicationID:   request.ApplicationID,
		CreatedAtSeconds:    now,
		UpdatedAtSeconds:    now,
	}
	if err := s.db.WithContext(ctx).Create(&profile).Error; err != nil {
		if isUniqueViolation(err) {
			return Profile{}, fmt.Errorf("%w: %s", ErrDuplicateProfile, normalized)
		}
		return Profile{}, fmt.Errorf("profiles: create: %w", err)
	}
	return profile, nil
}

// MergeSections folds the allow-listed fields of sections into the profile. Incoming values
// replace stored ones field by field; stored fields absent from the input are kept.
func (s *Store) MergeSections(ctx context.Context, profile Profile, sections applications.Submission, applicationID string) (Profile, error) {
	incoming, err := applications.SubmissionFromDocument(sections.Document())
	if err != nil {
		return Profile{}, err
	}
	merged := profile
	merged.PersonalInfo = mergeSection(profile.PersonalInfo, incoming.PersonalInfo)
	merged.ContactInfo = mergeSection(profile.ContactInfo, incoming.ContactInfo)
	merged.ProfessionalDetails = mergeSection(profile.ProfessionalDetails, incoming.ProfessionalDetails)
	merged.SubscriptionDetails = mergeSection(profile.SubscriptionDetails, incoming.SubscriptionDetails)
	merged.UpdatedAtSeconds = s.clock().UTC().Unix()
	if applicationID != "" {
		merged.LastApplicationID = applicationID
	}

	result := s.db.WithContext(ctx).
		Model(&Profile{}).
		Where("profile_id = ?", profile.ProfileID).
		Updates(map[string]any{
			"personal_info":        merged.PersonalInfo,
			"contact_info":         merged.ContactInfo,
			"professional_details": merged.ProfessionalDetails,
			"subscription_details": merged.SubscriptionDetails,
			"last_application_id":  merged.LastApplicationID,
			"updated_at_s":         merged.UpdatedAtSeconds,
		})
	if result.Error != nil {
		return Profile{}, fmt.Errorf("profiles: merge sections: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return Profile{}, fmt.Errorf("%w: %s", ErrProfileNotFound, profile.ProfileID)
	}
	return merged, nil
}

// LinkUser records the portal identity that owns the profile.
func (s *Store) LinkUser(ctx context.Context, profileID, userID string) error {
	return s.update(ctx, profileID, map[string]any{"user_id": userID, "updated_at_s": s.clock().UTC().Unix()})
}

// Deactivate marks the profile inactive. Profiles are never deleted.
func (s *Store) Deactivate(ctx context.Context, profileID string) error {
	return s.update(ctx, profileID, map[string]any{"active": false, "updated_at_s": s.clock().UTC().Unix()})
}

func (s *Store) update(ctx context.Context, profileID string, updates map[string]any) error {
	result := s.db.WithContext(ctx).Model(&Profile{}).Where("profile_id = ?", profileID).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("profiles: update %s: %w", profileID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrProfileNotFound, profileID)
	}
	return nil
}

func mergeSection(existing datatypes.JSONMap, incoming applications.Section) datatypes.JSONMap {
	merged := make(datatypes.JSONMap, len(existing)+len(incoming))
	for key, value := range existing {
		merged[key] = value
	}
	for key, value := range incoming {
		merged[key] = value
	}
	return merged
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	message := err.Error()
	return strings.Contains(message, "UNIQUE constraint failed") || strings.Contains(message, "duplicate key")
}

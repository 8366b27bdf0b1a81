package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/memberreview/internal/auth"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ProviderPortal names identities registered by the applicant portal.
const ProviderPortal = "portal"

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// DirectoryConfig describes the dependencies required for user identity resolution.
type DirectoryConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Registration describes a portal account to record.
type Registration struct {
	Provider    string
	Subject     string
	UserID      string
	Email       string
	DisplayName string
}

// Directory manages canonical user identifiers and looks up portal accounts by email.
type Directory struct {
	db    *gorm.DB
	now   func() time.Time
	cache *sync.Map
}

// NewDirectory constructs the identity directory.
func NewDirectory(cfg DirectoryConfig) (*Directory, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Directory{
		db:    cfg.Database,
		now:   clock,
		cache: &sync.Map{},
	}, nil
}

// WithDB returns a copy of the directory bound to db, typically a transaction.
func (d *Directory) WithDB(db *gorm.DB) *Directory {
	clone := *d
	clone.db = db
	return &clone
}

// ResolveCanonicalUserID returns the canonical user id for the provided session claims.
// It creates a new identity mapping when the provider+subject pair has not been seen before.
func (d *Directory) ResolveCanonicalUserID(claims auth.SessionClaims) (string, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return "", ErrInvalidIdentity
	}

	cacheKey := provider + ":" + subject
	if cachedIdentifier, ok := d.cache.Load(cacheKey); ok {
		canonicalIdentifier, ok := cachedIdentifier.(string)
		if ok {
			return canonicalIdentifier, nil
		}
	}

	var identity Identity
	err := d.db.
		Where("provider = ? AND subject = ?", provider, subject).
		First(&identity).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		identity = Identity{
			Provider:    provider,
			Subject:     subject,
			UserID:      subject,
			Email:       normalizeEmail(claims.UserEmail),
			DisplayName: normalize(claims.UserDisplayName),
			LastSeenAt:  d.now(),
		}
		if err := d.db.Create(&identity).Error; err != nil {
			return "", err
		}
	} else if err != nil {
		return "", err
	} else {
		updates := map[string]interface{}{}
		if email := normalizeEmail(claims.UserEmail); email != "" && email != identity.Email {
			updates["user_email"] = email
		}
		if display := normalize(claims.UserDisplayName); display != "" && display != identity.DisplayName {
			updates["user_display_name"] = display
		}
		updates["last_seen_at"] = d.now()
		_ = d.db.Model(&Identity{}).
			Where("provider = ? AND subject = ?", provider, subject).
			Updates(updates).
			Error
	}

	d.cache.Store(cacheKey, identity.UserID)
	return identity.UserID, nil
}

// Register records or refreshes a portal account and returns its canonical user id.
func (d *Directory) Register(ctx context.Context, registration Registration) (string, error) {
	provider := normalize(registration.Provider)
	if provider == "" {
		provider = ProviderPortal
	}
	subject := normalize(registration.Subject)
	userID := normalize(registration.UserID)
	if subject == "" {
		subject = userID
	}
	if userID == "" {
		userID = subject
	}
	if subject == "" {
		return "", ErrInvalidIdentity
	}

	identity := Identity{
		Provider:    provider,
		Subject:     subject,
		UserID:      userID,
		Email:       normalizeEmail(registration.Email),
		DisplayName: normalize(registration.DisplayName),
		LastSeenAt:  d.now(),
	}
	err := d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider"}, {Name: "subject"}},
		DoUpdates: clause.AssignmentColumns([]string{"user_email", "user_display_name", "last_seen_at", "updated_at"}),
	}).Create(&identity).Error
	if err != nil {
		return "", fmt.Errorf("users: register identity: %w", err)
	}

	var stored Identity
	if err := d.db.WithContext(ctx).Where("provider = ? AND subject = ?", provider, subject).Take(&stored).Error; err != nil {
		return "", fmt.Errorf("users: reload identity: %w", err)
	}
	d.cache.Store(provider+":"+subject, stored.UserID)
	return stored.UserID, nil
}

// FindUserIDByEmail returns the user id of the most recently seen identity with the email.
// The boolean is false when no identity carries the email.
func (d *Directory) FindUserIDByEmail(ctx context.Context, email string) (string, bool, error) {
	normalized := normalizeEmail(email)
	if normalized == "" {
		return "", false, nil
	}
	var identity Identity
	err := d.db.WithContext(ctx).
		Where("user_email = ?", normalized).
		Order("last_seen_at DESC").
		Take(&identity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("users: find by email: %w", err)
	}
	return identity.UserID, true, nil
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := "default"
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = normalize(segments[0])
				subject = normalize(segments[1])
			}
		} else if subject == "" {
			subject = raw
		}
	}

	if subject == "" {
		subject = normalize(claims.UserEmail)
	}

	return provider, subject
}

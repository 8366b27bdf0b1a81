package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/memberreview/internal/profiles"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeProfileEmails = "2025-04-02_normalize_profile_emails"
	migrationLinkProfileUsers       = "2025-06-18_link_profile_users"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeProfileEmails, apply: normalizeProfileEmails},
		{name: migrationLinkProfileUsers, apply: linkProfileUsers},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// normalizeProfileEmails rewrites normalized emails stored before trimming was applied.
func normalizeProfileEmails(db *gorm.DB) error {
	var stale []profiles.Profile
	if err := db.Select("profile_id", "email", "normalized_email").Find(&stale).Error; err != nil {
		return err
	}
	for _, profile := range stale {
		normalized := profiles.NormalizeEmail(profile.Email)
		if normalized == profile.NormalizedEmail {
			continue
		}
		if err := db.Model(&profiles.Profile{}).
			Where("profile_id = ?", profile.ProfileID).
			Update("normalized_email", normalized).Error; err != nil {
			return err
		}
	}
	return nil
}

// linkProfileUsers sets user_id on profiles whose email matches a registered portal identity.
func linkProfileUsers(db *gorm.DB) error {
	return db.Exec(`UPDATE member_profiles
SET user_id = (
	SELECT user_identities.user_id FROM user_identities
	WHERE user_identities.user_email = member_profiles.normalized_email
	ORDER BY user_identities.last_seen_at DESC LIMIT 1
)
WHERE user_id IS NULL AND EXISTS (
	SELECT 1 FROM user_identities WHERE user_identities.user_email = member_profiles.normalized_email
)`).Error
}

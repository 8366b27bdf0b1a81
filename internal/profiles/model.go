package profiles

import (
	"strings"

	"github.com/MarcoPoloResearchLab/memberreview/internal/applications"
	"gorm.io/datatypes"
)

// Profile is the post-approval record of a member, unique per tenant and normalized email.
type Profile struct {
	ProfileID           string            `gorm:"column:profile_id;primaryKey;size:190;not null"`
	TenantID            string            `gorm:"column:tenant_id;size:190;not null;uniqueIndex:idx_member_profiles_tenant_email,priority:1"`
	NormalizedEmail     string            `gorm:"column:normalized_email;size:320;not null;uniqueIndex:idx_member_profiles_tenant_email,priority:2"`
	Email               string            `gorm:"column:email;size:320;not null"`
	MembershipNumber    string            `gorm:"column:membership_number;size:32;not null;uniqueIndex"`
	UserID              *string           `gorm:"column:user_id;size:190"`
	Active              bool              `gorm:"column:active;not null"`
	PersonalInfo        datatypes.JSONMap `gorm:"column:personal_info;type:json"`
	ContactInfo         datatypes.JSONMap `gorm:"column:contact_info;type:json"`
	ProfessionalDetails datatypes.JSONMap `gorm:"column:professional_details;type:json"`
	SubscriptionDetails datatypes.JSONMap `gorm:"column:subscription_details;type:json"`
	LastApplicationID   string            `gorm:"column:last_application_id;size:190;not null;default:''"`
	CreatedAtSeconds    int64             `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds    int64             `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Profile) TableName() string {
	return "member_profiles"
}

// Sections returns the profile's four sections as a submission view.
func (p Profile) Sections() applications.Submission {
	return applications.Submission{
		PersonalInfo:        applications.Section(p.PersonalInfo).Clone(),
		ContactInfo:         applications.Section(p.ContactInfo).Clone(),
		ProfessionalDetails: applications.Section(p.ProfessionalDetails).Clone(),
		SubscriptionDetails: applications.Section(p.SubscriptionDetails).Clone(),
	}
}

// Models lists the persisted profile models for migrations.
func Models() []any {
	return []any{&Profile{}}
}

// NormalizeEmail is the canonical form used for profile uniqueness.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

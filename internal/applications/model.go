package applications

import (
	"gorm.io/datatypes"
)

// Status enumerates application review states.
type Status string

const (
	// StatusSubmitted marks an application awaiting review.
	StatusSubmitted Status = "submitted"
	// StatusApproved marks an application approved by a reviewer.
	StatusApproved Status = "approved"
	// StatusRejected marks an application rejected by a reviewer.
	StatusRejected Status = "rejected"
)

// PersonalDetails stores the personal and contact sections plus the review status.
type PersonalDetails struct {
	RecordID          string            `gorm:"column:record_id;primaryKey;size:190;not null"`
	ApplicationID     string            `gorm:"column:application_id;size:190;not null;uniqueIndex"`
	TenantID          string            `gorm:"column:tenant_id;size:190;not null;index"`
	PersonalInfo      datatypes.JSONMap `gorm:"column:personal_info;type:json"`
	ContactInfo       datatypes.JSONMap `gorm:"column:contact_info;type:json"`
	ApplicationStatus Status            `gorm:"column:application_status;size:32;not null;default:'submitted'"`
	ReviewedBy        string            `gorm:"column:reviewed_by;size:190;not null;default:''"`
	ReviewedAtSeconds int64             `gorm:"column:reviewed_at_s;not null;default:0"`
	RejectionReason   string            `gorm:"column:rejection_reason;type:text;not null;default:''"`
	CreatedAtSeconds  int64             `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds  int64             `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (PersonalDetails) TableName() string {
	return "application_personal_details"
}

// ProfessionalDetails stores the professional section.
type ProfessionalDetails struct {
	RecordID            string            `gorm:"column:record_id;primaryKey;size:190;not null"`
	ApplicationID       string            `gorm:"column:application_id;size:190;not null;uniqueIndex"`
	TenantID            string            `gorm:"column:tenant_id;size:190;not null;index"`
	ProfessionalDetails datatypes.JSONMap `gorm:"column:professional_details;type:json"`
	CreatedAtSeconds    int64             `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds    int64             `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ProfessionalDetails) TableName() string {
	return "application_professional_details"
}

// SubscriptionDetails stores the subscription section.
type SubscriptionDetails struct {
	RecordID            string            `gorm:"column:record_id;primaryKey;size:190;not null"`
	ApplicationID       string            `gorm:"column:application_id;size:190;not null;uniqueIndex"`
	TenantID            string            `gorm:"column:tenant_id;size:190;not null;index"`
	SubscriptionDetails datatypes.JSONMap `gorm:"column:subscription_details;type:json"`
	CreatedAtSeconds    int64             `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds    int64             `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SubscriptionDetails) TableName() string {
	return "application_subscription_details"
}

// Models lists the persisted application models for migrations.
func Models() []any {
	return []any{&PersonalDetails{}, &ProfessionalDetails{}, &SubscriptionDetails{}}
}

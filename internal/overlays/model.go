package overlays

import (
	"encoding/json"
	"fmt"

	"github.com/MarcoPoloResearchLab/memberreview/internal/patch"
	"gorm.io/datatypes"
)

// Status enumerates overlay lifecycle states.
type Status string

const (
	// StatusOpen marks the single editable overlay of an application.
	StatusOpen Status = "open"
	// StatusDecided marks an overlay closed by an approval or rejection.
	StatusDecided Status = "decided"
)

// Decision enumerates the outcome recorded when an overlay is closed.
type Decision string

const (
	DecisionNone     Decision = "none"
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Overlay stores a reviewer's proposed corrections to an application as a JSON patch.
// At most one overlay per application is open at a time.
type Overlay struct {
	OverlayID        string         `gorm:"column:overlay_id;primaryKey;size:190;not null"`
	ApplicationID    string         `gorm:"column:application_id;size:190;not null;index:idx_review_overlays_open_application,unique,where:status = 'open'"`
	TenantID         string         `gorm:"column:tenant_id;size:190;not null;index"`
	ReviewerID       string         `gorm:"column:reviewer_id;size:190;not null"`
	ProposedPatch    datatypes.JSON `gorm:"column:proposed_patch;type:json;not null"`
	Notes            string         `gorm:"column:notes;type:text;not null;default:''"`
	Version          int64          `gorm:"column:version;not null;default:0"`
	Status           Status         `gorm:"column:status;size:16;not null;default:'open'"`
	Decision         Decision       `gorm:"column:decision;size:16;not null;default:'none'"`
	DecisionReason   string         `gorm:"column:decision_reason;type:text;not null;default:''"`
	DecidedBy        string         `gorm:"column:decided_by;size:190;not null;default:''"`
	CreatedAtSeconds int64          `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64          `gorm:"column:updated_at_s;not null"`
	DecidedAtSeconds int64          `gorm:"column:decided_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Overlay) TableName() string {
	return "review_overlays"
}

// IsOpen reports whether the overlay may still be edited or decided.
func (o Overlay) IsOpen() bool {
	return o.Status == StatusOpen
}

// Patch decodes the stored patch.
func (o Overlay) Patch() (patch.Patch, error) {
	if len(o.ProposedPatch) == 0 {
		return patch.Patch{}, nil
	}
	var decoded patch.Patch
	if err := json.Unmarshal(o.ProposedPatch, &decoded); err != nil {
		return nil, fmt.Errorf("overlays: decode stored patch %s: %w", o.OverlayID, err)
	}
	if decoded == nil {
		decoded = patch.Patch{}
	}
	return decoded, nil
}

func encodePatch(p patch.Patch) (datatypes.JSON, error) {
	if p == nil {
		p = patch.Patch{}
	}
	encoded, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(encoded), nil
}

// Models lists the persisted overlay models for migrations.
func Models() []any {
	return []any{&Overlay{}}
}

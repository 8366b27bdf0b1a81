package review

import (
	"time"

	"github.com/MarcoPoloResearchLab/memberreview/internal/overlays"
	"github.com/MarcoPoloResearchLab/memberreview/internal/patch"
)

// OverlayView is the client-facing shape of an overlay.
type OverlayView struct {
	OverlayID      string            `json:"overlayId"`
	ApplicationID  string            `json:"applicationId"`
	TenantID       string            `json:"tenantId"`
	ReviewerID     string            `json:"reviewerId"`
	ProposedPatch  patch.Patch       `json:"proposedPatch"`
	Notes          string            `json:"notes"`
	Version        int64             `json:"overlayVersion"`
	Status         overlays.Status   `json:"status"`
	Decision       overlays.Decision `json:"decision"`
	DecisionReason string            `json:"decisionReason,omitempty"`
	DecidedBy      string            `json:"decidedBy,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
	DecidedAt      *time.Time        `json:"decidedAt,omitempty"`
}

func newOverlayView(overlay overlays.Overlay) (OverlayView, error) {
	proposed, err := overlay.Patch()
	if err != nil {
		return OverlayView{}, err
	}
	view := OverlayView{
		OverlayID:      overlay.OverlayID,
		ApplicationID:  overlay.ApplicationID,
		TenantID:       overlay.TenantID,
		ReviewerID:     overlay.ReviewerID,
		ProposedPatch:  proposed,
		Notes:          overlay.Notes,
		Version:        overlay.Version,
		Status:         overlay.Status,
		Decision:       overlay.Decision,
		DecisionReason: overlay.DecisionReason,
		DecidedBy:      overlay.DecidedBy,
		CreatedAt:      time.Unix(overlay.CreatedAtSeconds, 0).UTC(),
		UpdatedAt:      time.Unix(overlay.UpdatedAtSeconds, 0).UTC(),
	}
	if overlay.DecidedAtSeconds > 0 {
		decidedAt := time.Unix(overlay.DecidedAtSeconds, 0).UTC()
		view.DecidedAt = &decidedAt
	}
	return view, nil
}

package review

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/memberreview/internal/applications"
	"github.com/MarcoPoloResearchLab/memberreview/internal/events"
	"github.com/MarcoPoloResearchLab/memberreview/internal/overlays"
	"github.com/MarcoPoloResearchLab/memberreview/internal/patch"
	"github.com/MarcoPoloResearchLab/memberreview/internal/profiles"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	emailSelectorPersonal = "personal"
	emailSelectorWork     = "work"
)

// ApprovalRequest approves one application. OverlayID and Patch are mutually exclusive; when
// both are empty the submission is approved as submitted.
type ApprovalRequest struct {
	TenantID      string
	ApplicationID string
	ReviewerID    string
	OverlayID     string
	// OverlayVersion, when set, must equal the referenced overlay's current version.
	OverlayVersion *int64
	Patch          patch.Patch
	CorrelationID  string
}

// ApprovalResult describes a committed approval.
type ApprovalResult struct {
	ApplicationID    string              `json:"applicationId"`
	ProfileID        string              `json:"profileId"`
	MembershipNumber string              `json:"membershipNumber"`
	Status           applications.Status `json:"status"`
	ProfileCreated   bool                `json:"profileCreated"`
	Effective        patch.Document      `json:"effective"`
	EventsDelivered  int                 `json:"eventsDelivered"`
}

type approvalOutcome struct {
	profile   profiles.Profile
	created   bool
	effective applications.Submission
	approved  time.Time
}

// Approve applies the chosen patch to the authoritative submission and, in one transaction,
// creates or merges the member profile, writes the effective sections back, marks the
// application approved and closes the overlay. Events are published after commit.
func (s *Service) Approve(ctx context.Context, request ApprovalRequest) (result ApprovalResult, err error) {
	started := time.Now()
	ctx, span := s.startSpan(ctx, opApprove,
		attribute.String("tenant_id", request.TenantID),
		attribute.String("application_id", request.ApplicationID),
		attribute.String("overlay_id", request.OverlayID),
	)
	defer func() {
		outcome := decisionOutcomeOK
		if err != nil {
			outcome = string(KindOf(err))
		}
		s.metrics.IncrementDecision(decisionApprove, outcome)
		endSpan(span, err)
	}()

	overlay, approvalPatch, checkErr := s.checkApproval(ctx, request)
	if checkErr != nil {
		return ApprovalResult{}, checkErr
	}

	var outcome approvalOutcome
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var approveErr *ServiceError
		outcome, approveErr = s.approveWithin(ctx, tx, request, overlay, approvalPatch)
		if approveErr != nil {
			return approveErr
		}
		return nil
	})
	if txErr != nil {
		var serviceErr *ServiceError
		if errors.As(txErr, &serviceErr) {
			if serviceErr.kind == KindInternal {
				s.logError(opApprove, serviceErr.code, serviceErr.err, zap.String("application_id", request.ApplicationID))
				return ApprovalResult{}, serviceErr
			}
			return ApprovalResult{}, s.reject(serviceErr, zap.String("application_id", request.ApplicationID))
		}
		s.logError(opApprove, "transaction_failed", txErr, zap.String("application_id", request.ApplicationID))
		return ApprovalResult{}, newServiceError(KindInternal, opApprove, "transaction_failed", txErr)
	}

	delivered := s.publishApproval(ctx, request, overlay, outcome)
	s.metrics.ObserveApprovalLatency(time.Since(started))
	s.loggerOrDefault().Info("application approved",
		zap.String("tenant_id", request.TenantID),
		zap.String("application_id", request.ApplicationID),
		zap.String("profile_id", outcome.profile.ProfileID),
		zap.String("membership_number", outcome.profile.MembershipNumber),
		zap.Bool("profile_created", outcome.created),
		zap.Int("events_delivered", delivered),
	)

	return ApprovalResult{
		ApplicationID:    request.ApplicationID,
		ProfileID:        outcome.profile.ProfileID,
		MembershipNumber: outcome.profile.MembershipNumber,
		Status:           applications.StatusApproved,
		ProfileCreated:   outcome.created,
		Effective:        outcome.effective.Document(),
		EventsDelivered:  delivered,
	}, nil
}

// checkApproval runs every validation and conflict check that does not need the transaction.
func (s *Service) checkApproval(ctx context.Context, request ApprovalRequest) (*overlays.Overlay, patch.Patch, *ServiceError) {
	fields := zap.String("application_id", request.ApplicationID)
	if validationErr := requireReviewer(opApprove, request.TenantID, request.ApplicationID, request.ReviewerID); validationErr != nil {
		return nil, nil, s.reject(validationErr, fields)
	}
	overlayID := strings.TrimSpace(request.OverlayID)
	if overlayID != "" && request.Patch != nil {
		return nil, nil, s.reject(newServiceError(KindValidation, opApprove, "overlay_and_patch", errOverlayAndPatch), fields)
	}

	personal, err := s.records.FindPersonal(ctx, request.ApplicationID)
	if err != nil {
		s.logError(opApprove, "load_failed", err, fields)
		return nil, nil, newServiceError(KindInternal, opApprove, "load_failed", err)
	}
	if personal == nil || personal.TenantID != request.TenantID {
		return nil, nil, s.reject(newServiceError(KindValidation, opApprove, "application_not_found", errApplicationAbsent), fields)
	}

	approvalPatch := patch.Patch{}
	var overlay *overlays.Overlay
	if overlayID != "" {
		found, err := s.overlays.FindByID(ctx, request.TenantID, overlayID)
		if err != nil {
			s.logError(opApprove, "overlay_query_failed", err, fields)
			return nil, nil, newServiceError(KindInternal, opApprove, "overlay_query_failed", err)
		}
		if found == nil {
			return nil, nil, s.reject(newServiceError(KindValidation, opApprove, "overlay_not_found", errOverlayNotFound), fields)
		}
		if found.ApplicationID != request.ApplicationID {
			return nil, nil, s.reject(newServiceError(KindValidation, opApprove, "overlay_mismatch", errOverlayMismatch), fields)
		}
		if !found.IsOpen() {
			return nil, nil, s.reject(
				newServiceError(KindVersionConflict, opApprove, "overlay_decided", errOverlayDecided).
					withDetails(Details{ExpectedVersion: request.OverlayVersion}),
				fields,
			)
		}
		if request.OverlayVersion != nil && *request.OverlayVersion != found.Version {
			return nil, nil, s.reject(versionConflict(opApprove, &overlays.VersionConflictError{
				ApplicationID:   found.ApplicationID,
				OverlayID:       found.OverlayID,
				ExpectedVersion: *request.OverlayVersion,
				CurrentVersion:  found.Version,
			}), fields)
		}
		stored, err := found.Patch()
		if err != nil {
			s.logError(opApprove, "overlay_decode_failed", err, zap.String("overlay_id", found.OverlayID))
			return nil, nil, newServiceError(KindInternal, opApprove, "overlay_decode_failed", err)
		}
		approvalPatch = stored
		overlay = found
	} else {
		open, err := s.overlays.FindOpen(ctx, request.TenantID, request.ApplicationID)
		if err != nil {
			s.logError(opApprove, "overlay_query_failed", err, fields)
			return nil, nil, newServiceError(KindInternal, opApprove, "overlay_query_failed", err)
		}
		if open != nil {
			return nil, nil, s.reject(unreferencedOverlay(opApprove, *open), fields, zap.String("overlay_id", open.OverlayID))
		}
		if request.Patch != nil {
			approvalPatch = request.Patch
		}
	}

	if validationErr := s.validatePatch(opApprove, approvalPatch); validationErr != nil {
		return nil, nil, s.reject(validationErr, fields)
	}
	return overlay, approvalPatch, nil
}

func (s *Service) approveWithin(ctx context.Context, tx *gorm.DB, request ApprovalRequest, overlay *overlays.Overlay, approvalPatch patch.Patch) (approvalOutcome, *ServiceError) {
	submission, meta, err := s.loader.LoadWithin(ctx, tx, request.ApplicationID)
	if err != nil {
		return approvalOutcome{}, newServiceError(KindInternal, opApprove, "load_failed", err)
	}
	if meta.PersonalRecordID == "" || meta.TenantID != request.TenantID {
		return approvalOutcome{}, newServiceError(KindValidation, opApprove, "application_not_found", errApplicationAbsent)
	}

	overlayStore := s.overlays.WithDB(tx)
	var current *overlays.Overlay
	if overlay != nil {
		current, err = overlayStore.FindByID(ctx, request.TenantID, overlay.OverlayID)
		if err != nil {
			return approvalOutcome{}, newServiceError(KindInternal, opApprove, "overlay_query_failed", err)
		}
		if current == nil || !current.IsOpen() || current.Version != overlay.Version {
			conflict := &overlays.VersionConflictError{
				ApplicationID:   overlay.ApplicationID,
				OverlayID:       overlay.OverlayID,
				ExpectedVersion: overlay.Version,
				CurrentVersion:  overlays.NoVersion,
			}
			if current != nil && current.IsOpen() {
				conflict.CurrentVersion = current.Version
			}
			return approvalOutcome{}, versionConflict(opApprove, conflict)
		}
	} else {
		open, err := overlayStore.FindOpen(ctx, request.TenantID, request.ApplicationID)
		if err != nil {
			return approvalOutcome{}, newServiceError(KindInternal, opApprove, "overlay_query_failed", err)
		}
		if open != nil {
			return approvalOutcome{}, unreferencedOverlay(opApprove, *open)
		}
	}

	authoritative := applications.NormalizeDocument(submission.Document())
	effectiveDoc, err := patch.Apply(authoritative, approvalPatch)
	if err != nil {
		return approvalOutcome{}, staleOrInvalid(opApprove, "stale_submission", err, approvalPatch, authoritative)
	}
	effective, err := applications.SubmissionFromDocument(effectiveDoc)
	if err != nil {
		return approvalOutcome{}, newServiceError(KindValidation, opApprove, "invalid_effective_document", err)
	}

	approvedAt := s.clock().UTC()
	effective.BackfillMembershipCategory()
	if effective.SubscriptionDetails.IsBlank(applications.FieldDateJoined) {
		effective.SubscriptionDetails[applications.FieldDateJoined] = approvedAt.Format(time.RFC3339)
	}

	email, ok := resolveEmail(effective.ContactInfo)
	if !ok {
		return approvalOutcome{}, newServiceError(KindMissingEmail, opApprove, "missing_email", errMissingEmail)
	}

	profile, created, err := s.findOrCreateProfile(ctx, tx, request, email, effective)
	if err != nil {
		return approvalOutcome{}, newServiceError(KindInternal, opApprove, "profile_failed", err)
	}

	records := s.records.WithDB(tx)
	if err := records.UpsertSections(ctx, request.TenantID, request.ApplicationID, effective); err != nil {
		return approvalOutcome{}, newServiceError(KindInternal, opApprove, "records_failed", err)
	}
	if err := records.MarkApproved(ctx, request.ApplicationID, request.ReviewerID, approvedAt); err != nil {
		return approvalOutcome{}, newServiceError(KindInternal, opApprove, "status_failed", err)
	}

	if current != nil {
		if _, err := overlayStore.Close(ctx, *current, overlays.DecisionApproved, "", request.ReviewerID); err != nil {
			var conflict *overlays.VersionConflictError
			if errors.As(err, &conflict) {
				return approvalOutcome{}, versionConflict(opApprove, conflict)
			}
			return approvalOutcome{}, newServiceError(KindInternal, opApprove, "overlay_close_failed", err)
		}
	}

	return approvalOutcome{profile: profile, created: created, effective: effective, approved: approvedAt}, nil
}

// findOrCreateProfile returns the tenant's profile for email, creating it with a fresh membership
// number when absent. A concurrent create of the same profile is re-read and merged.
func (s *Service) findOrCreateProfile(ctx context.Context, tx *gorm.DB, request ApprovalRequest, email string, effective applications.Submission) (profiles.Profile, bool, error) {
	profileStore := s.profiles.WithDB(tx)
	directory := s.directory.WithDB(tx)

	existing, err := profileStore.FindByEmail(ctx, request.TenantID, email)
	if err != nil {
		return profiles.Profile{}, false, err
	}
	if existing == nil {
		var created profiles.Profile
		createErr := tx.Transaction(func(savepoint *gorm.DB) error {
			number, err := s.allocator.Allocate(ctx, savepoint)
			if err != nil {
				return err
			}
			var userID *string
			linked, found, err := directory.WithDB(savepoint).FindUserIDByEmail(ctx, email)
			if err != nil {
				return err
			}
			if found {
				userID = &linked
			}
			created, err = profileStore.WithDB(savepoint).Create(ctx, profiles.CreateRequest{
				TenantID:         request.TenantID,
				Email:            email,
				MembershipNumber: number,
				UserID:           userID,
				ApplicationID:    request.ApplicationID,
				Sections:         effective,
			})
			return err
		})
		if createErr == nil {
			return created, true, nil
		}
		if !errors.Is(createErr, profiles.ErrDuplicateProfile) {
			return profiles.Profile{}, false, createErr
		}
		existing, err = profileStore.FindByEmail(ctx, request.TenantID, email)
		if err != nil {
			return profiles.Profile{}, false, err
		}
		if existing == nil {
			return profiles.Profile{}, false, createErr
		}
	}

	merged, err := profileStore.MergeSections(ctx, *existing, effective, request.ApplicationID)
	if err != nil {
		return profiles.Profile{}, false, err
	}
	if merged.UserID == nil {
		linked, found, err := directory.FindUserIDByEmail(ctx, email)
		if err != nil {
			return profiles.Profile{}, false, err
		}
		if found {
			if err := profileStore.LinkUser(ctx, merged.ProfileID, linked); err != nil {
				return profiles.Profile{}, false, err
			}
			merged.UserID = &linked
		}
	}
	return merged, false, nil
}

// resolveEmail picks the primary address: the preferred selector (or a literal address in it),
// then the personal email, then the work email.
func resolveEmail(contact applications.Section) (string, bool) {
	personal := contact.String(applications.FieldPersonalEmail)
	work := contact.String(applications.FieldWorkEmail)
	preferred := contact.String(applications.FieldPreferredEmail)

	switch strings.ToLower(preferred) {
	case emailSelectorPersonal:
		if personal != "" {
			return personal, true
		}
	case emailSelectorWork:
		if work != "" {
			return work, true
		}
	default:
		if strings.Contains(preferred, "@") {
			return preferred, true
		}
	}
	if personal != "" {
		return personal, true
	}
	if work != "" {
		return work, true
	}
	return "", false
}

func (s *Service) publishApproval(ctx context.Context, request ApprovalRequest, overlay *overlays.Overlay, outcome approvalOutcome) int {
	meta := events.Metadata{
		TenantID:      request.TenantID,
		CorrelationID: request.CorrelationID,
		Key:           request.ApplicationID,
	}
	overlayID := ""
	if overlay != nil {
		overlayID = overlay.OverlayID
	}
	profile := outcome.profile
	userID := ""
	if profile.UserID != nil {
		userID = *profile.UserID
	}
	approvedAt := outcome.approved.Format(time.RFC3339)

	published := []bool{
		s.publisher.Publish(ctx, events.TypeApplicationApproved, map[string]any{
			"applicationId":    request.ApplicationID,
			"profileId":        profile.ProfileID,
			"membershipNumber": profile.MembershipNumber,
			"reviewerId":       request.ReviewerID,
			"overlayId":        overlayID,
			"approvedAt":       approvedAt,
		}, meta),
		s.publisher.Publish(ctx, events.TypeMemberCreateRequested, map[string]any{
			"profileId":           profile.ProfileID,
			"membershipNumber":    profile.MembershipNumber,
			"email":               profile.Email,
			"userId":              userID,
			"profileCreated":      outcome.created,
			"applicationId":       request.ApplicationID,
			"personalInfo":        outcome.effective.PersonalInfo,
			"contactInfo":         outcome.effective.ContactInfo,
			"professionalDetails": outcome.effective.ProfessionalDetails,
		}, meta),
		s.publisher.Publish(ctx, events.TypeSubscriptionUpsertRequested, map[string]any{
			"profileId":           profile.ProfileID,
			"membershipNumber":    profile.MembershipNumber,
			"applicationId":       request.ApplicationID,
			"subscriptionDetails": outcome.effective.SubscriptionDetails,
		}, meta),
	}
	delivered := 0
	for _, ok := range published {
		if ok {
			delivered++
		}
	}
	return delivered
}

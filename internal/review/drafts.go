package review

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/memberreview/internal/applications"
	"github.com/MarcoPoloResearchLab/memberreview/internal/overlays"
	"github.com/MarcoPoloResearchLab/memberreview/internal/patch"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// DraftRequest saves a reviewer's edits made in a form against the submission they loaded.
type DraftRequest struct {
	TenantID      string
	ApplicationID string
	ReviewerID    string
	// ClientBase is the submission the reviewer started from. Nil means the current authoritative submission.
	ClientBase      patch.Document
	Edited          patch.Document
	Notes           string
	ExpectedVersion *int64
}

// PatchDraftRequest saves a caller-built patch against the authoritative submission.
type PatchDraftRequest struct {
	TenantID        string
	ApplicationID   string
	ReviewerID      string
	Patch           patch.Patch
	Notes           string
	ExpectedVersion *int64
}

// DraftResult describes the open overlay after a draft save.
type DraftResult struct {
	OverlayID      string         `json:"overlayId"`
	OverlayVersion int64          `json:"overlayVersion"`
	Effective      patch.Document `json:"effective"`
	ChangedPaths   []string       `json:"changedPaths"`
	Rebased        bool           `json:"rebased"`
	Patch          patch.Patch    `json:"patch"`
}

// EffectiveRequest asks for the effective document without saving anything. A nil Patch
// previews the application's open overlay.
type EffectiveRequest struct {
	TenantID      string
	ApplicationID string
	Patch         patch.Patch
}

// EffectiveResult is the authoritative submission with a patch applied.
type EffectiveResult struct {
	Effective      patch.Document `json:"effective"`
	Patch          patch.Patch    `json:"patch"`
	ChangedPaths   []string       `json:"changedPaths"`
	OverlayID      string         `json:"overlayId,omitempty"`
	OverlayVersion *int64         `json:"overlayVersion,omitempty"`
}

// SaveDraft diffs the edited document against the reviewer's base and applies the result to the
// authoritative submission. When the base is stale the patch is recomputed against the
// authoritative submission instead and the result is flagged as rebased.
func (s *Service) SaveDraft(ctx context.Context, request DraftRequest) (result DraftResult, err error) {
	ctx, span := s.startSpan(ctx, opSaveDraft,
		attribute.String("tenant_id", request.TenantID),
		attribute.String("application_id", request.ApplicationID),
	)
	defer func() { endSpan(span, err) }()

	if validationErr := requireReviewer(opSaveDraft, request.TenantID, request.ApplicationID, request.ReviewerID); validationErr != nil {
		return DraftResult{}, s.reject(validationErr)
	}
	if request.Edited == nil {
		return DraftResult{}, s.reject(newServiceError(KindValidation, opSaveDraft, "missing_edited_document", errMissingEdited))
	}

	authoritative, loadErr := s.loadAuthoritative(ctx, opSaveDraft, request.TenantID, request.ApplicationID)
	if loadErr != nil {
		return DraftResult{}, loadErr
	}
	edited := applications.NormalizeDocument(request.Edited)
	base := authoritative
	if request.ClientBase != nil {
		base = applications.NormalizeDocument(request.ClientBase)
	}

	draftPatch, diffErr := patch.Diff(base, edited)
	if diffErr != nil {
		return DraftResult{}, s.reject(newServiceError(KindValidation, opSaveDraft, "invalid_document", diffErr), zap.String("application_id", request.ApplicationID))
	}
	if scopeErr := s.scope.Validate(draftPatch); scopeErr != nil {
		return DraftResult{}, s.reject(patchValidationError(opSaveDraft, scopeErr), zap.String("application_id", request.ApplicationID))
	}

	rebased := false
	effective, applyErr := patch.Apply(authoritative, draftPatch)
	if applyErr != nil {
		rebasedPatch, diffErr := patch.Diff(authoritative, edited)
		if diffErr != nil {
			return DraftResult{}, s.reject(newServiceError(KindValidation, opSaveDraft, "invalid_document", diffErr), zap.String("application_id", request.ApplicationID))
		}
		if scopeErr := s.scope.Validate(rebasedPatch); scopeErr != nil {
			return DraftResult{}, s.reject(patchValidationError(opSaveDraft, scopeErr), zap.String("application_id", request.ApplicationID))
		}
		var rebaseErr error
		effective, rebaseErr = patch.Apply(authoritative, rebasedPatch)
		if rebaseErr != nil {
			s.logError(opSaveDraft, "rebase_failed", rebaseErr,
				zap.String("tenant_id", request.TenantID),
				zap.String("application_id", request.ApplicationID),
				zap.String("reviewer_id", request.ReviewerID),
				zap.NamedError("client_apply_error", applyErr),
				zap.Any("client_patch", draftPatch),
				zap.Any("rebased_patch", rebasedPatch),
				zap.Strings("paths", rebasedPatch.Paths()),
			)
			return DraftResult{}, newServiceError(KindReconciliation, opSaveDraft, "rebase_failed", rebaseErr).
				withDetails(Details{Paths: rebasedPatch.Paths()})
		}
		s.loggerOrDefault().Info("draft rebased onto current submission",
			zap.String("application_id", request.ApplicationID),
			zap.NamedError("client_apply_error", applyErr),
		)
		draftPatch = rebasedPatch
		rebased = true
	}

	overlay, storeErr := s.storeDraft(ctx, opSaveDraft, overlays.UpsertRequest{
		TenantID:        request.TenantID,
		ApplicationID:   request.ApplicationID,
		ReviewerID:      request.ReviewerID,
		Patch:           draftPatch,
		Notes:           request.Notes,
		ExpectedVersion: request.ExpectedVersion,
	})
	if storeErr != nil {
		return DraftResult{}, storeErr
	}
	s.metrics.IncrementDraft(draftPathForm, rebased)

	return DraftResult{
		OverlayID:      overlay.OverlayID,
		OverlayVersion: overlay.Version,
		Effective:      effective,
		ChangedPaths:   draftPatch.Paths(),
		Rebased:        rebased,
		Patch:          draftPatch,
	}, nil
}

// SaveDraftPatch stores a caller-supplied patch as the open overlay. Unlike SaveDraft it never
// rebases: any target path missing from the authoritative submission is a stale base conflict.
func (s *Service) SaveDraftPatch(ctx context.Context, request PatchDraftRequest) (result DraftResult, err error) {
	ctx, span := s.startSpan(ctx, opSaveDraftPatch,
		attribute.String("tenant_id", request.TenantID),
		attribute.String("application_id", request.ApplicationID),
	)
	defer func() { endSpan(span, err) }()

	if validationErr := requireReviewer(opSaveDraftPatch, request.TenantID, request.ApplicationID, request.ReviewerID); validationErr != nil {
		return DraftResult{}, s.reject(validationErr)
	}
	draftPatch := request.Patch
	if draftPatch == nil {
		draftPatch = patch.Patch{}
	}
	if validationErr := s.validatePatch(opSaveDraftPatch, draftPatch); validationErr != nil {
		return DraftResult{}, s.reject(validationErr, zap.String("application_id", request.ApplicationID))
	}

	effective, applyErr := s.applyStrict(ctx, opSaveDraftPatch, request.TenantID, request.ApplicationID, draftPatch)
	if applyErr != nil {
		return DraftResult{}, applyErr
	}

	overlay, storeErr := s.storeDraft(ctx, opSaveDraftPatch, overlays.UpsertRequest{
		TenantID:        request.TenantID,
		ApplicationID:   request.ApplicationID,
		ReviewerID:      request.ReviewerID,
		Patch:           draftPatch,
		Notes:           request.Notes,
		ExpectedVersion: request.ExpectedVersion,
	})
	if storeErr != nil {
		return DraftResult{}, storeErr
	}
	s.metrics.IncrementDraft(draftPathPatch, false)

	return DraftResult{
		OverlayID:      overlay.OverlayID,
		OverlayVersion: overlay.Version,
		Effective:      effective,
		ChangedPaths:   draftPatch.Paths(),
		Patch:          draftPatch,
	}, nil
}

// PreviewEffective applies a patch, or the open overlay's patch, to the authoritative submission
// under the strict contract. Nothing is written.
func (s *Service) PreviewEffective(ctx context.Context, request EffectiveRequest) (result EffectiveResult, err error) {
	ctx, span := s.startSpan(ctx, opPreview,
		attribute.String("tenant_id", request.TenantID),
		attribute.String("application_id", request.ApplicationID),
	)
	defer func() { endSpan(span, err) }()

	if validationErr := requireIdentifiers(opPreview, request.TenantID, request.ApplicationID); validationErr != nil {
		return EffectiveResult{}, s.reject(validationErr)
	}

	previewPatch := request.Patch
	if previewPatch == nil {
		overlay, findErr := s.overlays.FindOpen(ctx, request.TenantID, request.ApplicationID)
		if findErr != nil {
			s.logError(opPreview, "overlay_query_failed", findErr, zap.String("application_id", request.ApplicationID))
			return EffectiveResult{}, newServiceError(KindInternal, opPreview, "overlay_query_failed", findErr)
		}
		previewPatch = patch.Patch{}
		if overlay != nil {
			stored, decodeErr := overlay.Patch()
			if decodeErr != nil {
				s.logError(opPreview, "overlay_decode_failed", decodeErr, zap.String("overlay_id", overlay.OverlayID))
				return EffectiveResult{}, newServiceError(KindInternal, opPreview, "overlay_decode_failed", decodeErr)
			}
			previewPatch = stored
			version := overlay.Version
			result.OverlayID = overlay.OverlayID
			result.OverlayVersion = &version
		}
	}
	if validationErr := s.validatePatch(opPreview, previewPatch); validationErr != nil {
		return EffectiveResult{}, s.reject(validationErr, zap.String("application_id", request.ApplicationID))
	}

	effective, applyErr := s.applyStrict(ctx, opPreview, request.TenantID, request.ApplicationID, previewPatch)
	if applyErr != nil {
		return EffectiveResult{}, applyErr
	}
	result.Effective = effective
	result.Patch = previewPatch
	result.ChangedPaths = previewPatch.Paths()
	return result, nil
}

// loadAuthoritative returns the normalized authoritative document of an application owned by tenantID.
func (s *Service) loadAuthoritative(ctx context.Context, operation, tenantID, applicationID string) (patch.Document, *ServiceError) {
	submission, meta, err := s.loader.Load(ctx, applicationID)
	if err != nil {
		s.logError(operation, "load_failed", err, zap.String("application_id", applicationID))
		return nil, newServiceError(KindInternal, operation, "load_failed", err)
	}
	if meta.TenantID == "" || meta.TenantID != tenantID {
		return nil, s.reject(newServiceError(KindValidation, operation, "application_not_found", errApplicationAbsent),
			zap.String("application_id", applicationID))
	}
	return applications.NormalizeDocument(submission.Document()), nil
}

// applyStrict preflights p against the authoritative submission and reports unresolved paths as
// a stale base conflict carrying the current document.
func (s *Service) applyStrict(ctx context.Context, operation, tenantID, applicationID string, p patch.Patch) (patch.Document, *ServiceError) {
	authoritative, loadErr := s.loadAuthoritative(ctx, operation, tenantID, applicationID)
	if loadErr != nil {
		return nil, loadErr
	}
	if missing := patch.Preflight(authoritative, p); len(missing) > 0 {
		return nil, s.reject(
			newServiceError(KindStaleBase, operation, "stale_base", patch.ErrPathNotFound).
				withDetails(Details{Paths: missing, Current: authoritative}),
			zap.String("application_id", applicationID),
		)
	}
	effective, err := patch.Apply(authoritative, p)
	if err != nil {
		return nil, s.reject(staleOrInvalid(operation, "stale_base", err, p, authoritative), zap.String("application_id", applicationID))
	}
	return effective, nil
}

// storeDraft upserts the open overlay and maps version conflicts.
func (s *Service) storeDraft(ctx context.Context, operation string, request overlays.UpsertRequest) (overlays.Overlay, *ServiceError) {
	overlay, err := s.overlays.UpsertOpen(ctx, request)
	if err == nil {
		return overlay, nil
	}
	var conflict *overlays.VersionConflictError
	if errors.As(err, &conflict) {
		return overlays.Overlay{}, s.reject(versionConflict(operation, conflict), zap.String("application_id", request.ApplicationID))
	}
	s.logError(operation, "overlay_upsert_failed", err, zap.String("application_id", request.ApplicationID))
	return overlays.Overlay{}, newServiceError(KindInternal, operation, "overlay_upsert_failed", err)
}

func (s *Service) validatePatch(operation string, p patch.Patch) *ServiceError {
	if err := p.Validate(); err != nil {
		return patchValidationError(operation, err)
	}
	if err := s.scope.Validate(p); err != nil {
		return patchValidationError(operation, err)
	}
	return nil
}

// staleOrInvalid classifies an apply failure: path and test failures are stale base conflicts,
// anything else is a malformed patch.
func staleOrInvalid(operation, reason string, err error, p patch.Patch, current patch.Document) *ServiceError {
	if errors.Is(err, patch.ErrPathNotFound) || errors.Is(err, patch.ErrTestFailed) {
		paths := patch.Preflight(current, p)
		var opErr *patch.OperationError
		if len(paths) == 0 && errors.As(err, &opErr) {
			paths = []string{opErr.Path}
		}
		return newServiceError(KindStaleBase, operation, reason, err).withDetails(Details{Paths: paths, Current: current})
	}
	return patchValidationError(operation, err)
}

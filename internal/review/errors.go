package review

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/memberreview/internal/overlays"
	"github.com/MarcoPoloResearchLab/memberreview/internal/patch"
)

// Kind classifies service failures for callers and transports.
type Kind string

const (
	KindValidation      Kind = "validation_error"
	KindStaleBase       Kind = "stale_base_conflict"
	KindVersionConflict Kind = "version_conflict"
	KindMissingEmail    Kind = "missing_email"
	KindReconciliation  Kind = "reconciliation_error"
	KindInternal        Kind = "internal_error"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingTenant     = errors.New("tenant identifier is required")
	errMissingReviewer   = errors.New("reviewer identifier is required")
	errMissingEmail      = errors.New("no email address could be resolved from contactInfo")
	errOverlayAndPatch   = errors.New("overlayId and patch are mutually exclusive")
	errOverlayNotFound   = errors.New("overlay not found")
	errOverlayMismatch   = errors.New("overlay belongs to a different application")
	errOverlayDecided    = errors.New("overlay is already decided")
	errOverlayUnused     = errors.New("application has an open overlay that the approval does not reference")
	errApplicationAbsent = errors.New("application not found")
	errEmptyBatch        = errors.New("bulk approval requires at least one application id")
	errBatchTooLarge     = errors.New("bulk approval batch exceeds the limit")
	errMissingEdited     = errors.New("edited document is required")
)

// Details carries the structured context a caller needs to correct a request.
type Details struct {
	Paths           []string       `json:"paths,omitempty"`
	ExpectedVersion *int64         `json:"expectedVersion,omitempty"`
	CurrentVersion  *int64         `json:"currentVersion,omitempty"`
	Current         patch.Document `json:"current,omitempty"`
}

// IsZero reports whether no detail is set.
func (d Details) IsZero() bool {
	return len(d.Paths) == 0 && d.ExpectedVersion == nil && d.CurrentVersion == nil && d.Current == nil
}

// ServiceError is returned by every Service operation. Its code has the form
// "<operation>.<reason>".
type ServiceError struct {
	kind    Kind
	code    string
	err     error
	details Details
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func (e *ServiceError) Kind() Kind {
	return e.kind
}

func (e *ServiceError) Details() Details {
	return e.details
}

func newServiceError(kind Kind, operation, reason string, cause error) *ServiceError {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{kind: kind, code: code, err: cause}
}

func (e *ServiceError) withDetails(details Details) *ServiceError {
	e.details = details
	return e
}

// KindOf classifies err. Errors that are not ServiceErrors are classified by their sentinel,
// falling back to KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.kind
	}
	switch {
	case errors.Is(err, overlays.ErrVersionConflict):
		return KindVersionConflict
	case errors.Is(err, patch.ErrPathNotFound), errors.Is(err, patch.ErrTestFailed):
		return KindStaleBase
	case errors.Is(err, patch.ErrInvalidPatch), errors.Is(err, patch.ErrOutOfScope):
		return KindValidation
	default:
		return KindInternal
	}
}

// versionConflict converts a store conflict into a ServiceError with version details.
func versionConflict(operation string, conflict *overlays.VersionConflictError) *ServiceError {
	expected := conflict.ExpectedVersion
	details := Details{ExpectedVersion: &expected}
	if conflict.CurrentVersion != overlays.NoVersion {
		current := conflict.CurrentVersion
		details.CurrentVersion = &current
	}
	return newServiceError(KindVersionConflict, operation, "overlay_version_mismatch", conflict).withDetails(details)
}

// unreferencedOverlay reports an open overlay that an approval bypassed.
func unreferencedOverlay(operation string, open overlays.Overlay) *ServiceError {
	current := open.Version
	return newServiceError(KindVersionConflict, operation, "open_overlay_unreferenced", errOverlayUnused).
		withDetails(Details{CurrentVersion: &current})
}

// patchValidationError converts structural and scope failures of a patch.
func patchValidationError(operation string, err error) *ServiceError {
	var scopeErr *patch.ScopeError
	if errors.As(err, &scopeErr) {
		return newServiceError(KindValidation, operation, "out_of_scope", err).withDetails(Details{Paths: scopeErr.Paths()})
	}
	var opErr *patch.OperationError
	if errors.As(err, &opErr) {
		return newServiceError(KindValidation, operation, "invalid_patch", err).withDetails(Details{Paths: []string{opErr.Path}})
	}
	return newServiceError(KindValidation, operation, "invalid_patch", err)
}

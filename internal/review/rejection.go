package review

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/memberreview/internal/applications"
	"github.com/MarcoPoloResearchLab/memberreview/internal/events"
	"github.com/MarcoPoloResearchLab/memberreview/internal/overlays"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RejectionRequest rejects one application with a reason.
type RejectionRequest struct {
	TenantID      string
	ApplicationID string
	ReviewerID    string
	Reason        string
	// OverlayVersion, when set, must equal the version of the application's open overlay.
	OverlayVersion *int64
	CorrelationID  string
}

// RejectionResult describes a committed rejection.
type RejectionResult struct {
	ApplicationID  string              `json:"applicationId"`
	Status         applications.Status `json:"status"`
	OverlayID      string              `json:"overlayId,omitempty"`
	EventDelivered bool                `json:"eventDelivered"`
}

// Reject closes the open overlay, if any, and marks the application rejected. No profile is
// touched.
func (s *Service) Reject(ctx context.Context, request RejectionRequest) (result RejectionResult, err error) {
	ctx, span := s.startSpan(ctx, opReject,
		attribute.String("tenant_id", request.TenantID),
		attribute.String("application_id", request.ApplicationID),
	)
	defer func() {
		outcome := decisionOutcomeOK
		if err != nil {
			outcome = string(KindOf(err))
		}
		s.metrics.IncrementDecision(decisionReject, outcome)
		endSpan(span, err)
	}()

	fields := zap.String("application_id", request.ApplicationID)
	if validationErr := requireReviewer(opReject, request.TenantID, request.ApplicationID, request.ReviewerID); validationErr != nil {
		return RejectionResult{}, s.reject(validationErr, fields)
	}
	reason := strings.TrimSpace(request.Reason)

	personal, findErr := s.records.FindPersonal(ctx, request.ApplicationID)
	if findErr != nil {
		s.logError(opReject, "load_failed", findErr, fields)
		return RejectionResult{}, newServiceError(KindInternal, opReject, "load_failed", findErr)
	}
	if personal == nil || personal.TenantID != request.TenantID {
		return RejectionResult{}, s.reject(newServiceError(KindValidation, opReject, "application_not_found", errApplicationAbsent), fields)
	}

	open, findErr := s.overlays.FindOpen(ctx, request.TenantID, request.ApplicationID)
	if findErr != nil {
		s.logError(opReject, "overlay_query_failed", findErr, fields)
		return RejectionResult{}, newServiceError(KindInternal, opReject, "overlay_query_failed", findErr)
	}
	if conflict := checkOpenVersion(open, request.ApplicationID, request.OverlayVersion); conflict != nil {
		return RejectionResult{}, s.reject(versionConflict(opReject, conflict), fields)
	}

	var closedOverlayID string
	rejectedAt := s.clock().UTC()
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		overlayStore := s.overlays.WithDB(tx)
		current, err := overlayStore.FindOpen(ctx, request.TenantID, request.ApplicationID)
		if err != nil {
			return newServiceError(KindInternal, opReject, "overlay_query_failed", err)
		}
		if conflict := checkOpenVersion(current, request.ApplicationID, request.OverlayVersion); conflict != nil {
			return versionConflict(opReject, conflict)
		}
		if current != nil {
			if _, err := overlayStore.Close(ctx, *current, overlays.DecisionRejected, reason, request.ReviewerID); err != nil {
				var conflict *overlays.VersionConflictError
				if errors.As(err, &conflict) {
					return versionConflict(opReject, conflict)
				}
				return newServiceError(KindInternal, opReject, "overlay_close_failed", err)
			}
			closedOverlayID = current.OverlayID
		}
		if err := s.records.WithDB(tx).MarkRejected(ctx, request.ApplicationID, request.ReviewerID, reason, rejectedAt); err != nil {
			return newServiceError(KindInternal, opReject, "status_failed", err)
		}
		return nil
	})
	if txErr != nil {
		var serviceErr *ServiceError
		if errors.As(txErr, &serviceErr) {
			if serviceErr.kind == KindInternal {
				s.logError(opReject, serviceErr.code, serviceErr.err, fields)
				return RejectionResult{}, serviceErr
			}
			return RejectionResult{}, s.reject(serviceErr, fields)
		}
		s.logError(opReject, "transaction_failed", txErr, fields)
		return RejectionResult{}, newServiceError(KindInternal, opReject, "transaction_failed", txErr)
	}

	delivered := s.publisher.Publish(ctx, events.TypeApplicationRejected, map[string]any{
		"applicationId": request.ApplicationID,
		"reviewerId":    request.ReviewerID,
		"reason":        reason,
		"overlayId":     closedOverlayID,
		"rejectedAt":    rejectedAt.Format(time.RFC3339),
	}, events.Metadata{TenantID: request.TenantID, CorrelationID: request.CorrelationID, Key: request.ApplicationID})

	s.loggerOrDefault().Info("application rejected",
		zap.String("tenant_id", request.TenantID),
		zap.String("application_id", request.ApplicationID),
		zap.String("overlay_id", closedOverlayID),
		zap.Bool("event_delivered", delivered),
	)
	return RejectionResult{
		ApplicationID:  request.ApplicationID,
		Status:         applications.StatusRejected,
		OverlayID:      closedOverlayID,
		EventDelivered: delivered,
	}, nil
}

// checkOpenVersion compares an optional expected version with the open overlay.
func checkOpenVersion(open *overlays.Overlay, applicationID string, expected *int64) *overlays.VersionConflictError {
	if expected == nil {
		return nil
	}
	if open == nil {
		return &overlays.VersionConflictError{ApplicationID: applicationID, ExpectedVersion: *expected, CurrentVersion: overlays.NoVersion}
	}
	if open.Version != *expected {
		return &overlays.VersionConflictError{
			ApplicationID:   applicationID,
			OverlayID:       open.OverlayID,
			ExpectedVersion: *expected,
			CurrentVersion:  open.Version,
		}
	}
	return nil
}

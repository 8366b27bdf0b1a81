package review

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// BulkApprovalRequest approves several applications, each in its own transaction.
type BulkApprovalRequest struct {
	TenantID       string
	ReviewerID     string
	ApplicationIDs []string
	CorrelationID  string
}

// BulkItemError describes why one application of a batch was not approved.
type BulkItemError struct {
	Kind    Kind     `json:"kind"`
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details *Details `json:"details,omitempty"`
}

// BulkItemResult is the outcome of one application of a batch.
type BulkItemResult struct {
	ApplicationID    string         `json:"applicationId"`
	Success          bool           `json:"success"`
	ProfileID        string         `json:"profileId,omitempty"`
	MembershipNumber string         `json:"membershipNumber,omitempty"`
	Error            *BulkItemError `json:"error,omitempty"`
}

// BulkApprovalResult lists one result per requested application, in request order.
type BulkApprovalResult struct {
	Items     []BulkItemResult `json:"items"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
}

// BulkApprove approves each application independently. A failing item never affects the others;
// the batch itself is rejected only when it is empty or larger than the configured limit.
func (s *Service) BulkApprove(ctx context.Context, request BulkApprovalRequest) (result BulkApprovalResult, err error) {
	ctx, span := s.startSpan(ctx, opBulkApprove,
		attribute.String("tenant_id", request.TenantID),
		attribute.Int("batch_size", len(request.ApplicationIDs)),
	)
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(request.TenantID) == "" {
		return BulkApprovalResult{}, s.reject(newServiceError(KindValidation, opBulkApprove, "missing_tenant_id", errMissingTenant))
	}
	if strings.TrimSpace(request.ReviewerID) == "" {
		return BulkApprovalResult{}, s.reject(newServiceError(KindValidation, opBulkApprove, "missing_reviewer_id", errMissingReviewer))
	}
	if len(request.ApplicationIDs) == 0 {
		return BulkApprovalResult{}, s.reject(newServiceError(KindValidation, opBulkApprove, "empty_batch", errEmptyBatch))
	}
	if len(request.ApplicationIDs) > s.bulkLimit {
		return BulkApprovalResult{}, s.reject(newServiceError(KindValidation, opBulkApprove, "batch_too_large",
			fmt.Errorf("%w: %d > %d", errBatchTooLarge, len(request.ApplicationIDs), s.bulkLimit)))
	}
	s.metrics.ObserveBulkBatch(len(request.ApplicationIDs))

	result.Items = make([]BulkItemResult, 0, len(request.ApplicationIDs))
	for _, rawID := range request.ApplicationIDs {
		item := s.approveBulkItem(ctx, request, strings.TrimSpace(rawID))
		if item.Success {
			result.Succeeded++
		} else {
			result.Failed++
		}
		result.Items = append(result.Items, item)
	}

	s.loggerOrDefault().Info("bulk approval finished",
		zap.String("tenant_id", request.TenantID),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}

// approveBulkItem approves one application against its open overlay at the version observed now.
func (s *Service) approveBulkItem(ctx context.Context, request BulkApprovalRequest, applicationID string) BulkItemResult {
	approval := ApprovalRequest{
		TenantID:      request.TenantID,
		ApplicationID: applicationID,
		ReviewerID:    request.ReviewerID,
		CorrelationID: request.CorrelationID,
	}
	if applicationID != "" {
		open, err := s.overlays.FindOpen(ctx, request.TenantID, applicationID)
		if err != nil {
			s.logError(opBulkApprove, "overlay_query_failed", err, zap.String("application_id", applicationID))
			return failedItem(applicationID, newServiceError(KindInternal, opBulkApprove, "overlay_query_failed", err))
		}
		if open != nil {
			version := open.Version
			approval.OverlayID = open.OverlayID
			approval.OverlayVersion = &version
		}
	}

	approved, err := s.Approve(ctx, approval)
	if err != nil {
		return failedItem(applicationID, err)
	}
	return BulkItemResult{
		ApplicationID:    applicationID,
		Success:          true,
		ProfileID:        approved.ProfileID,
		MembershipNumber: approved.MembershipNumber,
	}
}

func failedItem(applicationID string, err error) BulkItemResult {
	itemErr := &BulkItemError{Kind: KindOf(err), Message: err.Error()}
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		itemErr.Code = serviceErr.Code()
		if serviceErr.err != nil {
			itemErr.Message = serviceErr.err.Error()
		}
		details := serviceErr.Details()
		if len(details.Paths) > 0 || details.ExpectedVersion != nil || details.CurrentVersion != nil {
			itemErr.Details = &Details{Paths: details.Paths, ExpectedVersion: details.ExpectedVersion, CurrentVersion: details.CurrentVersion}
		}
	}
	return BulkItemResult{ApplicationID: applicationID, Error: itemErr}
}

// Package review implements the reviewer workflow: overlay drafts reconciled against the
// authoritative submission, and approval, rejection, and bulk approval transactions.
package review

import (
	"context"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/memberreview/internal/applications"
	"github.com/MarcoPoloResearchLab/memberreview/internal/events"
	"github.com/MarcoPoloResearchLab/memberreview/internal/ids"
	"github.com/MarcoPoloResearchLab/memberreview/internal/membership"
	"github.com/MarcoPoloResearchLab/memberreview/internal/metrics"
	"github.com/MarcoPoloResearchLab/memberreview/internal/overlays"
	"github.com/MarcoPoloResearchLab/memberreview/internal/patch"
	"github.com/MarcoPoloResearchLab/memberreview/internal/profiles"
	"github.com/MarcoPoloResearchLab/memberreview/internal/users"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultBulkLimit caps the number of applications in one bulk approval.
const DefaultBulkLimit = 50

const (
	opServiceNew      = "review.service.new"
	opSubmit          = "review.submit"
	opLoadSubmission  = "review.load_submission"
	opFindOverlay     = "review.find_overlay"
	opOverlayHistory  = "review.overlay_history"
	opSaveDraft       = "review.save_draft"
	opSaveDraftPatch  = "review.save_draft_patch"
	opPreview         = "review.preview_effective"
	opApprove         = "review.approve"
	opReject          = "review.reject"
	opBulkApprove     = "review.bulk_approve"
	tracerName        = "github.com/MarcoPoloResearchLab/memberreview/internal/review"
	draftPathForm     = "form"
	draftPathPatch    = "patch"
	decisionApprove   = "approve"
	decisionReject    = "reject"
	decisionOutcomeOK = "ok"
)

var noOpLogger = zap.NewNop()

// ServiceConfig describes the dependencies of the review Service.
type ServiceConfig struct {
	Database       *gorm.DB
	IDProvider     ids.Provider
	Clock          func() time.Time
	Logger         *zap.Logger
	Publisher      events.Publisher
	Metrics        *metrics.Metrics
	BulkLimit      int
	TracerProvider trace.TracerProvider
}

// Service coordinates submissions, overlays, profiles, and event publishing.
type Service struct {
	db        *gorm.DB
	clock     func() time.Time
	logger    *zap.Logger
	publisher events.Publisher
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	bulkLimit int
	scope     *patch.Scope

	loader    *applications.Loader
	records   *applications.Records
	overlays  *overlays.Store
	profiles  *profiles.Store
	directory *users.Directory
	allocator *membership.Allocator
}

// NewService constructs the review Service and its stores.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(KindInternal, opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(KindInternal, opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	publisher := cfg.Publisher
	if publisher == nil {
		logPublisher, err := events.NewPublisher(events.PublisherConfig{
			Transport:  events.NewLogTransport(logger),
			Logger:     logger,
			Clock:      clock,
			IDProvider: cfg.IDProvider,
			Observer:   cfg.Metrics.ObserveEvent,
		})
		if err != nil {
			return nil, newServiceError(KindInternal, opServiceNew, "publisher_failed", err)
		}
		publisher = logPublisher
	}
	bulkLimit := cfg.BulkLimit
	if bulkLimit <= 0 {
		bulkLimit = DefaultBulkLimit
	}
	tracerProvider := cfg.TracerProvider
	if tracerProvider == nil {
		tracerProvider = otel.GetTracerProvider()
	}

	loader, err := applications.NewLoader(applications.LoaderConfig{Database: cfg.Database, Clock: clock, Logger: logger})
	if err != nil {
		return nil, newServiceError(KindInternal, opServiceNew, "loader_failed", err)
	}
	records, err := applications.NewRecords(applications.RecordsConfig{Database: cfg.Database, Clock: clock, IDProvider: cfg.IDProvider})
	if err != nil {
		return nil, newServiceError(KindInternal, opServiceNew, "records_failed", err)
	}
	overlayStore, err := overlays.NewStore(overlays.StoreConfig{Database: cfg.Database, Clock: clock, IDProvider: cfg.IDProvider})
	if err != nil {
		return nil, newServiceError(KindInternal, opServiceNew, "overlay_store_failed", err)
	}
	profileStore, err := profiles.NewStore(profiles.StoreConfig{Database: cfg.Database, Clock: clock, IDProvider: cfg.IDProvider})
	if err != nil {
		return nil, newServiceError(KindInternal, opServiceNew, "profile_store_failed", err)
	}
	directory, err := users.NewDirectory(users.DirectoryConfig{Database: cfg.Database, Clock: clock})
	if err != nil {
		return nil, newServiceError(KindInternal, opServiceNew, "directory_failed", err)
	}

	return &Service{
		db:        cfg.Database,
		clock:     clock,
		logger:    logger,
		publisher: publisher,
		metrics:   cfg.Metrics,
		tracer:    tracerProvider.Tracer(tracerName),
		bulkLimit: bulkLimit,
		scope:     applications.PatchScope(),
		loader:    loader,
		records:   records,
		overlays:  overlayStore,
		profiles:  profileStore,
		directory: directory,
		allocator: membership.NewAllocator(clock),
	}, nil
}

// Directory exposes the identity directory used for profile linking.
func (s *Service) Directory() *users.Directory {
	return s.directory
}

// BulkLimit reports the configured bulk approval cap.
func (s *Service) BulkLimit() int {
	return s.bulkLimit
}

// SubmitRequest stores an applicant's submission.
type SubmitRequest struct {
	TenantID      string
	ApplicationID string
	Submission    applications.Submission
	// PortalUserID, when set, registers the applicant's portal account under the resolved email.
	PortalUserID string
}

// Submit stores or replaces an application's submission and resets it to submitted.
func (s *Service) Submit(ctx context.Context, request SubmitRequest) error {
	if validationErr := requireIdentifiers(opSubmit, request.TenantID, request.ApplicationID); validationErr != nil {
		return s.reject(validationErr)
	}
	if err := s.records.Submit(ctx, request.TenantID, request.ApplicationID, request.Submission); err != nil {
		s.logError(opSubmit, "submit_failed", err, zap.String("application_id", request.ApplicationID))
		return newServiceError(KindInternal, opSubmit, "submit_failed", err)
	}
	if portalUserID := strings.TrimSpace(request.PortalUserID); portalUserID != "" {
		email, _ := resolveEmail(request.Submission.ContactInfo)
		if _, err := s.directory.Register(ctx, users.Registration{Subject: portalUserID, Email: email}); err != nil {
			s.logError(opSubmit, "register_portal_user_failed", err, zap.String("application_id", request.ApplicationID))
			return newServiceError(KindInternal, opSubmit, "register_portal_user_failed", err)
		}
	}
	return nil
}

// SubmissionView is the authoritative submission with its load metadata.
type SubmissionView struct {
	Submission applications.Submission `json:"submission"`
	Meta       applications.Meta       `json:"meta"`
}

// LoadSubmission returns the authoritative submission. Applications of other tenants read as empty.
func (s *Service) LoadSubmission(ctx context.Context, tenantID, applicationID string) (SubmissionView, error) {
	if validationErr := requireIdentifiers(opLoadSubmission, tenantID, applicationID); validationErr != nil {
		return SubmissionView{}, s.reject(validationErr)
	}
	submission, meta, err := s.loader.Load(ctx, applicationID)
	if err != nil {
		s.logError(opLoadSubmission, "load_failed", err, zap.String("application_id", applicationID))
		return SubmissionView{}, newServiceError(KindInternal, opLoadSubmission, "load_failed", err)
	}
	if meta.TenantID != "" && meta.TenantID != tenantID {
		empty, _ := applications.SubmissionFromDocument(nil)
		return SubmissionView{Submission: empty, Meta: applications.Meta{ApplicationID: applicationID, LoadedAt: meta.LoadedAt}}, nil
	}
	return SubmissionView{Submission: submission, Meta: meta}, nil
}

// FindOpenOverlay returns the open overlay of an application, or nil.
func (s *Service) FindOpenOverlay(ctx context.Context, tenantID, applicationID string) (*OverlayView, error) {
	if validationErr := requireIdentifiers(opFindOverlay, tenantID, applicationID); validationErr != nil {
		return nil, s.reject(validationErr)
	}
	overlay, err := s.overlays.FindOpen(ctx, tenantID, applicationID)
	if err != nil {
		s.logError(opFindOverlay, "query_failed", err, zap.String("application_id", applicationID))
		return nil, newServiceError(KindInternal, opFindOverlay, "query_failed", err)
	}
	if overlay == nil {
		return nil, nil
	}
	view, err := newOverlayView(*overlay)
	if err != nil {
		return nil, newServiceError(KindInternal, opFindOverlay, "decode_failed", err)
	}
	return &view, nil
}

// OverlayHistory lists every overlay of an application, newest first.
func (s *Service) OverlayHistory(ctx context.Context, tenantID, applicationID string) ([]OverlayView, error) {
	if validationErr := requireIdentifiers(opOverlayHistory, tenantID, applicationID); validationErr != nil {
		return nil, s.reject(validationErr)
	}
	history, err := s.overlays.History(ctx, tenantID, applicationID)
	if err != nil {
		s.logError(opOverlayHistory, "query_failed", err, zap.String("application_id", applicationID))
		return nil, newServiceError(KindInternal, opOverlayHistory, "query_failed", err)
	}
	views := make([]OverlayView, 0, len(history))
	for _, overlay := range history {
		view, err := newOverlayView(overlay)
		if err != nil {
			return nil, newServiceError(KindInternal, opOverlayHistory, "decode_failed", err)
		}
		views = append(views, view)
	}
	return views, nil
}

func requireIdentifiers(operation, tenantID, applicationID string) *ServiceError {
	if strings.TrimSpace(tenantID) == "" {
		return newServiceError(KindValidation, operation, "missing_tenant_id", errMissingTenant)
	}
	if strings.TrimSpace(applicationID) == "" {
		return newServiceError(KindValidation, operation, "missing_application_id", applications.ErrInvalidApplicationID)
	}
	return nil
}

func requireReviewer(operation, tenantID, applicationID, reviewerID string) *ServiceError {
	if validationErr := requireIdentifiers(operation, tenantID, applicationID); validationErr != nil {
		return validationErr
	}
	if strings.TrimSpace(reviewerID) == "" {
		return newServiceError(KindValidation, operation, "missing_reviewer_id", errMissingReviewer)
	}
	return nil
}

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(KindOf(err)))
	}
	span.End()
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("review service error", attrs...)
}

// reject logs a client-correctable failure at info level and returns it.
func (s *Service) reject(serviceErr *ServiceError, fields ...zap.Field) *ServiceError {
	attrs := []zap.Field{
		zap.String("code", serviceErr.code),
		zap.String("kind", string(serviceErr.kind)),
	}
	if serviceErr.err != nil {
		attrs = append(attrs, zap.Error(serviceErr.err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Info("review request rejected", attrs...)
	return serviceErr
}

package review

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
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
	sqlite "github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

const (
	testTenantID   = "tenant-1"
	testReviewerID = "reviewer-1"
)

type recordingTransport struct {
	mu    sync.Mutex
	types []string
	err   error
}

func (r *recordingTransport) Send(_ context.Context, envelope events.Envelope, _ []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, envelope.Type)
	return r.err
}

func (r *recordingTransport) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.types...)
}

type testHarness struct {
	db        *gorm.DB
	service   *Service
	transport *recordingTransport
	logs      *observer.ObservedLogs
	metrics   *metrics.Metrics
}

func fixedClock() time.Time {
	return time.Date(2025, time.May, 12, 9, 15, 0, 0, time.UTC)
}

func newHarness(t *testing.T, configure ...func(*ServiceConfig)) *testHarness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "review.db")), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	var models []any
	models = append(models, applications.Models()...)
	models = append(models, overlays.Models()...)
	models = append(models, profiles.Models()...)
	models = append(models, membership.Models()...)
	models = append(models, users.Models()...)
	require.NoError(t, db.AutoMigrate(models...))

	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)
	transport := &recordingTransport{}
	idProvider := ids.NewUUIDProvider()
	serviceMetrics := metrics.New(prometheus.NewRegistry())
	publisher, err := events.NewPublisher(events.PublisherConfig{
		Transport:  transport,
		Logger:     logger,
		Clock:      fixedClock,
		IDProvider: idProvider,
		Observer:   serviceMetrics.ObserveEvent,
	})
	require.NoError(t, err)

	cfg := ServiceConfig{
		Database:   db,
		IDProvider: idProvider,
		Clock:      fixedClock,
		Logger:     logger,
		Publisher:  publisher,
		Metrics:    serviceMetrics,
	}
	for _, apply := range configure {
		apply(&cfg)
	}
	service, err := NewService(cfg)
	require.NoError(t, err)
	return &testHarness{db: db, service: service, transport: transport, logs: logs, metrics: serviceMetrics}
}

func applicantSubmission(email string) applications.Submission {
	return applications.Submission{
		PersonalInfo: applications.Section{"forename": "Aoife", "surname": "Byrne"},
		ContactInfo:  applications.Section{"preferredEmail": "personal", "personalEmail": email},
		ProfessionalDetails: applications.Section{
			"membershipCategory": "RN",
			"grade":              "staff nurse",
		},
		SubscriptionDetails: applications.Section{"paymentType": "payroll"},
	}
}

func (h *testHarness) submit(t *testing.T, applicationID string, submission applications.Submission) {
	t.Helper()
	require.NoError(t, h.service.Submit(context.Background(), SubmitRequest{
		TenantID:      testTenantID,
		ApplicationID: applicationID,
		Submission:    submission,
	}))
}

func (h *testHarness) count(t *testing.T, model any, query string, args ...any) int64 {
	t.Helper()
	var total int64
	handle := h.db.Model(model)
	if query != "" {
		handle = handle.Where(query, args...)
	}
	require.NoError(t, handle.Count(&total).Error)
	return total
}

func (h *testHarness) personal(t *testing.T, applicationID string) applications.PersonalDetails {
	t.Helper()
	var record applications.PersonalDetails
	require.NoError(t, h.db.Where("application_id = ?", applicationID).Take(&record).Error)
	return record
}

func lookup(t *testing.T, doc patch.Document, pointer string) any {
	t.Helper()
	value, ok := patch.Lookup(doc, pointer)
	require.True(t, ok, "expected %s to exist", pointer)
	return value
}

func requireKind(t *testing.T, err error, kind Kind) *ServiceError {
	t.Helper()
	require.Error(t, err)
	var serviceErr *ServiceError
	require.ErrorAs(t, err, &serviceErr)
	require.Equal(t, kind, serviceErr.Kind(), "code %s", serviceErr.Code())
	return serviceErr
}

func int64Ptr(value int64) *int64 {
	return &value
}

func assertPatchJSON(t *testing.T, expected, actual patch.Patch) {
	t.Helper()
	expectedJSON, err := json.Marshal(expected)
	require.NoError(t, err)
	actualJSON, err := json.Marshal(actual)
	require.NoError(t, err)
	assert.JSONEq(t, string(expectedJSON), string(actualJSON))
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	_, err := NewService(ServiceConfig{IDProvider: ids.NewUUIDProvider()})
	requireKind(t, err, KindInternal)

	h := newHarness(t)
	_, err = NewService(ServiceConfig{Database: h.db})
	requireKind(t, err, KindInternal)

	service, err := NewService(ServiceConfig{Database: h.db, IDProvider: ids.NewUUIDProvider()})
	require.NoError(t, err)
	assert.Equal(t, DefaultBulkLimit, service.BulkLimit())
}

func TestSaveDraftPatchSupersedesPreviousDraft(t *testing.T) {
	h := newHarness(t)
	h.submit(t, "app-1", applicantSubmission("aoife@example.com"))
	ctx := context.Background()

	first, err := h.service.SaveDraftPatch(ctx, PatchDraftRequest{
		TenantID: testTenantID, ApplicationID: "app-1", ReviewerID: testReviewerID,
		Patch: patch.Patch{patch.Replace("/personalInfo/surname", "Smith")},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), first.OverlayVersion)

	second, err := h.service.SaveDraftPatch(ctx, PatchDraftRequest{
		TenantID: testTenantID, ApplicationID: "app-1", ReviewerID: testReviewerID,
		Patch: patch.Patch{patch.Replace("/personalInfo/surname", "Jones")},
	})
	require.NoError(t, err)
	assert.Equal(t, first.OverlayID, second.OverlayID)
	assert.Equal(t, int64(1), second.OverlayVersion)
	assert.Equal(t, "Jones", lookup(t, second.Effective, "/personalInfo/surname"))

	assert.Equal(t, int64(1), h.count(t, &overlays.Overlay{}, "application_id = ?", "app-1"))
	view, err := h.service.FindOpenOverlay(ctx, testTenantID, "app-1")
	require.NoError(t, err)
	require.NotNil(t, view)
	assert.Equal(t, int64(1), view.Version)
	assertPatchJSON(t, patch.Patch{patch.Replace("/personalInfo/surname", "Jones")}, view.ProposedPatch)
}

func TestSaveDraftWithCurrentBaseAppliesCleanly(t *testing.T) {
	h := newHarness(t)
	h.submit(t, "app-1", applicantSubmission("aoife@example.com"))
	ctx := context.Background()

	loaded, err := h.service.LoadSubmission(ctx, testTenantID, "app-1")
	require.NoError(t, err)
	base := loaded.Submission.Document()
	edited, err := patch.Clone(base)
	require.NoError(t, err)
	edited[applications.SectionPersonalInfo].(map[string]any)["surname"] = "Kelly"

	result, err := h.service.SaveDraft(ctx, DraftRequest{
		TenantID: testTenantID, ApplicationID: "app-1", ReviewerID: testReviewerID,
		ClientBase: base, Edited: edited, Notes: "surname corrected",
	})
	require.NoError(t, err)
	assert.False(t, result.Rebased)
	assert.Equal(t, []string{"/personalInfo/surname"}, result.ChangedPaths)
	assert.Equal(t, "Kelly", lookup(t, result.Effective, "/personalInfo/surname"))
	assert.Equal(t, "staff nurse", lookup(t, result.Effective, "/professionalDetails/grade"))
}

func TestSaveDraftRebasesOntoChangedSubmission(t *testing.T) {
	h := newHarness(t)
	stale := applicantSubmission("aoife@example.com")
	stale.ProfessionalDetails["otherGrade"] = "clinical lead"
	h.submit(t, "app-1", stale)
	ctx := context.Background()

	loaded, err := h.service.LoadSubmission(ctx, testTenantID, "app-1")
	require.NoError(t, err)
	clientBase := loaded.Submission.Document()

	// The applicant resubmits without otherGrade while the reviewer still edits the old copy.
	h.submit(t, "app-1", applicantSubmission("aoife@example.com"))

	edited, err := patch.Clone(clientBase)
	require.NoError(t, err)
	edited[applications.SectionProfessionalDetails].(map[string]any)["otherGrade"] = "ward manager"

	result, err := h.service.SaveDraft(ctx, DraftRequest{
		TenantID: testTenantID, ApplicationID: "app-1", ReviewerID: testReviewerID,
		ClientBase: clientBase, Edited: edited,
	})
	require.NoError(t, err)
	assert.True(t, result.Rebased)

	current, err := h.service.LoadSubmission(ctx, testTenantID, "app-1")
	require.NoError(t, err)
	authoritative := applications.NormalizeDocument(current.Submission.Document())
	rebased, err := patch.Diff(authoritative, applications.NormalizeDocument(edited))
	require.NoError(t, err)
	expected, err := patch.Apply(authoritative, rebased)
	require.NoError(t, err)
	assert.Equal(t, expected, result.Effective)
	assert.Equal(t, "ward manager", lookup(t, result.Effective, "/professionalDetails/otherGrade"))
	assert.Equal(t, 1, h.logs.FilterMessage("draft rebased onto current submission").Len())
}

func TestSaveDraftRejectsOutOfScopeEdit(t *testing.T) {
	h := newHarness(t)
	h.submit(t, "app-1", applicantSubmission("aoife@example.com"))
	ctx := context.Background()

	loaded, err := h.service.LoadSubmission(ctx, testTenantID, "app-1")
	require.NoError(t, err)
	edited, err := patch.Clone(loaded.Submission.Document())
	require.NoError(t, err)
	edited[applications.SectionProfessionalDetails].(map[string]any)["membershipCategory"] = "student"

	_, err = h.service.SaveDraft(ctx, DraftRequest{
		TenantID: testTenantID, ApplicationID: "app-1", ReviewerID: testReviewerID,
		ClientBase: loaded.Submission.Document(), Edited: edited,
	})
	serviceErr := requireKind(t, err, KindValidation)
	assert.Equal(t, "review.save_draft.out_of_scope", serviceErr.Code())
	assert.Equal(t, []string{"/professionalDetails/membershipCategory"}, serviceErr.Details().Paths)
	assert.Equal(t, int64(0), h.count(t, &overlays.Overlay{}, ""))
}

func TestSaveDraftRequiresKnownApplication(t *testing.T) {
	h := newHarness(t)
	_, err := h.service.SaveDraft(context.Background(), DraftRequest{
		TenantID: testTenantID, ApplicationID: "missing", ReviewerID: testReviewerID,
		Edited: patch.Document{},
	})
	serviceErr := requireKind(t, err, KindValidation)
	assert.Equal(t, "review.save_draft.application_not_found", serviceErr.Code())

	_, err = h.service.SaveDraft(context.Background(), DraftRequest{TenantID: testTenantID, ApplicationID: "missing"})
	serviceErr = requireKind(t, err, KindValidation)
	assert.Equal(t, "review.save_draft.missing_reviewer_id", serviceErr.Code())
}

func TestSaveDraftPatchReportsStaleBase(t *testing.T) {
	h := newHarness(t)
	h.submit(t, "app-1", applicantSubmission("aoife@example.com"))

	_, err := h.service.SaveDraftPatch(context.Background(), PatchDraftRequest{
		TenantID: testTenantID, ApplicationID: "app-1", ReviewerID: testReviewerID,
		Patch: patch.Patch{
			patch.Replace("/personalInfo/surname", "Jones"),
			patch.Replace("/personalInfo/title", "Dr"),
		},
	})
	serviceErr := requireKind(t, err, KindStaleBase)
	assert.Equal(t, "review.save_draft_patch.stale_base", serviceErr.Code())
	assert.Equal(t, []string{"/personalInfo/title"}, serviceErr.Details().Paths)
	assert.Equal(t, "Byrne", lookup(t, serviceErr.Details().Current, "/personalInfo/surname"))
	assert.Equal(t, int64(0), h.count(t, &overlays.Overlay{}, ""))
}

func TestSaveDraftPatchReportsFailedTestAsStale(t *testing.T) {
	h := newHarness(t)
	h.submit(t, "app-1", applicantSubmission("aoife@example.com"))

	_, err := h.service.SaveDraftPatch(context.Background(), PatchDraftRequest{
		TenantID: testTenantID, ApplicationID: "app-1", ReviewerID: testReviewerID,
		Patch: patch.Patch{
			patch.Test("/personalInfo/surname", "Murphy"),
			patch.Replace("/personalInfo/surname", "Jones"),
		},
	})
	requireKind(t, err, KindStaleBase)
}

func TestSaveDraftPatchRejectsMalformedPatch(t *testing.T) {
	h := newHarness(t)
	h.submit(t, "app-1", applicantSubmission("aoife@example.com"))

	_, err := h.service.SaveDraftPatch(context.Background(), PatchDraftRequest{
		TenantID: testTenantID, ApplicationID: "app-1", ReviewerID: testReviewerID,
		Patch: patch.Patch{{Op: patch.OpMove, Path: "/personalInfo/surname"}},
	})
	serviceErr := requireKind(t, err, KindValidation)
	assert.Equal(t, "review.save_draft_patch.invalid_patch", serviceErr.Code())
}

func TestSaveDraftPatchVersionConflict(t *testing.T) {
	h := newHarness(t)
	h.submit(t, "app-1", applicantSubmission("aoife@example.com"))
	ctx := context.Background()

	_, err := h.service.SaveDraftPatch(ctx, PatchDraftRequest{
		TenantID: testTenantID, ApplicationID: "app-1", ReviewerID: testReviewerID,
		Patch: patch.Patch{patch.Replace("/personalInfo/surname", "Smith")},
	})
	require.NoError(t, err)

	_, err = h.service.SaveDraftPatch(ctx, PatchDraftRequest{
		TenantID: testTenantID, ApplicationID: "app-1", ReviewerID: "reviewer-2",
		Patch:           patch.Patch{patch.Replace("/personalInfo/surname", "Jones")},
		ExpectedVersion: int64Ptr(5),
	})
	serviceErr := requireKind(t, err, KindVersionConflict)
	assert.Equal(t, "review.save_draft_patch.overlay_version_mismatch", serviceErr.Code())
	assert.Equal(t, int64(5), *serviceErr.Details().ExpectedVersion)
	assert.Equal(t, int64(0), *serviceErr.Details().CurrentVersion)
}

func TestPreviewEffectiveUsesOpenOverlay(t *testing.T) {
	h := newHarness(t)
	h.submit(t, "app-1", applicantSubmission("aoife@example.com"))
	ctx := context.Background()

	preview, err := h.service.PreviewEffective(ctx, EffectiveRequest{TenantID: testTenantID, ApplicationID: "app-1"})
	require.NoError(t, err)
	assert.Empty(t, preview.OverlayID)
	assert.Equal(t, "Byrne", lookup(t, preview.Effective, "/personalInfo/surname"))

	draft, err := h.service.SaveDraftPatch(ctx, PatchDraftRequest{
		TenantID: testTenantID, ApplicationID: "app-1", ReviewerID: testReviewerID,
		Patch: patch.Patch{patch.Add("/personalInfo/title", "Ms")},
	})
	require.NoError(t, err)

	preview, err = h.service.PreviewEffective(ctx, EffectiveRequest{TenantID: testTenantID, ApplicationID: "app-1"})
	require.NoError(t, err)
	assert.Equal(t, draft.OverlayID, preview.OverlayID)
	require.NotNil(t, preview.OverlayVersion)
	assert.Equal(t, "Ms", lookup(t, preview.Effective, "/personalInfo/title"))

	_, err = h.service.PreviewEffective(ctx, EffectiveRequest{
		TenantID: testTenantID, ApplicationID: "app-1",
		Patch: patch.Patch{patch.Remove("/personalInfo/dateOfBirth")},
	})
	requireKind(t, err, KindStaleBase)
}

func TestApproveBackfillsCategoryAndCreatesProfile(t *testing.T) {
	h := newHarness(t)
	submission := applicantSubmission("Aoife@Example.com")
	submission.SubscriptionDetails["membershipCategory"] = nil
	h.submit(t, "app-1", submission)

	result, err := h.service.Approve(context.Background(), ApprovalRequest{
		TenantID: testTenantID, ApplicationID: "app-1", ReviewerID: testReviewerID, CorrelationID: "corr-1",
	})
	require.NoError(t, err)
	assert.True(t, result.ProfileCreated)
	assert.Equal(t, "B000001", result.MembershipNumber)
	assert.Equal(t, applications.StatusApproved, result.Status)
	assert.Equal(t, "RN", lookup(t, result.Effective, "/subscriptionDetails/membershipCategory"))
	assert.Equal(t, "2025-05-12T09:15:00Z", lookup(t, result.Effective, "/subscriptionDetails/dateJoined"))

	profile, err := h.service.profiles.FindByEmail(context.Background(), testTenantID, "aoife@example.com")
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.Equal(t, result.ProfileID, profile.ProfileID)
	assert.Equal(t, "RN", profile.SubscriptionDetails["membershipCategory"])
	assert.Equal(t, "app-1", profile.LastApplicationID)
	assert.True(t, profile.Active)
	assert.Nil(t, profile.UserID)

	personal := h.personal(t, "app-1")
	assert.Equal(t, applications.StatusApproved, personal.ApplicationStatus)
	assert.Equal(t, testReviewerID, personal.ReviewedBy)

	var subscription applications.SubscriptionDetails
	require.NoError(t, h.db.Where("application_id = ?", "app-1").Take(&subscription).Error)
	assert.Equal(t, "RN", subscription.SubscriptionDetails["membershipCategory"])
	assert.Equal(t, "2025-05-12T09:15:00Z", subscription.SubscriptionDetails["dateJoined"])

	assert.Equal(t, []string{
		events.TypeApplicationApproved,
		events.TypeMemberCreateRequested,
		events.TypeSubscriptionUpsertRequested,
	}, h.transport.sent())
	assert.Equal(t, 3, result.EventsDelivered)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Decisions.WithLabelValues(decisionApprove, decisionOutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.EventsPublished.WithLabelValues(events.TypeApplicationApproved, "true")))
}

func TestApproveWithOverlayAppliesAndClosesIt(t *testing.T) {
	h := newHarness(t)
	h.submit(t, "app-1", applicantSubmission("aoife@example.com"))
	ctx := context.Background()

	draft, err := h.service.SaveDraftPatch(ctx, PatchDraftRequest{
		TenantID: testTenantID, ApplicationID: "app-1", ReviewerID: testReviewerID,
		Patch: patch.Patch{patch.Replace("/personalInfo/surname", "Jones")},
	})
	require.NoError(t, err)

	result, err := h.service.Approve(ctx, ApprovalRequest{
		TenantID: testTenantID, ApplicationID: "app-1", ReviewerID: testReviewerID,
		OverlayID: draft.OverlayID, OverlayVersion: int64Ptr(draft.OverlayVersion),
	})
	require.NoError(t, err)
	assert.Equal(t, "Jones", lookup(t, result.Effective, "/personalInfo/surname"))

	history, err := h.service.OverlayHistory(ctx, testTenantID, "app-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, overlays.StatusDecided, history[0].Status)
	assert.Equal(t, overlays.DecisionApproved, history[0].Decision)
	assert.Equal(t, int64(1), history[0].Version)
	require.NotNil(t, history[0].DecidedAt)

	open, err := h.service.FindOpenOverlay(ctx, testTenantID, "app-1")
	require.NoError(t, err)
	assert.Nil(t, open)

	loaded, err := h.service.LoadSubmission(ctx, testTenantID, "app-1")
	require.NoError(t, err)
	assert.Equal(t, "Jones", loaded.Submission.PersonalInfo["surname"])
}

func TestApproveWithStaleOverlayVersionWritesNothing(t *testing.T) {
	h := newHarness(t)
	h.submit(t, "app-1", applicantSubmission("aoife@example.com"))
	ctx := context.Background()

	var overlayID string
	for _, surname := range []string{"Smith", "Jones", "Walsh"} {
		draft, err := h.service.SaveDraftPatch(ctx, PatchDraftRequest{
			TenantID: testTenantID, ApplicationID: "app-1", ReviewerID: testReviewerID,
			Patch: patch.Patch{patch.Replace("/personalInfo/surname", surname)},
		})
		require.NoError(t, err)
		overlayID = draft.OverlayID
	}

	_, err := h.service.Approve(ctx, ApprovalRequest{
		TenantID: testTenantID, ApplicationID: "app-1", ReviewerID: testReviewerID,
		OverlayID: overlayID, OverlayVersion: int64Ptr(1),
	})
	serviceErr := requireKind(t, err, KindVersionConflict)
	assert.Equal(t, int64(2), *serviceErr.Details().CurrentVersion)

	assert.Equal(t, int64(0), h.count(t, &profiles.Profile{}, ""))
	assert.Equal(t, int64(0), h.count(t, &membership.Sequence{}, ""))
	assert.Equal(t, applications.StatusSubmitted, h.personal(t, "app-1").ApplicationStatus)
	open, err := h.service.FindOpenOverlay(ctx, testTenantID, "app-1")
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, int64(2), open.Version)
	assert.Empty(t, h.transport.sent())
}

func TestApproveWithoutOverlayReferenceConflictsWithOpenDraft(t *testing.T) {
	h := newHarness(t)
	h.submit(t, "app-1", applicantSubmission("aoife@example.com"))
	ctx := context.Background()

	draft, err := h.service.SaveDraftPatch(ctx, PatchDraftRequest{
		TenantID: testTenantID, ApplicationID: "app-1", ReviewerID: testReviewerID,
		Patch: patch.Patch{patch.Replace("/personalInfo/surname", "Jones")},
	})
	require.NoError(t, err)

	for _, request := range []ApprovalRequest{
		{TenantID: testTenantID, ApplicationID: "app-1", ReviewerID: testReviewerID},
		{TenantID: testTenantID, ApplicationID: "app-1", ReviewerID: testReviewerID, Patch: patch.Patch{patch.Replace("/personalInfo/surname", "Walsh")}},
	} {
		_, err = h.service.Approve(ctx, request)
		serviceErr := requireKind(t, err, KindVersionConflict)
		assert.Equal(t, "review.approve.open_overlay_unreferenced", serviceErr.Code())
		require.NotNil(t, serviceErr.Details().CurrentVersion)
		assert.Equal(t, draft.OverlayVersion, *serviceErr.Details().CurrentVersion)
	}

	assert.Equal(t, int64(0), h.count(t, &profiles.Profile{}, ""))
	assert.Equal(t, applications.StatusSubmitted, h.personal(t, "app-1").ApplicationStatus)
	open, err := h.service.FindOpenOverlay(ctx, testTenantID, "app-1")
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, draft.OverlayID, open.OverlayID)
	assert.Empty(t, h.transport.sent())

	_, err = h.service.Approve(ctx, ApprovalRequest{
		TenantID: testTenantID, ApplicationID: "app-1", ReviewerID: testReviewerID,
		OverlayID: draft.OverlayID, OverlayVersion: int64Ptr(draft.OverlayVersion),
	})
	require.NoError(t, err)
	open, err = h.service.FindOpenOverlay(ctx, testTenantID, "app-1")
	require.NoError(t, err)
	assert.Nil(t, open)
}

func TestApproveRollsBackWhenOverlayCloseFails(t *testing.T) {
	h := newHarness(t)
	h.submit(t, "app-1", applicantSubmission("aoife@example.com"))
	ctx := context.Background()

	draft, err := h.service.SaveDraftPatch(ctx, PatchDraftRequest{
		TenantID: testTenantID, ApplicationID: "app-1", ReviewerID: testReviewerID,
		Patch: patch.Patch{patch.Replace("/personalInfo/surname", "Jones")},
	})
	require.NoError(t, err)

	require.NoError(t, h.db.Callback().Update().Before("gorm:update").Register("test:fail_overlay_close", func(tx *gorm.DB) {
		if tx.Statement.Table == "review_overlays" {
			_ = tx.AddError(assert.AnError)
		}
	}))

	_, err = h.service.Approve(ctx, ApprovalRequest{
		TenantID: testTenantID, ApplicationID: "app-1", ReviewerID: testReviewerID, OverlayID: draft.OverlayID,
	})
	serviceErr := requireKind(t, err, KindInternal)
	assert.Equal(t, "review.approve.overlay_close_failed", serviceErr.Code())

	assert.Equal(t, int64(0), h.count(t, &profiles.Profile{}, ""))
	assert.Equal(t, int64(0), h.count(t, &membership.Sequence{}, ""))
	personal := h.personal(t, "app-1")
	assert.Equal(t, applications.StatusSubmitted, personal.ApplicationStatus)
	assert.Equal(t, "Byrne", personal.PersonalInfo["surname"])
	var subscription applications.SubscriptionDetails
	require.NoError(t, h.db.Where("application_id = ?", "app-1").Take(&subscription).Error)
	_, hasDateJoined := subscription.SubscriptionDetails["dateJoined"]
	assert.False(t, hasDateJoined)

	var overlay overlays.Overlay
	require.NoError(t, h.db.Where("overlay_id = ?", draft.OverlayID).Take(&overlay).Error)
	assert.True(t, overlay.IsOpen())
	assert.Equal(t, int64(0), overlay.Version)
	assert.Empty(t, h.transport.sent())
	assert.Equal(t, 1, h.logs.FilterMessage("review service error").Len())
}

func TestApproveRequiresEmail(t *testing.T) {
	h := newHarness(t)
	submission := applicantSubmission("")
	submission.ContactInfo = applications.Section{"mobileNumber": "0871234567"}
	h.submit(t, "app-1", submission)

	_, err := h.service.Approve(context.Background(), ApprovalRequest{
		TenantID: testTenantID, ApplicationID: "app-1", ReviewerID: testReviewerID,
	})
	serviceErr := requireKind(t, err, KindMissingEmail)
	assert.Equal(t, "review.approve.missing_email", serviceErr.Code())
	assert.Equal(t, int64(0), h.count(t, &profiles.Profile{}, ""))
	assert.Equal(t, applications.StatusSubmitted, h.personal(t, "app-1").ApplicationStatus)
}

func TestApproveStaleSubmission(t *testing.T) {
	h := newHarness(t)
	h.submit(t, "app-1", applicantSubmission("aoife@example.com"))

	_, err := h.service.Approve(context.Background(), ApprovalRequest{
		TenantID: testTenantID, ApplicationID: "app-1", ReviewerID: testReviewerID,
		Patch: patch.Patch{patch.Replace("/personalInfo/title", "Dr")},
	})
	serviceErr := requireKind(t, err, KindStaleBase)
	assert.Equal(t, "review.approve.stale_submission", serviceErr.Code())
	assert.Equal(t, []string{"/personalInfo/title"}, serviceErr.Details().Paths)
	assert.Equal(t, int64(0), h.count(t, &profiles.Profile{}, ""))
}

func TestApproveValidatesRequest(t *testing.T) {
	h := newHarness(t)
	h.submit(t, "app-1", applicantSubmission("aoife@example.com"))
	h.submit(t, "app-2", applicantSubmission("other@example.com"))
	ctx := context.Background()

	draft, err := h.service.SaveDraftPatch(ctx, PatchDraftRequest{
		TenantID: testTenantID, ApplicationID: "app-2", ReviewerID: testReviewerID,
		Patch: patch.Patch{patch.Replace("/personalInfo/surname", "Jones")},
	})
	require.NoError(t, err)

	cases := []struct {
		name    string
		request ApprovalRequest
		kind    Kind
		code    string
	}{
		{
			name:    "overlay and patch",
			request: ApprovalRequest{OverlayID: draft.OverlayID, Patch: patch.Patch{}},
			kind:    KindValidation,
			code:    "review.approve.overlay_and_patch",
		},
		{
			name:    "unknown overlay",
			request: ApprovalRequest{OverlayID: "missing"},
			kind:    KindValidation,
			code:    "review.approve.overlay_not_found",
		},
		{
			name:    "overlay of another application",
			request: ApprovalRequest{OverlayID: draft.OverlayID},
			kind:    KindValidation,
			code:    "review.approve.overlay_mismatch",
		},
		{
			name:    "out of scope patch",
			request: ApprovalRequest{Patch: patch.Patch{patch.Add("/membershipNumber", "X")}},
			kind:    KindValidation,
			code:    "review.approve.out_of_scope",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			request := tc.request
			request.TenantID = testTenantID
			request.ApplicationID = "app-1"
			request.ReviewerID = testReviewerID
			_, err := h.service.Approve(ctx, request)
			serviceErr := requireKind(t, err, tc.kind)
			assert.Equal(t, tc.code, serviceErr.Code())
		})
	}

	_, err = h.service.Approve(ctx, ApprovalRequest{TenantID: "tenant-2", ApplicationID: "app-1", ReviewerID: testReviewerID})
	serviceErr := requireKind(t, err, KindValidation)
	assert.Equal(t, "review.approve.application_not_found", serviceErr.Code())
}

func TestApproveMergesIntoExistingProfile(t *testing.T) {
	h := newHarness(t)
	first := applicantSubmission("aoife@example.com")
	first.PersonalInfo["dateOfBirth"] = "1990-01-01"
	h.submit(t, "app-1", first)
	second := applicantSubmission("AOIFE@example.com")
	second.ProfessionalDetails["grade"] = "clinical nurse manager"
	h.submit(t, "app-2", second)
	ctx := context.Background()

	created, err := h.service.Approve(ctx, ApprovalRequest{TenantID: testTenantID, ApplicationID: "app-1", ReviewerID: testReviewerID})
	require.NoError(t, err)
	merged, err := h.service.Approve(ctx, ApprovalRequest{TenantID: testTenantID, ApplicationID: "app-2", ReviewerID: testReviewerID})
	require.NoError(t, err)

	assert.False(t, merged.ProfileCreated)
	assert.Equal(t, created.ProfileID, merged.ProfileID)
	assert.Equal(t, created.MembershipNumber, merged.MembershipNumber)
	assert.Equal(t, int64(1), h.count(t, &profiles.Profile{}, ""))

	profile, err := h.service.profiles.FindByID(ctx, testTenantID, created.ProfileID)
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.Equal(t, "1990-01-01", profile.PersonalInfo["dateOfBirth"], "merge must keep fields absent from the new application")
	assert.Equal(t, "clinical nurse manager", profile.ProfessionalDetails["grade"])
	assert.Equal(t, "app-2", profile.LastApplicationID)
}

func TestApproveLinksRegisteredPortalUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.service.Submit(ctx, SubmitRequest{
		TenantID:      testTenantID,
		ApplicationID: "app-1",
		Submission:    applicantSubmission("aoife@example.com"),
		PortalUserID:  "portal-user-1",
	}))

	result, err := h.service.Approve(ctx, ApprovalRequest{TenantID: testTenantID, ApplicationID: "app-1", ReviewerID: testReviewerID})
	require.NoError(t, err)

	profile, err := h.service.profiles.FindByID(ctx, testTenantID, result.ProfileID)
	require.NoError(t, err)
	require.NotNil(t, profile)
	require.NotNil(t, profile.UserID)
	assert.Equal(t, "portal-user-1", *profile.UserID)
}

func TestApproveSucceedsWhenEventsFail(t *testing.T) {
	h := newHarness(t)
	h.transport.err = assert.AnError
	h.submit(t, "app-1", applicantSubmission("aoife@example.com"))

	result, err := h.service.Approve(context.Background(), ApprovalRequest{TenantID: testTenantID, ApplicationID: "app-1", ReviewerID: testReviewerID})
	require.NoError(t, err)
	assert.Equal(t, 0, result.EventsDelivered)
	assert.Len(t, h.transport.sent(), 3)
	assert.Equal(t, 3, h.logs.FilterMessage("event publish failed").Len())
	assert.Equal(t, applications.StatusApproved, h.personal(t, "app-1").ApplicationStatus)
	assert.Equal(t, int64(1), h.count(t, &profiles.Profile{}, ""))
}

func TestConcurrentApprovalsAllocateDistinctNumbers(t *testing.T) {
	h := newHarness(t)
	applicationIDs := []string{"app-1", "app-2", "app-3", "app-4"}
	for _, applicationID := range applicationIDs {
		h.submit(t, applicationID, applicantSubmission(applicationID+"@example.com"))
	}

	results := make([]ApprovalResult, len(applicationIDs))
	errs := make([]error, len(applicationIDs))
	var wg sync.WaitGroup
	for index, applicationID := range applicationIDs {
		wg.Add(1)
		go func(index int, applicationID string) {
			defer wg.Done()
			results[index], errs[index] = h.service.Approve(context.Background(), ApprovalRequest{
				TenantID: testTenantID, ApplicationID: applicationID, ReviewerID: testReviewerID,
			})
		}(index, applicationID)
	}
	wg.Wait()

	numbers := map[string]struct{}{}
	for index := range applicationIDs {
		require.NoError(t, errs[index])
		numbers[results[index].MembershipNumber] = struct{}{}
	}
	assert.Len(t, numbers, len(applicationIDs))
	assert.Equal(t, int64(len(applicationIDs)), h.count(t, &profiles.Profile{}, ""))
}

func TestRejectClosesOverlayWithoutTouchingProfiles(t *testing.T) {
	h := newHarness(t)
	h.submit(t, "app-1", applicantSubmission("aoife@example.com"))
	ctx := context.Background()

	draft, err := h.service.SaveDraftPatch(ctx, PatchDraftRequest{
		TenantID: testTenantID, ApplicationID: "app-1", ReviewerID: testReviewerID,
		Patch: patch.Patch{patch.Replace("/personalInfo/surname", "Jones")},
	})
	require.NoError(t, err)

	_, err = h.service.Reject(ctx, RejectionRequest{
		TenantID: testTenantID, ApplicationID: "app-1", ReviewerID: testReviewerID,
		Reason: "duplicate", OverlayVersion: int64Ptr(3),
	})
	requireKind(t, err, KindVersionConflict)

	result, err := h.service.Reject(ctx, RejectionRequest{
		TenantID: testTenantID, ApplicationID: "app-1", ReviewerID: testReviewerID,
		Reason: " duplicate application ", OverlayVersion: int64Ptr(0),
	})
	require.NoError(t, err)
	assert.Equal(t, draft.OverlayID, result.OverlayID)
	assert.Equal(t, applications.StatusRejected, result.Status)
	assert.True(t, result.EventDelivered)

	personal := h.personal(t, "app-1")
	assert.Equal(t, applications.StatusRejected, personal.ApplicationStatus)
	assert.Equal(t, "duplicate application", personal.RejectionReason)
	assert.Equal(t, "Byrne", personal.PersonalInfo["surname"])

	history, err := h.service.OverlayHistory(ctx, testTenantID, "app-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, overlays.DecisionRejected, history[0].Decision)
	assert.Equal(t, "duplicate application", history[0].DecisionReason)

	assert.Equal(t, int64(0), h.count(t, &profiles.Profile{}, ""))
	assert.Equal(t, []string{events.TypeApplicationRejected}, h.transport.sent())
}

func TestRejectWithoutOverlay(t *testing.T) {
	h := newHarness(t)
	h.submit(t, "app-1", applicantSubmission("aoife@example.com"))

	result, err := h.service.Reject(context.Background(), RejectionRequest{
		TenantID: testTenantID, ApplicationID: "app-1", ReviewerID: testReviewerID, Reason: "incomplete",
	})
	require.NoError(t, err)
	assert.Empty(t, result.OverlayID)
	assert.Equal(t, applications.StatusRejected, h.personal(t, "app-1").ApplicationStatus)

	_, err = h.service.Reject(context.Background(), RejectionRequest{
		TenantID: testTenantID, ApplicationID: "missing", ReviewerID: testReviewerID,
	})
	serviceErr := requireKind(t, err, KindValidation)
	assert.Equal(t, "review.reject.application_not_found", serviceErr.Code())
}

func TestBulkApproveIsolatesFailures(t *testing.T) {
	h := newHarness(t)
	h.submit(t, "app-1", applicantSubmission("one@example.com"))
	noEmail := applicantSubmission("")
	noEmail.ContactInfo = applications.Section{}
	h.submit(t, "app-2", noEmail)
	h.submit(t, "app-3", applicantSubmission("three@example.com"))
	ctx := context.Background()

	_, err := h.service.SaveDraftPatch(ctx, PatchDraftRequest{
		TenantID: testTenantID, ApplicationID: "app-3", ReviewerID: testReviewerID,
		Patch: patch.Patch{patch.Replace("/personalInfo/surname", "Jones")},
	})
	require.NoError(t, err)

	result, err := h.service.BulkApprove(ctx, BulkApprovalRequest{
		TenantID: testTenantID, ReviewerID: testReviewerID,
		ApplicationIDs: []string{"app-1", "app-2", "app-3"},
	})
	require.NoError(t, err)
	require.Len(t, result.Items, 3)
	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Decisions.WithLabelValues(decisionApprove, string(KindMissingEmail))))

	assert.True(t, result.Items[0].Success)
	assert.False(t, result.Items[1].Success)
	require.NotNil(t, result.Items[1].Error)
	assert.Equal(t, KindMissingEmail, result.Items[1].Error.Kind)
	assert.Equal(t, "review.approve.missing_email", result.Items[1].Error.Code)
	assert.True(t, result.Items[2].Success)
	assert.NotEqual(t, result.Items[0].MembershipNumber, result.Items[2].MembershipNumber)

	assert.Equal(t, int64(2), h.count(t, &profiles.Profile{}, ""))
	assert.Equal(t, applications.StatusSubmitted, h.personal(t, "app-2").ApplicationStatus)
	assert.Equal(t, "Jones", h.personal(t, "app-3").PersonalInfo["surname"])
}

func TestBulkApproveRejectsInvalidBatches(t *testing.T) {
	h := newHarness(t, func(cfg *ServiceConfig) { cfg.BulkLimit = 2 })
	ctx := context.Background()

	_, err := h.service.BulkApprove(ctx, BulkApprovalRequest{TenantID: testTenantID, ReviewerID: testReviewerID})
	serviceErr := requireKind(t, err, KindValidation)
	assert.Equal(t, "review.bulk_approve.empty_batch", serviceErr.Code())

	_, err = h.service.BulkApprove(ctx, BulkApprovalRequest{
		TenantID: testTenantID, ReviewerID: testReviewerID,
		ApplicationIDs: []string{"a", "b", "c"},
	})
	serviceErr = requireKind(t, err, KindValidation)
	assert.Equal(t, "review.bulk_approve.batch_too_large", serviceErr.Code())
}

func TestLoadSubmissionHidesOtherTenants(t *testing.T) {
	h := newHarness(t)
	h.submit(t, "app-1", applicantSubmission("aoife@example.com"))

	view, err := h.service.LoadSubmission(context.Background(), "tenant-2", "app-1")
	require.NoError(t, err)
	assert.Empty(t, view.Submission.PersonalInfo)
	assert.Empty(t, view.Meta.TenantID)

	_, err = h.service.LoadSubmission(context.Background(), testTenantID, "")
	requireKind(t, err, KindValidation)
}

func TestResolveEmailPrecedence(t *testing.T) {
	cases := []struct {
		name     string
		contact  applications.Section
		expected string
		ok       bool
	}{
		{"preferred work", applications.Section{"preferredEmail": "work", "personalEmail": "p@x.ie", "workEmail": "w@x.ie"}, "w@x.ie", true},
		{"preferred personal", applications.Section{"preferredEmail": "Personal", "personalEmail": "p@x.ie", "workEmail": "w@x.ie"}, "p@x.ie", true},
		{"literal preferred", applications.Section{"preferredEmail": "direct@x.ie", "personalEmail": "p@x.ie"}, "direct@x.ie", true},
		{"selected address missing", applications.Section{"preferredEmail": "work", "personalEmail": "p@x.ie"}, "p@x.ie", true},
		{"work only", applications.Section{"workEmail": " w@x.ie "}, "w@x.ie", true},
		{"none", applications.Section{"preferredEmail": "personal"}, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			email, ok := resolveEmail(tc.contact)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.expected, email)
		})
	}
}

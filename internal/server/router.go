package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/memberreview/internal/applications"
	"github.com/MarcoPoloResearchLab/memberreview/internal/auth"
	"github.com/MarcoPoloResearchLab/memberreview/internal/events"
	"github.com/MarcoPoloResearchLab/memberreview/internal/ids"
	"github.com/MarcoPoloResearchLab/memberreview/internal/patch"
	"github.com/MarcoPoloResearchLab/memberreview/internal/review"
	"github.com/MarcoPoloResearchLab/memberreview/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	reviewerIDContextKey    = "memberreview_reviewer_id"
	tenantIDContextKey      = "memberreview_tenant_id"
	correlationIDContextKey = "memberreview_correlation_id"

	correlationIDHeader = "X-Correlation-ID"
	applicationIDParam  = "applicationId"

	codeInvalidBody       = "request.invalid_body"
	codeInvalidPatch      = "request.invalid_patch"
	codeUnauthorized      = "request.unauthorized"
	codeIdentityFailed    = "request.identity_failed"
	errorKindUnauthorized = "unauthorized"
)

var (
	errMissingReviewService    = errors.New("review service dependency required")
	errMissingSessionValidator = errors.New("session validator dependency required")
	errInvalidAuthorization    = errors.New("authorization header or session cookie missing or invalid")
)

// SessionValidator authenticates reviewer requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// Dependencies are the collaborators of the HTTP handler. Realtime is optional; when it is nil
// the event stream route is not registered.
type Dependencies struct {
	ReviewService    *review.Service
	SessionValidator SessionValidator
	Directory        *users.Directory
	Logger           *zap.Logger
	Gatherer         prometheus.Gatherer
	AllowedOrigins   []string
	IDProvider       ids.Provider
	Realtime         *events.MemoryTransport

	// HeartbeatInterval paces keep-alive events on the realtime stream.
	HeartbeatInterval time.Duration
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.ReviewService == nil {
		return nil, errMissingReviewService
	}
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	directory := deps.Directory
	if directory == nil {
		directory = deps.ReviewService.Directory()
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	idProvider := deps.IDProvider
	if idProvider == nil {
		idProvider = ids.NewUUIDProvider()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		reviews:    deps.ReviewService,
		sessions:   deps.SessionValidator,
		directory:  directory,
		logger:     logger,
		idProvider: idProvider,
		realtime:   deps.Realtime,
		heartbeat:  heartbeat,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	protected := router.Group("/")
	protected.Use(handler.assignCorrelationID, handler.authorizeRequest)
	protected.POST("/applications/bulk-approve", handler.handleBulkApprove)
	protected.POST("/applications/:applicationId", handler.handleSubmit)
	protected.GET("/applications/:applicationId/submission", handler.handleLoadSubmission)
	protected.GET("/applications/:applicationId/overlay", handler.handleFindOverlay)
	protected.GET("/applications/:applicationId/overlays", handler.handleOverlayHistory)
	protected.PUT("/applications/:applicationId/overlay", handler.handleSaveDraft)
	protected.POST("/applications/:applicationId/overlay/patch", handler.handleSaveDraftPatch)
	protected.POST("/applications/:applicationId/effective", handler.handlePreviewEffective)
	protected.POST("/applications/:applicationId/approve", handler.handleApprove)
	protected.POST("/applications/:applicationId/reject", handler.handleReject)
	if deps.Realtime != nil {
		protected.GET("/events/stream", handler.handleEventStream)
	}

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders:  []string{"Authorization", "Content-Type", correlationIDHeader},
		ExposeHeaders: []string{correlationIDHeader},
		MaxAge:        12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

type httpHandler struct {
	reviews    *review.Service
	sessions   SessionValidator
	directory  *users.Directory
	logger     *zap.Logger
	idProvider ids.Provider
	realtime   *events.MemoryTransport
	heartbeat  time.Duration
}

type errorResponsePayload struct {
	Error   string          `json:"error"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Details *review.Details `json:"details,omitempty"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type submitRequestPayload struct {
	Submission   applications.Submission `json:"submission"`
	PortalUserID string                  `json:"portalUserId"`
}

func (h *httpHandler) handleSubmit(c *gin.Context) {
	var request submitRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondInvalidBody(c, err)
		return
	}
	tenantID := c.GetString(tenantIDContextKey)
	applicationID := c.Param(applicationIDParam)
	err := h.reviews.Submit(c.Request.Context(), review.SubmitRequest{
		TenantID:      tenantID,
		ApplicationID: applicationID,
		Submission:    request.Submission,
		PortalUserID:  request.PortalUserID,
	})
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	view, err := h.reviews.LoadSubmission(c.Request.Context(), tenantID, applicationID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

func (h *httpHandler) handleLoadSubmission(c *gin.Context) {
	view, err := h.reviews.LoadSubmission(c.Request.Context(), c.GetString(tenantIDContextKey), c.Param(applicationIDParam))
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *httpHandler) handleFindOverlay(c *gin.Context) {
	overlay, err := h.reviews.FindOpenOverlay(c.Request.Context(), c.GetString(tenantIDContextKey), c.Param(applicationIDParam))
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"overlay": overlay})
}

func (h *httpHandler) handleOverlayHistory(c *gin.Context) {
	history, err := h.reviews.OverlayHistory(c.Request.Context(), c.GetString(tenantIDContextKey), c.Param(applicationIDParam))
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"overlays": history})
}

type draftRequestPayload struct {
	Base            patch.Document `json:"base"`
	Edited          patch.Document `json:"edited"`
	Notes           string         `json:"notes"`
	ExpectedVersion *int64         `json:"expectedVersion"`
}

func (h *httpHandler) handleSaveDraft(c *gin.Context) {
	var request draftRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondInvalidBody(c, err)
		return
	}
	result, err := h.reviews.SaveDraft(c.Request.Context(), review.DraftRequest{
		TenantID:        c.GetString(tenantIDContextKey),
		ApplicationID:   c.Param(applicationIDParam),
		ReviewerID:      c.GetString(reviewerIDContextKey),
		ClientBase:      request.Base,
		Edited:          request.Edited,
		Notes:           request.Notes,
		ExpectedVersion: request.ExpectedVersion,
	})
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type patchDraftRequestPayload struct {
	Patch           json.RawMessage `json:"patch"`
	Notes           string          `json:"notes"`
	ExpectedVersion *int64          `json:"expectedVersion"`
}

func (h *httpHandler) handleSaveDraftPatch(c *gin.Context) {
	var request patchDraftRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondInvalidBody(c, err)
		return
	}
	proposed, ok := decodePatch(c, request.Patch)
	if !ok {
		return
	}
	result, err := h.reviews.SaveDraftPatch(c.Request.Context(), review.PatchDraftRequest{
		TenantID:        c.GetString(tenantIDContextKey),
		ApplicationID:   c.Param(applicationIDParam),
		ReviewerID:      c.GetString(reviewerIDContextKey),
		Patch:           proposed,
		Notes:           request.Notes,
		ExpectedVersion: request.ExpectedVersion,
	})
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type effectiveRequestPayload struct {
	Patch json.RawMessage `json:"patch"`
}

func (h *httpHandler) handlePreviewEffective(c *gin.Context) {
	var request effectiveRequestPayload
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			respondInvalidBody(c, err)
			return
		}
	}
	preview, ok := decodePatch(c, request.Patch)
	if !ok {
		return
	}
	result, err := h.reviews.PreviewEffective(c.Request.Context(), review.EffectiveRequest{
		TenantID:      c.GetString(tenantIDContextKey),
		ApplicationID: c.Param(applicationIDParam),
		Patch:         preview,
	})
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type approveRequestPayload struct {
	OverlayID      string          `json:"overlayId"`
	OverlayVersion *int64          `json:"overlayVersion"`
	Patch          json.RawMessage `json:"patch"`
}

func (h *httpHandler) handleApprove(c *gin.Context) {
	var request approveRequestPayload
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			respondInvalidBody(c, err)
			return
		}
	}
	approvalPatch, ok := decodePatch(c, request.Patch)
	if !ok {
		return
	}
	result, err := h.reviews.Approve(c.Request.Context(), review.ApprovalRequest{
		TenantID:       c.GetString(tenantIDContextKey),
		ApplicationID:  c.Param(applicationIDParam),
		ReviewerID:     c.GetString(reviewerIDContextKey),
		OverlayID:      request.OverlayID,
		OverlayVersion: request.OverlayVersion,
		Patch:          approvalPatch,
		CorrelationID:  c.GetString(correlationIDContextKey),
	})
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type rejectRequestPayload struct {
	Reason         string `json:"reason"`
	OverlayVersion *int64 `json:"overlayVersion"`
}

func (h *httpHandler) handleReject(c *gin.Context) {
	var request rejectRequestPayload
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			respondInvalidBody(c, err)
			return
		}
	}
	result, err := h.reviews.Reject(c.Request.Context(), review.RejectionRequest{
		TenantID:       c.GetString(tenantIDContextKey),
		ApplicationID:  c.Param(applicationIDParam),
		ReviewerID:     c.GetString(reviewerIDContextKey),
		Reason:         request.Reason,
		OverlayVersion: request.OverlayVersion,
		CorrelationID:  c.GetString(correlationIDContextKey),
	})
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type bulkApproveRequestPayload struct {
	ApplicationIDs []string `json:"applicationIds"`
}

func (h *httpHandler) handleBulkApprove(c *gin.Context) {
	var request bulkApproveRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondInvalidBody(c, err)
		return
	}
	result, err := h.reviews.BulkApprove(c.Request.Context(), review.BulkApprovalRequest{
		TenantID:       c.GetString(tenantIDContextKey),
		ReviewerID:     c.GetString(reviewerIDContextKey),
		ApplicationIDs: request.ApplicationIDs,
		CorrelationID:  c.GetString(correlationIDContextKey),
	})
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) assignCorrelationID(c *gin.Context) {
	correlationID := strings.TrimSpace(c.GetHeader(correlationIDHeader))
	if correlationID == "" {
		generated, err := h.idProvider.NewID()
		if err != nil {
			h.logger.Error("failed to generate correlation id", zap.Error(err))
		}
		correlationID = generated
	}
	c.Set(correlationIDContextKey, correlationID)
	c.Header(correlationIDHeader, correlationID)
	c.Next()
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		fields := []zap.Field{zap.Error(err), zap.String("path", c.Request.URL.Path)}
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("token validation failed", fields...)
		} else {
			h.logger.Warn("token validation failed", fields...)
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponsePayload{
			Error:   errorKindUnauthorized,
			Code:    codeUnauthorized,
			Message: errInvalidAuthorization.Error(),
		})
		return
	}
	reviewerID, err := h.directory.ResolveCanonicalUserID(claims)
	if err != nil {
		if errors.Is(err, users.ErrInvalidIdentity) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponsePayload{
				Error:   errorKindUnauthorized,
				Code:    codeUnauthorized,
				Message: err.Error(),
			})
			return
		}
		h.logger.Error("failed to resolve reviewer identity", zap.Error(err), zap.String("tenant_id", claims.TenantID))
		c.AbortWithStatusJSON(http.StatusInternalServerError, errorResponsePayload{
			Error:   string(review.KindInternal),
			Code:    codeIdentityFailed,
			Message: "reviewer identity could not be resolved",
		})
		return
	}
	c.Set(reviewerIDContextKey, reviewerID)
	c.Set(tenantIDContextKey, claims.TenantID)
	c.Next()
}

// decodePatch validates a raw JSON Patch document and writes a 400 response when it is malformed.
// An absent or null patch decodes to nil.
func decodePatch(c *gin.Context, raw json.RawMessage) (patch.Patch, bool) {
	if trimmed := strings.TrimSpace(string(raw)); trimmed == "" || trimmed == "null" {
		return nil, true
	}
	decoded, err := patch.Decode(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponsePayload{
			Error:   string(review.KindValidation),
			Code:    codeInvalidPatch,
			Message: err.Error(),
		})
		return nil, false
	}
	return decoded, true
}

func respondInvalidBody(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, errorResponsePayload{
		Error:   string(review.KindValidation),
		Code:    codeInvalidBody,
		Message: err.Error(),
	})
}

func (h *httpHandler) respondServiceError(c *gin.Context, err error) {
	kind := review.KindOf(err)
	response := errorResponsePayload{
		Error:   string(kind),
		Code:    string(kind),
		Message: err.Error(),
	}
	var serviceErr *review.ServiceError
	if errors.As(err, &serviceErr) {
		response.Code = serviceErr.Code()
		if details := serviceErr.Details(); !details.IsZero() {
			response.Details = &details
		}
	}
	status := statusForKind(kind)
	if status == http.StatusInternalServerError {
		response.Message = "internal error"
		h.logger.Error("review request failed",
			zap.Error(err),
			zap.String("code", response.Code),
			zap.String("correlation_id", c.GetString(correlationIDContextKey)),
		)
	}
	c.JSON(status, response)
}

func statusForKind(kind review.Kind) int {
	switch kind {
	case review.KindValidation:
		return http.StatusBadRequest
	case review.KindMissingEmail:
		return http.StatusUnprocessableEntity
	case review.KindStaleBase, review.KindVersionConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

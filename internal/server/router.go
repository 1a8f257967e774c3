package server

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/twinsync/internal/audit"
	"github.com/MarcoPoloResearchLab/twinsync/internal/auth"
	"github.com/MarcoPoloResearchLab/twinsync/internal/drift"
	"github.com/MarcoPoloResearchLab/twinsync/internal/guardian"
	"github.com/MarcoPoloResearchLab/twinsync/internal/records"
	"github.com/MarcoPoloResearchLab/twinsync/internal/recovery"
	"github.com/MarcoPoloResearchLab/twinsync/internal/resolver"
	"github.com/MarcoPoloResearchLab/twinsync/internal/store"
	"github.com/MarcoPoloResearchLab/twinsync/internal/tracker"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	subjectContextKey = "twinsync_subject"

	statusOK    = "ok"
	statusError = "error"

	codeInvalidRequest = "invalid_request"
	codeUnauthorized   = "unauthorized"
	codeInternal       = "internal_error"

	defaultAuditLimit = 100
)

var (
	errMissingOperator  = errors.New("operator dependency required")
	errMissingValidator = errors.New("request validator dependency required")
)

// Operator is the command surface the HTTP layer drives.
type Operator interface {
	Start(ctx context.Context, collections []string, interval time.Duration) (guardian.Status, error)
	Stop(ctx context.Context) (guardian.Status, error)
	SyncNow(ctx context.Context, collections []string, direction string) (guardian.CycleResult, error)
	ForceFullSync(ctx context.Context, collections []string, direction string) (guardian.FullSyncResult, error)
	CheckHealth(ctx context.Context) guardian.Health
	DriftReport(ctx context.Context, collections []string) (drift.Report, error)
	Conflicts() guardian.ConflictView
	ResolveConflict(ctx context.Context, id, strategy string) (resolver.Conflict, error)
	AuditLog(limit int, kind string) []audit.Event
	AuditSummary(window time.Duration) audit.Summary
	Configure(interval *time.Duration, strategy *string) (guardian.Status, error)
	PendingChanges() []tracker.Change
	Status() guardian.Status
	FailedOperations() []recovery.FailedOperation
	RetryFailed(ctx context.Context) recovery.Report
}

// RequestValidator authenticates an operator request and returns its subject.
type RequestValidator interface {
	ValidateRequest(r *http.Request) (string, error)
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	Operator       Operator
	Validator      RequestValidator
	Events         *EventDispatcher
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler builds the operator API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Operator == nil {
		return nil, errMissingOperator
	}
	if deps.Validator == nil {
		return nil, errMissingValidator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	events := deps.Events
	if events == nil {
		events = NewEventDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		operator:       deps.Operator,
		validator:      deps.Validator,
		events:         events,
		allowedOrigins: deps.AllowedOrigins,
		logger:         logger,
	}

	router.GET("/healthz", handler.handleLiveness)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/monitoring/start", handler.handleStartMonitoring)
	protected.POST("/monitoring/stop", handler.handleStopMonitoring)
	protected.POST("/sync", handler.handleSyncNow)
	protected.POST("/sync/full", handler.handleForceFullSync)
	protected.GET("/health", handler.handleCheckHealth)
	protected.GET("/drift", handler.handleDriftReport)
	protected.GET("/conflicts", handler.handleConflicts)
	protected.POST("/conflicts/:id/resolve", handler.handleResolveConflict)
	protected.GET("/audit", handler.handleAuditLog)
	protected.GET("/audit/summary", handler.handleAuditSummary)
	protected.PUT("/config", handler.handleConfigure)
	protected.GET("/changes/pending", handler.handlePendingChanges)
	protected.GET("/status", handler.handleStatus)
	protected.GET("/recovery/failed", handler.handleFailedOperations)
	protected.POST("/recovery/retry", handler.handleRetryFailed)
	protected.GET("/events", handler.handleEventStream)

	return router, nil
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(origins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

type httpHandler struct {
	operator       Operator
	validator      RequestValidator
	events         *EventDispatcher
	allowedOrigins []string
	logger         *zap.Logger
}

type envelope struct {
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
	Code   string `json:"code,omitempty"`
}

func respond(c *gin.Context, data any) {
	c.JSON(http.StatusOK, envelope{Status: statusOK, Data: data})
}

func respondError(c *gin.Context, httpStatus int, code string, message string) {
	c.AbortWithStatusJSON(httpStatus, envelope{Status: statusError, Error: message, Code: code})
}

// respondServiceError maps operator errors onto HTTP statuses and codes.
func (h *httpHandler) respondServiceError(c *gin.Context, operation string, err error) {
	code := codeInternal
	var serviceErr *guardian.ServiceError
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	}
	httpStatus := http.StatusInternalServerError
	switch {
	case errors.Is(err, guardian.ErrInvalidDirection),
		errors.Is(err, guardian.ErrNoCollections),
		errors.Is(err, guardian.ErrInvalidInterval),
		errors.Is(err, resolver.ErrInvalidStrategy),
		errors.Is(err, records.ErrInvalidCollection):
		httpStatus = http.StatusBadRequest
	case errors.Is(err, resolver.ErrConflictNotFound):
		httpStatus = http.StatusNotFound
	case errors.Is(err, resolver.ErrResolutionInProgress),
		errors.Is(err, resolver.ErrAlreadyResolved):
		httpStatus = http.StatusConflict
	case errors.Is(err, store.ErrUnavailable), errors.Is(err, recovery.ErrRetryExhausted):
		httpStatus = http.StatusServiceUnavailable
	case errors.Is(err, guardian.ErrStopTimeout):
		httpStatus = http.StatusGatewayTimeout
	}
	if httpStatus >= http.StatusInternalServerError {
		h.logger.Error("operator command failed",
			zap.String("operation", operation),
			zap.String("code", code),
			zap.Error(err),
		)
	}
	respondError(c, httpStatus, code, err.Error())
}

// bindOptionalJSON decodes the body when present; an empty body leaves target untouched.
func bindOptionalJSON(c *gin.Context, target any) bool {
	if err := c.ShouldBindJSON(target); err != nil && !errors.Is(err, io.EOF) {
		respondError(c, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return false
	}
	return true
}

func (h *httpHandler) handleLiveness(c *gin.Context) {
	respond(c, gin.H{"monitoring": h.operator.Status().Monitoring})
}

type startRequestPayload struct {
	Collections     []string `json:"collections"`
	IntervalSeconds float64  `json:"interval_seconds"`
}

func (h *httpHandler) handleStartMonitoring(c *gin.Context) {
	var request startRequestPayload
	if !bindOptionalJSON(c, &request) {
		return
	}
	if request.IntervalSeconds < 0 {
		respondError(c, http.StatusBadRequest, codeInvalidRequest, guardian.ErrInvalidInterval.Error())
		return
	}
	status, err := h.operator.Start(c.Request.Context(), request.Collections, seconds(request.IntervalSeconds))
	if err != nil {
		h.respondServiceError(c, "start_monitoring", err)
		return
	}
	respond(c, status)
}

func (h *httpHandler) handleStopMonitoring(c *gin.Context) {
	status, err := h.operator.Stop(c.Request.Context())
	if err != nil {
		h.respondServiceError(c, "stop_monitoring", err)
		return
	}
	respond(c, status)
}

type syncRequestPayload struct {
	Collections []string `json:"collections"`
	Direction   string   `json:"direction"`
}

func (h *httpHandler) handleSyncNow(c *gin.Context) {
	var request syncRequestPayload
	if !bindOptionalJSON(c, &request) {
		return
	}
	result, err := h.operator.SyncNow(c.Request.Context(), request.Collections, request.Direction)
	if err != nil {
		h.respondServiceError(c, "sync_now", err)
		return
	}
	respond(c, result)
}

func (h *httpHandler) handleForceFullSync(c *gin.Context) {
	var request syncRequestPayload
	if !bindOptionalJSON(c, &request) {
		return
	}
	result, err := h.operator.ForceFullSync(c.Request.Context(), request.Collections, request.Direction)
	if err != nil {
		h.respondServiceError(c, "force_full_sync", err)
		return
	}
	respond(c, result)
}

func (h *httpHandler) handleCheckHealth(c *gin.Context) {
	respond(c, h.operator.CheckHealth(c.Request.Context()))
}

func (h *httpHandler) handleDriftReport(c *gin.Context) {
	report, err := h.operator.DriftReport(c.Request.Context(), splitList(c.QueryArray("collection")))
	if err != nil {
		h.respondServiceError(c, "get_drift_report", err)
		return
	}
	respond(c, report)
}

func (h *httpHandler) handleConflicts(c *gin.Context) {
	respond(c, h.operator.Conflicts())
}

type resolveRequestPayload struct {
	Strategy string `json:"strategy"`
}

func (h *httpHandler) handleResolveConflict(c *gin.Context) {
	var request resolveRequestPayload
	if !bindOptionalJSON(c, &request) {
		return
	}
	conflict, err := h.operator.ResolveConflict(c.Request.Context(), c.Param("id"), request.Strategy)
	if err != nil {
		h.respondServiceError(c, "resolve_conflict", err)
		return
	}
	respond(c, conflict)
}

func (h *httpHandler) handleAuditLog(c *gin.Context) {
	limit := defaultAuditLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			respondError(c, http.StatusBadRequest, codeInvalidRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}
	respond(c, gin.H{"events": h.operator.AuditLog(limit, c.Query("kind"))})
}

func (h *httpHandler) handleAuditSummary(c *gin.Context) {
	var window time.Duration
	if raw := c.Query("window_seconds"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil || parsed < 0 {
			respondError(c, http.StatusBadRequest, codeInvalidRequest, "window_seconds must be a non-negative number")
			return
		}
		window = seconds(parsed)
	}
	respond(c, h.operator.AuditSummary(window))
}

type configureRequestPayload struct {
	IntervalSeconds *float64 `json:"interval_seconds"`
	Strategy        *string  `json:"strategy"`
}

func (h *httpHandler) handleConfigure(c *gin.Context) {
	var request configureRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondError(c, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}
	var interval *time.Duration
	if request.IntervalSeconds != nil {
		value := seconds(*request.IntervalSeconds)
		interval = &value
	}
	status, err := h.operator.Configure(interval, request.Strategy)
	if err != nil {
		h.respondServiceError(c, "configure", err)
		return
	}
	respond(c, status)
}

func (h *httpHandler) handlePendingChanges(c *gin.Context) {
	respond(c, gin.H{"changes": h.operator.PendingChanges()})
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	respond(c, h.operator.Status())
}

func (h *httpHandler) handleFailedOperations(c *gin.Context) {
	respond(c, gin.H{"operations": h.operator.FailedOperations()})
}

func (h *httpHandler) handleRetryFailed(c *gin.Context) {
	respond(c, h.operator.RetryFailed(c.Request.Context()))
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	subject, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrMissingToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		respondError(c, http.StatusUnauthorized, codeUnauthorized, err.Error())
		return
	}
	c.Set(subjectContextKey, subject)
	c.Next()
}

// seconds converts a client-supplied number of seconds, saturating at the
// Duration range. NaN converts to zero.
func seconds(value float64) time.Duration {
	limit := float64(math.MaxInt64) / float64(time.Second)
	switch {
	case math.IsNaN(value):
		return 0
	case value >= limit:
		return time.Duration(math.MaxInt64)
	case value <= -limit:
		return time.Duration(math.MinInt64)
	}
	return time.Duration(value * float64(time.Second))
}

// splitList flattens repeated and comma-separated query values.
func splitList(values []string) []string {
	var collected []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				collected = append(collected, trimmed)
			}
		}
	}
	return collected
}

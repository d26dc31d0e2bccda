package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/harborlab/driftsync/internal/conflict"
	"github.com/harborlab/driftsync/internal/health"
	"github.com/harborlab/driftsync/internal/history"
	"github.com/harborlab/driftsync/internal/integrity"
	"github.com/harborlab/driftsync/internal/orchestrator"
	"github.com/harborlab/driftsync/internal/queue"
)

var (
	errMissingOrchestrator = errors.New("orchestrator dependency required")
	errMissingResolver     = errors.New("conflict resolver dependency required")
	errMissingConflicts    = errors.New("conflict store dependency required")
	errMissingQueue        = errors.New("queue dependency required")
	errMissingHistory      = errors.New("history store dependency required")
	errMissingHealth       = errors.New("health monitor dependency required")
	errMissingIntegrity    = errors.New("integrity validator dependency required")
)

type Dependencies struct {
	Orchestrator *orchestrator.Orchestrator
	Resolver     *conflict.Resolver
	Conflicts    *conflict.Store
	Queue        *queue.Queue
	History      *history.Store
	Health       *health.Monitor
	Integrity    *integrity.Validator
	Logger       *zap.Logger
}

// NewHTTPHandler wires the agent's local control API. The handler also tails
// the orchestrator's event dispatcher into a poll cursor for GET /events;
// call the returned stop function during shutdown.
func NewHTTPHandler(deps Dependencies) (http.Handler, func(), error) {
	if deps.Orchestrator == nil {
		return nil, nil, errMissingOrchestrator
	}
	if deps.Resolver == nil {
		return nil, nil, errMissingResolver
	}
	if deps.Conflicts == nil {
		return nil, nil, errMissingConflicts
	}
	if deps.Queue == nil {
		return nil, nil, errMissingQueue
	}
	if deps.History == nil {
		return nil, nil, errMissingHistory
	}
	if deps.Health == nil {
		return nil, nil, errMissingHealth
	}
	if deps.Integrity == nil {
		return nil, nil, errMissingIntegrity
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	events, stopEvents := newEventLog(deps.Orchestrator.Dispatcher())

	handler := &httpHandler{
		orchestrator: deps.Orchestrator,
		resolver:     deps.Resolver,
		conflicts:    deps.Conflicts,
		queue:        deps.Queue,
		history:      deps.History,
		health:       deps.Health,
		integrity:    deps.Integrity,
		events:       events,
		logger:       logger,
	}

	router.POST("/sync", handler.handleSync)
	router.GET("/status", handler.handleStatus)
	router.GET("/health", handler.handleHealth)
	router.GET("/events", handler.handleEvents)

	router.GET("/conflicts", handler.handleListConflicts)
	router.GET("/conflicts/:id/suggestions", handler.handleSuggestions)
	router.POST("/conflicts/:id/resolve", handler.handleResolve)
	router.POST("/conflicts/:id/ignore", handler.handleIgnore)
	router.POST("/conflicts/resolve-all", handler.handleResolveAll)

	router.GET("/queue/stats", handler.handleQueueStats)
	router.GET("/queue/pending", handler.handleQueuePending)
	router.GET("/queue/dead-letter", handler.handleDeadLetters)
	router.POST("/queue/dead-letter/:id/requeue", handler.handleRequeue)
	router.POST("/queue/dead-letter/clear", handler.handleClearDeadLetters)

	router.GET("/history", handler.handleHistory)
	router.POST("/integrity/scan", handler.handleIntegrityScan)
	router.POST("/pause", handler.handlePause)
	router.POST("/resume", handler.handleResume)

	return router, stopEvents, nil
}

type httpHandler struct {
	orchestrator *orchestrator.Orchestrator
	resolver     *conflict.Resolver
	conflicts    *conflict.Store
	queue        *queue.Queue
	history      *history.Store
	health       *health.Monitor
	integrity    *integrity.Validator
	events       *eventLog
	logger       *zap.Logger
}

type syncRequestPayload struct {
	Force bool `json:"force"`
}

func (h *httpHandler) handleSync(c *gin.Context) {
	var request syncRequestPayload
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}

	result, err := h.orchestrator.RunFullSync(c.Request.Context(), request.Force)
	switch {
	case errors.Is(err, orchestrator.ErrSyncInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": "sync_in_progress"})
		return
	case errors.Is(err, orchestrator.ErrPaused):
		c.JSON(http.StatusConflict, gin.H{"error": "paused"})
		return
	case err != nil:
		h.logger.Error("manual sync failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_failed"})
		return
	}
	c.JSON(http.StatusOK, result)
}

type statusResponsePayload struct {
	State         orchestrator.State `json:"state"`
	QueuePaused   bool               `json:"queue_paused"`
	LastSuccessAt *time.Time         `json:"last_success_at,omitempty"`
	LastRun       *history.Record    `json:"last_run,omitempty"`
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	response := statusResponsePayload{
		State:       h.orchestrator.State(),
		QueuePaused: h.queue.IsPaused(),
	}

	lastSuccess, ok, err := h.history.LastSuccess(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to read last success", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status_failed"})
		return
	}
	if ok {
		utc := lastSuccess.UTC()
		response.LastSuccessAt = &utc
	}

	runs, err := h.history.List(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to read run history", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status_failed"})
		return
	}
	if len(runs) > 0 {
		response.LastRun = &runs[0]
	}

	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	report, err := h.health.Check(c.Request.Context())
	if err != nil {
		h.logger.Error("health check failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "health_check_failed"})
		return
	}
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	after := int64(0)
	if raw := c.Query("after"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor"})
			return
		}
		after = parsed
	}
	entries, cursor := h.events.Since(after)
	c.JSON(http.StatusOK, gin.H{"events": entries, "cursor": cursor})
}

func (h *httpHandler) handleListConflicts(c *gin.Context) {
	status := conflict.Status(strings.TrimSpace(c.Query("status")))
	var (
		records []conflict.Record
		err     error
	)
	if status == "" {
		records, err = h.conflicts.Pending(c.Request.Context())
	} else {
		records, err = h.conflicts.List(c.Request.Context(), status)
	}
	if err != nil {
		h.logger.Error("failed to list conflicts", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "conflict_list_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": records})
}

func (h *httpHandler) handleSuggestions(c *gin.Context) {
	suggestions, err := h.resolver.Suggest(c.Request.Context(), c.Param("id"))
	if errors.Is(err, conflict.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "conflict_not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to build suggestions", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "suggestions_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"suggestions": suggestions})
}

type resolveRequestPayload struct {
	Strategy      string                        `json:"strategy"`
	CustomPayload string                        `json:"custom_payload,omitempty"`
	MergeRules    map[string]conflict.MergeRule `json:"merge_rules,omitempty"`
}

func (h *httpHandler) handleResolve(c *gin.Context) {
	var request resolveRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Strategy) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	applied, err := h.resolver.Resolve(c.Request.Context(), c.Param("id"),
		conflict.StrategyID(request.Strategy), conflict.Resolution{
			CustomPayloadJSON: request.CustomPayload,
			MergeRules:        request.MergeRules,
		})
	switch {
	case errors.Is(err, conflict.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "conflict_not_found"})
		return
	case errors.Is(err, conflict.ErrUnknownStrategy):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_strategy"})
		return
	case errors.Is(err, conflict.ErrCustomResolutionRequired):
		c.JSON(http.StatusBadRequest, gin.H{"error": "custom_payload_required"})
		return
	case err != nil:
		h.logger.Error("conflict resolution failed",
			zap.String("conflictID", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "resolve_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"payload": applied.PayloadJSON, "deleted": applied.Deleted})
}

func (h *httpHandler) handleIgnore(c *gin.Context) {
	err := h.resolver.Ignore(c.Request.Context(), c.Param("id"))
	if errors.Is(err, conflict.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "conflict_not_found"})
		return
	}
	if err != nil {
		h.logger.Error("conflict ignore failed",
			zap.String("conflictID", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ignore_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ignored": true})
}

type resolveAllRequestPayload struct {
	Strategy string `json:"strategy"`
}

func (h *httpHandler) handleResolveAll(c *gin.Context) {
	var request resolveAllRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Strategy) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	resolved, total, err := h.resolver.ResolveAll(c.Request.Context(), conflict.StrategyID(request.Strategy))
	if errors.Is(err, conflict.ErrUnknownStrategy) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_strategy"})
		return
	}
	if err != nil {
		h.logger.Error("bulk conflict resolution failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "resolve_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": resolved, "total": total})
}

func (h *httpHandler) handleQueueStats(c *gin.Context) {
	stats, err := h.queue.Stats(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to read queue stats", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "queue_stats_failed"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *httpHandler) handleQueuePending(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}

	var priority *queue.Priority
	if raw := strings.TrimSpace(c.Query("priority")); raw != "" {
		parsed, err := queue.ParsePriority(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_priority"})
			return
		}
		priority = &parsed
	}

	actions, err := h.queue.ListPending(c.Request.Context(), priority, limit)
	if err != nil {
		h.logger.Error("failed to list pending actions", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "queue_list_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"actions": actions})
}

func (h *httpHandler) handleDeadLetters(c *gin.Context) {
	dead, err := h.queue.DeadLetters(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list dead letters", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "dead_letter_list_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"dead_letters": dead})
}

func (h *httpHandler) handleRequeue(c *gin.Context) {
	err := h.queue.RequeueDeadLetter(c.Request.Context(), c.Param("id"))
	if errors.Is(err, queue.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "action_not_found"})
		return
	}
	if err != nil {
		h.logger.Error("dead letter requeue failed",
			zap.String("actionID", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "requeue_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"requeued": true})
}

func (h *httpHandler) handleClearDeadLetters(c *gin.Context) {
	cleared, err := h.queue.ClearDeadLetters(c.Request.Context())
	if err != nil {
		h.logger.Error("dead letter clear failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "clear_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": cleared})
}

func (h *httpHandler) handleHistory(c *gin.Context) {
	runs, err := h.history.List(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list run history", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (h *httpHandler) handleIntegrityScan(c *gin.Context) {
	report, err := h.integrity.Scan(c.Request.Context())
	if err != nil {
		h.logger.Error("integrity scan failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "scan_failed"})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *httpHandler) handlePause(c *gin.Context) {
	err := h.orchestrator.Pause()
	if errors.Is(err, orchestrator.ErrNotIdle) {
		c.JSON(http.StatusConflict, gin.H{"error": "sync_in_progress"})
		return
	}
	if err != nil {
		h.logger.Error("pause failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "pause_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": h.orchestrator.State()})
}

func (h *httpHandler) handleResume(c *gin.Context) {
	err := h.orchestrator.Resume()
	if errors.Is(err, orchestrator.ErrNotPaused) {
		c.JSON(http.StatusConflict, gin.H{"error": "not_paused"})
		return
	}
	if err != nil {
		h.logger.Error("resume failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "resume_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": h.orchestrator.State()})
}

package admin

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/searchbroker/searchbroker/internal/audit"
	"github.com/searchbroker/searchbroker/internal/broadcast"
	"github.com/searchbroker/searchbroker/internal/db"
	"github.com/searchbroker/searchbroker/internal/jobs"
	"github.com/searchbroker/searchbroker/internal/model"
	"github.com/searchbroker/searchbroker/internal/quota"
	"github.com/searchbroker/searchbroker/internal/registry"
)

// Handler serves the admin REST surface the dashboard consumes.
type Handler struct {
	db          db.Service
	registry    *registry.Registry
	tracker     *quota.Tracker
	audit       *audit.Log
	jobs        *jobs.Runner
	broadcaster *broadcast.Broadcaster
	logger      *slog.Logger
}

// NewHandler builds the admin handler.
func NewHandler(dbService db.Service, reg *registry.Registry, tracker *quota.Tracker, auditLog *audit.Log, runner *jobs.Runner, broadcaster *broadcast.Broadcaster, logger *slog.Logger) *Handler {
	return &Handler{
		db:          dbService,
		registry:    reg,
		tracker:     tracker,
		audit:       auditLog,
		jobs:        runner,
		broadcaster: broadcaster,
		logger:      logger.With("component", "admin"),
	}
}

func pagination(c *gin.Context) (page, limit int) {
	page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", "20"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	return page, limit
}

func notFoundOr500(c *gin.Context, err error) {
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// --- Keys ---

// KeysRequest is the batch add payload.
type KeysRequest struct {
	Keys []string `json:"keys"`
}

func (h *Handler) ListKeysHandler(c *gin.Context) {
	page, limit := pagination(c)
	status := model.KeyStatus(c.Query("status"))

	keys, total, err := h.registry.List(page, limit, status)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list keys"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys, "total": total, "page": page, "limit": limit})
}

func (h *Handler) AddKeysHandler(c *gin.Context) {
	var req KeysRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if len(req.Keys) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Keys list cannot be empty"})
		return
	}

	added, restored, err := h.registry.AddKeys(req.Keys)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to add keys"})
		return
	}
	h.broadcaster.Notify()
	c.JSON(http.StatusOK, gin.H{"added": added, "restored": restored})
}

func (h *Handler) keyTransitionHandler(transition func(string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		keyID := c.Param("id")
		if err := transition(keyID); err != nil {
			if errors.Is(err, registry.ErrInvalidTransition) {
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
				return
			}
			notFoundOr500(c, err)
			return
		}
		h.broadcaster.Notify()
		c.JSON(http.StatusOK, gin.H{"key_id": keyID})
	}
}

func (h *Handler) RevealKeySecretHandler(c *gin.Context) {
	secret, err := h.registry.RevealSecret(c.Param("id"))
	if err != nil {
		notFoundOr500(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"secret": secret})
}

func (h *Handler) SyncKeyHandler(c *gin.Context) {
	keyID := c.Param("id")
	jobID, err := h.jobs.Enqueue(model.JobQuotaSync, keyID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID})
}

// --- Tokens ---

// CreateTokensRequest mints one or more tokens.
type CreateTokensRequest struct {
	Count  int          `json:"count"`
	Note   string       `json:"note"`
	Group  string       `json:"group"`
	Limits quota.Limits `json:"limits"`
}

// UpdateTokenRequest edits a token; nil fields are left unchanged.
type UpdateTokenRequest struct {
	Note    *string       `json:"note"`
	Group   *string       `json:"group"`
	Limits  *quota.Limits `json:"limits"`
	Enabled *bool         `json:"enabled"`
}

func (h *Handler) ListTokensHandler(c *gin.Context) {
	page, limit := pagination(c)
	group := c.Query("group")
	ungrouped := c.Query("ungrouped") == "true"

	tokens, total, err := h.tracker.List(page, limit, group, ungrouped)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list tokens"})
		return
	}

	now := time.Now()
	views := make([]gin.H, len(tokens))
	for i, t := range tokens {
		views[i] = gin.H{"token": t, "quota_state": t.QuotaState(now)}
	}
	c.JSON(http.StatusOK, gin.H{"tokens": views, "total": total, "page": page, "limit": limit})
}

func (h *Handler) CreateTokensHandler(c *gin.Context) {
	var req CreateTokensRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if req.Count == 0 {
		req.Count = 1
	}

	tokens, err := h.tracker.CreateTokens(req.Count, req.Note, req.Group, req.Limits)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	// Secrets are returned once, at mint time only.
	out := make([]gin.H, len(tokens))
	for i, t := range tokens {
		out[i] = gin.H{"token_id": t.TokenID, "secret": t.Secret}
	}
	c.JSON(http.StatusCreated, gin.H{"tokens": out})
}

func (h *Handler) UpdateTokenHandler(c *gin.Context) {
	var req UpdateTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	tokenID := c.Param("id")
	if req.Enabled != nil {
		if err := h.tracker.SetEnabled(tokenID, *req.Enabled); err != nil {
			notFoundOr500(c, err)
			return
		}
	}
	token, err := h.tracker.UpdateToken(tokenID, req.Note, req.Group, req.Limits)
	if err != nil {
		notFoundOr500(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "quota_state": token.QuotaState(time.Now())})
}

func (h *Handler) DeleteTokenHandler(c *gin.Context) {
	if err := h.tracker.DeleteToken(c.Param("id")); err != nil {
		notFoundOr500(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token_id": c.Param("id")})
}

func (h *Handler) RotateTokenHandler(c *gin.Context) {
	token, err := h.tracker.RotateSecret(c.Param("id"))
	if err != nil {
		notFoundOr500(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token_id": token.TokenID, "secret": token.Secret})
}

func (h *Handler) RevealTokenSecretHandler(c *gin.Context) {
	secret, err := h.tracker.RevealSecret(c.Param("id"))
	if err != nil {
		notFoundOr500(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"secret": secret})
}

func (h *Handler) TokenUsageHandler(c *gin.Context) {
	to := time.Now()
	from := to.Add(-24 * time.Hour)
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from timestamp"})
			return
		}
		from = t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to timestamp"})
			return
		}
		to = t
	}

	usage, err := h.tracker.TokenUsage(c.Param("id"), from, to)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, usage)
}

// --- Logs ---

func (h *Handler) ListLogsHandler(c *gin.Context) {
	filter := db.RequestLogFilter{
		KeyID:   c.Query("key_id"),
		TokenID: c.Query("token_id"),
		Result:  model.RequestResult(c.Query("result")),
	}
	if v := c.Query("cursor"); v != "" {
		cursor, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cursor"})
			return
		}
		filter.Cursor = uint(cursor)
	}
	if v := c.Query("limit"); v != "" {
		filter.Limit, _ = strconv.Atoi(v)
	}
	if v := c.Query("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.From = t
		}
	}
	if v := c.Query("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.To = t
		}
	}

	page, err := h.audit.Query(filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to query logs"})
		return
	}
	c.JSON(http.StatusOK, page)
}

// --- Jobs ---

// EnqueueJobRequest triggers a background job on demand.
type EnqueueJobRequest struct {
	Type  model.JobType `json:"type"`
	KeyID string        `json:"key_id"`
}

func (h *Handler) ListJobsHandler(c *gin.Context) {
	page, limit := pagination(c)
	jobType := model.JobType(c.Query("type"))

	list, total, err := h.jobs.List(page, limit, jobType)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list jobs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": list, "total": total, "page": page, "limit": limit})
}

func (h *Handler) EnqueueJobHandler(c *gin.Context) {
	var req EnqueueJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	jobID, err := h.jobs.Enqueue(req.Type, req.KeyID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID})
}

func (h *Handler) GetJobHandler(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}
	job, err := h.jobs.Get(uint(id))
	if err != nil {
		notFoundOr500(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// --- Summary & events ---

func (h *Handler) SummaryHandler(c *gin.Context) {
	summary, err := h.db.Summary()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to build summary"})
		return
	}
	summary.AuditWriteFailures = h.audit.WriteFailures()
	c.JSON(http.StatusOK, summary)
}

// EventsHandler streams snapshots over SSE until the client goes away.
// Consumers that cannot hold the stream fall back to polling the endpoints
// above; nothing here is the source of truth.
func (h *Handler) EventsHandler(c *gin.Context) {
	ch, cancel := h.broadcaster.Subscribe()
	defer cancel()

	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Stream(func(w io.Writer) bool {
		select {
		case snapshot, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent("snapshot", snapshot)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

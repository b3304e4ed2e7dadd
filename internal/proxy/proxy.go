package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/searchbroker/searchbroker/internal/audit"
	"github.com/searchbroker/searchbroker/internal/auth"
	"github.com/searchbroker/searchbroker/internal/model"
	"github.com/searchbroker/searchbroker/internal/quota"
	"github.com/searchbroker/searchbroker/internal/registry"
	"github.com/searchbroker/searchbroker/internal/upstream"
)

const maxRequestBytes = 1 << 20

// Forwarder is the slice of the upstream client the proxy needs; tests swap
// in a fake.
type Forwarder interface {
	Do(ctx context.Context, method, path, query string, body []byte, secret string, forwarded map[string]string) (*upstream.Result, error)
}

// Notifier lets the proxy poke the realtime broadcaster without depending
// on it.
type Notifier interface {
	Notify()
}

// Handler drives the proxied request path: token quota check, LRU key
// selection, the upstream call with transparent retry on quota-exhausted
// keys, and the audit/bookkeeping fan-out.
type Handler struct {
	registry   *registry.Registry
	tracker    *quota.Tracker
	audit      *audit.Log
	upstream   Forwarder
	notifier   Notifier
	logger     *slog.Logger
	keyRetries int
}

// NewHandler wires the request path together.
func NewHandler(reg *registry.Registry, tracker *quota.Tracker, auditLog *audit.Log, fwd Forwarder, notifier Notifier, keyRetries int, logger *slog.Logger) *Handler {
	if keyRetries < 1 {
		keyRetries = 1
	}
	return &Handler{
		registry:   reg,
		tracker:    tracker,
		audit:      auditLog,
		upstream:   fwd,
		notifier:   notifier,
		logger:     logger.With("component", "proxy"),
		keyRetries: keyRetries,
	}
}

// Routes mounts the proxied search endpoints behind token auth.
func (h *Handler) Routes(router *gin.Engine, tokenAuth gin.HandlerFunc) {
	group := router.Group("/")
	group.Use(tokenAuth)
	group.POST("/search", h.Proxy)
	group.POST("/extract", h.Proxy)
	group.POST("/crawl", h.Proxy)
}

// Proxy handles one proxied call end to end. The audit entry is committed
// before the client response is written, and it is written even when the
// client disconnects mid-flight, with the real upstream outcome.
func (h *Handler) Proxy(c *gin.Context) {
	start := time.Now()
	token := c.MustGet(auth.TokenContextKey).(*model.AuthToken)

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	forwarded, dropped := audit.RedactHeaders(c.Request.Header)
	entry := &model.RequestLog{
		RequestID:   uuid.NewString(),
		TokenID:     token.TokenID,
		Method:      c.Request.Method,
		Path:        c.Request.URL.Path,
		Query:       c.Request.URL.RawQuery,
		RequestBody: string(body),
		ClientIP:    c.ClientIP(),
	}

	// Token quota gate. A denied call is audited but consumes no upstream
	// key quota.
	_, denial, err := h.tracker.CheckAndRecord(token.TokenID, start)
	if err != nil {
		h.logger.Error("Quota check failed", "token_id", token.TokenID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "quota check failed"})
		return
	}
	if denial != nil {
		entry.Result = model.ResultQuotaExhausted
		entry.ErrorMessage = denial.Error()
		entry.LatencyMs = time.Since(start).Milliseconds()
		h.audit.Append(entry, forwarded, dropped)
		h.notifier.Notify()
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":       denial.Error(),
			"quota_state": denial.Window,
		})
		return
	}

	// Key selection and the upstream call, retrying on a fresh key when the
	// provider signals quota exhaustion. The upstream call is detached from
	// the client's context: the provider completes (and bills) an aborted
	// call anyway, so the outcome must be recorded against the key
	// regardless of a mid-flight disconnect. The upstream client's own
	// timeout still bounds the call.
	upstreamCtx := context.WithoutCancel(c.Request.Context())

	var result *upstream.Result
	for attempt := 0; attempt < h.keyRetries; attempt++ {
		selection, selErr := h.registry.Select(time.Now())
		if selErr != nil {
			if errors.Is(selErr, registry.ErrNoEligibleKey) {
				h.finish(c, entry, forwarded, dropped, upstream.StatusQuotaExhausted, nil,
					model.ResultQuotaExhausted, "no eligible upstream key", start)
				return
			}
			h.finish(c, entry, forwarded, dropped, http.StatusBadGateway, nil,
				model.ResultError, selErr.Error(), start)
			return
		}
		entry.KeyID = selection.KeyID

		result, err = h.upstream.Do(upstreamCtx, c.Request.Method, c.Request.URL.Path,
			c.Request.URL.RawQuery, body, selection.Secret, forwarded)
		if err != nil {
			// Transport failure: record the error without touching key
			// status.
			h.registry.RecordError(selection.KeyID)
			h.finish(c, entry, forwarded, dropped, http.StatusBadGateway, nil,
				model.ResultError, err.Error(), start)
			return
		}

		if result.StatusCode == upstream.StatusQuotaExhausted {
			h.registry.RecordExhausted(selection.KeyID)
			h.logger.Warn("Key exhausted upstream, retrying on next key",
				"key_id", selection.KeyID, "attempt", attempt+1)
			continue
		}

		if result.StatusCode >= 200 && result.StatusCode < 300 {
			h.registry.RecordSuccess(selection.KeyID)
			h.finish(c, entry, forwarded, dropped, result.StatusCode, result.Body,
				model.ResultSuccess, "", start)
			return
		}

		h.registry.RecordError(selection.KeyID)
		h.finish(c, entry, forwarded, dropped, result.StatusCode, result.Body,
			model.ResultError, http.StatusText(result.StatusCode), start)
		return
	}

	// Every attempted key hit the provider's quota wall.
	var respBody []byte
	if result != nil {
		respBody = result.Body
	}
	h.finish(c, entry, forwarded, dropped, upstream.StatusQuotaExhausted, respBody,
		model.ResultQuotaExhausted, "all attempted keys exhausted", start)
}

// finish commits the audit entry, pokes the broadcaster and writes the
// client response. The append happens first so the response never races
// ahead of the audit trail. Calls that never completed upstream are
// refunded to the token's windows so only completed calls count against
// the limits.
func (h *Handler) finish(c *gin.Context, entry *model.RequestLog, forwarded, dropped map[string]string,
	status int, respBody []byte, result model.RequestResult, errMsg string, start time.Time) {

	entry.UpstreamStatus = status
	entry.Result = result
	entry.ErrorMessage = errMsg
	entry.ResponseBody = string(respBody)
	entry.LatencyMs = time.Since(start).Milliseconds()
	h.audit.Append(entry, forwarded, dropped)
	h.notifier.Notify()

	if result != model.ResultSuccess {
		if err := h.tracker.Refund(entry.TokenID); err != nil {
			h.logger.Warn("Failed to refund token windows", "token_id", entry.TokenID, "error", err)
		}
	}

	if len(respBody) > 0 {
		c.Data(status, "application/json", respBody)
		return
	}
	if errMsg != "" {
		c.JSON(status, gin.H{"error": errMsg})
		return
	}
	c.Status(status)
}

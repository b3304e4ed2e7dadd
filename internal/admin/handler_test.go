package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/searchbroker/searchbroker/internal/audit"
	"github.com/searchbroker/searchbroker/internal/broadcast"
	"github.com/searchbroker/searchbroker/internal/config"
	"github.com/searchbroker/searchbroker/internal/db"
	"github.com/searchbroker/searchbroker/internal/jobs"
	"github.com/searchbroker/searchbroker/internal/logger"
	"github.com/searchbroker/searchbroker/internal/model"
	"github.com/searchbroker/searchbroker/internal/quota"
	"github.com/searchbroker/searchbroker/internal/registry"
)

const testAdminPassword = "test-password"

var testDBCounter atomic.Int64

type adminFixture struct {
	router  *gin.Engine
	service db.Service
	runner  *jobs.Runner
}

func setupAdmin(t *testing.T) *adminFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:admintest%d?mode=memory&cache=shared", testDBCounter.Add(1))
	service, err := db.NewService(config.DatabaseConfig{Type: "sqlite", DSN: dsn})
	if err != nil {
		t.Fatalf("Failed to create test db service: %v", err)
	}

	log := logger.NewWithWriter(io.Discard, false)
	reg, err := registry.New(service, log)
	if err != nil {
		t.Fatalf("Failed to create registry: %v", err)
	}
	t.Cleanup(reg.Close)

	tracker := quota.NewTracker(service, time.UTC, log)
	auditLog := audit.New(service, 1024, log)
	runner := jobs.NewRunner(service, 1, 1, time.Millisecond, time.UTC, log)
	runner.Register(model.JobQuotaSync, func(ctx context.Context, job *model.Job) error { return nil })

	broadcaster := broadcast.New(func() (*broadcast.Snapshot, error) {
		return &broadcast.Snapshot{GeneratedAt: time.Now()}, nil
	}, 5*time.Millisecond, log)
	broadcaster.Start()
	t.Cleanup(broadcaster.Close)

	handler := NewHandler(service, reg, tracker, auditLog, runner, broadcaster, log)
	router := gin.New()
	SetupRoutes(router, handler, testAdminPassword)

	return &adminFixture{router: router, service: service, runner: runner}
}

func (f *adminFixture) do(t *testing.T, method, path string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("Failed to marshal payload: %v", err)
		}
		body = bytes.NewReader(b)
	}
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(method, path, body)
	req.SetBasicAuth("admin", testAdminPassword)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	f.router.ServeHTTP(w, req)
	return w
}

func TestAdminRequiresAuth(t *testing.T) {
	f := setupAdmin(t)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/admin/summary", nil)
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestKeysEndpoints(t *testing.T) {
	f := setupAdmin(t)

	t.Run("add keys", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/admin/keys", KeysRequest{Keys: []string{"tvly-a", "tvly-b"}})
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"added":2`)
	})

	t.Run("empty payload rejected", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/admin/keys", KeysRequest{})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("list keys masks secrets", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/admin/keys", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"total":2`)
		assert.NotContains(t, w.Body.String(), "tvly-a")
	})

	keyID := registry.KeyID("tvly-a")

	t.Run("disable and enable", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/admin/keys/"+keyID+"/disable", nil)
		assert.Equal(t, http.StatusOK, w.Code)

		key, err := f.service.FindAPIKeyByKeyID(keyID)
		assert.NoError(t, err)
		assert.Equal(t, model.KeyStatusDisabled, key.Status)

		w = f.do(t, http.MethodPost, "/admin/keys/"+keyID+"/enable", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("reveal secret", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/admin/keys/"+keyID+"/secret", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "tvly-a")
	})

	t.Run("delete then invalid transition conflicts", func(t *testing.T) {
		w := f.do(t, http.MethodDelete, "/admin/keys/"+keyID, nil)
		assert.Equal(t, http.StatusOK, w.Code)

		w = f.do(t, http.MethodPost, "/admin/keys/"+keyID+"/disable", nil)
		assert.Equal(t, http.StatusConflict, w.Code)

		w = f.do(t, http.MethodPost, "/admin/keys/"+keyID+"/restore", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("unknown key is 404", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/admin/keys/deadbeef/disable", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("sync enqueues a job", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/admin/keys/"+keyID+"/sync", nil)
		assert.Equal(t, http.StatusAccepted, w.Code)
		assert.Contains(t, w.Body.String(), "job_id")
	})
}

func TestTokensEndpoints(t *testing.T) {
	f := setupAdmin(t)

	var minted struct {
		Tokens []struct {
			TokenID string `json:"token_id"`
			Secret  string `json:"secret"`
		} `json:"tokens"`
	}

	t.Run("create returns secrets once", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/admin/tokens", CreateTokensRequest{
			Count: 2, Note: "ci", Group: "team-a",
			Limits: quota.Limits{Hour: 10},
		})
		assert.Equal(t, http.StatusCreated, w.Code)
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &minted))
		assert.Len(t, minted.Tokens, 2)
		assert.NotEmpty(t, minted.Tokens[0].Secret)
	})

	tokenID := func() string { return minted.Tokens[0].TokenID }

	t.Run("list includes quota state but no secret", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/admin/tokens?group=team-a", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"total":2`)
		assert.Contains(t, w.Body.String(), `"quota_state":"normal"`)
		assert.NotContains(t, w.Body.String(), minted.Tokens[0].Secret)
	})

	t.Run("update limits and disable", func(t *testing.T) {
		enabled := false
		note := "revoked"
		w := f.do(t, http.MethodPatch, "/admin/tokens/"+tokenID(), UpdateTokenRequest{
			Note: &note, Enabled: &enabled, Limits: &quota.Limits{Day: 5},
		})
		assert.Equal(t, http.StatusOK, w.Code)

		token, err := f.service.FindAuthTokenByTokenID(tokenID())
		assert.NoError(t, err)
		assert.False(t, token.Enabled)
		assert.Equal(t, "revoked", token.Note)
		assert.Equal(t, 5, token.DayLimit)
	})

	t.Run("rotate issues a fresh secret", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/admin/tokens/"+tokenID()+"/rotate", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.NotContains(t, w.Body.String(), minted.Tokens[0].Secret)
		assert.Contains(t, w.Body.String(), "secret")
	})

	t.Run("usage window", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/admin/tokens/"+tokenID()+"/usage", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "buckets")

		w = f.do(t, http.MethodGet, "/admin/tokens/"+tokenID()+"/usage?from=bogus", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("delete soft-removes", func(t *testing.T) {
		w := f.do(t, http.MethodDelete, "/admin/tokens/"+tokenID(), nil)
		assert.Equal(t, http.StatusOK, w.Code)

		w = f.do(t, http.MethodGet, "/admin/tokens?group=team-a", nil)
		assert.Contains(t, w.Body.String(), `"total":1`)
	})

	t.Run("unknown token is 404", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/admin/tokens/zzzz/rotate", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestLogsEndpoint(t *testing.T) {
	f := setupAdmin(t)

	for i := 0; i < 3; i++ {
		result := model.ResultSuccess
		if i == 2 {
			result = model.ResultError
		}
		err := f.service.AppendRequestLog(&model.RequestLog{
			RequestID: fmt.Sprintf("req-%d", i),
			KeyID:     "k1",
			Result:    result,
		})
		assert.NoError(t, err)
	}

	t.Run("filter by result", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/admin/logs?result=error", nil)
		assert.Equal(t, http.StatusOK, w.Code)

		var page audit.Page
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
		assert.Len(t, page.Entries, 1)
		assert.Equal(t, "req-2", page.Entries[0].RequestID)
	})

	t.Run("cursor pagination", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/admin/logs?limit=2", nil)
		assert.Equal(t, http.StatusOK, w.Code)

		var page audit.Page
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
		assert.Len(t, page.Entries, 2)
		assert.NotZero(t, page.NextCursor)

		w = f.do(t, http.MethodGet, fmt.Sprintf("/admin/logs?limit=2&cursor=%d", page.NextCursor), nil)
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
		assert.Len(t, page.Entries, 1)
	})

	t.Run("bad cursor", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/admin/logs?cursor=bogus", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestJobsEndpoints(t *testing.T) {
	f := setupAdmin(t)
	assert.NoError(t, f.runner.Start())
	t.Cleanup(f.runner.Close)

	t.Run("enqueue and get", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/admin/jobs", EnqueueJobRequest{Type: model.JobQuotaSync})
		assert.Equal(t, http.StatusAccepted, w.Code)

		var resp struct {
			JobID uint `json:"job_id"`
		}
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

		w = f.do(t, http.MethodGet, fmt.Sprintf("/admin/jobs/%d", resp.JobID), nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"type":"quota_sync"`)
	})

	t.Run("unknown type rejected", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/admin/jobs", EnqueueJobRequest{Type: "bogus"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("list", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/admin/jobs?type=quota_sync", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"total":1`)
	})

	t.Run("bad job id", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/admin/jobs/abc", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestSummaryEndpoint(t *testing.T) {
	f := setupAdmin(t)
	assert.NoError(t, f.service.CreateAPIKey(&model.APIKey{
		KeyID: "k1", Secret: "s1", Status: model.KeyStatusActive,
		TotalRequests: 7, SuccessCount: 7, QuotaLimit: 1000, QuotaRemaining: 993,
	}))

	w := f.do(t, http.MethodGet, "/admin/summary", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var summary model.Summary
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.Equal(t, int64(7), summary.TotalRequests)
	assert.Equal(t, int64(1), summary.ActiveKeys)
	assert.Equal(t, int64(0), summary.AuditWriteFailures)
}

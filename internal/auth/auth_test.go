package auth

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/searchbroker/searchbroker/internal/config"
	"github.com/searchbroker/searchbroker/internal/db"
	"github.com/searchbroker/searchbroker/internal/model"
)

var testDBCounter atomic.Int64

func setupTokenRouter(t *testing.T) (*gin.Engine, db.Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:authtest%d?mode=memory&cache=shared", testDBCounter.Add(1))
	service, err := db.NewService(config.DatabaseConfig{Type: "sqlite", DSN: dsn})
	if err != nil {
		t.Fatalf("Failed to create test db service: %v", err)
	}

	router := gin.New()
	router.GET("/protected", TokenAuthMiddleware(service), func(c *gin.Context) {
		token := c.MustGet(TokenContextKey).(*model.AuthToken)
		c.JSON(http.StatusOK, gin.H{"token_id": token.TokenID})
	})
	return router, service
}

func TestTokenAuthMiddleware(t *testing.T) {
	router, service := setupTokenRouter(t)
	assert.NoError(t, service.CreateAuthToken(&model.AuthToken{TokenID: "ab12", Secret: "tk-good", Enabled: true}))
	assert.NoError(t, service.CreateAuthToken(&model.AuthToken{TokenID: "cd34", Secret: "tk-off", Enabled: false}))

	request := func(header string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodGet, "/protected", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		router.ServeHTTP(w, req)
		return w
	}

	t.Run("valid token passes and lands in context", func(t *testing.T) {
		w := request("Bearer tk-good")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "ab12")
	})

	t.Run("missing header", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, request("").Code)
	})

	t.Run("malformed header", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, request("tk-good").Code)
		assert.Equal(t, http.StatusUnauthorized, request("Basic tk-good").Code)
	})

	t.Run("unknown secret", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, request("Bearer tk-nope").Code)
	})

	t.Run("disabled token", func(t *testing.T) {
		assert.Equal(t, http.StatusForbidden, request("Bearer tk-off").Code)
	})

	t.Run("deleted token stops resolving", func(t *testing.T) {
		token, err := service.FindAuthTokenByTokenID("ab12")
		assert.NoError(t, err)
		token.Deleted = true
		assert.NoError(t, service.UpdateAuthToken(token))

		assert.Equal(t, http.StatusUnauthorized, request("Bearer tk-good").Code)
	})
}

func TestAdminAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/admin/ping", AdminAuthMiddleware("hunter2"), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	request := func(user, password string, withAuth bool) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodGet, "/admin/ping", nil)
		if withAuth {
			req.SetBasicAuth(user, password)
		}
		router.ServeHTTP(w, req)
		return w
	}

	t.Run("correct credentials", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, request("admin", "hunter2", true).Code)
	})

	t.Run("wrong password", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, request("admin", "wrong", true).Code)
	})

	t.Run("wrong user", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, request("root", "hunter2", true).Code)
	})

	t.Run("no credentials sets challenge", func(t *testing.T) {
		w := request("", "", false)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Header().Get("WWW-Authenticate"), "Basic")
	})
}

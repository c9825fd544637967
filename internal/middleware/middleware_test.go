package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jwtpkg "hostinbox/backend/internal/auth/jwt"
	"hostinbox/backend/internal/monitoring"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestOperatorAuth(t *testing.T) {
	tokens := jwtpkg.NewManager("jwt-secret", "")
	r := gin.New()
	r.GET("/x", OperatorAuth("secret", tokens), func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/accounts/:address", OperatorAuth("secret", tokens), func(c *gin.Context) {
		_, scoped := GetOperatorClaims(c)
		c.JSON(http.StatusOK, gin.H{"scoped": scoped})
	})

	scoped, err := tokens.Issue("ops", []string{"host@villarosa.it"}, time.Hour)
	require.NoError(t, err)
	foreign, err := jwtpkg.NewManager("other", "").Issue("ops", nil, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"缺少令牌", "/x", "", http.StatusUnauthorized},
		{"Wrong token", "/x", "Bearer nope", http.StatusUnauthorized},
		{"Wrong scheme", "/x", "Basic secret", http.StatusUnauthorized},
		{"静态令牌", "/x", "Bearer secret", http.StatusOK},
		{"JWT signed with another key", "/x", "Bearer " + foreign, http.StatusUnauthorized},
		{"JWT in scope", "/accounts/host@villarosa.it", "Bearer " + scoped, http.StatusOK},
		{"超出范围的 JWT", "/accounts/other@example.com", "Bearer " + scoped, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, serve(r, req).Code)
		})
	}

	t.Run("Token from query parameter", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/accounts/host@villarosa.it?access_token="+scoped, nil)
		rec := serve(r, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"scoped":true}`, rec.Body.String())
	})

	t.Run("Nothing configured disables the check", func(t *testing.T) {
		open := gin.New()
		open.Use(OperatorAuth("", nil))
		open.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })
		assert.Equal(t, http.StatusOK, serve(open, httptest.NewRequest(http.MethodGet, "/x", nil)).Code)
	})
}

func TestQueryToken(t *testing.T) {
	r := gin.New()
	r.Use(QueryToken("token", "push"))
	r.POST("/hook", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	assert.Equal(t, http.StatusUnauthorized, serve(r, httptest.NewRequest(http.MethodPost, "/hook", nil)).Code)
	assert.Equal(t, http.StatusNoContent, serve(r, httptest.NewRequest(http.MethodPost, "/hook?token=push", nil)).Code)
}

func TestBodySizeLimit(t *testing.T) {
	r := gin.New()
	r.Use(BodySizeLimit(8))
	r.POST("/x", func(c *gin.Context) {
		_, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	assert.Equal(t, http.StatusOK, serve(r, httptest.NewRequest(http.MethodPost, "/x", strings.NewReader("small"))).Code)
	assert.Equal(t, http.StatusRequestEntityTooLarge, serve(r, httptest.NewRequest(http.MethodPost, "/x", strings.NewReader("way too large body"))).Code)
}

func TestMonitoringMiddleware(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetricsWith(reg, reg)
	mm := NewMonitoringMiddleware(metrics, nil)

	r := gin.New()
	r.Use(mm.PanicRecovery(), mm.HTTPMetrics())
	r.GET("/ok/:id", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/boom", func(c *gin.Context) { panic("boom") })

	assert.Equal(t, http.StatusOK, serve(r, httptest.NewRequest(http.MethodGet, "/ok/42", nil)).Code)
	assert.Equal(t, http.StatusInternalServerError, serve(r, httptest.NewRequest(http.MethodGet, "/boom", nil)).Code)

	rec := httptest.NewRecorder()
	metrics.HTTPHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, `endpoint="/ok/:id"`)
	assert.Contains(t, body, "hostinbox_panics_total 1")
}

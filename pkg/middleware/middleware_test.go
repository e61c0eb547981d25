package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"WalkGuard/pkg/cache"
	"WalkGuard/pkg/constant"
	"WalkGuard/pkg/i18n"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

func doRequest(r http.Handler, method, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(`{}`))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestTokenRoundTrip(t *testing.T) {
	tok, err := IssueToken(secret, "user-1", constant.RoleAgent, time.Hour)
	require.NoError(t, err)

	claims, err := ParseToken(secret, tok)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, constant.RoleAgent, claims.Role)

	_, err = ParseToken("other-secret", tok)
	assert.Error(t, err)

	expired, _ := IssueToken(secret, "user-1", constant.RoleUser, -time.Minute)
	_, err = ParseToken(secret, expired)
	assert.Error(t, err)

	_, err = ParseToken(secret, "garbage")
	assert.Error(t, err)
}

func TestAuthMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(AuthMiddleware(secret))
	r.GET("/me", func(c *gin.Context) { c.String(http.StatusOK, CurrentUser(c)) })
	agent := r.Group("/agent", RequireRole(constant.RoleAgent))
	agent.GET("/events", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	w := doRequest(r, http.MethodGet, "/me", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	userTok, _ := IssueToken(secret, "user-1", constant.RoleUser, time.Hour)
	w = doRequest(r, http.MethodGet, "/me", map[string]string{"Authorization": "Bearer " + userTok})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "user-1", w.Body.String())

	w = doRequest(r, http.MethodGet, "/me?token="+userTok, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(r, http.MethodGet, "/agent/events", map[string]string{"Authorization": "Bearer " + userTok})
	assert.Equal(t, http.StatusForbidden, w.Code)

	agentTok, _ := IssueToken(secret, "agent-1", constant.RoleAgent, time.Hour)
	w = doRequest(r, http.MethodGet, "/agent/events", map[string]string{"Authorization": "Bearer " + agentTok})
	assert.Equal(t, http.StatusOK, w.Code)
}

type countingObserver struct{ allow, deny int32 }

func (o *countingObserver) OnAllow(route, key string) { atomic.AddInt32(&o.allow, 1) }
func (o *countingObserver) OnDeny(route, key string)  { atomic.AddInt32(&o.deny, 1) }

func TestRateLimiterSkipsEmergencyRoutes(t *testing.T) {
	obs := &countingObserver{}
	rl := NewRateLimiter(RateLimiterConfig{
		Rate:       "2-M",
		SkipPaths:  []string{"/api/heartbeat", "/api/sos"},
		AddHeaders: true,
	}, nil).WithObserver(obs)

	r := gin.New()
	r.Use(rl.Middleware())
	ok := func(c *gin.Context) { c.Status(http.StatusOK) }
	r.POST("/api/heartbeat", ok)
	r.POST("/api/sos", ok)
	r.GET("/api/sessions", ok)

	for i := 0; i < 10; i++ {
		assert.Equal(t, http.StatusOK, doRequest(r, http.MethodPost, "/api/heartbeat", nil).Code)
		assert.Equal(t, http.StatusOK, doRequest(r, http.MethodPost, "/api/sos", nil).Code)
	}

	assert.Equal(t, http.StatusOK, doRequest(r, http.MethodGet, "/api/sessions", nil).Code)
	assert.Equal(t, http.StatusOK, doRequest(r, http.MethodGet, "/api/sessions", nil).Code)
	w := doRequest(r, http.MethodGet, "/api/sessions", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	assert.Equal(t, int32(2), atomic.LoadInt32(&obs.allow))
	assert.Equal(t, int32(1), atomic.LoadInt32(&obs.deny))
}

func TestIdempotencyReplaysFirstResponse(t *testing.T) {
	store := cache.NewGoCache(cache.LocalConfig{DefaultExpiration: time.Minute, CleanupInterval: time.Minute})
	var calls int32

	r := gin.New()
	r.Use(func(c *gin.Context) { c.Set(constant.UserIDKey, "user-1"); c.Next() })
	r.POST("/sos", IdempotencyMiddleware(IdempotencyConfig{Store: store}), func(c *gin.Context) {
		n := atomic.AddInt32(&calls, 1)
		c.JSON(http.StatusCreated, gin.H{"call": n})
	})

	h := map[string]string{constant.HeaderIdempotencyKey: "abc"}
	first := doRequest(r, http.MethodPost, "/sos", h)
	second := doRequest(r, http.MethodPost, "/sos", h)

	assert.Equal(t, http.StatusCreated, first.Code)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	doRequest(r, http.MethodPost, "/sos", nil)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestIdempotencyFailedAttemptCanRetry(t *testing.T) {
	store := cache.NewGoCache(cache.LocalConfig{DefaultExpiration: time.Minute, CleanupInterval: time.Minute})
	var calls int32

	r := gin.New()
	r.POST("/sos", IdempotencyMiddleware(IdempotencyConfig{Store: store}), func(c *gin.Context) {
		if atomic.AddInt32(&calls, 1) == 1 {
			c.JSON(http.StatusServiceUnavailable, gin.H{})
			return
		}
		c.JSON(http.StatusCreated, gin.H{})
	})

	h := map[string]string{constant.HeaderIdempotencyKey: "retry"}
	assert.Equal(t, http.StatusServiceUnavailable, doRequest(r, http.MethodPost, "/sos", h).Code)
	assert.Equal(t, http.StatusCreated, doRequest(r, http.MethodPost, "/sos", h).Code)
}

func TestParseClientInfo(t *testing.T) {
	ci := ParseClientInfo("Mozilla/5.0 (Linux; Android 13; Pixel 7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Mobile Safari/537.36")
	assert.True(t, ci.Mobile)
	assert.Contains(t, ci.OS, "Android")
	assert.Equal(t, "unknown", ParseClientInfo("").String())
}

func TestLanguageMiddleware(t *testing.T) {
	tr, err := i18n.NewI18nSupport("en")
	require.NoError(t, err)

	r := gin.New()
	r.Use(LanguageMiddleware(tr))
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, c.GetString(constant.LangKey)) })

	w := doRequest(r, http.MethodGet, "/", map[string]string{"Accept-Language": "zh-CN,zh;q=0.9"})
	assert.Equal(t, "zh", w.Body.String())
	w = doRequest(r, http.MethodGet, "/?lang=en", map[string]string{"Accept-Language": "zh-CN"})
	assert.Equal(t, "en", w.Body.String())
}

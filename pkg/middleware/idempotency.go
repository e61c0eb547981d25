package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"

	"WalkGuard/pkg/cache"
	"WalkGuard/pkg/constant"
	"WalkGuard/pkg/errors"
	"WalkGuard/pkg/logger"
	"WalkGuard/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type IdempotencyConfig struct {
	HeaderName string
	// how long a completed response is replayed
	TTL time.Duration
	// how long an in-flight key blocks duplicates
	LockTTL time.Duration
	Store   cache.Cache
}

type storedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

const inFlightMarker = "in-flight"

type bodyCapture struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (w *bodyCapture) Write(b []byte) (int, error) {
	w.buf.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *bodyCapture) WriteString(s string) (int, error) {
	w.buf.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// IdempotencyMiddleware replays the first response for a repeated
// Idempotency-Key from the same caller. Requests without the header pass through.
// Only 2xx responses are kept; a failed attempt can be retried with the same key.
func IdempotencyMiddleware(cfg IdempotencyConfig) gin.HandlerFunc {
	if cfg.HeaderName == "" {
		cfg.HeaderName = constant.HeaderIdempotencyKey
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	return func(c *gin.Context) {
		idem := strings.TrimSpace(c.GetHeader(cfg.HeaderName))
		if idem == "" || cfg.Store == nil {
			c.Next()
			return
		}
		key := "idem:" + currentUserID(c) + ":" + c.FullPath() + ":" + idem
		ctx := c.Request.Context()

		acquired, err := cfg.Store.SetNX(ctx, key, []byte(inFlightMarker), cfg.LockTTL)
		if err != nil {
			logger.Warn("idempotency store error", zap.Error(err))
			c.Next()
			return
		}
		if !acquired {
			replay(c, cfg.Store, key)
			return
		}

		w := &bodyCapture{ResponseWriter: c.Writer}
		c.Writer = w
		c.Next()

		status := w.Status()
		if status < 200 || status >= 300 {
			_ = cfg.Store.Delete(context.Background(), key)
			return
		}
		if err := cache.SetObject(context.Background(), cfg.Store, key, storedResponse{
			Status:      status,
			ContentType: w.Header().Get("Content-Type"),
			Body:        w.buf.Bytes(),
		}, cfg.TTL); err != nil {
			logger.Warn("idempotency store write failed", zap.Error(err))
		}
	}
}

func replay(c *gin.Context, store cache.Cache, key string) {
	raw, ok := store.Get(c.Request.Context(), key)
	if !ok || string(raw) == inFlightMarker {
		response.Error(c, errors.InvalidTransition("a request with this idempotency key is still in progress"))
		return
	}
	var prev storedResponse
	if err := json.Unmarshal(raw, &prev); err != nil {
		response.Error(c, errors.Wrap(err, "idempotency record unreadable"))
		return
	}
	c.Header("Idempotent-Replayed", "true")
	ct := prev.ContentType
	if ct == "" {
		ct = "application/json; charset=utf-8"
	}
	c.Data(prev.Status, ct, prev.Body)
	c.Abort()
}

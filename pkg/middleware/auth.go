package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"WalkGuard/pkg/constant"
	"WalkGuard/pkg/errors"
	"WalkGuard/pkg/response"

	"github.com/gin-gonic/gin"
)

// Claims is the signed part of a bearer token
type Claims struct {
	Subject   string `json:"sub"`
	Role      string `json:"role"`
	ExpiresAt int64  `json:"exp"`
}

func generateSignature(data, secretKey string) string {
	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

// IssueToken signs claims for subject as <base64 payload>.<hex hmac>
func IssueToken(secretKey, subject, role string, ttl time.Duration) (string, error) {
	payload, err := json.Marshal(Claims{
		Subject:   subject,
		Role:      role,
		ExpiresAt: time.Now().Add(ttl).Unix(),
	})
	if err != nil {
		return "", err
	}
	data := base64.RawURLEncoding.EncodeToString(payload)
	return data + "." + generateSignature(data, secretKey), nil
}

func ParseToken(secretKey, token string) (*Claims, error) {
	data, sig, ok := strings.Cut(token, ".")
	if !ok || data == "" || sig == "" {
		return nil, errors.WithCode(errors.CodeUnauthorized, "malformed token")
	}
	if !hmac.Equal([]byte(sig), []byte(generateSignature(data, secretKey))) {
		return nil, errors.WithCode(errors.CodeUnauthorized, "invalid signature")
	}
	raw, err := base64.RawURLEncoding.DecodeString(data)
	if err != nil {
		return nil, errors.WrapCode(err, errors.CodeUnauthorized, "malformed token")
	}
	var claims Claims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return nil, errors.WrapCode(err, errors.CodeUnauthorized, "malformed token")
	}
	if claims.Subject == "" {
		return nil, errors.WithCode(errors.CodeUnauthorized, "token has no subject")
	}
	if time.Now().Unix() > claims.ExpiresAt {
		return nil, errors.WithCode(errors.CodeUnauthorized, "token expired")
	}
	if claims.Role == "" {
		claims.Role = constant.RoleUser
	}
	return &claims, nil
}

func bearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		if strings.HasPrefix(strings.ToLower(h), "bearer ") {
			return strings.TrimSpace(h[7:])
		}
	}
	// websocket and EventSource clients cannot set headers
	return c.Query("token")
}

// AuthMiddleware verifies the bearer token and stores the caller identity
func AuthMiddleware(secretKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			response.Error(c, errors.WithCode(errors.CodeUnauthorized, "token is missing"))
			return
		}
		claims, err := ParseToken(secretKey, token)
		if err != nil {
			response.Error(c, err)
			return
		}
		c.Set(constant.UserIDKey, claims.Subject)
		c.Set(constant.RoleKey, claims.Role)
		c.Next()
	}
}

// RequireRole rejects callers whose token carries a different role
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if CurrentRole(c) != role {
			response.Error(c, errors.PermissionDenied("%s role required", role))
			return
		}
		c.Next()
	}
}

func CurrentUser(c *gin.Context) string {
	return currentUserID(c)
}

func CurrentRole(c *gin.Context) string {
	return c.GetString(constant.RoleKey)
}

package response

import (
	"net/http"

	"WalkGuard/pkg/constant"
	"WalkGuard/pkg/errors"
	"WalkGuard/pkg/i18n"
	"WalkGuard/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Body struct {
	Code int         `json:"code"`
	Msg  string      `json:"msg"`
	Kind string      `json:"kind,omitempty"`
	Data interface{} `json:"data,omitempty"`
}

var translator *i18n.I18nSupport

// SetTranslator enables localized messages
func SetTranslator(t *i18n.I18nSupport) { translator = t }

// T localizes key for the request language, falling back to fallback
func T(c *gin.Context, key, fallback string, data map[string]interface{}) string {
	if translator == nil {
		return fallback
	}
	msg := translator.T(c.GetString(constant.LangKey), key, data)
	if msg == key {
		return fallback
	}
	return msg
}

func Success(c *gin.Context, msg string, data interface{}) {
	c.JSON(http.StatusOK, Body{Code: http.StatusOK, Msg: msg, Data: data})
}

func Created(c *gin.Context, msg string, data interface{}) {
	c.JSON(http.StatusCreated, Body{Code: http.StatusCreated, Msg: msg, Data: data})
}

// Fail rejects malformed input
func Fail(c *gin.Context, msg string, data interface{}) {
	c.AbortWithStatusJSON(http.StatusBadRequest, Body{
		Code: http.StatusBadRequest,
		Msg:  T(c, "error.bad_request", msg, map[string]interface{}{"Detail": msg}),
		Kind: "bad_request",
		Data: data,
	})
}

// Error maps a coded error onto its HTTP status
func Error(c *gin.Context, err error) {
	ErrorWithData(c, err, nil)
}

func ErrorWithData(c *gin.Context, err error, data interface{}) {
	status := errors.GetCode(err)
	kind := errors.KindOf(err)
	if status < 400 || status > 599 {
		status = http.StatusInternalServerError
	}

	detail := errors.GetMessage(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("kind", kind),
			zap.Error(err),
		)
		detail = ""
	}

	c.AbortWithStatusJSON(status, Body{
		Code: status,
		Msg:  T(c, "error."+kind, fallbackMessage(kind, detail), map[string]interface{}{"Detail": detail}),
		Kind: kind,
		Data: data,
	})
}

func fallbackMessage(kind, detail string) string {
	if detail != "" {
		return detail
	}
	return kind
}

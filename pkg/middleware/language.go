package middleware

import (
	"WalkGuard/pkg/constant"
	"WalkGuard/pkg/i18n"

	"github.com/gin-gonic/gin"
)

// LanguageMiddleware resolves ?lang= or Accept-Language to a supported language
func LanguageMiddleware(i18nSupport *i18n.I18nSupport) gin.HandlerFunc {
	return func(c *gin.Context) {
		lang := i18nSupport.Match(c.Query("lang"), c.GetHeader("Accept-Language"))
		c.Set(constant.LangKey, lang)
		c.Header("Content-Language", lang)
		c.Next()
	}
}

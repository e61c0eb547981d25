package middleware

import (
	"WalkGuard/pkg/constant"

	"github.com/gin-gonic/gin"
	"github.com/mssola/user_agent"
)

// ClientInfo is what the User-Agent tells about the calling device
type ClientInfo struct {
	Platform string `json:"platform"`
	OS       string `json:"os"`
	Browser  string `json:"browser"`
	Mobile   bool   `json:"mobile"`
}

// String is stored on heartbeats as client_platform
func (ci ClientInfo) String() string {
	switch {
	case ci.OS != "":
		return ci.OS
	case ci.Platform != "":
		return ci.Platform
	}
	return "unknown"
}

func ParseClientInfo(userAgent string) ClientInfo {
	if userAgent == "" {
		return ClientInfo{}
	}
	ua := user_agent.New(userAgent)
	browser, version := ua.Browser()
	if version != "" {
		browser += " " + version
	}
	return ClientInfo{
		Platform: ua.Platform(),
		OS:       ua.OS(),
		Browser:  browser,
		Mobile:   ua.Mobile(),
	}
}

func ClientInfoMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(constant.ClientInfoKey, ParseClientInfo(c.GetHeader("User-Agent")))
		c.Next()
	}
}

func GetClientInfo(c *gin.Context) ClientInfo {
	if v, ok := c.Get(constant.ClientInfoKey); ok {
		if ci, ok := v.(ClientInfo); ok {
			return ci
		}
	}
	return ParseClientInfo(c.GetHeader("User-Agent"))
}

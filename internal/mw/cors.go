package mw

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// OriginAllowed 报告跨域来源是否被允许：dev 环境放行所有来源，否则只放行配置的 CORS_ORIGIN。
// 无 Origin 头的请求（非浏览器客户端）总是放行。
func OriginAllowed(env, allowed, origin string) bool {
	if origin == "" || env == "dev" {
		return true
	}
	return allowed != "" && origin == allowed
}

// CheckOrigin 供 WebSocket 升级复用同一套来源规则。
func CheckOrigin(env, allowed string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		return OriginAllowed(env, allowed, r.Header.Get("Origin"))
	}
}

// CORS 返回跨域中间件，预检请求直接以 204 结束。
func CORS(env, allowed string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			c.Next()
			return
		}
		if !OriginAllowed(env, allowed, origin) {
			if c.Request.Method == http.MethodOptions {
				c.AbortWithStatus(http.StatusForbidden)
				return
			}
			c.Next()
			return
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Vary", "Origin")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

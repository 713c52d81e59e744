package server

import (
	"net/http"

	"musicchat/internal/auth"
	"musicchat/internal/config"
	"musicchat/internal/metrics"
	"musicchat/internal/mw"
	"musicchat/internal/relay"
	"musicchat/internal/service"
	"musicchat/internal/store"
	"musicchat/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, db *gorm.DB, st store.Store, coord *relay.Coordinator, lim *mw.Limiter) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env, cfg.CORSOrigin))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h := NewHandler(service.NewUserService(db), service.NewMessageService(st), coord)
	verifier := auth.NewJWTVerifier(cfg.JWTSecret)
	throttle := lim.Middleware(mw.ByClientRoute)

	// 需要 Bearer Token 的业务接口，限速放在认证之后以便按用户计数。
	api := r.Group("/api")
	api.Use(auth.AuthMiddleware(verifier), throttle)

	api.POST("/auth/callback", h.AuthCallback)
	api.GET("/users", h.ListUsers)
	api.GET("/users/online", h.OnlineUsers)
	api.GET("/users/messages/:userId", h.ListMessages)

	admin := api.Group("/admin")
	admin.Use(auth.RequireAdmin(cfg.AdminUserIDs))
	admin.POST("/users/:userId/evict", h.EvictUser)

	r.GET("/ws", throttle, ws.Serve(coord, ws.Options{
		SendBuffer:  cfg.WSSendBuffer,
		CheckOrigin: mw.CheckOrigin(cfg.Env, cfg.CORSOrigin),
	}))
	return r
}

package server

import (
	"errors"
	"net/http"
	"strconv"

	"musicchat/internal/auth"
	"musicchat/internal/relay"
	"musicchat/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层与 relay。
type Handler struct {
	userSvc *service.UserService
	msgSvc  *service.MessageService
	coord   *relay.Coordinator
}

func NewHandler(userSvc *service.UserService, msgSvc *service.MessageService, coord *relay.Coordinator) *Handler {
	return &Handler{userSvc: userSvc, msgSvc: msgSvc, coord: coord}
}

// AuthCallback 在身份提供方登录完成后同步调用者的资料。
func (h *Handler) AuthCallback(c *gin.Context) {
	var req struct {
		FullName string `json:"fullName" binding:"required,max=128"`
		ImageURL string `json:"imageUrl" binding:"omitempty,max=512"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	uid := auth.GetUserID(c)
	user, err := h.userSvc.Upsert(uid, req.FullName, req.ImageURL)
	if err != nil {
		if errors.Is(err, service.ErrInvalidProfile) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid profile"})
			return
		}
		log.Error().Err(err).Str("user_id", uid).Msg("auth callback")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save profile"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "user": user})
}

// ListUsers 返回除调用者外的所有用户。
func (h *Handler) ListUsers(c *gin.Context) {
	users, err := h.userSvc.ListExcept(auth.GetUserID(c))
	if err != nil {
		log.Error().Err(err).Msg("list users")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list users"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

// OnlineUsers 返回当前在线用户快照，不含调用者。
func (h *Handler) OnlineUsers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"users": h.coord.OnlineExcept(auth.GetUserID(c))})
}

// ListMessages 返回调用者与 :userId 之间的会话，按时间升序。
func (h *Handler) ListMessages(c *gin.Context) {
	uid := auth.GetUserID(c)
	peer := c.Param("userId")

	limit, _ := strconv.Atoi(c.Query("limit"))
	var beforeID uint64
	if bid := c.Query("before_id"); bid != "" {
		v, err := strconv.ParseUint(bid, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid before_id"})
			return
		}
		beforeID = v
	}

	msgs, err := h.msgSvc.History(c.Request.Context(), uid, peer, limit, beforeID)
	if err != nil {
		if errors.Is(err, service.ErrSelfConversation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
			return
		}
		log.Error().Err(err).Str("user_id", uid).Str("peer_id", peer).Msg("list messages")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// EvictUser 强制断开某个用户的全部会话。
func (h *Handler) EvictUser(c *gin.Context) {
	target := c.Param("userId")
	n := h.coord.Evict(target)
	log.Info().Str("admin_id", auth.GetUserID(c)).Str("user_id", target).Int("sessions", n).Msg("evict user")
	c.JSON(http.StatusOK, gin.H{"evicted": n})
}

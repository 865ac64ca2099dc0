package handlers

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/pagelens/pagelens/internal/auth"
	"github.com/pagelens/pagelens/internal/common"
	"github.com/pagelens/pagelens/internal/httpapi/middleware"
	"github.com/pagelens/pagelens/internal/models"
	"github.com/pagelens/pagelens/internal/session"
)

type registerReq struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
}

func (h *Handler) Register(c *gin.Context) {
	var req registerReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	user := models.User{Email: req.Email, PasswordHash: hash}
	if err := h.DB.WithContext(c.Request.Context()).Create(&user).Error; err != nil {
		common.Fail(c, http.StatusBadRequest, 10003, "failed to create user (maybe email already exists)")
		return
	}

	common.OK(c, gin.H{"id": user.ID, "email": user.Email})
}

type loginReq struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login is the auth event that owns durable session creation: it writes
// the auth_sessions row, mirrors it into the cache, and hands out a token
// bound to that session.
func (h *Handler) Login(c *gin.Context) {
	var req loginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	ctx := c.Request.Context()

	var user models.User
	if err := h.DB.WithContext(ctx).Where("email = ?", req.Email).First(&user).Error; err != nil {
		// wrong email and wrong password look the same to the client
		common.Fail(c, http.StatusUnauthorized, 40104, "invalid credentials")
		return
	}
	if !auth.CheckPassword(user.PasswordHash, req.Password) {
		common.Fail(c, http.StatusUnauthorized, 40104, "invalid credentials")
		return
	}

	sid, err := session.NewAuthID()
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	expiresAt := time.Now().Add(h.Cfg.AuthSessionTTL)
	row := &session.AuthSession{
		ID:                sid,
		UserID:            user.ID,
		MaxResponseLength: user.MaxResponseLength,
		ResponseStyle:     user.ResponseStyle,
		ExpiresAt:         expiresAt,
	}
	if err := h.SessRepo.CreateAuth(ctx, row); err != nil {
		log.Printf("[Login] create session failed uid=%d err=%v", user.ID, err)
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	if err := h.Sessions.Create(ctx, session.RecordFromAuth(row), expiresAt); err != nil {
		// cache miss path will repopulate from the durable row
		log.Printf("[Login] cache session failed uid=%d err=%v", user.ID, err)
	}

	token, err := auth.SignJWT(user.ID, sid, h.Cfg.JWTSecret, h.Cfg.AuthSessionTTL)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to sign token")
		return
	}

	common.OK(c, gin.H{
		"token":      token,
		"session_id": sid,
		"expires_at": expiresAt,
	})
}

// Logout removes the session from cache and durable store. Idempotent.
func (h *Handler) Logout(c *gin.Context) {
	sid, ok := middleware.SessionIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	ctx := c.Request.Context()
	if err := h.Sessions.Delete(ctx, sid, session.KindAuth); err != nil {
		log.Printf("[Logout] cache delete failed sid=%s err=%v", sid, err)
	}
	if _, err := h.SessRepo.DeleteAuth(ctx, sid); err != nil {
		log.Printf("[Logout] durable delete failed sid=%s err=%v", sid, err)
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	common.OK(c, gin.H{"signed_out": true})
}

func (h *Handler) Me(c *gin.Context) {
	uid, ok := middleware.UserIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var user models.User
	if err := h.DB.WithContext(c.Request.Context()).First(&user, uid).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			common.Fail(c, http.StatusNotFound, 40401, "user not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "db error")
		return
	}

	common.OK(c, gin.H{
		"id":             user.ID,
		"email":          user.Email,
		"response_style": user.ResponseStyle,
		"created_at":     user.CreatedAt,
	})
}

package auth

import (
	"time"

	"go_commitfest/internal/auth"
	"go_commitfest/internal/config"
	"go_commitfest/internal/httpx"
	"go_commitfest/internal/model"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Handler auth handler
type Handler struct {
	db  *gorm.DB
	cfg *config.Config
}

// NewHandler creates a handler instance
func NewHandler(db *gorm.DB, cfg *config.Config) *Handler {
	return &Handler{db: db, cfg: cfg}
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login issues a JWT for valid credentials
// POST /api/v1/auth/login
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("username and password are required"))
		return
	}

	var user model.User
	if err := h.db.Where("username = ?", req.Username).First(&user).Error; err != nil {
		httpx.FailErr(c, httpx.ErrUnauthorized("invalid credentials"))
		return
	}
	if !auth.CheckPassword(req.Password, user.PasswordHash) {
		httpx.FailErr(c, httpx.ErrUnauthorized("invalid credentials"))
		return
	}

	var committerCount int64
	h.db.Model(&model.Committer{}).Where("user_id = ? AND active = ?", user.ID, true).Count(&committerCount)

	expireAt := time.Now().Add(time.Duration(h.cfg.JWT.ExpireMinutes) * time.Minute)
	token, err := auth.GenerateToken(user.ID, user.Username, user.IsStaff, committerCount > 0, expireAt, h.cfg.JWT.Issuer)
	if err != nil {
		httpx.FailErr(c, httpx.ErrInternalError("failed to issue token", err))
		return
	}

	httpx.OK(c, gin.H{
		"token":     token,
		"expire_at": expireAt,
		"user": gin.H{
			"id":           user.ID,
			"username":     user.Username,
			"is_staff":     user.IsStaff,
			"is_committer": committerCount > 0,
		},
	})
}

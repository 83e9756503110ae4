package cfbot

import (
	"crypto/subtle"

	"go_commitfest/internal/cfbot"
	"go_commitfest/internal/config"
	"go_commitfest/internal/httpx"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Handler CI webhook handler
type Handler struct {
	db       *gorm.DB
	ingester *cfbot.Ingester
	secret   string
}

// NewHandler creates a handler instance
func NewHandler(db *gorm.DB, ingester *cfbot.Ingester, cfg *config.Config) *Handler {
	return &Handler{db: db, ingester: ingester, secret: cfg.Cfbot.SharedSecret}
}

// Ingest accepts one CI status message. Authenticated by the shared
// secret carried in the message body, not by a user token.
// POST /api/v1/cfbot/ingest
func (h *Handler) Ingest(c *gin.Context) {
	var msg cfbot.Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("malformed status message"))
		return
	}

	if h.secret == "" ||
		subtle.ConstantTimeCompare([]byte(msg.SharedSecret), []byte(h.secret)) != 1 {
		httpx.FailErr(c, httpx.ErrUnauthorized("invalid shared secret"))
		return
	}

	err := h.db.Transaction(func(tx *gorm.DB) error {
		return h.ingester.Ingest(tx, &msg)
	})
	if err != nil {
		httpx.FailErr(c, httpx.FromError(err))
		return
	}
	httpx.OKMsg(c, "accepted", nil)
}

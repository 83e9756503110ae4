package threads

import (
	"errors"
	"strconv"

	"go_commitfest/api/v1/middleware"
	"go_commitfest/internal/archive"
	"go_commitfest/internal/httpx"
	"go_commitfest/internal/model"
	"go_commitfest/internal/thread"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Handler mail thread handler
type Handler struct {
	db      *gorm.DB
	svc     *thread.Service
	archive *archive.Client
}

// NewHandler creates a handler instance
func NewHandler(db *gorm.DB, svc *thread.Service, archiveClient *archive.Client) *Handler {
	return &Handler{db: db, svc: svc, archive: archiveClient}
}

func (h *Handler) loadPatch(c *gin.Context) (*model.Patch, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid patch id"))
		return nil, false
	}
	var patch model.Patch
	if err := h.db.First(&patch, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			httpx.FailErr(c, httpx.ErrNotFound("patch not found"))
			return nil, false
		}
		httpx.FailErr(c, httpx.ErrDatabaseError("", err))
		return nil, false
	}
	return &patch, true
}

type attachRequest struct {
	MessageID string `json:"message_id" binding:"required"`
}

// Attach links an archived mail thread to a patch
// POST /api/v1/patches/:id/threads
func (h *Handler) Attach(c *gin.Context) {
	patch, ok := h.loadPatch(c)
	if !ok {
		return
	}
	var req attachRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("message_id is required"))
		return
	}
	actor, err := middleware.Actor(c, h.db)
	if err != nil {
		httpx.FailErr(c, httpx.ErrUnauthorized("unknown user"))
		return
	}

	err = h.db.Transaction(func(tx *gorm.DB) error {
		return h.svc.Attach(c.Request.Context(), tx, patch, req.MessageID, actor)
	})
	if err != nil {
		httpx.FailErr(c, httpx.FromError(err))
		return
	}
	httpx.OKMsg(c, "thread attached", nil)
}

// Detach unlinks a thread from a patch
// DELETE /api/v1/patches/:id/threads/:threadId
func (h *Handler) Detach(c *gin.Context) {
	patch, ok := h.loadPatch(c)
	if !ok {
		return
	}
	threadID, err := strconv.Atoi(c.Param("threadId"))
	if err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid thread id"))
		return
	}
	actor, err := middleware.Actor(c, h.db)
	if err != nil {
		httpx.FailErr(c, httpx.ErrUnauthorized("unknown user"))
		return
	}

	var mailThread model.MailThread
	if err := h.db.First(&mailThread, threadID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			httpx.FailErr(c, httpx.ErrNotFound("thread not found"))
			return
		}
		httpx.FailErr(c, httpx.ErrDatabaseError("", err))
		return
	}

	err = h.db.Transaction(func(tx *gorm.DB) error {
		return h.svc.Detach(tx, patch, &mailThread, actor)
	})
	if err != nil {
		httpx.FailErr(c, httpx.FromError(err))
		return
	}
	httpx.OKMsg(c, "thread detached", nil)
}

// Messages returns the full archived thread, oldest first
// GET /api/v1/threads/:messageId/messages
func (h *Handler) Messages(c *gin.Context) {
	messageID := c.Param("messageId")
	messages, err := h.archive.Thread(c.Request.Context(), messageID)
	if err != nil {
		httpx.FailErr(c, httpx.FromError(err))
		return
	}

	items := make([]gin.H, 0, len(messages))
	for i := range messages {
		items = append(items, gin.H{
			"msgid":       messages[i].MsgID,
			"subject":     messages[i].Subject,
			"from":        messages[i].From,
			"date":        messages[i].Date,
			"attachments": messages[i].Attachments,
		})
	}
	httpx.OK(c, gin.H{"items": items})
}

// Latest searches recent threads on the mailing list, for the attach
// dialog
// GET /api/v1/threads/latest?s=...&attach_only=1
func (h *Handler) Latest(c *gin.Context) {
	search := c.Query("s")
	attachOnly := c.Query("attach_only") == "1"

	messages, err := h.archive.Latest(c.Request.Context(), search, attachOnly)
	if err != nil {
		httpx.FailErr(c, httpx.FromError(err))
		return
	}

	items := make([]gin.H, 0, len(messages))
	for i := range messages {
		items = append(items, gin.H{
			"msgid":   messages[i].MsgID,
			"subject": messages[i].Subject,
			"from":    messages[i].From,
			"date":    messages[i].Date,
		})
	}
	httpx.OK(c, gin.H{"items": items})
}

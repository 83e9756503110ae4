package patches

import (
	"errors"
	"strconv"

	"go_commitfest/api/v1/middleware"
	"go_commitfest/internal/httpx"
	"go_commitfest/internal/model"
	"go_commitfest/internal/service"
	"go_commitfest/internal/workflow"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Handler patches handler
type Handler struct {
	db     *gorm.DB
	engine *workflow.Engine
	svc    *service.PatchService
}

// NewHandler creates a handler instance
func NewHandler(db *gorm.DB, engine *workflow.Engine, svc *service.PatchService) *Handler {
	return &Handler{db: db, engine: engine, svc: svc}
}

func (h *Handler) loadPatch(c *gin.Context) (*model.Patch, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid patch id"))
		return nil, false
	}
	var patch model.Patch
	if err := h.db.Preload("Committer.User").First(&patch, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			httpx.FailErr(c, httpx.ErrNotFound("patch not found"))
			return nil, false
		}
		httpx.FailErr(c, httpx.ErrDatabaseError("", err))
		return nil, false
	}
	return &patch, true
}

func (h *Handler) actor(c *gin.Context) (workflow.Actor, bool) {
	actor, err := middleware.Actor(c, h.db)
	if err != nil {
		httpx.FailErr(c, httpx.ErrUnauthorized("unknown user"))
		return workflow.Actor{}, false
	}
	return actor, true
}

type createRequest struct {
	Name            string `json:"name" binding:"required"`
	WikiLink        string `json:"wiki_link"`
	GitLink         string `json:"git_link"`
	TargetVersionID *int   `json:"target_version_id"`
	AuthorIDs       []int  `json:"author_ids"`
	ThreadMessageID string `json:"thread_message_id" binding:"required"`
}

// Create registers a new patch in an open commitfest
// POST /api/v1/cycles/:id/patches
func (h *Handler) Create(c *gin.Context) {
	cycleID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid cycle id"))
		return
	}
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("name and thread_message_id are required"))
		return
	}
	actor, ok := h.actor(c)
	if !ok {
		return
	}

	var cycle model.Cycle
	if err := h.db.First(&cycle, cycleID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			httpx.FailErr(c, httpx.ErrNotFound("cycle not found"))
			return
		}
		httpx.FailErr(c, httpx.ErrDatabaseError("", err))
		return
	}

	var patch *model.Patch
	err = h.db.Transaction(func(tx *gorm.DB) error {
		var txErr error
		patch, txErr = h.svc.Create(c.Request.Context(), tx, &cycle, &service.NewPatchInput{
			Name:            req.Name,
			WikiLink:        req.WikiLink,
			GitLink:         req.GitLink,
			TargetVersionID: req.TargetVersionID,
			AuthorIDs:       req.AuthorIDs,
			ThreadMessageID: req.ThreadMessageID,
		}, actor)
		return txErr
	})
	if err != nil {
		httpx.FailErr(c, httpx.FromError(err))
		return
	}

	httpx.OK(c, gin.H{"id": patch.ID, "name": patch.Name})
}

// Get returns one patch with its participations and history
// GET /api/v1/patches/:id
func (h *Handler) Get(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid patch id"))
		return
	}

	var patch model.Patch
	err = h.db.
		Preload("Authors").
		Preload("Reviewers").
		Preload("Subscribers").
		Preload("Committer.User").
		Preload("Tags").
		Preload("Threads").
		First(&patch, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			httpx.FailErr(c, httpx.ErrNotFound("patch not found"))
			return
		}
		httpx.FailErr(c, httpx.ErrDatabaseError("", err))
		return
	}

	var pocs []model.PatchOnCycle
	if err := h.db.Preload("Cycle").Where("patch_id = ?", patch.ID).Order("enter_date").Find(&pocs).Error; err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("", err))
		return
	}

	var entries []model.PatchHistory
	if err := h.db.Preload("ByUser").Where("patch_id = ?", patch.ID).Order("date DESC").Find(&entries).Error; err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("", err))
		return
	}

	var branch model.CfbotBranch
	hasCI := true
	if err := h.db.First(&branch, "patch_id = ?", patch.ID).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			httpx.FailErr(c, httpx.ErrDatabaseError("", err))
			return
		}
		hasCI = false
	}

	data := gin.H{
		"id":          patch.ID,
		"name":        patch.Name,
		"wiki_link":   patch.WikiLink,
		"git_link":    patch.GitLink,
		"created":     patch.Created,
		"modified":    patch.Modified,
		"lastmail":    patch.LastMail,
		"authors":     userNames(patch.Authors),
		"reviewers":   userNames(patch.Reviewers),
		"subscribers": userNames(patch.Subscribers),
	}
	if patch.Committer != nil {
		data["committer"] = patch.Committer.User.Username
	}

	participations := make([]gin.H, 0, len(pocs))
	for i := range pocs {
		participations = append(participations, gin.H{
			"cycle_id":   pocs[i].CycleID,
			"cycle":      pocs[i].Cycle.Name,
			"status":     pocs[i].Status.String(),
			"enter_date": pocs[i].EnterDate,
			"leave_date": pocs[i].LeaveDate,
		})
	}
	data["participations"] = participations

	hist := make([]gin.H, 0, len(entries))
	for i := range entries {
		hist = append(hist, gin.H{
			"date": entries[i].Date,
			"by":   entries[i].ByString(),
			"what": entries[i].What,
		})
	}
	data["history"] = hist

	if hasCI {
		data["ci"] = gin.H{
			"branch_status":      branch.Status,
			"needs_rebase_since": branch.NeedsRebaseSince,
			"failing_since":      branch.FailingSince,
		}
	}

	httpx.OK(c, data)
}

type statusRequest struct {
	Status int `json:"status" binding:"required"`
}

// Status transitions the patch's current participation
// POST /api/v1/patches/:id/status
func (h *Handler) Status(c *gin.Context) {
	patch, ok := h.loadPatch(c)
	if !ok {
		return
	}
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("status is required"))
		return
	}
	newStatus := model.PatchStatus(req.Status)
	if newStatus < model.PatchStatusReview || newStatus > model.PatchStatusWithdrawn || newStatus == model.PatchStatusMoved {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid status"))
		return
	}
	actor, ok := h.actor(c)
	if !ok {
		return
	}

	err := h.db.Transaction(func(tx *gorm.DB) error {
		poc, err := h.engine.CurrentParticipation(tx, patch.ID)
		if err != nil {
			return err
		}
		return h.engine.ChangeStatus(tx, patch, poc, newStatus, actor)
	})
	if err != nil {
		httpx.FailErr(c, httpx.FromError(err))
		return
	}
	httpx.OKMsg(c, "status updated", nil)
}

type closeRequest struct {
	Status            int    `json:"status" binding:"required"`
	CommitterUsername string `json:"committer"`
	ExpectedCycleID   *int   `json:"expected_cycle_id"`
}

// Close ends a patch with a terminal status, handling the commit
// fast path
// POST /api/v1/patches/:id/close
func (h *Handler) Close(c *gin.Context) {
	patch, ok := h.loadPatch(c)
	if !ok {
		return
	}
	var req closeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("status is required"))
		return
	}
	status := model.PatchStatus(req.Status)
	switch status {
	case model.PatchStatusCommitted, model.PatchStatusRejected,
		model.PatchStatusReturned, model.PatchStatusWithdrawn:
	default:
		httpx.FailErr(c, httpx.ErrParamInvalid("close requires a terminal status"))
		return
	}
	actor, ok := h.actor(c)
	if !ok {
		return
	}

	err := h.db.Transaction(func(tx *gorm.DB) error {
		return h.svc.Close(tx, patch, &service.CloseInput{
			Status:            status,
			CommitterUsername: req.CommitterUsername,
			ExpectedCycleID:   req.ExpectedCycleID,
		}, actor)
	})
	if err != nil {
		httpx.FailErr(c, httpx.FromError(err))
		return
	}
	httpx.OKMsg(c, "patch closed", nil)
}

type moveRequest struct {
	ToCycleID int `json:"to_cycle_id" binding:"required"`
}

// Move carries the patch's participation into another commitfest
// POST /api/v1/patches/:id/move
func (h *Handler) Move(c *gin.Context) {
	patch, ok := h.loadPatch(c)
	if !ok {
		return
	}
	var req moveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("to_cycle_id is required"))
		return
	}
	actor, ok := h.actor(c)
	if !ok {
		return
	}

	var toCycle model.Cycle
	if err := h.db.First(&toCycle, req.ToCycleID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			httpx.FailErr(c, httpx.ErrNotFound("target cycle not found"))
			return
		}
		httpx.FailErr(c, httpx.ErrDatabaseError("", err))
		return
	}

	err := h.db.Transaction(func(tx *gorm.DB) error {
		poc, err := h.engine.CurrentParticipation(tx, patch.ID)
		if err != nil {
			return err
		}
		// Only staff may push a patch into an in-progress commitfest.
		_, err = h.engine.Move(tx, patch, &poc.Cycle, &toCycle, actor, actor.IsPrivileged())
		return err
	})
	if err != nil {
		httpx.FailErr(c, httpx.FromError(err))
		return
	}
	httpx.OKMsg(c, "patch moved", nil)
}

type membershipRequest struct {
	Becoming bool `json:"becoming"`
	// UserID lets staff manage somebody else's membership. Defaults to
	// the acting user.
	UserID *int `json:"user_id"`
}

func (h *Handler) membershipTarget(c *gin.Context, actor workflow.Actor, req *membershipRequest) (*model.User, bool) {
	if req.UserID == nil || (actor.User != nil && *req.UserID == actor.User.ID) {
		return actor.User, true
	}
	if !actor.IsPrivileged() {
		httpx.FailErr(c, httpx.ErrForbidden("cannot change another user's membership"))
		return nil, false
	}
	var user model.User
	if err := h.db.First(&user, *req.UserID).Error; err != nil {
		httpx.FailErr(c, httpx.ErrNotFound("user not found"))
		return nil, false
	}
	return &user, true
}

// Reviewer signs the user up as reviewer, or removes them
// POST /api/v1/patches/:id/reviewer
func (h *Handler) Reviewer(c *gin.Context) {
	patch, ok := h.loadPatch(c)
	if !ok {
		return
	}
	var req membershipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid(""))
		return
	}
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	user, ok := h.membershipTarget(c, actor, &req)
	if !ok {
		return
	}

	err := h.db.Transaction(func(tx *gorm.DB) error {
		return h.svc.SetReviewer(tx, patch, user, req.Becoming, actor)
	})
	if err != nil {
		httpx.FailErr(c, httpx.FromError(err))
		return
	}
	httpx.OKMsg(c, "reviewer updated", nil)
}

// Committer claims or releases the patch for a committer
// POST /api/v1/patches/:id/committer
func (h *Handler) Committer(c *gin.Context) {
	patch, ok := h.loadPatch(c)
	if !ok {
		return
	}
	var req membershipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid(""))
		return
	}
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	user, ok := h.membershipTarget(c, actor, &req)
	if !ok {
		return
	}

	err := h.db.Transaction(func(tx *gorm.DB) error {
		return h.svc.SetCommitter(tx, patch, user, req.Becoming, actor)
	})
	if err != nil {
		httpx.FailErr(c, httpx.FromError(err))
		return
	}
	httpx.OKMsg(c, "committer updated", nil)
}

type subscribeRequest struct {
	Subscribe bool `json:"subscribe"`
}

// Subscribe adds or removes the acting user from the subscriber list
// POST /api/v1/patches/:id/subscribe
func (h *Handler) Subscribe(c *gin.Context) {
	patch, ok := h.loadPatch(c)
	if !ok {
		return
	}
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid(""))
		return
	}
	actor, ok := h.actor(c)
	if !ok {
		return
	}

	err := h.db.Transaction(func(tx *gorm.DB) error {
		return h.svc.Subscribe(tx, patch, actor.User, req.Subscribe)
	})
	if err != nil {
		httpx.FailErr(c, httpx.FromError(err))
		return
	}
	httpx.OKMsg(c, "subscription updated", nil)
}

func userNames(users []model.User) []string {
	names := make([]string, 0, len(users))
	for i := range users {
		names = append(names, users[i].Username)
	}
	return names
}

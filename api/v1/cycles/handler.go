package cycles

import (
	"errors"
	"strconv"

	"go_commitfest/internal/httpx"
	"go_commitfest/internal/ledger"
	"go_commitfest/internal/model"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Handler cycles handler
type Handler struct {
	db     *gorm.DB
	ledger *ledger.Ledger
}

// NewHandler creates a handler instance
func NewHandler(db *gorm.DB, l *ledger.Ledger) *Handler {
	return &Handler{db: db, ledger: l}
}

func cycleJSON(c *model.Cycle) gin.H {
	if c == nil {
		return nil
	}
	return gin.H{
		"id":        c.ID,
		"name":      c.Name,
		"status":    c.Status.String(),
		"startdate": c.StartDate.Format("2006-01-02"),
		"enddate":   c.EndDate.Format("2006-01-02"),
		"draft":     c.Draft,
	}
}

// Relevant returns the relevant cycles, rolling them forward first if
// their dates have passed.
// GET /api/v1/cycles/relevant
func (h *Handler) Relevant(c *gin.Context) {
	rc, err := h.ledger.Relevant(true)
	if err != nil {
		if errors.Is(err, ledger.ErrBootstrap) {
			// Misconfigured/empty database; nothing a retry can fix.
			httpx.FailErr(c, httpx.ErrInternalError("commitfest data not bootstrapped", err))
			return
		}
		httpx.FailErr(c, httpx.ErrDatabaseError("", err))
		return
	}

	httpx.OK(c, gin.H{
		"open":        cycleJSON(rc.Open),
		"in_progress": cycleJSON(rc.InProgress),
		"previous":    cycleJSON(rc.Previous),
		"final":       cycleJSON(rc.Final),
		"draft":       cycleJSON(rc.Draft),
		"next_open":   cycleJSON(rc.NextOpen),
	})
}

// Get returns one cycle with its patch listing
// GET /api/v1/cycles/:id
func (h *Handler) Get(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid cycle id"))
		return
	}

	var cycle model.Cycle
	if err := h.db.First(&cycle, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			httpx.FailErr(c, httpx.ErrNotFound("cycle not found"))
			return
		}
		httpx.FailErr(c, httpx.ErrDatabaseError("", err))
		return
	}

	var pocs []model.PatchOnCycle
	err = h.db.Preload("Patch").Where("cycle_id = ?", cycle.ID).Find(&pocs).Error
	if err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("", err))
		return
	}

	patches := make([]gin.H, 0, len(pocs))
	for i := range pocs {
		patches = append(patches, gin.H{
			"id":        pocs[i].PatchID,
			"name":      pocs[i].Patch.Name,
			"status":    pocs[i].Status.String(),
			"enterdate": pocs[i].EnterDate,
			"leavedate": pocs[i].LeaveDate,
		})
	}

	data := cycleJSON(&cycle)
	data["patches"] = patches
	httpx.OK(c, data)
}

// History lists all cycles
// GET /api/v1/cycles
func (h *Handler) History(c *gin.Context) {
	var cyclesList []model.Cycle
	if err := h.db.Order("start_date DESC").Find(&cyclesList).Error; err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("", err))
		return
	}
	items := make([]gin.H, 0, len(cyclesList))
	for i := range cyclesList {
		items = append(items, cycleJSON(&cyclesList[i]))
	}
	httpx.OK(c, gin.H{"items": items})
}

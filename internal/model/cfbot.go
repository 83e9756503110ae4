package model

import (
	"time"

	"gorm.io/datatypes"
)

// CfbotBranch status values reported by the CI system
const (
	CfbotBranchTesting  = "testing"
	CfbotBranchFinished = "finished"
	CfbotBranchFailed   = "failed"
	CfbotBranchTimeout  = "timeout"
)

// CfbotBranch is the CI state for a patch, one row per patch holding
// the most recent branch the bot built for it.
type CfbotBranch struct {
	PatchID    int     `gorm:"primaryKey" json:"patch_id"`
	Patch      Patch   `gorm:"foreignKey:PatchID" json:"-"`
	BranchID   int     `gorm:"not null" json:"branch_id"`
	BranchName string  `gorm:"type:varchar(500);not null" json:"branch_name"`
	CommitID   *string `gorm:"type:varchar(100)" json:"commit_id"`
	ApplyURL   string  `gorm:"type:varchar(1000);not null" json:"apply_url"`
	Status     string  `gorm:"type:varchar(20);not null" json:"status"`

	NeedsRebaseSince *time.Time `gorm:"default:null" json:"needs_rebase_since"`
	FailingSince     *time.Time `gorm:"default:null" json:"failing_since"`

	Created  time.Time `gorm:"not null" json:"created"`
	Modified time.Time `gorm:"not null" json:"modified"`

	Version        *string `gorm:"type:varchar(100)" json:"version"`
	PatchCount     *int    `json:"patch_count"`
	FirstAdditions *int    `json:"first_additions"`
	FirstDeletions *int    `json:"first_deletions"`
	AllAdditions   *int    `json:"all_additions"`
	AllDeletions   *int    `json:"all_deletions"`

	// Raw branch_status payload of the last accepted webhook message,
	// kept for debugging out-of-order delivery issues.
	LastPayload datatypes.JSON `json:"-"`
}

// TableName specifies the table name for CfbotBranch model
func (CfbotBranch) TableName() string {
	return "cfbot_branches"
}

// NeedsRebase reports whether the bot could not apply the patch series.
func (b *CfbotBranch) NeedsRebase() bool {
	return b.CommitID == nil || *b.CommitID == ""
}

// CfbotTask status values reported by the CI system
var CfbotTaskStatuses = []string{
	"CREATED", "PAUSED", "NEEDS_APPROVAL", "TRIGGERED", "EXECUTING",
	"FAILED", "COMPLETED", "SCHEDULED", "ABORTED", "ERRORED",
}

// CfbotTask is a single CI task within a branch build. The external
// task id is kept opaque text; CI providers change.
type CfbotTask struct {
	ID       int       `gorm:"primaryKey;autoIncrement" json:"id"`
	TaskID   string    `gorm:"type:varchar(100);uniqueIndex;not null" json:"task_id"`
	TaskName string    `gorm:"type:varchar(500);not null" json:"task_name"`
	PatchID  int       `gorm:"not null;index" json:"patch_id"`
	Patch    Patch     `gorm:"foreignKey:PatchID" json:"-"`
	BranchID int       `gorm:"not null;uniqueIndex:uk_branch_position" json:"branch_id"`
	Position int       `gorm:"not null;uniqueIndex:uk_branch_position" json:"position"`
	Status   string    `gorm:"type:varchar(20);not null" json:"status"`
	Created  time.Time `gorm:"not null" json:"created"`
	Modified time.Time `gorm:"not null" json:"modified"`
}

// TableName specifies the table name for CfbotTask model
func (CfbotTask) TableName() string {
	return "cfbot_tasks"
}

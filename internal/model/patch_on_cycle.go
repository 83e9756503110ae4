package model

import (
	"fmt"
	"time"
)

// PatchStatus represents a patch's status within one cycle
type PatchStatus int

const (
	PatchStatusReview    PatchStatus = 1
	PatchStatusAuthor    PatchStatus = 2
	PatchStatusCommitter PatchStatus = 3
	PatchStatusCommitted PatchStatus = 4
	PatchStatusMoved     PatchStatus = 5
	PatchStatusRejected  PatchStatus = 6
	PatchStatusReturned  PatchStatus = 7
	PatchStatusWithdrawn PatchStatus = 8
)

// OpenPatchStatuses are the non-terminal statuses. Everything else is
// terminal and freezes the participation row.
var OpenPatchStatuses = []PatchStatus{
	PatchStatusReview,
	PatchStatusAuthor,
	PatchStatusCommitter,
}

// String returns the human-readable status name
func (s PatchStatus) String() string {
	switch s {
	case PatchStatusReview:
		return "Needs review"
	case PatchStatusAuthor:
		return "Waiting on Author"
	case PatchStatusCommitter:
		return "Ready for Committer"
	case PatchStatusCommitted:
		return "Committed"
	case PatchStatusMoved:
		return "Moved to different CF"
	case PatchStatusRejected:
		return "Rejected"
	case PatchStatusReturned:
		return "Returned with feedback"
	case PatchStatusWithdrawn:
		return "Withdrawn"
	}
	return fmt.Sprintf("Unknown (%d)", int(s))
}

// IsOpen reports whether the status is non-terminal.
func (s PatchStatus) IsOpen() bool {
	for _, o := range OpenPatchStatuses {
		if s == o {
			return true
		}
	}
	return false
}

// PatchOnCycle records one patch's participation in one cycle.
//
// A patch has at most one row per cycle (uk_patch_cycle; re-entering a
// cycle updates the old row), and across all cycles at most one row
// with a status other than Moved: that row is the patch's current
// participation. LiveFlag mirrors that condition for the uk_patch_live
// unique index, the storage-level guard behind the application checks.
type PatchOnCycle struct {
	ID      int   `gorm:"primaryKey;autoIncrement" json:"id"`
	PatchID int   `gorm:"not null;uniqueIndex:uk_patch_cycle;uniqueIndex:uk_patch_live" json:"patch_id"`
	Patch   Patch `gorm:"foreignKey:PatchID" json:"-"`
	CycleID int   `gorm:"not null;uniqueIndex:uk_patch_cycle" json:"cycle_id"`
	Cycle   Cycle `gorm:"foreignKey:CycleID" json:"-"`

	Status   PatchStatus `gorm:"not null;default:1" json:"status"`
	LiveFlag *bool       `gorm:"uniqueIndex:uk_patch_live" json:"-"`

	EnterDate time.Time  `gorm:"not null" json:"enterdate"`
	LeaveDate *time.Time `gorm:"default:null" json:"leavedate"`
}

// TableName specifies the table name for PatchOnCycle model
func (PatchOnCycle) TableName() string {
	return "patch_on_cycles"
}

// SetStatus sets the status and keeps LeaveDate and LiveFlag consistent
// with it: terminal status implies a leave date, open status implies
// none.
func (poc *PatchOnCycle) SetStatus(status PatchStatus, now time.Time) {
	poc.Status = status
	if status.IsOpen() {
		poc.LeaveDate = nil
	} else if poc.LeaveDate == nil {
		t := now
		poc.LeaveDate = &t
	}
	if status == PatchStatusMoved {
		poc.LiveFlag = nil
	} else {
		live := true
		poc.LiveFlag = &live
	}
}

// IsOpen reports whether the participation is still actionable.
func (poc *PatchOnCycle) IsOpen() bool {
	return poc.Status.IsOpen()
}

// IsClosed reports whether the participation reached a terminal status.
func (poc *PatchOnCycle) IsClosed() bool {
	return !poc.IsOpen()
}

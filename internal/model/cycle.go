package model

import (
	"fmt"
	"time"
)

// CycleStatus represents the lifecycle state of a review cycle
type CycleStatus int

const (
	CycleStatusFuture     CycleStatus = 1 // legacy, not produced anymore
	CycleStatusOpen       CycleStatus = 2
	CycleStatusInProgress CycleStatus = 3
	CycleStatusClosed     CycleStatus = 4
	CycleStatusParked     CycleStatus = 5 // legacy
)

// String returns the human-readable status name
func (s CycleStatus) String() string {
	switch s {
	case CycleStatusFuture:
		return "Future"
	case CycleStatusOpen:
		return "Open"
	case CycleStatusInProgress:
		return "In Progress"
	case CycleStatusClosed:
		return "Closed"
	case CycleStatusParked:
		return "Parked"
	}
	return fmt.Sprintf("Unknown (%d)", int(s))
}

// Cycle is a time-boxed review period (a commitfest). Cycles are only
// ever created by the ledger's rollover, never by users, and only move
// forward: Open -> In Progress -> Closed.
//
// The uk_cycle_live index is the last-resort guard for the "at most one
// non-closed, non-future cycle per (status, draft)" invariant: LiveStatus
// mirrors Status for open/in-progress rows and is NULL otherwise, so the
// unique index only bites on live rows.
type Cycle struct {
	BaseModel
	Name       string       `gorm:"type:varchar(100);uniqueIndex;not null" json:"name"`
	Status     CycleStatus  `gorm:"not null;default:2" json:"status"`
	LiveStatus *CycleStatus `gorm:"uniqueIndex:uk_cycle_live" json:"-"`
	StartDate  time.Time    `gorm:"not null" json:"startdate"`
	EndDate    time.Time    `gorm:"not null" json:"enddate"`
	Draft      bool         `gorm:"not null;default:false;uniqueIndex:uk_cycle_live" json:"draft"`
}

// TableName specifies the table name for Cycle model
func (Cycle) TableName() string {
	return "cycles"
}

// SetStatus updates the status together with the LiveStatus mirror
// column backing the uniqueness constraint.
func (c *Cycle) SetStatus(status CycleStatus) {
	c.Status = status
	if status == CycleStatusOpen || status == CycleStatusInProgress {
		s := status
		c.LiveStatus = &s
	} else {
		c.LiveStatus = nil
	}
}

func (c *Cycle) IsOpen() bool {
	return c.Status == CycleStatusOpen
}

func (c *Cycle) IsInProgress() bool {
	return c.Status == CycleStatusInProgress
}

func (c *Cycle) IsClosed() bool {
	return c.Status == CycleStatusClosed
}

func (c *Cycle) IsOpenRegular() bool {
	return c.IsOpen() && !c.Draft
}

func (c *Cycle) IsOpenDraft() bool {
	return c.IsOpen() && c.Draft
}

// LastOpenDate is the last day on which the cycle is still open for new
// patches, i.e. the day before it starts.
func (c *Cycle) LastOpenDate() time.Time {
	return c.StartDate.AddDate(0, 0, -1)
}

// DevCycle derives the development cycle number encoded in the cycle
// name. The two cycles starting in January and March belong to the dev
// cycle that began the previous calendar year.
func (c *Cycle) DevCycle() int {
	switch c.StartDate.Month() {
	case time.January, time.March:
		return c.StartDate.Year() - 2007
	default:
		return c.StartDate.Year() - 2006
	}
}

// Title is the display title.
func (c *Cycle) Title() string {
	return "Commitfest " + c.Name
}

func (c *Cycle) String() string {
	return c.Name
}

// Package ledger is the single owner of the "what cycle is open right
// now" question. It reads the relevant set of cycles and, when their
// dates have passed, rolls them forward: closing expired cycles (with
// auto-migration of active patches), promoting the open cycle, and
// creating successors. No other package queries cycle status directly.
package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go_commitfest/internal/model"
	"go_commitfest/internal/policy"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrBootstrap indicates the database does not hold the minimum three
// regular cycles the ledger is built around. This is a deployment
// problem, not a runtime condition, and is not recovered from.
var ErrBootstrap = errors.New("fewer than three regular cycles exist, database not bootstrapped")

// RelevantCycles is the ledger's answer: the cycles the application
// works against right now.
type RelevantCycles struct {
	// Open is the regular cycle currently accepting patches.
	Open *model.Cycle
	// InProgress is the regular cycle under active review, nil between
	// review periods.
	InProgress *model.Cycle
	// Previous is the most recently closed regular cycle.
	Previous *model.Cycle
	// Final is the last cycle of the current dev cycle. May be an
	// unsaved placeholder when that cycle does not exist yet.
	Final *model.Cycle
	// Draft is the current draft cycle, nil only before the rollover
	// has ever created one.
	Draft *model.Cycle
	// NextOpen is an unsaved placeholder for the cycle that will open
	// after the current open one ends.
	NextOpen *model.Cycle
}

// Ledger reads and refreshes the relevant cycles.
type Ledger struct {
	db         *gorm.DB
	policy     *policy.Policy
	autoCreate bool
	log        *logrus.Entry

	// Now is the wall clock, swappable in tests.
	Now func() time.Time
}

// New creates a Ledger. With autoCreate false (test systems with fixed
// fixtures), Relevant never mutates anything.
func New(db *gorm.DB, p *policy.Policy, autoCreate bool) *Ledger {
	return &Ledger{
		db:         db,
		policy:     p,
		autoCreate: autoCreate,
		log:        logrus.WithField("component", "ledger"),
		Now:        time.Now,
	}
}

// Relevant returns the relevant cycles. With refresh (the default for
// request paths), stale cycles are first rolled forward. The staleness
// check is a few date comparisons; the rollover itself only happens
// about once a month.
func (l *Ledger) Relevant(refresh bool) (*RelevantCycles, error) {
	if refresh && l.autoCreate {
		return l.refresh()
	}
	return l.read(l.db, false)
}

// GetInProgress returns the in-progress cycle, or nil.
func (l *Ledger) GetInProgress(tx *gorm.DB) (*model.Cycle, error) {
	return l.firstByStatus(tx, model.CycleStatusInProgress, nil)
}

// GetOpenRegular returns the open regular cycle, or nil.
func (l *Ledger) GetOpenRegular(tx *gorm.DB) (*model.Cycle, error) {
	draft := false
	return l.firstByStatus(tx, model.CycleStatusOpen, &draft)
}

// GetCurrent returns the in-progress cycle if there is one, otherwise
// the open regular cycle.
func (l *Ledger) GetCurrent(tx *gorm.DB) (*model.Cycle, error) {
	current, err := l.GetInProgress(tx)
	if err != nil || current != nil {
		return current, err
	}
	return l.GetOpenRegular(tx)
}

func (l *Ledger) firstByStatus(tx *gorm.DB, status model.CycleStatus, draft *bool) (*model.Cycle, error) {
	var cycle model.Cycle
	q := tx.Where("status = ?", status)
	if draft != nil {
		q = q.Where("draft = ?", *draft)
	}
	err := q.First(&cycle).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query cycles: %w", err)
	}
	return &cycle, nil
}

// read loads the relevant cycles without refreshing. With forUpdate the
// candidate rows are row-locked so concurrent refreshers serialize on
// them.
func (l *Ledger) read(tx *gorm.DB, forUpdate bool) (*RelevantCycles, error) {
	base := tx.Model(&model.Cycle{}).Order("end_date DESC")
	if forUpdate && tx.Dialector.Name() == "mysql" {
		// sqlite (tests) has no FOR UPDATE; its writer lock serializes
		// the transaction instead.
		base = base.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var lastThree []model.Cycle
	if err := base.Where("draft = ?", false).Limit(3).Find(&lastThree).Error; err != nil {
		return nil, fmt.Errorf("failed to load regular cycles: %w", err)
	}
	if len(lastThree) < 3 {
		return nil, ErrBootstrap
	}

	rc := &RelevantCycles{Open: &lastThree[0]}
	if lastThree[1].IsInProgress() {
		rc.InProgress = &lastThree[1]
		rc.Previous = &lastThree[2]
	} else {
		rc.Previous = &lastThree[1]
	}

	// The final cycle of the dev cycle always starts in March. Prefer
	// an existing cycle that already lands there; otherwise derive the
	// placeholder from the dev-cycle arithmetic.
	switch {
	case rc.InProgress != nil && rc.InProgress.StartDate.Month() == time.March:
		rc.Final = rc.InProgress
	case rc.Open.StartDate.Month() == time.March:
		rc.Final = rc.Open
	default:
		rc.Final = NextOpenCycle(model.Date(rc.Open.DevCycle()+2007, time.February, 1))
	}

	var draft model.Cycle
	err := tx.Where("draft = ?", true).Order("start_date DESC").First(&draft).Error
	if err == nil {
		rc.Draft = &draft
	} else if err != gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("failed to load draft cycle: %w", err)
	}

	rc.NextOpen = NextOpenCycle(rc.Open.EndDate.AddDate(0, 0, 1))

	return rc, nil
}

// upToDate is the cheap staleness check: false when any date-driven
// transition is due.
func (l *Ledger) upToDate(rc *RelevantCycles, today time.Time) bool {
	if rc.InProgress != nil && rc.InProgress.EndDate.Before(today) {
		return false
	}
	if !rc.Open.StartDate.After(today) {
		return false
	}
	if rc.Draft == nil || rc.Draft.EndDate.Before(today) {
		return false
	}
	return true
}

func (l *Ledger) refresh() (*RelevantCycles, error) {
	rc, err := l.read(l.db, false)
	if err != nil {
		return nil, err
	}
	today := model.DateOnly(l.Now())
	if l.upToDate(rc, today) {
		return rc, nil
	}

	var out *RelevantCycles
	err = l.transact(func(tx *gorm.DB) error {
		// Re-read under the row lock: another request may have done
		// the rollover while we waited for it.
		rc, err := l.read(tx, true)
		if err != nil {
			return err
		}
		if l.upToDate(rc, today) {
			out = rc
			return nil
		}

		if rc.InProgress != nil && rc.InProgress.EndDate.Before(today) {
			if err := l.closeCycle(tx, rc.InProgress); err != nil {
				return err
			}
		}

		if !rc.Open.StartDate.After(today) {
			if rc.Open.EndDate.Before(today) {
				// Never promoted; close it outright.
				if err := l.closeCycle(tx, rc.Open); err != nil {
					return err
				}
			} else {
				rc.Open.SetStatus(model.CycleStatusInProgress)
				if err := tx.Save(rc.Open).Error; err != nil {
					return fmt.Errorf("failed to promote open cycle: %w", err)
				}
				l.log.WithField("cycle", rc.Open.Name).Info("cycle now in progress")
			}

			next := NextOpenCycle(today)
			if err := tx.Create(next).Error; err != nil {
				return fmt.Errorf("failed to create next open cycle: %w", err)
			}
			l.log.WithField("cycle", next.Name).Info("created open cycle")
		}

		if rc.Draft == nil {
			next := NextDraftCycle(today)
			if err := tx.Create(next).Error; err != nil {
				return fmt.Errorf("failed to create draft cycle: %w", err)
			}
			l.log.WithField("cycle", next.Name).Info("created draft cycle")
		} else if rc.Draft.EndDate.Before(today) {
			if err := l.closeCycle(tx, rc.Draft); err != nil {
				return err
			}
			next := NextDraftCycle(today)
			if err := tx.Create(next).Error; err != nil {
				return fmt.Errorf("failed to create draft cycle: %w", err)
			}
			l.log.WithField("cycle", next.Name).Info("created draft cycle")
		}

		out, err = l.read(tx, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// closeCycle closes an expired cycle: qualifying active patches are
// carried into the next cycle of the same kind, everyone else's authors
// get a closure notification.
func (l *Ledger) closeCycle(tx *gorm.DB, cycle *model.Cycle) error {
	moved, err := l.policy.AutoMoveActivePatches(tx, cycle, l.Now().UTC())
	if err != nil {
		return err
	}

	cycle.SetStatus(model.CycleStatusClosed)
	if err := tx.Save(cycle).Error; err != nil {
		return fmt.Errorf("failed to close cycle: %w", err)
	}
	l.log.WithFields(logrus.Fields{
		"cycle": cycle.Name,
		"moved": len(moved),
	}).Info("closed cycle")

	return l.policy.SendClosureNotifications(tx, cycle, moved)
}

// transact runs fc in a transaction. The rollover is a read-then-write
// sequence, so on MySQL it runs at repeatable read or stronger.
func (l *Ledger) transact(fc func(tx *gorm.DB) error) error {
	if l.db.Dialector.Name() == "mysql" {
		return l.db.Transaction(fc, &sql.TxOptions{Isolation: sql.LevelRepeatableRead})
	}
	return l.db.Transaction(fc)
}

// cycleMonths are the months in which regular cycles start, in
// dev-cycle order. The fifth, final cycle starts in March of the
// following calendar year.
var cycleMonths = []time.Month{time.July, time.September, time.November, time.January, time.March}

// NextOpenCycle builds (without saving) the regular cycle that opens
// next after fromDate. Naming encodes the dev cycle: PG<n>-<slot>, with
// the March cycle called PG<n>-Final.
func NextOpenCycle(fromDate time.Time) *model.Cycle {
	month := time.Month(0)
	for _, m := range cycleMonths {
		if m > fromDate.Month() && (month == 0 || m < month) {
			month = m
		}
	}
	year := fromDate.Year()
	if month == 0 {
		// Nothing later this year; wrap to January. There is no cycle
		// in December so this is never ambiguous.
		month = time.January
		year++
	}

	devCycle := year - 2006
	if month == time.January || month == time.March {
		devCycle--
	}

	var name string
	if month == time.March {
		name = fmt.Sprintf("PG%d-Final", devCycle)
	} else {
		slot := 0
		for i, m := range cycleMonths {
			if m == month {
				slot = i + 1
			}
		}
		name = fmt.Sprintf("PG%d-%d", devCycle, slot)
	}

	cycle := &model.Cycle{
		Name:      name,
		StartDate: model.Date(year, month, 1),
		EndDate:   model.Date(year, month+1, 1).AddDate(0, 0, -1),
	}
	cycle.SetStatus(model.CycleStatusOpen)
	return cycle
}

// NextDraftCycle builds (without saving) the draft cycle starting at
// startDate. Draft cycles run through the end of the February before
// the dev cycle's final regular cycle.
func NextDraftCycle(startDate time.Time) *model.Cycle {
	devCycle := startDate.Year() - 2006
	if startDate.Month() < time.March {
		devCycle--
	}
	endYear := devCycle + 2007

	cycle := &model.Cycle{
		Name:      fmt.Sprintf("PG%d-Drafts", devCycle),
		StartDate: model.DateOnly(startDate),
		EndDate:   model.Date(endYear, time.March, 1).AddDate(0, 0, -1),
		Draft:     true,
	}
	cycle.SetStatus(model.CycleStatusOpen)
	return cycle
}

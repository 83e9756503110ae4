// Package workflow enforces the participation state machine: which
// status transitions are legal for whom, and the move operation that
// closes a participation in one cycle and opens it in another.
package workflow

import (
	"errors"
	"fmt"
	"time"

	"go_commitfest/internal/history"
	"go_commitfest/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UserInputError is a rejected operation: the request was well-formed
// but the workflow rules forbid it. Handlers surface the message to the
// user and nothing is aborted.
type UserInputError struct {
	Reason string
}

func (e *UserInputError) Error() string {
	return e.Reason
}

func userInputf(format string, args ...interface{}) error {
	return &UserInputError{Reason: fmt.Sprintf(format, args...)}
}

// IsUserInputError reports whether err is a workflow rejection.
func IsUserInputError(err error) bool {
	var uie *UserInputError
	return errors.As(err, &uie)
}

// ErrConcurrentModification signals that the participation the caller
// was operating on stopped being the patch's current one mid-request.
// The caller's guard should have caught this; hitting it means a lost
// race, and the enclosing transaction must be rolled back.
var ErrConcurrentModification = errors.New("patch was moved by a concurrent request")

// Actor is whoever is performing an operation: a user, or the automated
// actor used by cycle closure and CI ingestion.
type Actor struct {
	User      *model.User
	Automated bool
}

// AutomatedActor is the sentinel actor for system-initiated changes.
var AutomatedActor = Actor{Automated: true}

// IsPrivileged reports whether the actor bypasses ordinary workflow
// permission checks.
func (a Actor) IsPrivileged() bool {
	return a.Automated || (a.User != nil && a.User.IsStaff)
}

func (a Actor) String() string {
	if a.Automated {
		return "CFbot"
	}
	if a.User != nil {
		return a.User.Username
	}
	return "anonymous"
}

// Engine runs workflow operations. All methods expect to be called
// inside an open transaction.
type Engine struct{}

// NewEngine creates a workflow engine
func NewEngine() *Engine {
	return &Engine{}
}

// CurrentParticipation returns the patch's single non-Moved
// participation with its cycle preloaded. gorm.ErrRecordNotFound means
// the patch has no live participation, which only happens for broken
// data.
func (e *Engine) CurrentParticipation(tx *gorm.DB, patchID int) (*model.PatchOnCycle, error) {
	var poc model.PatchOnCycle
	err := tx.Preload("Cycle").
		Where("patch_id = ? AND status <> ?", patchID, model.PatchStatusMoved).
		First(&poc).Error
	if err != nil {
		return nil, err
	}
	return &poc, nil
}

// guard is one step of the ordered permission ladder: if pred() is
// true the operation is rejected with reason.
type guard struct {
	pred   func() bool
	reason string
}

// ChangeStatus transitions a patch's current participation to
// newStatus on behalf of actor. On success the participation and the
// patch's modified timestamp are saved and a history entry is appended
// with notification fan-out.
func (e *Engine) ChangeStatus(tx *gorm.DB, patch *model.Patch, poc *model.PatchOnCycle, newStatus model.PatchStatus, actor Actor) error {
	now := time.Now().UTC()

	current, err := e.CurrentParticipation(tx, patch.ID)
	if err != nil {
		return fmt.Errorf("failed to load current participation: %w", err)
	}
	if poc.CycleID != current.CycleID {
		// Defense in depth: the caller resolved this participation
		// before we got the transaction, and someone moved the patch
		// in between.
		return ErrConcurrentModification
	}

	if newStatus == poc.Status {
		return userInputf("Patch is already in state %s.", newStatus)
	}

	if newStatus == model.PatchStatusCommitted && poc.Cycle.Draft {
		return userInputf("Patches cannot be committed in a draft commitfest.")
	}

	if !actor.IsPrivileged() {
		var isCommitter, isAuthor bool
		if actor.User != nil {
			if isCommitter, err = e.isCommitter(tx, actor.User.ID); err != nil {
				return fmt.Errorf("failed to check committer status: %w", err)
			}
			if isAuthor, err = e.isAuthor(tx, patch.ID, actor.User.ID); err != nil {
				return fmt.Errorf("failed to check authorship: %w", err)
			}
		}

		ladder := []guard{
			{
				pred: func() bool {
					switch newStatus {
					case model.PatchStatusCommitted, model.PatchStatusRejected, model.PatchStatusReturned:
						return !isCommitter
					}
					return false
				},
				reason: fmt.Sprintf("Only a committer can set state %s.", newStatus),
			},
			{
				pred: func() bool {
					return newStatus == model.PatchStatusWithdrawn && !isAuthor
				},
				reason: "Only the author can withdraw a patch.",
			},
			{
				pred:   func() bool { return poc.IsClosed() },
				reason: fmt.Sprintf("Patch in state %s cannot be changed.", poc.Status),
			},
		}
		for _, g := range ladder {
			if g.pred() {
				return userInputf("%s", g.reason)
			}
		}
	}

	poc.SetStatus(newStatus, now)
	patch.SetModified(now)

	if err := tx.Save(poc).Error; err != nil {
		return fmt.Errorf("failed to save participation: %w", err)
	}
	if err := tx.Model(patch).Update("modified", patch.Modified).Error; err != nil {
		return fmt.Errorf("failed to touch patch: %w", err)
	}

	_, err = history.SaveAndNotify(tx, patch, actor.User, actor.Automated,
		fmt.Sprintf("New status: %s", newStatus), history.NotifyOpts{})
	return err
}

// Move closes the patch's participation in fromCycle and opens one in
// toCycle carrying the same status. Returns the new participation.
func (e *Engine) Move(tx *gorm.DB, patch *model.Patch, fromCycle, toCycle *model.Cycle, actor Actor, allowInProgress bool) (*model.PatchOnCycle, error) {
	now := time.Now().UTC()

	current, err := e.CurrentParticipation(tx, patch.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load current participation: %w", err)
	}
	if fromCycle.ID != current.CycleID {
		return nil, userInputf("Patch not in source commitfest.")
	}
	if fromCycle.ID == toCycle.ID {
		return nil, userInputf("Source and target commitfest are the same.")
	}
	if !current.Status.IsOpen() {
		return nil, userInputf("Patch in state %s cannot be moved.", current.Status)
	}
	if toCycle.IsInProgress() {
		if !allowInProgress {
			return nil, userInputf("Patch can only be moved to an open commitfest")
		}
	} else if !toCycle.IsOpen() {
		return nil, userInputf("Patch can only be moved to an open commitfest")
	}

	oldStatus := current.Status
	current.SetStatus(model.PatchStatusMoved, now)
	if err := tx.Save(current).Error; err != nil {
		return nil, fmt.Errorf("failed to close participation: %w", err)
	}

	// Re-entering a cycle the patch was in before updates the old row
	// instead of creating a duplicate.
	live := true
	newPoc := model.PatchOnCycle{
		PatchID:   patch.ID,
		CycleID:   toCycle.ID,
		Status:    oldStatus,
		LiveFlag:  &live,
		EnterDate: now,
		LeaveDate: nil,
	}
	err = tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "patch_id"}, {Name: "cycle_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"status":     oldStatus,
			"live_flag":  true,
			"enter_date": now,
			"leave_date": nil,
		}),
	}).Create(&newPoc).Error
	if err != nil {
		return nil, fmt.Errorf("failed to open participation: %w", err)
	}

	patch.SetModified(now)
	if err := tx.Model(patch).Update("modified", patch.Modified).Error; err != nil {
		return nil, fmt.Errorf("failed to touch patch: %w", err)
	}

	_, err = history.SaveAndNotify(tx, patch, actor.User, actor.Automated,
		fmt.Sprintf("Moved from CF %s to CF %s", fromCycle.Name, toCycle.Name), history.NotifyOpts{})
	if err != nil {
		return nil, err
	}

	return &newPoc, nil
}

func (e *Engine) isCommitter(tx *gorm.DB, userID int) (bool, error) {
	var count int64
	err := tx.Model(&model.Committer{}).Where("user_id = ? AND active = ?", userID, true).Count(&count).Error
	return count > 0, err
}

func (e *Engine) isAuthor(tx *gorm.DB, patchID, userID int) (bool, error) {
	var count int64
	err := tx.Table("patch_authors").Where("patch_id = ? AND user_id = ?", patchID, userID).Count(&count).Error
	return count > 0, err
}

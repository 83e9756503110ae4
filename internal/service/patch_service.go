// Package service implements the request-level use cases on top of the
// workflow engine: creating patches, the close/commit fast path, and
// membership changes. All methods run inside the transaction they are
// given; handlers own the transaction boundary.
package service

import (
	"context"
	"fmt"
	"time"

	"go_commitfest/internal/history"
	"go_commitfest/internal/ledger"
	"go_commitfest/internal/model"
	"go_commitfest/internal/thread"
	"go_commitfest/internal/workflow"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// PatchService implements patch use cases.
type PatchService struct {
	engine  *workflow.Engine
	ledger  *ledger.Ledger
	threads *thread.Service
	log     *logrus.Entry
}

// NewPatchService creates a patch service
func NewPatchService(engine *workflow.Engine, l *ledger.Ledger, threads *thread.Service) *PatchService {
	return &PatchService{
		engine:  engine,
		ledger:  l,
		threads: threads,
		log:     logrus.WithField("component", "patch-service"),
	}
}

// NewPatchInput is the creation form.
type NewPatchInput struct {
	Name            string
	WikiLink        string
	GitLink         string
	TargetVersionID *int
	AuthorIDs       []int
	ThreadMessageID string
}

// Create creates a patch in an open cycle together with its first
// participation and mail thread. A failed thread lookup fails the whole
// creation; the caller's transaction rolls everything back, so no
// half-created patch survives.
func (s *PatchService) Create(ctx context.Context, tx *gorm.DB, cycle *model.Cycle, in *NewPatchInput, actor workflow.Actor) (*model.Patch, error) {
	if !cycle.IsOpen() && !actor.IsPrivileged() {
		return nil, &workflow.UserInputError{Reason: "This commitfest is not open."}
	}
	if in.Name == "" {
		return nil, &workflow.UserInputError{Reason: "A patch needs a description."}
	}
	if in.ThreadMessageID == "" {
		return nil, &workflow.UserInputError{Reason: "A patch needs an initial mail thread."}
	}

	now := time.Now().UTC()
	patch := model.Patch{
		Name:            in.Name,
		WikiLink:        in.WikiLink,
		GitLink:         in.GitLink,
		TargetVersionID: in.TargetVersionID,
		Modified:        now,
	}
	if err := tx.Create(&patch).Error; err != nil {
		return nil, fmt.Errorf("failed to create patch: %w", err)
	}

	if len(in.AuthorIDs) > 0 {
		var authors []model.User
		if err := tx.Find(&authors, in.AuthorIDs).Error; err != nil {
			return nil, fmt.Errorf("failed to load authors: %w", err)
		}
		if err := tx.Model(&patch).Association("Authors").Append(&authors); err != nil {
			return nil, fmt.Errorf("failed to set authors: %w", err)
		}
	}

	live := true
	poc := model.PatchOnCycle{
		PatchID:   patch.ID,
		CycleID:   cycle.ID,
		Status:    model.PatchStatusReview,
		LiveFlag:  &live,
		EnterDate: now,
	}
	if err := tx.Create(&poc).Error; err != nil {
		return nil, fmt.Errorf("failed to create participation: %w", err)
	}

	if _, err := history.Append(tx, &patch, actor.User, actor.Automated, "Created patch record"); err != nil {
		return nil, err
	}

	// Archive lookup failures (not-found and outages alike) propagate
	// and take the new patch down with the transaction.
	if err := s.threads.Attach(ctx, tx, &patch, in.ThreadMessageID, actor); err != nil {
		return nil, err
	}

	return &patch, nil
}

// CloseInput names the terminal status for Close.
type CloseInput struct {
	Status model.PatchStatus
	// CommitterUsername is required when committing.
	CommitterUsername string
	// ExpectedCycleID detects races: when set and the patch's current
	// cycle differs, the close is rejected for re-confirmation.
	ExpectedCycleID *int
}

// Close ends a patch's participation with a terminal status. Committing
// a patch sitting in an open cycle first moves it to where committed
// patches belong: the in-progress cycle when one exists, or from a
// draft into the open regular cycle.
func (s *PatchService) Close(tx *gorm.DB, patch *model.Patch, in *CloseInput, actor workflow.Actor) error {
	poc, err := s.engine.CurrentParticipation(tx, patch.ID)
	if err != nil {
		return fmt.Errorf("failed to load current participation: %w", err)
	}

	if in.ExpectedCycleID != nil && *in.ExpectedCycleID != poc.CycleID {
		return &workflow.UserInputError{
			Reason: "The patch was moved to a new commitfest by someone else. Please double check if you still want to retry this operation.",
		}
	}

	if in.Status == model.PatchStatusCommitted {
		if poc.Cycle.IsOpen() {
			if inProgress, err := s.ledger.GetInProgress(tx); err != nil {
				return err
			} else if inProgress != nil {
				newPoc, err := s.engine.Move(tx, patch, &poc.Cycle, inProgress, actor, true)
				if err != nil {
					return err
				}
				newPoc.Cycle = *inProgress
				poc = newPoc
			} else if poc.Cycle.Draft {
				openRegular, err := s.ledger.GetOpenRegular(tx)
				if err != nil {
					return err
				}
				if openRegular == nil {
					return &workflow.UserInputError{Reason: "No open commitfest to commit this draft patch in."}
				}
				newPoc, err := s.engine.Move(tx, patch, &poc.Cycle, openRegular, actor, false)
				if err != nil {
					return err
				}
				newPoc.Cycle = *openRegular
				poc = newPoc
			}
		}

		if in.CommitterUsername == "" {
			return &workflow.UserInputError{Reason: "A committer must be specified when committing."}
		}
		var committerUser model.User
		err := tx.Where("username = ?", in.CommitterUsername).First(&committerUser).Error
		if err == gorm.ErrRecordNotFound {
			return &workflow.UserInputError{Reason: "Unknown committer."}
		}
		if err != nil {
			return fmt.Errorf("failed to load committer: %w", err)
		}
		var committer model.Committer
		err = tx.Where("user_id = ?", committerUser.ID).First(&committer).Error
		if err == gorm.ErrRecordNotFound {
			return &workflow.UserInputError{Reason: "Unknown committer."}
		}
		if err != nil {
			return fmt.Errorf("failed to load committer: %w", err)
		}
		committer.User = committerUser
		if patch.CommitterID == nil || *patch.CommitterID != committer.UserID {
			prev := patch.Committer
			patch.CommitterID = &committer.UserID
			patch.Committer = &committer
			if err := tx.Model(patch).Update("committer_id", committer.UserID).Error; err != nil {
				return fmt.Errorf("failed to set committer: %w", err)
			}
			_, err := history.SaveAndNotify(tx, patch, actor.User, actor.Automated,
				fmt.Sprintf("Changed committer to %s", committer.User.Username),
				history.NotifyOpts{PrevCommitter: prev})
			if err != nil {
				return err
			}
		}
	}

	return s.engine.ChangeStatus(tx, patch, poc, in.Status, actor)
}

// SetReviewer adds or removes a user as reviewer on a patch.
func (s *PatchService) SetReviewer(tx *gorm.DB, patch *model.Patch, user *model.User, becoming bool, actor workflow.Actor) error {
	assoc := tx.Model(patch).Association("Reviewers")
	if becoming {
		if err := assoc.Append(user); err != nil {
			return fmt.Errorf("failed to add reviewer: %w", err)
		}
		_, err := history.SaveAndNotify(tx, patch, actor.User, actor.Automated,
			fmt.Sprintf("Added %s as reviewer", user.Username), history.NotifyOpts{})
		return err
	}
	if err := assoc.Delete(user); err != nil {
		return fmt.Errorf("failed to remove reviewer: %w", err)
	}
	_, err := history.SaveAndNotify(tx, patch, actor.User, actor.Automated,
		fmt.Sprintf("Removed %s from reviewers", user.Username),
		history.NotifyOpts{PrevReviewers: []model.User{*user}})
	return err
}

// SetCommitter claims or releases a patch for a committer. Only active
// committers may claim.
func (s *PatchService) SetCommitter(tx *gorm.DB, patch *model.Patch, user *model.User, becoming bool, actor workflow.Actor) error {
	var committer model.Committer
	err := tx.Where("user_id = ? AND active = ?", user.ID, true).First(&committer).Error
	if err == gorm.ErrRecordNotFound {
		return &workflow.UserInputError{Reason: "Only a committer can claim a patch."}
	}
	if err != nil {
		return fmt.Errorf("failed to load committer: %w", err)
	}

	prev := patch.Committer
	if becoming {
		patch.CommitterID = &committer.UserID
		if err := tx.Model(patch).Update("committer_id", committer.UserID).Error; err != nil {
			return fmt.Errorf("failed to set committer: %w", err)
		}
		_, err = history.SaveAndNotify(tx, patch, actor.User, actor.Automated,
			fmt.Sprintf("Changed committer to %s", user.Username),
			history.NotifyOpts{PrevCommitter: prev})
		return err
	}

	patch.CommitterID = nil
	if err := tx.Model(patch).Update("committer_id", nil).Error; err != nil {
		return fmt.Errorf("failed to clear committer: %w", err)
	}
	_, err = history.SaveAndNotify(tx, patch, actor.User, actor.Automated,
		"Removed committer", history.NotifyOpts{PrevCommitter: prev})
	return err
}

// Subscribe adds or removes the actor from a patch's subscriber list.
// Subscription changes are not history-worthy.
func (s *PatchService) Subscribe(tx *gorm.DB, patch *model.Patch, user *model.User, subscribing bool) error {
	assoc := tx.Model(patch).Association("Subscribers")
	if subscribing {
		return assoc.Append(user)
	}
	return assoc.Delete(user)
}

// Package cfbot ingests CI status webhooks. Messages may arrive
// out of order, so every write is an upsert-by-recency; the only state
// the rest of the system consumes is the needs-rebase and failing
// booleans derived here.
package cfbot

import (
	"encoding/json"
	"fmt"
	"time"

	"go_commitfest/internal/history"
	"go_commitfest/internal/model"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// BranchStatus is the per-branch part of a webhook message.
type BranchStatus struct {
	SubmissionID   int     `json:"submission_id"`
	BranchID       int     `json:"branch_id"`
	BranchName     string  `json:"branch_name"`
	CommitID       *string `json:"commit_id"`
	ApplyURL       string  `json:"apply_url"`
	Status         string  `json:"status"`
	Created        time.Time `json:"created"`
	Modified       time.Time `json:"modified"`
	Version        *string `json:"version"`
	PatchCount     *int    `json:"patch_count"`
	FirstAdditions *int    `json:"first_additions"`
	FirstDeletions *int    `json:"first_deletions"`
	AllAdditions   *int    `json:"all_additions"`
	AllDeletions   *int    `json:"all_deletions"`
}

// TaskStatus is the per-task part of a webhook message, missing in rare
// cases such as a whole-branch timeout.
type TaskStatus struct {
	TaskID   string    `json:"task_id"`
	TaskName string    `json:"task_name"`
	Position int       `json:"position"`
	Status   string    `json:"status"`
	Created  time.Time `json:"created"`
	Modified time.Time `json:"modified"`
}

// Message is one status update from the CI bot.
type Message struct {
	SharedSecret string        `json:"shared_secret"`
	BranchStatus BranchStatus  `json:"branch_status"`
	TaskStatus   *TaskStatus   `json:"task_status,omitempty"`
}

// Ingester applies CI webhook messages to the database.
type Ingester struct {
	log *logrus.Entry

	// Now is the wall clock, swappable in tests.
	Now func() time.Time
}

// NewIngester creates a webhook ingester
func NewIngester() *Ingester {
	return &Ingester{
		log: logrus.WithField("component", "cfbot"),
		Now: time.Now,
	}
}

// Ingest applies one message inside the caller's transaction. Unknown
// patches are ignored (the bot may know newer submissions than a test
// system does). Retried and reordered deliveries are safe: writes only
// land when they are not older than what is already stored.
func (ing *Ingester) Ingest(tx *gorm.DB, msg *Message) error {
	bs := msg.BranchStatus

	var patch model.Patch
	if err := tx.First(&patch, bs.SubmissionID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			ing.log.WithField("patch", bs.SubmissionID).Debug("ignoring status for unknown patch")
			return nil
		}
		return fmt.Errorf("failed to load patch: %w", err)
	}

	branch, err := ing.upsertBranch(tx, &bs)
	if err != nil {
		return err
	}

	// A different branch id than the stored one means this message is
	// for an old branch that a newer one already replaced; nothing
	// else in it matters.
	if branch.BranchID != bs.BranchID {
		return nil
	}

	if msg.TaskStatus != nil && validTaskStatus(msg.TaskStatus.Status) {
		if err := ing.upsertTask(tx, patch.ID, bs.BranchID, msg.TaskStatus); err != nil {
			return err
		}
	}

	// Drop tasks of previous branches. Cheap in the no-op case, and
	// simpler than detecting whether the branch id just changed.
	err = tx.Where("patch_id = ? AND branch_id <> ?", patch.ID, bs.BranchID).
		Delete(&model.CfbotTask{}).Error
	if err != nil {
		return fmt.Errorf("failed to prune stale tasks: %w", err)
	}

	return ing.deriveFlags(tx, &patch, branch, msg)
}

// upsertBranch inserts the branch row or updates it when the message is
// not stale: either a newer branch (created advanced) or an in-order
// status update for the branch we already track (modified advanced).
func (ing *Ingester) upsertBranch(tx *gorm.DB, bs *BranchStatus) (*model.CfbotBranch, error) {
	payload, err := json.Marshal(bs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal branch status: %w", err)
	}

	var existing model.CfbotBranch
	err = tx.Where("patch_id = ?", bs.SubmissionID).First(&existing).Error
	switch {
	case err == gorm.ErrRecordNotFound:
		branch := model.CfbotBranch{
			PatchID:        bs.SubmissionID,
			BranchID:       bs.BranchID,
			BranchName:     bs.BranchName,
			CommitID:       bs.CommitID,
			ApplyURL:       bs.ApplyURL,
			Status:         bs.Status,
			Created:        bs.Created,
			Modified:       bs.Modified,
			Version:        bs.Version,
			PatchCount:     bs.PatchCount,
			FirstAdditions: bs.FirstAdditions,
			FirstDeletions: bs.FirstDeletions,
			AllAdditions:   bs.AllAdditions,
			AllDeletions:   bs.AllDeletions,
			LastPayload:    payload,
		}
		if err := tx.Create(&branch).Error; err != nil {
			return nil, fmt.Errorf("failed to create branch: %w", err)
		}
		return &branch, nil
	case err != nil:
		return nil, fmt.Errorf("failed to load branch: %w", err)
	}

	newer := existing.Created.Before(bs.Created) ||
		(existing.BranchID == bs.BranchID && existing.Modified.Before(bs.Modified))
	if !newer {
		return &existing, nil
	}

	existing.BranchID = bs.BranchID
	existing.BranchName = bs.BranchName
	existing.CommitID = bs.CommitID
	existing.ApplyURL = bs.ApplyURL
	existing.Status = bs.Status
	existing.Created = bs.Created
	existing.Modified = bs.Modified
	existing.Version = bs.Version
	existing.PatchCount = bs.PatchCount
	existing.FirstAdditions = bs.FirstAdditions
	existing.FirstDeletions = bs.FirstDeletions
	existing.AllAdditions = bs.AllAdditions
	existing.AllDeletions = bs.AllDeletions
	existing.LastPayload = payload
	if err := tx.Save(&existing).Error; err != nil {
		return nil, fmt.Errorf("failed to update branch: %w", err)
	}
	return &existing, nil
}

func (ing *Ingester) upsertTask(tx *gorm.DB, patchID, branchID int, ts *TaskStatus) error {
	var existing model.CfbotTask
	err := tx.Where("task_id = ?", ts.TaskID).First(&existing).Error
	switch {
	case err == gorm.ErrRecordNotFound:
		task := model.CfbotTask{
			TaskID:   ts.TaskID,
			TaskName: ts.TaskName,
			PatchID:  patchID,
			BranchID: branchID,
			Position: ts.Position,
			Status:   ts.Status,
			Created:  ts.Created,
			Modified: ts.Modified,
		}
		if err := tx.Create(&task).Error; err != nil {
			return fmt.Errorf("failed to create task: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("failed to load task: %w", err)
	}

	if !existing.Modified.Before(ts.Modified) {
		return nil
	}
	existing.Status = ts.Status
	existing.Modified = ts.Modified
	if err := tx.Save(&existing).Error; err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	return nil
}

// deriveFlags maintains needs_rebase_since and failing_since. Each
// transition appends exactly one history entry and notifies the
// patch's opted-in authors only.
func (ing *Ingester) deriveFlags(tx *gorm.DB, patch *model.Patch, branch *model.CfbotBranch, msg *Message) error {
	now := ing.Now().UTC()
	needsSave := false

	needsRebase := msg.BranchStatus.CommitID == nil || *msg.BranchStatus.CommitID == ""
	if (branch.NeedsRebaseSince != nil) != needsRebase {
		if needsRebase {
			branch.NeedsRebaseSince = &now
		} else {
			branch.NeedsRebaseSince = nil
		}
		needsSave = true

		what := "Patch does not need rebase anymore"
		if needsRebase {
			what = "Patch needs rebase"
		}
		_, err := history.SaveAndNotify(tx, patch, nil, true, what, history.NotifyOpts{AuthorsOnly: true})
		if err != nil {
			return err
		}
	}

	failing := msg.BranchStatus.Status == model.CfbotBranchFailed ||
		msg.BranchStatus.Status == model.CfbotBranchTimeout ||
		needsRebase
	finished := msg.BranchStatus.Status == model.CfbotBranchFinished

	if msg.TaskStatus != nil {
		switch msg.TaskStatus.Status {
		case "ABORTED", "ERRORED", "FAILED":
			failing = true
		}
	}

	if (failing || finished) && (branch.FailingSince != nil) != failing {
		if failing {
			branch.FailingSince = &now
		} else {
			branch.FailingSince = nil
		}
		needsSave = true

		what := "CI is passing again"
		if failing {
			what = "CI started failing"
		}
		_, err := history.SaveAndNotify(tx, patch, nil, true, what, history.NotifyOpts{AuthorsOnly: true})
		if err != nil {
			return err
		}
	}

	if needsSave {
		if err := tx.Save(branch).Error; err != nil {
			return fmt.Errorf("failed to save branch flags: %w", err)
		}
	}
	return nil
}

func validTaskStatus(status string) bool {
	for _, s := range model.CfbotTaskStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// Package history is the append-only audit log of patch changes and
// the fan-out that turns log entries into pending notifications. Every
// workflow-affecting operation goes through Append or SaveAndNotify;
// delivery itself is the mail queue's problem.
package history

import (
	"fmt"

	"go_commitfest/internal/model"

	"gorm.io/gorm"
)

// NotifyOpts carries the extra recipients a state change may involve.
type NotifyOpts struct {
	// PrevCommitter is notified when the committer was just changed
	// away from them.
	PrevCommitter *model.Committer
	// PrevReviewers are notified when they were just removed.
	PrevReviewers []model.User
	// AuthorsOnly restricts the fan-out to opted-in authors, used for
	// CI state changes which are noise to everyone else.
	AuthorsOnly bool
}

// Append writes a history entry without triggering notifications.
// Exactly one of byUser / byCfbot must identify the actor.
func Append(tx *gorm.DB, patch *model.Patch, byUser *model.User, byCfbot bool, what string) (*model.PatchHistory, error) {
	entry := model.PatchHistory{
		PatchID: patch.ID,
		ByCfbot: byCfbot,
		What:    what,
	}
	if byUser != nil {
		entry.ByUserID = &byUser.ID
	}
	if (byUser == nil) == !byCfbot {
		return nil, fmt.Errorf("history entry needs exactly one actor (user or cfbot)")
	}
	if err := tx.Create(&entry).Error; err != nil {
		return nil, fmt.Errorf("failed to append history: %w", err)
	}
	return &entry, nil
}

// SaveAndNotify appends a history entry and queues one pending
// notification per interested user: subscribers, current and previous
// committers/reviewers that opted into "notify on all", and opted-in
// authors. The acting user is never notified about their own change.
func SaveAndNotify(tx *gorm.DB, patch *model.Patch, byUser *model.User, byCfbot bool, what string, opts NotifyOpts) (*model.PatchHistory, error) {
	entry, err := Append(tx, patch, byUser, byCfbot, what)
	if err != nil {
		return nil, err
	}

	recipients := map[int]bool{}

	if !opts.AuthorsOnly {
		var subscribers []model.User
		if err := tx.Model(patch).Association("Subscribers").Find(&subscribers); err != nil {
			return nil, fmt.Errorf("failed to load subscribers: %w", err)
		}
		for _, u := range subscribers {
			recipients[u.ID] = true
		}

		if patch.CommitterID != nil {
			if optedIn, err := hasFlag(tx, *patch.CommitterID, "notify_all_committer"); err != nil {
				return nil, err
			} else if optedIn {
				recipients[*patch.CommitterID] = true
			}
		}
		if opts.PrevCommitter != nil {
			if optedIn, err := hasFlag(tx, opts.PrevCommitter.UserID, "notify_all_committer"); err != nil {
				return nil, err
			} else if optedIn {
				recipients[opts.PrevCommitter.UserID] = true
			}
		}

		var reviewers []model.User
		if err := tx.Model(patch).Association("Reviewers").Find(&reviewers); err != nil {
			return nil, fmt.Errorf("failed to load reviewers: %w", err)
		}
		reviewers = append(reviewers, opts.PrevReviewers...)
		if err := addOptedIn(tx, recipients, reviewers, "notify_all_reviewer"); err != nil {
			return nil, err
		}
	}

	var authors []model.User
	if err := tx.Model(patch).Association("Authors").Find(&authors); err != nil {
		return nil, fmt.Errorf("failed to load authors: %w", err)
	}
	if err := addOptedIn(tx, recipients, authors, "notify_all_author"); err != nil {
		return nil, err
	}

	for uid := range recipients {
		if byUser != nil && uid == byUser.ID {
			// Don't notify for changes we make ourselves
			continue
		}
		pending := model.PendingNotification{HistoryID: entry.ID, UserID: uid}
		if err := tx.Create(&pending).Error; err != nil {
			return nil, fmt.Errorf("failed to queue notification: %w", err)
		}
	}

	return entry, nil
}

func addOptedIn(tx *gorm.DB, recipients map[int]bool, users []model.User, flag string) error {
	if len(users) == 0 {
		return nil
	}
	ids := make([]int, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.ID)
	}
	var optedIn []int
	err := tx.Model(&model.UserProfile{}).
		Where("user_id IN ? AND "+flag+" = ?", ids, true).
		Pluck("user_id", &optedIn).Error
	if err != nil {
		return fmt.Errorf("failed to load notification preferences: %w", err)
	}
	for _, id := range optedIn {
		recipients[id] = true
	}
	return nil
}

func hasFlag(tx *gorm.DB, userID int, flag string) (bool, error) {
	var count int64
	err := tx.Model(&model.UserProfile{}).
		Where("user_id = ? AND "+flag+" = ?", userID, true).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to load notification preferences: %w", err)
	}
	return count > 0, nil
}

// ResolveNotifyEmail returns the address notifications for a user
// should go to: the profile's chosen notification address when set,
// the account address otherwise. Empty when the user has no address.
func ResolveNotifyEmail(tx *gorm.DB, user *model.User) (string, error) {
	var profile model.UserProfile
	err := tx.Where("user_id = ?", user.ID).First(&profile).Error
	if err == nil && profile.NotifyEmailID != nil {
		var extra model.UserExtraEmail
		if err := tx.First(&extra, *profile.NotifyEmailID).Error; err == nil {
			return extra.Email, nil
		}
	} else if err != nil && err != gorm.ErrRecordNotFound {
		return "", fmt.Errorf("failed to load user profile: %w", err)
	}
	return user.Email, nil
}

// Package policy decides what happens to still-active patches when a
// cycle closes: carry them into the next cycle of the same lineage, or
// notify their authors that the cycle closed on them.
package policy

import (
	"fmt"
	"strings"
	"time"

	"go_commitfest/internal/history"
	"go_commitfest/internal/mailqueue"
	"go_commitfest/internal/model"
	"go_commitfest/internal/workflow"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Policy holds the auto-migration windows and collaborators.
type Policy struct {
	engine *workflow.Engine
	log    *logrus.Entry

	// ActivityWindow is how recent the last mail on a patch must be for
	// the patch to be carried forward.
	ActivityWindow time.Duration
	// MaxFailingWindow is how long CI may have been red before recent
	// mail activity can no longer rescue the patch.
	MaxFailingWindow time.Duration

	NotificationFrom string
	BaseURL          string
}

// New creates a Policy with windows given in days.
func New(engine *workflow.Engine, activityDays, maxFailingDays int, notificationFrom, baseURL string) *Policy {
	return &Policy{
		engine:           engine,
		log:              logrus.WithField("component", "automove"),
		ActivityWindow:   time.Duration(activityDays) * 24 * time.Hour,
		MaxFailingWindow: time.Duration(maxFailingDays) * 24 * time.Hour,
		NotificationFrom: notificationFrom,
		BaseURL:          baseURL,
	}
}

// ShouldAutoMove decides whether a patch qualifies for automatic
// carry-forward. branch may be nil (no CI record means not failing).
func (p *Policy) ShouldAutoMove(patch *model.Patch, branch *model.CfbotBranch, now time.Time) bool {
	activityCutoff := now.Add(-p.ActivityWindow)
	failingCutoff := now.Add(-p.MaxFailingWindow)

	if patch.LastMail == nil || patch.LastMail.Before(activityCutoff) {
		return false
	}

	if branch != nil && branch.FailingSince != nil && branch.FailingSince.Before(failingCutoff) {
		return false
	}

	return true
}

// NextCycleOfKind finds the destination for auto-moves out of cycle: the
// next open cycle of the same lineage (draft stays draft, regular stays
// regular) starting after the closing cycle ends. Nil when none exists.
func (p *Policy) NextCycleOfKind(tx *gorm.DB, cycle *model.Cycle) (*model.Cycle, error) {
	var next model.Cycle
	err := tx.Where("status = ? AND draft = ? AND start_date > ?",
		model.CycleStatusOpen, cycle.Draft, cycle.EndDate).
		Order("start_date").
		First(&next).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find next cycle: %w", err)
	}
	return &next, nil
}

// AutoMoveActivePatches moves every qualifying open patch in a closing
// cycle into the next cycle of the same kind. Returns the set of moved
// patch ids; empty (and no moves) when no next cycle exists.
func (p *Policy) AutoMoveActivePatches(tx *gorm.DB, cycle *model.Cycle, now time.Time) (map[int]bool, error) {
	moved := map[int]bool{}

	next, err := p.NextCycleOfKind(tx, cycle)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return moved, nil
	}

	var pocs []model.PatchOnCycle
	err = tx.Preload("Patch").
		Where("cycle_id = ? AND status IN ?", cycle.ID, model.OpenPatchStatuses).
		Find(&pocs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load open participations: %w", err)
	}

	for i := range pocs {
		patch := &pocs[i].Patch

		var branch *model.CfbotBranch
		var b model.CfbotBranch
		if err := tx.Where("patch_id = ?", patch.ID).First(&b).Error; err == nil {
			branch = &b
		} else if err != gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("failed to load CI branch: %w", err)
		}

		if !p.ShouldAutoMove(patch, branch, now) {
			continue
		}

		if _, err := p.engine.Move(tx, patch, cycle, next, workflow.AutomatedActor, false); err != nil {
			return nil, fmt.Errorf("failed to auto-move patch %d: %w", patch.ID, err)
		}
		moved[patch.ID] = true
		p.log.WithFields(logrus.Fields{
			"patch": patch.ID,
			"from":  cycle.Name,
			"to":    next.Name,
		}).Info("auto-moved patch")
	}

	return moved, nil
}

// SendClosureNotifications mails the authors of every open patch that
// was not auto-moved out of the closing cycle. Each author gets exactly
// one mail listing all their affected patches.
func (p *Policy) SendClosureNotifications(tx *gorm.DB, cycle *model.Cycle, movedPatchIDs map[int]bool) error {
	var pocs []model.PatchOnCycle
	err := tx.Preload("Patch").Preload("Patch.Authors").
		Where("cycle_id = ? AND status IN ?", cycle.ID, model.OpenPatchStatuses).
		Find(&pocs).Error
	if err != nil {
		return fmt.Errorf("failed to load open participations: %w", err)
	}

	type authorBucket struct {
		user    model.User
		patches []model.Patch
	}
	buckets := map[int]*authorBucket{}
	order := []int{}

	for i := range pocs {
		if movedPatchIDs[pocs[i].PatchID] {
			continue
		}
		for _, author := range pocs[i].Patch.Authors {
			if author.Email == "" {
				continue
			}
			b, ok := buckets[author.ID]
			if !ok {
				b = &authorBucket{user: author}
				buckets[author.ID] = b
				order = append(order, author.ID)
			}
			b.patches = append(b.patches, pocs[i].Patch)
		}
	}

	if len(buckets) == 0 {
		return nil
	}

	next, err := p.NextCycleOfKind(tx, cycle)
	if err != nil {
		return err
	}
	nextURL := p.BaseURL + "/"
	if next != nil {
		nextURL = fmt.Sprintf("%s/%d/", p.BaseURL, next.ID)
	}

	for _, uid := range order {
		b := buckets[uid]
		email, err := history.ResolveNotifyEmail(tx, &b.user)
		if err != nil {
			return err
		}
		if email == "" {
			continue
		}

		body := p.closureBody(&b.user, cycle, next, nextURL, b.patches)
		subject := fmt.Sprintf("Commitfest %s has closed", cycle.Name)
		if err := mailqueue.SendSimpleMail(tx, p.NotificationFrom, email, subject, body, ""); err != nil {
			return err
		}
	}

	return nil
}

func (p *Policy) closureBody(user *model.User, cycle, next *model.Cycle, nextURL string, patches []model.Patch) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Hello %s,\n\n", user.FullName())
	fmt.Fprintf(&b, "Commitfest %s has closed. The following patches of yours were\nstill active and were not carried forward automatically:\n\n", cycle.Name)
	for _, patch := range patches {
		fmt.Fprintf(&b, "  * %s\n    %s/patch/%d/\n", patch.Name, p.BaseURL, patch.ID)
	}
	b.WriteString("\n")
	if next != nil {
		fmt.Fprintf(&b, "If a patch is still relevant, please move it to the next\ncommitfest %s:\n  %s\n", next.Name, nextURL)
	} else {
		fmt.Fprintf(&b, "Please check the commitfest app for the next opportunity to\nresubmit:\n  %s\n", nextURL)
	}
	return b.String()
}

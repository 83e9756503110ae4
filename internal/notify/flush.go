// Package notify drains the pending-notification queue into digest
// mails, one per user covering all their patches with news.
package notify

import (
	"fmt"
	"sort"
	"strings"

	"go_commitfest/internal/history"
	"go_commitfest/internal/mailqueue"
	"go_commitfest/internal/model"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type patchNews struct {
	patch   model.Patch
	entries []model.PatchHistory
}

type userNews struct {
	user    model.User
	patches map[int]*patchNews
}

// Flush consumes all pending notifications in one transaction and
// queues one digest mail per user. A crash before commit leaves the
// queue untouched, so nothing is lost or double-sent.
func Flush(db *gorm.DB, from, baseURL string) error {
	log := logrus.WithField("component", "notify")

	return db.Transaction(func(tx *gorm.DB) error {
		var pending []model.PendingNotification
		err := tx.Preload("User").
			Preload("History").Preload("History.Patch").Preload("History.ByUser").
			Order("user_id, history_id").
			Find(&pending).Error
		if err != nil {
			return fmt.Errorf("failed to load pending notifications: %w", err)
		}
		if len(pending) == 0 {
			return nil
		}

		byUser := map[int]*userNews{}
		userOrder := []int{}
		consumed := make([]int, 0, len(pending))

		for i := range pending {
			n := &pending[i]
			consumed = append(consumed, n.ID)
			un, ok := byUser[n.UserID]
			if !ok {
				un = &userNews{user: n.User, patches: map[int]*patchNews{}}
				byUser[n.UserID] = un
				userOrder = append(userOrder, n.UserID)
			}
			pn, ok := un.patches[n.History.PatchID]
			if !ok {
				pn = &patchNews{patch: n.History.Patch}
				un.patches[n.History.PatchID] = pn
			}
			pn.entries = append(pn.entries, n.History)
		}

		// Delete exactly the rows that went into the digests. Under
		// REPEATABLE READ the delete sees rows the snapshot read did not,
		// and a notification queued in between must survive for the next
		// run.
		if err := tx.Where("id IN ?", consumed).Delete(&model.PendingNotification{}).Error; err != nil {
			return fmt.Errorf("failed to consume notifications: %w", err)
		}

		for _, uid := range userOrder {
			un := byUser[uid]
			email, err := history.ResolveNotifyEmail(tx, &un.user)
			if err != nil {
				return err
			}
			if email == "" {
				continue
			}

			body := digestBody(un, baseURL)
			if err := mailqueue.SendSimpleMail(tx, from, email, "Commitfest patch updates", body, ""); err != nil {
				return err
			}
		}

		log.WithFields(logrus.Fields{
			"notifications": len(pending),
			"users":         len(byUser),
		}).Info("flushed pending notifications")
		return nil
	})
}

func digestBody(un *userNews, baseURL string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Hello %s,\n\nThe following patches you follow have updates:\n", un.user.FullName())

	patchIDs := make([]int, 0, len(un.patches))
	for id := range un.patches {
		patchIDs = append(patchIDs, id)
	}
	sort.Ints(patchIDs)

	for _, id := range patchIDs {
		pn := un.patches[id]
		fmt.Fprintf(&b, "\n%s\n  %s/patch/%d/\n", pn.patch.Name, baseURL, pn.patch.ID)
		for i := range pn.entries {
			e := &pn.entries[i]
			fmt.Fprintf(&b, "  * %s: %s\n", e.ByString(), e.What)
		}
	}
	return b.String()
}

package notify

import (
	"testing"
	"time"

	"go_commitfest/internal/db"
	"go_commitfest/internal/history"
	"go_commitfest/internal/model"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.Migrate(gdb))
	return gdb
}

func TestFlush_Empty(t *testing.T) {
	gdb := newTestDB(t)
	require.NoError(t, Flush(gdb, "cf@example.org", "https://cf.example.org"))

	var count int64
	require.NoError(t, gdb.Model(&model.QueuedMail{}).Count(&count).Error)
	assert.EqualValues(t, 0, count)
}

func TestFlush_DigestPerUser(t *testing.T) {
	gdb := newTestDB(t)

	actor := model.User{Username: "actor", FirstName: "Some", LastName: "Actor", Email: "actor@example.org", PasswordHash: "x"}
	alice := model.User{Username: "alice", FirstName: "Alice", LastName: "Dev", Email: "alice@example.org", PasswordHash: "x"}
	bob := model.User{Username: "bob", FirstName: "Bob", LastName: "Dev", Email: "bob@example.org", PasswordHash: "x"}
	for _, u := range []*model.User{&actor, &alice, &bob} {
		require.NoError(t, gdb.Create(u).Error)
	}

	patchA := model.Patch{Name: "btree improvements", Modified: time.Now().UTC()}
	patchB := model.Patch{Name: "faster vacuum", Modified: time.Now().UTC()}
	require.NoError(t, gdb.Create(&patchA).Error)
	require.NoError(t, gdb.Create(&patchB).Error)

	// Alice follows both patches, Bob only the second.
	require.NoError(t, gdb.Model(&patchA).Association("Subscribers").Append(&alice))
	require.NoError(t, gdb.Model(&patchB).Association("Subscribers").Append(&alice, &bob))

	_, err := history.SaveAndNotify(gdb, &patchA, &actor, false, "New status: Committed", history.NotifyOpts{})
	require.NoError(t, err)
	_, err = history.SaveAndNotify(gdb, &patchB, &actor, false, "New status: Waiting on Author", history.NotifyOpts{})
	require.NoError(t, err)
	_, err = history.SaveAndNotify(gdb, &patchB, nil, true, "Patch needs rebase", history.NotifyOpts{})
	require.NoError(t, err)

	// The CI entry is authors-only and neither follower is an author, so
	// alice has 2 pending entries and bob 1.
	require.NoError(t, Flush(gdb, "cf@example.org", "https://cf.example.org"))

	var mails []model.QueuedMail
	require.NoError(t, gdb.Order("receiver").Find(&mails).Error)
	require.Len(t, mails, 2, "one digest per user")

	aliceMail, bobMail := mails[0], mails[1]
	assert.Equal(t, "alice@example.org", aliceMail.Receiver)
	assert.Contains(t, aliceMail.FullMsg, "btree improvements")
	assert.Contains(t, aliceMail.FullMsg, "faster vacuum")
	assert.Contains(t, aliceMail.FullMsg, "New status: Committed")
	assert.Contains(t, aliceMail.FullMsg, "Some Actor (actor)")

	assert.Equal(t, "bob@example.org", bobMail.Receiver)
	assert.NotContains(t, bobMail.FullMsg, "btree improvements")
	assert.Contains(t, bobMail.FullMsg, "faster vacuum")

	// The queue is drained.
	var pending int64
	require.NoError(t, gdb.Model(&model.PendingNotification{}).Count(&pending).Error)
	assert.EqualValues(t, 0, pending)

	// A second flush sends nothing new.
	require.NoError(t, Flush(gdb, "cf@example.org", "https://cf.example.org"))
	var mailCount int64
	require.NoError(t, gdb.Model(&model.QueuedMail{}).Count(&mailCount).Error)
	assert.EqualValues(t, 2, mailCount)
}

func TestFlush_LeavesRowsQueuedMidFlush(t *testing.T) {
	gdb := newTestDB(t)

	actor := model.User{Username: "actor", FirstName: "Some", LastName: "Actor", Email: "actor@example.org", PasswordHash: "x"}
	alice := model.User{Username: "alice", FirstName: "Alice", LastName: "Dev", Email: "alice@example.org", PasswordHash: "x"}
	bob := model.User{Username: "bob", FirstName: "Bob", LastName: "Dev", Email: "bob@example.org", PasswordHash: "x"}
	for _, u := range []*model.User{&actor, &alice, &bob} {
		require.NoError(t, gdb.Create(u).Error)
	}

	patch := model.Patch{Name: "btree improvements", Modified: time.Now().UTC()}
	require.NoError(t, gdb.Create(&patch).Error)
	require.NoError(t, gdb.Model(&patch).Association("Subscribers").Append(&alice))

	entry, err := history.SaveAndNotify(gdb, &patch, &actor, false, "New status: Committed", history.NotifyOpts{})
	require.NoError(t, err)

	// Queue another notification between the flush's read and its
	// delete, the way a concurrently committed SaveAndNotify would.
	injected := false
	require.NoError(t, gdb.Callback().Delete().Before("gorm:delete").Register("queue_mid_flush", func(tx *gorm.DB) {
		if injected {
			return
		}
		if _, ok := tx.Statement.Dest.(*model.PendingNotification); !ok {
			return
		}
		injected = true
		late := model.PendingNotification{HistoryID: entry.ID, UserID: bob.ID}
		if err := tx.Session(&gorm.Session{NewDB: true}).Create(&late).Error; err != nil {
			t.Errorf("failed to queue late notification: %v", err)
		}
	}))

	require.NoError(t, Flush(gdb, "cf@example.org", "https://cf.example.org"))
	require.True(t, injected)

	// Alice's digest went out; the late row is still pending.
	var mails []model.QueuedMail
	require.NoError(t, gdb.Find(&mails).Error)
	require.Len(t, mails, 1)
	assert.Equal(t, "alice@example.org", mails[0].Receiver)

	var pending []model.PendingNotification
	require.NoError(t, gdb.Find(&pending).Error)
	require.Len(t, pending, 1)
	assert.Equal(t, bob.ID, pending[0].UserID)

	// The next run picks it up.
	require.NoError(t, Flush(gdb, "cf@example.org", "https://cf.example.org"))
	require.NoError(t, gdb.Order("id").Find(&mails).Error)
	require.Len(t, mails, 2)
	assert.Equal(t, "bob@example.org", mails[1].Receiver)

	var remaining int64
	require.NoError(t, gdb.Model(&model.PendingNotification{}).Count(&remaining).Error)
	assert.EqualValues(t, 0, remaining)
}

func TestFlush_SkipsUsersWithoutEmail(t *testing.T) {
	gdb := newTestDB(t)

	actor := model.User{Username: "actor", Email: "actor@example.org", PasswordHash: "x"}
	ghost := model.User{Username: "ghost", Email: "", PasswordHash: "x"}
	require.NoError(t, gdb.Create(&actor).Error)
	require.NoError(t, gdb.Create(&ghost).Error)

	patch := model.Patch{Name: "p", Modified: time.Now().UTC()}
	require.NoError(t, gdb.Create(&patch).Error)
	require.NoError(t, gdb.Model(&patch).Association("Subscribers").Append(&ghost))

	_, err := history.SaveAndNotify(gdb, &patch, &actor, false, "New status: Rejected", history.NotifyOpts{})
	require.NoError(t, err)

	require.NoError(t, Flush(gdb, "cf@example.org", "https://cf.example.org"))

	var mailCount int64
	require.NoError(t, gdb.Model(&model.QueuedMail{}).Count(&mailCount).Error)
	assert.EqualValues(t, 0, mailCount)

	// The pending entry is still consumed.
	var pending int64
	require.NoError(t, gdb.Model(&model.PendingNotification{}).Count(&pending).Error)
	assert.EqualValues(t, 0, pending)
}

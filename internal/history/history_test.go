package history

import (
	"testing"
	"time"

	"go_commitfest/internal/db"
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

func mustCreateUser(t *testing.T, gdb *gorm.DB, username string) *model.User {
	t.Helper()
	u := &model.User{
		Username: username, FirstName: username, LastName: "Test",
		Email: username + "@example.org", PasswordHash: "x",
	}
	require.NoError(t, gdb.Create(u).Error)
	return u
}

func mustCreatePatch(t *testing.T, gdb *gorm.DB, name string) *model.Patch {
	t.Helper()
	p := &model.Patch{Name: name, Modified: time.Now().UTC()}
	require.NoError(t, gdb.Create(p).Error)
	return p
}

func pendingUserIDs(t *testing.T, gdb *gorm.DB) []int {
	t.Helper()
	var ids []int
	require.NoError(t, gdb.Model(&model.PendingNotification{}).Order("user_id").Pluck("user_id", &ids).Error)
	return ids
}

func TestAppend_ActorValidation(t *testing.T) {
	gdb := newTestDB(t)
	patch := mustCreatePatch(t, gdb, "p")
	user := mustCreateUser(t, gdb, "alice")

	_, err := Append(gdb, patch, user, false, "ok")
	assert.NoError(t, err)

	_, err = Append(gdb, patch, nil, true, "ok")
	assert.NoError(t, err)

	// No actor at all
	_, err = Append(gdb, patch, nil, false, "bad")
	assert.Error(t, err)

	// Two actors
	_, err = Append(gdb, patch, user, true, "bad")
	assert.Error(t, err)
}

func TestSaveAndNotify_Subscribers(t *testing.T) {
	gdb := newTestDB(t)
	patch := mustCreatePatch(t, gdb, "p")
	actor := mustCreateUser(t, gdb, "actor")
	subscriber := mustCreateUser(t, gdb, "sub")
	require.NoError(t, gdb.Model(patch).Association("Subscribers").Append(subscriber))

	_, err := SaveAndNotify(gdb, patch, actor, false, "New status: Committed", NotifyOpts{})
	require.NoError(t, err)

	assert.Equal(t, []int{subscriber.ID}, pendingUserIDs(t, gdb))
}

func TestSaveAndNotify_ActorNotNotified(t *testing.T) {
	gdb := newTestDB(t)
	patch := mustCreatePatch(t, gdb, "p")
	actor := mustCreateUser(t, gdb, "actor")
	require.NoError(t, gdb.Model(patch).Association("Subscribers").Append(actor))

	_, err := SaveAndNotify(gdb, patch, actor, false, "something", NotifyOpts{})
	require.NoError(t, err)

	assert.Empty(t, pendingUserIDs(t, gdb), "actors are not notified about their own changes")
}

func TestSaveAndNotify_OptInFlags(t *testing.T) {
	gdb := newTestDB(t)
	patch := mustCreatePatch(t, gdb, "p")
	actor := mustCreateUser(t, gdb, "actor")

	optedAuthor := mustCreateUser(t, gdb, "author1")
	require.NoError(t, gdb.Create(&model.UserProfile{UserID: optedAuthor.ID, NotifyAllAuthor: true}).Error)
	silentAuthor := mustCreateUser(t, gdb, "author2")
	require.NoError(t, gdb.Model(patch).Association("Authors").Append(optedAuthor, silentAuthor))

	optedReviewer := mustCreateUser(t, gdb, "rev1")
	require.NoError(t, gdb.Create(&model.UserProfile{UserID: optedReviewer.ID, NotifyAllReviewer: true}).Error)
	silentReviewer := mustCreateUser(t, gdb, "rev2")
	require.NoError(t, gdb.Model(patch).Association("Reviewers").Append(optedReviewer, silentReviewer))

	optedCommitter := mustCreateUser(t, gdb, "com1")
	require.NoError(t, gdb.Create(&model.UserProfile{UserID: optedCommitter.ID, NotifyAllCommitter: true}).Error)
	patch.CommitterID = &optedCommitter.ID
	require.NoError(t, gdb.Model(patch).Update("committer_id", optedCommitter.ID).Error)

	_, err := SaveAndNotify(gdb, patch, actor, false, "New status: Needs review", NotifyOpts{})
	require.NoError(t, err)

	want := []int{optedAuthor.ID, optedReviewer.ID, optedCommitter.ID}
	assert.ElementsMatch(t, want, pendingUserIDs(t, gdb))
}

func TestSaveAndNotify_PrevCommitterAndReviewers(t *testing.T) {
	gdb := newTestDB(t)
	patch := mustCreatePatch(t, gdb, "p")
	actor := mustCreateUser(t, gdb, "actor")

	prevCommitter := mustCreateUser(t, gdb, "oldcom")
	require.NoError(t, gdb.Create(&model.UserProfile{UserID: prevCommitter.ID, NotifyAllCommitter: true}).Error)

	prevReviewer := mustCreateUser(t, gdb, "oldrev")
	require.NoError(t, gdb.Create(&model.UserProfile{UserID: prevReviewer.ID, NotifyAllReviewer: true}).Error)

	_, err := SaveAndNotify(gdb, patch, actor, false, "Removed committer", NotifyOpts{
		PrevCommitter: &model.Committer{UserID: prevCommitter.ID},
		PrevReviewers: []model.User{*prevReviewer},
	})
	require.NoError(t, err)

	assert.ElementsMatch(t, []int{prevCommitter.ID, prevReviewer.ID}, pendingUserIDs(t, gdb))
}

func TestSaveAndNotify_AuthorsOnly(t *testing.T) {
	gdb := newTestDB(t)
	patch := mustCreatePatch(t, gdb, "p")

	subscriber := mustCreateUser(t, gdb, "sub")
	require.NoError(t, gdb.Model(patch).Association("Subscribers").Append(subscriber))

	optedAuthor := mustCreateUser(t, gdb, "author")
	require.NoError(t, gdb.Create(&model.UserProfile{UserID: optedAuthor.ID, NotifyAllAuthor: true}).Error)
	require.NoError(t, gdb.Model(patch).Association("Authors").Append(optedAuthor))

	_, err := SaveAndNotify(gdb, patch, nil, true, "Patch needs rebase", NotifyOpts{AuthorsOnly: true})
	require.NoError(t, err)

	// CI noise only reaches opted-in authors, never subscribers.
	assert.Equal(t, []int{optedAuthor.ID}, pendingUserIDs(t, gdb))
}

func TestResolveNotifyEmail(t *testing.T) {
	gdb := newTestDB(t)
	user := mustCreateUser(t, gdb, "alice")

	email, err := ResolveNotifyEmail(gdb, user)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.org", email)

	extra := model.UserExtraEmail{UserID: user.ID, Email: "lists@example.org"}
	require.NoError(t, gdb.Create(&extra).Error)
	require.NoError(t, gdb.Create(&model.UserProfile{UserID: user.ID, NotifyEmailID: &extra.ID}).Error)

	email, err = ResolveNotifyEmail(gdb, user)
	require.NoError(t, err)
	assert.Equal(t, "lists@example.org", email)
}

package thread

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"go_commitfest/internal/archive"
	"go_commitfest/internal/db"
	"go_commitfest/internal/model"
	"go_commitfest/internal/workflow"

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

// newArchiveService serves the given JSON for every archive lookup.
func newArchiveService(t *testing.T, response *string, status *int) *Service {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if *status != http.StatusOK {
			http.Error(w, "error", *status)
			return
		}
		w.Write([]byte(*response))
	}))
	t.Cleanup(ts.Close)

	hostPort := strings.TrimPrefix(ts.URL, "http://")
	parts := strings.Split(hostPort, ":")
	require.Len(t, parts, 2)
	port, err := strconv.Atoi(parts[1])
	require.NoError(t, err)

	client := archive.NewClient(&archive.Config{
		Server: parts[0], Port: port, Host: "archives.example.org", TimeoutSec: 2,
	})
	return NewService(client)
}

const twoMessageThread = `[
	{"msgid": "<first@example.org>", "subj": "a patch", "from": "Alice", "date": "2025-08-01 09:00:00",
	 "atts": [{"id": 7, "name": "patch-v1.diff"}]},
	{"msgid": "<second@example.org>", "subj": "Re: a patch", "from": "Bob", "date": "2025-08-02 10:00:00", "atts": []}
]`

const threeMessageThread = `[
	{"msgid": "<first@example.org>", "subj": "a patch", "from": "Alice", "date": "2025-08-01 09:00:00",
	 "atts": [{"id": 7, "name": "patch-v1.diff"}]},
	{"msgid": "<second@example.org>", "subj": "Re: a patch", "from": "Bob", "date": "2025-08-02 10:00:00", "atts": []},
	{"msgid": "<third@example.org>", "subj": "Re: a patch", "from": "Alice", "date": "2025-08-05 08:00:00",
	 "atts": [{"id": 9, "name": "patch-v2.diff"}]}
]`

type threadFixture struct {
	gdb      *gorm.DB
	svc      *Service
	response string
	status   int
	user     model.User
	patch    model.Patch
	actor    workflow.Actor
}

func newThreadFixture(t *testing.T) *threadFixture {
	t.Helper()
	f := &threadFixture{gdb: newTestDB(t), response: twoMessageThread, status: http.StatusOK}
	f.svc = newArchiveService(t, &f.response, &f.status)

	f.user = model.User{Username: "alice", FirstName: "Alice", LastName: "Dev", Email: "alice@example.org", PasswordHash: "x"}
	require.NoError(t, f.gdb.Create(&f.user).Error)
	f.actor = workflow.Actor{User: &f.user}

	f.patch = model.Patch{Name: "a patch", Modified: time.Now().UTC().Add(-time.Hour)}
	require.NoError(t, f.gdb.Create(&f.patch).Error)
	return f
}

func TestAttach_NewThread(t *testing.T) {
	f := newThreadFixture(t)

	require.NoError(t, f.svc.Attach(context.Background(), f.gdb, &f.patch, "first@example.org", f.actor))

	var thread model.MailThread
	require.NoError(t, f.gdb.Where("message_id = ?", "first@example.org").First(&thread).Error)
	assert.Equal(t, "a patch", thread.Subject)
	assert.Equal(t, "Alice", thread.FirstAuthor)
	assert.Equal(t, "second@example.org", thread.LatestMsgID)
	assert.Equal(t, "Bob", thread.LatestAuthor)

	// The first attachment of the first message was harvested.
	var atts []model.MailThreadAttachment
	require.NoError(t, f.gdb.Where("mail_thread_id = ?", thread.ID).Find(&atts).Error)
	require.Len(t, atts, 1)
	assert.Equal(t, "patch-v1.diff", atts[0].Filename)

	// lastmail follows the newest message.
	var patch model.Patch
	require.NoError(t, f.gdb.First(&patch, f.patch.ID).Error)
	require.NotNil(t, patch.LastMail)
	assert.Equal(t, time.Date(2025, time.August, 2, 10, 0, 0, 0, time.UTC), patch.LastMail.UTC())

	var entry model.PatchHistory
	require.NoError(t, f.gdb.Where("patch_id = ?", f.patch.ID).First(&entry).Error)
	assert.Equal(t, "Attached mail thread first@example.org", entry.What)
}

func TestAttach_DuplicateRejected(t *testing.T) {
	f := newThreadFixture(t)
	require.NoError(t, f.svc.Attach(context.Background(), f.gdb, &f.patch, "first@example.org", f.actor))

	err := f.svc.Attach(context.Background(), f.gdb, &f.patch, "first@example.org", f.actor)
	assert.True(t, workflow.IsUserInputError(err))
}

func TestAttach_SecondPatchSharesThread(t *testing.T) {
	f := newThreadFixture(t)
	require.NoError(t, f.svc.Attach(context.Background(), f.gdb, &f.patch, "first@example.org", f.actor))

	other := model.Patch{Name: "another patch", Modified: time.Now().UTC()}
	require.NoError(t, f.gdb.Create(&other).Error)
	require.NoError(t, f.svc.Attach(context.Background(), f.gdb, &other, "first@example.org", f.actor))

	var count int64
	require.NoError(t, f.gdb.Model(&model.MailThread{}).Count(&count).Error)
	assert.EqualValues(t, 1, count, "both patches share one thread record")
}

func TestAttach_ArchiveErrorsPropagate(t *testing.T) {
	f := newThreadFixture(t)

	f.status = http.StatusNotFound
	err := f.svc.Attach(context.Background(), f.gdb, &f.patch, "unknown@example.org", f.actor)
	assert.ErrorIs(t, err, archive.ErrNotFound)

	f.status = http.StatusInternalServerError
	err = f.svc.Attach(context.Background(), f.gdb, &f.patch, "unknown@example.org", f.actor)
	assert.True(t, archive.IsServiceUnavailable(err))
}

func TestRefresh_AdvancesThreadAndLastMail(t *testing.T) {
	f := newThreadFixture(t)
	require.NoError(t, f.svc.Attach(context.Background(), f.gdb, &f.patch, "first@example.org", f.actor))

	var thread model.MailThread
	require.NoError(t, f.gdb.Where("message_id = ?", "first@example.org").First(&thread).Error)

	// New mail arrived on the list.
	f.response = threeMessageThread
	require.NoError(t, f.svc.Refresh(context.Background(), f.gdb, &thread))

	assert.Equal(t, "third@example.org", thread.LatestMsgID)
	assert.Equal(t, "Alice", thread.LatestAuthor)

	var patch model.Patch
	require.NoError(t, f.gdb.First(&patch, f.patch.ID).Error)
	require.NotNil(t, patch.LastMail)
	assert.Equal(t, time.Date(2025, time.August, 5, 8, 0, 0, 0, time.UTC), patch.LastMail.UTC())

	// The new version's attachment was harvested too.
	var atts []model.MailThreadAttachment
	require.NoError(t, f.gdb.Where("mail_thread_id = ?", thread.ID).Order("id").Find(&atts).Error)
	require.Len(t, atts, 2)
	assert.Equal(t, "patch-v2.diff", atts[1].Filename)
}

func TestRefresh_NoNewMailIsNoOp(t *testing.T) {
	f := newThreadFixture(t)
	require.NoError(t, f.svc.Attach(context.Background(), f.gdb, &f.patch, "first@example.org", f.actor))

	var thread model.MailThread
	require.NoError(t, f.gdb.Where("message_id = ?", "first@example.org").First(&thread).Error)
	before := thread.LatestMsgID

	require.NoError(t, f.svc.Refresh(context.Background(), f.gdb, &thread))
	assert.Equal(t, before, thread.LatestMsgID)
}

func TestDetach_RecomputesLastMail(t *testing.T) {
	f := newThreadFixture(t)
	require.NoError(t, f.svc.Attach(context.Background(), f.gdb, &f.patch, "first@example.org", f.actor))

	var thread model.MailThread
	require.NoError(t, f.gdb.Where("message_id = ?", "first@example.org").First(&thread).Error)

	require.NoError(t, f.svc.Detach(f.gdb, &f.patch, &thread, f.actor))

	var patch model.Patch
	require.NoError(t, f.gdb.First(&patch, f.patch.ID).Error)
	assert.Nil(t, patch.LastMail, "no threads left means no lastmail")

	var count int64
	require.NoError(t, f.gdb.Table("patch_mail_threads").Where("patch_id = ?", f.patch.ID).Count(&count).Error)
	assert.EqualValues(t, 0, count)
}

package mailqueue

import (
	"errors"
	"strings"
	"testing"

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

func TestSendSimpleMail(t *testing.T) {
	gdb := newTestDB(t)

	err := SendSimpleMail(gdb, "cf@example.org", "alice@example.org",
		"Commitfest patch updates", "Hello Alice,\n\nNews.\n", "webui")
	require.NoError(t, err)

	var mails []model.QueuedMail
	require.NoError(t, gdb.Find(&mails).Error)
	require.Len(t, mails, 1)

	m := mails[0]
	assert.Equal(t, "cf@example.org", m.Sender)
	assert.Equal(t, "alice@example.org", m.Receiver)

	assert.Contains(t, m.FullMsg, "Subject: Commitfest patch updates\r\n")
	assert.Contains(t, m.FullMsg, "To: alice@example.org\r\n")
	assert.Contains(t, m.FullMsg, "From: cf@example.org\r\n")
	assert.Contains(t, m.FullMsg, "X-cfsender: webui\r\n")
	assert.Contains(t, m.FullMsg, "Content-Type: text/plain; charset=utf-8\r\n")
	assert.Regexp(t, `Message-ID: <[0-9a-f-]+@go_commitfest>`, m.FullMsg)

	// Body follows the blank line.
	_, body, found := strings.Cut(m.FullMsg, "\r\n\r\n")
	require.True(t, found)
	assert.Equal(t, "Hello Alice,\n\nNews.\n", body)
}

func TestSendSimpleMail_NoSenderHeaderWithoutUsername(t *testing.T) {
	gdb := newTestDB(t)

	require.NoError(t, SendSimpleMail(gdb, "cf@example.org", "alice@example.org", "s", "b", ""))

	var m model.QueuedMail
	require.NoError(t, gdb.First(&m).Error)
	assert.NotContains(t, m.FullMsg, "X-cfsender")
}

func TestSendSimpleMail_EncodesSubject(t *testing.T) {
	gdb := newTestDB(t)

	require.NoError(t, SendSimpleMail(gdb, "cf@example.org", "alice@example.org",
		"Commitfest PG19-2 geschlossen — Übersicht", "b", ""))

	var m model.QueuedMail
	require.NoError(t, gdb.First(&m).Error)
	assert.Contains(t, m.FullMsg, "Subject: =?utf-8?")
}

func TestSendSimpleMail_RollsBackWithTransaction(t *testing.T) {
	gdb := newTestDB(t)

	err := gdb.Transaction(func(tx *gorm.DB) error {
		if err := SendSimpleMail(tx, "cf@example.org", "alice@example.org", "s", "b", ""); err != nil {
			return err
		}
		return errors.New("something else failed")
	})
	require.Error(t, err)

	var count int64
	require.NoError(t, gdb.Model(&model.QueuedMail{}).Count(&count).Error)
	assert.EqualValues(t, 0, count, "queued mail must roll back with the enclosing transaction")
}

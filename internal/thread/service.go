// Package thread links patches to mail-archive threads and keeps the
// derived lastmail activity timestamp on patches current.
package thread

import (
	"context"
	"fmt"
	"time"

	"go_commitfest/internal/archive"
	"go_commitfest/internal/history"
	"go_commitfest/internal/model"
	"go_commitfest/internal/workflow"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Service manages mail threads attached to patches.
type Service struct {
	archive *archive.Client
	log     *logrus.Entry
}

// NewService creates a thread service
func NewService(archiveClient *archive.Client) *Service {
	return &Service{
		archive: archiveClient,
		log:     logrus.WithField("component", "thread"),
	}
}

// Attach looks the message up in the archives and links its thread to
// the patch, creating the thread record on first sight. Archive errors
// propagate so the caller's transaction rolls the link back.
func (s *Service) Attach(ctx context.Context, tx *gorm.DB, patch *model.Patch, messageID string, actor workflow.Actor) error {
	messages, err := s.archive.Thread(ctx, messageID)
	if err != nil {
		return err
	}
	first, last := messages[0], messages[len(messages)-1]

	var thread model.MailThread
	err = tx.Where("message_id = ?", first.MsgID).First(&thread).Error
	switch {
	case err == nil:
		var count int64
		if err := tx.Table("patch_mail_threads").
			Where("mail_thread_id = ? AND patch_id = ?", thread.ID, patch.ID).
			Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check thread link: %w", err)
		}
		if count > 0 {
			return &workflow.UserInputError{Reason: "This thread is already attached to this patch"}
		}
		// Link up, refreshing the thread metadata while we have it.
		thread.LatestMessage = last.Date
		thread.LatestAuthor = last.From
		thread.LatestSubject = last.Subject
		thread.LatestMsgID = last.MsgID
		if err := tx.Save(&thread).Error; err != nil {
			return fmt.Errorf("failed to update thread: %w", err)
		}
		if err := tx.Model(patch).Association("Threads").Append(&thread); err != nil {
			return fmt.Errorf("failed to link thread: %w", err)
		}
	case err == gorm.ErrRecordNotFound:
		thread = model.MailThread{
			MessageID:     first.MsgID,
			Subject:       first.Subject,
			FirstMessage:  first.Date,
			FirstAuthor:   first.From,
			LatestMessage: last.Date,
			LatestAuthor:  last.From,
			LatestSubject: last.Subject,
			LatestMsgID:   last.MsgID,
		}
		if err := tx.Create(&thread).Error; err != nil {
			return fmt.Errorf("failed to create thread: %w", err)
		}
		if err := tx.Model(patch).Association("Threads").Append(&thread); err != nil {
			return fmt.Errorf("failed to link thread: %w", err)
		}
		if err := s.harvestAttachments(tx, &thread, messages); err != nil {
			return err
		}
	default:
		return fmt.Errorf("failed to look up thread: %w", err)
	}

	_, err = history.SaveAndNotify(tx, patch, actor.User, actor.Automated,
		fmt.Sprintf("Attached mail thread %s", first.MsgID), history.NotifyOpts{})
	if err != nil {
		return err
	}

	return s.touchPatch(tx, patch)
}

// Detach unlinks a thread from a patch.
func (s *Service) Detach(tx *gorm.DB, patch *model.Patch, thread *model.MailThread, actor workflow.Actor) error {
	if err := tx.Model(patch).Association("Threads").Delete(thread); err != nil {
		return fmt.Errorf("failed to unlink thread: %w", err)
	}

	_, err := history.SaveAndNotify(tx, patch, actor.User, actor.Automated,
		fmt.Sprintf("Detached mail thread %s", thread.MessageID), history.NotifyOpts{})
	if err != nil {
		return err
	}

	return s.touchPatch(tx, patch)
}

// Refresh polls the archives for new mail on a thread and, when there
// is any, advances the thread metadata and the lastmail of every patch
// the thread is attached to.
func (s *Service) Refresh(ctx context.Context, tx *gorm.DB, thread *model.MailThread) error {
	messages, err := s.archive.Thread(ctx, thread.MessageID)
	if err != nil {
		return err
	}
	last := messages[len(messages)-1]
	if thread.LatestMsgID == last.MsgID {
		return nil
	}

	thread.LatestMsgID = last.MsgID
	thread.LatestMessage = last.Date
	thread.LatestAuthor = last.From
	thread.LatestSubject = last.Subject
	if err := tx.Save(thread).Error; err != nil {
		return fmt.Errorf("failed to update thread: %w", err)
	}
	if err := s.harvestAttachments(tx, thread, messages); err != nil {
		return err
	}

	err = tx.Exec(`UPDATE patches SET lastmail = ?
		WHERE id IN (SELECT patch_id FROM patch_mail_threads WHERE mail_thread_id = ?)
		AND (lastmail IS NULL OR lastmail < ?)`,
		thread.LatestMessage, thread.ID, thread.LatestMessage).Error
	if err != nil {
		return fmt.Errorf("failed to bump lastmail: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"thread": thread.ID,
		"latest": last.MsgID,
	}).Debug("thread refreshed")
	return nil
}

// UpdateLastMail recomputes a patch's lastmail from its attached
// threads: the max latestmessage, or NULL with no threads.
func (s *Service) UpdateLastMail(tx *gorm.DB, patch *model.Patch) error {
	var threads []model.MailThread
	if err := tx.Model(patch).Association("Threads").Find(&threads); err != nil {
		return fmt.Errorf("failed to load threads: %w", err)
	}

	var lastMail *time.Time
	for i := range threads {
		if lastMail == nil || threads[i].LatestMessage.After(*lastMail) {
			lastMail = &threads[i].LatestMessage
		}
	}

	patch.LastMail = lastMail
	return tx.Model(patch).Update("lastmail", lastMail).Error
}

// harvestAttachments records the first attachment of each message that
// carries one.
func (s *Service) harvestAttachments(tx *gorm.DB, thread *model.MailThread, messages []archive.Message) error {
	for _, m := range messages {
		if len(m.Attachments) == 0 {
			continue
		}
		att := model.MailThreadAttachment{
			MailThreadID: thread.ID,
			MessageID:    m.MsgID,
			AttachmentID: m.Attachments[0].ID,
			Filename:     m.Attachments[0].Name,
			Date:         m.Date,
			Author:       m.From,
		}
		err := tx.Where("mail_thread_id = ? AND message_id = ?", thread.ID, m.MsgID).
			FirstOrCreate(&att).Error
		if err != nil {
			return fmt.Errorf("failed to record attachment: %w", err)
		}
	}
	return nil
}

func (s *Service) touchPatch(tx *gorm.DB, patch *model.Patch) error {
	if err := s.UpdateLastMail(tx, patch); err != nil {
		return err
	}
	patch.SetModified(time.Now().UTC())
	return tx.Model(patch).Update("modified", patch.Modified).Error
}

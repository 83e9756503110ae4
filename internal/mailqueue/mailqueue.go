package mailqueue

import (
	"fmt"
	"mime"
	"strings"
	"time"

	"go_commitfest/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SendSimpleMail builds a plain-text mail and writes it to the queue
// table inside the caller's transaction, so it is rolled back together
// with the change that triggered it. Actual delivery is done by an
// external agent draining the queue.
func SendSimpleMail(tx *gorm.DB, sender, receiver, subject, body, sendingUsername string) error {
	var msg strings.Builder

	fmt.Fprintf(&msg, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&msg, "To: %s\r\n", receiver)
	fmt.Fprintf(&msg, "From: %s\r\n", sender)
	fmt.Fprintf(&msg, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	fmt.Fprintf(&msg, "Message-ID: <%s@go_commitfest>\r\n", uuid.NewString())
	msg.WriteString("User-Agent: go_commitfest\r\n")
	if sendingUsername != "" {
		fmt.Fprintf(&msg, "X-cfsender: %s\r\n", sendingUsername)
	}
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)

	queued := model.QueuedMail{
		Sender:   sender,
		Receiver: receiver,
		FullMsg:  msg.String(),
	}
	if err := tx.Create(&queued).Error; err != nil {
		return fmt.Errorf("failed to queue mail: %w", err)
	}
	return nil
}

package model

import "time"

// MailThread tracks a thread in the external mail archives. Only one
// message-id per thread is stored; everything else is looked up from
// the archives on demand. The latest* fields are refreshed whenever the
// thread is polled so patch activity can be derived without an archive
// round trip.
type MailThread struct {
	BaseModel
	MessageID     string    `gorm:"type:varchar(1000);uniqueIndex:uk_thread_msgid,length:255;not null" json:"messageid"`
	Subject       string    `gorm:"type:varchar(500);not null" json:"subject"`
	FirstMessage  time.Time `gorm:"not null" json:"firstmessage"`
	FirstAuthor   string    `gorm:"type:varchar(500);not null" json:"firstauthor"`
	LatestMessage time.Time `gorm:"not null" json:"latestmessage"`
	LatestAuthor  string    `gorm:"type:varchar(500);not null" json:"latestauthor"`
	LatestSubject string    `gorm:"type:varchar(500);not null" json:"latestsubject"`
	LatestMsgID   string    `gorm:"type:varchar(1000);not null" json:"latestmsgid"`

	Patches []Patch `gorm:"many2many:patch_mail_threads" json:"-"`
}

// TableName specifies the table name for MailThread model
func (MailThread) TableName() string {
	return "mail_threads"
}

func (t *MailThread) String() string {
	return t.Subject
}

// MailThreadAttachment records the first attachment seen on a message
// within a thread.
type MailThreadAttachment struct {
	BaseModel
	MailThreadID int        `gorm:"not null;uniqueIndex:uk_thread_attach" json:"mailthread_id"`
	MailThread   MailThread `gorm:"foreignKey:MailThreadID" json:"-"`
	MessageID    string     `gorm:"type:varchar(1000);uniqueIndex:uk_thread_attach,length:255;not null" json:"messageid"`
	AttachmentID int        `gorm:"not null" json:"attachmentid"`
	Filename     string     `gorm:"type:varchar(1000)" json:"filename"`
	Date         time.Time  `gorm:"not null" json:"date"`
	Author       string     `gorm:"type:varchar(500);not null" json:"author"`
}

// TableName specifies the table name for MailThreadAttachment model
func (MailThreadAttachment) TableName() string {
	return "mail_thread_attachments"
}

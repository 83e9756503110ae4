package model

// QueuedMail is an outbound message waiting for the external delivery
// agent. Writing the row inside the caller's transaction means the mail
// rolls back together with whatever change triggered it.
type QueuedMail struct {
	BaseModel
	Sender   string `gorm:"type:varchar(100);not null" json:"sender"`
	Receiver string `gorm:"type:varchar(100);not null" json:"receiver"`
	FullMsg  string `gorm:"type:longtext;not null" json:"-"`
}

// TableName specifies the table name for QueuedMail model
func (QueuedMail) TableName() string {
	return "queued_mails"
}

package model

import "time"

// PatchHistory is the append-only audit log of everything that happens
// to a patch. Exactly one of ByUserID / ByCfbot is set; the database
// check constraint in Migrate guards this next to the application code.
type PatchHistory struct {
	ID       int       `gorm:"primaryKey;autoIncrement" json:"id"`
	PatchID  int       `gorm:"not null;index" json:"patch_id"`
	Patch    Patch     `gorm:"foreignKey:PatchID" json:"-"`
	Date     time.Time `gorm:"autoCreateTime;index;not null" json:"date"`
	ByUser   *User     `gorm:"foreignKey:ByUserID" json:"by_user,omitempty"`
	ByUserID *int      `gorm:"default:null" json:"by_user_id"`
	ByCfbot  bool      `gorm:"not null;default:false" json:"by_cfbot"`
	What     string    `gorm:"type:varchar(500);not null" json:"what"`
}

// TableName specifies the table name for PatchHistory model
func (PatchHistory) TableName() string {
	return "patch_histories"
}

// ByString names the actor for display.
func (h *PatchHistory) ByString() string {
	if h.ByCfbot {
		return "CFbot"
	}
	if h.ByUser != nil {
		return h.ByUser.FullName()
	}
	return ""
}

// PendingNotification queues one history entry for delivery to one
// user. Rows are consumed by the digest flush.
type PendingNotification struct {
	ID        int          `gorm:"primaryKey;autoIncrement" json:"id"`
	HistoryID int          `gorm:"not null;index" json:"history_id"`
	History   PatchHistory `gorm:"foreignKey:HistoryID" json:"-"`
	UserID    int          `gorm:"not null;index" json:"user_id"`
	User      User         `gorm:"foreignKey:UserID" json:"-"`
}

// TableName specifies the table name for PendingNotification model
func (PendingNotification) TableName() string {
	return "pending_notifications"
}

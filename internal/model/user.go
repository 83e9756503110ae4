package model

import "fmt"

// User represents an account in the system
type User struct {
	BaseModel
	Username     string `gorm:"type:varchar(64);uniqueIndex;not null" json:"username"`
	FirstName    string `gorm:"type:varchar(64)" json:"first_name"`
	LastName     string `gorm:"type:varchar(64)" json:"last_name"`
	Email        string `gorm:"type:varchar(100)" json:"email"`
	PasswordHash string `gorm:"type:varchar(255);not null" json:"-"`
	IsStaff      bool   `gorm:"not null;default:false" json:"is_staff"`
}

// TableName specifies the table name for User model
func (User) TableName() string {
	return "users"
}

// FullName renders "First Last (username)" as used in history entries
// and notification mails.
func (u *User) FullName() string {
	return fmt.Sprintf("%s %s (%s)", u.FirstName, u.LastName, u.Username)
}

// Committer marks a user as a committer. Few enough of these exist that
// a dedicated one-row-per-user table is simpler than another user flag.
type Committer struct {
	UserID int  `gorm:"primaryKey" json:"user_id"`
	User   User `gorm:"foreignKey:UserID" json:"user"`
	Active bool `gorm:"not null;default:true" json:"active"`
}

// TableName specifies the table name for Committer model
func (Committer) TableName() string {
	return "committers"
}

// UserExtraEmail is an additional, verified address a user may pick for
// notifications instead of the account address.
type UserExtraEmail struct {
	BaseModel
	UserID int    `gorm:"index;not null;uniqueIndex:uk_user_email" json:"user_id"`
	Email  string `gorm:"type:varchar(100);not null;uniqueIndex;uniqueIndex:uk_user_email" json:"email"`
}

// TableName specifies the table name for UserExtraEmail model
func (UserExtraEmail) TableName() string {
	return "user_extra_emails"
}

// UserProfile holds per-user notification preferences.
type UserProfile struct {
	BaseModel
	UserID             int  `gorm:"uniqueIndex;not null" json:"user_id"`
	NotifyEmailID      *int `gorm:"default:null" json:"notify_email_id"`
	NotifyAllAuthor    bool `gorm:"not null;default:false" json:"notify_all_author"`
	NotifyAllReviewer  bool `gorm:"not null;default:false" json:"notify_all_reviewer"`
	NotifyAllCommitter bool `gorm:"not null;default:false" json:"notify_all_committer"`
}

// TableName specifies the table name for UserProfile model
func (UserProfile) TableName() string {
	return "user_profiles"
}

package model

import (
	"time"
)

// Patch is the reviewable unit tracked across cycles.
type Patch struct {
	BaseModel
	Name string `gorm:"type:varchar(500);not null" json:"name"`

	WikiLink string `gorm:"type:varchar(500);not null;default:''" json:"wikilink"`
	GitLink  string `gorm:"type:varchar(500);not null;default:''" json:"gitlink"`

	TargetVersionID *int           `gorm:"default:null" json:"target_version_id"`
	TargetVersion   *TargetVersion `gorm:"foreignKey:TargetVersionID" json:"target_version,omitempty"`

	CommitterID *int       `gorm:"default:null" json:"committer_id"`
	Committer   *Committer `gorm:"foreignKey:CommitterID" json:"committer,omitempty"`

	Tags        []Tag        `gorm:"many2many:patch_tags" json:"tags,omitempty"`
	Authors     []User       `gorm:"many2many:patch_authors" json:"authors,omitempty"`
	Reviewers   []User       `gorm:"many2many:patch_reviewers" json:"reviewers,omitempty"`
	Subscribers []User       `gorm:"many2many:patch_subscribers" json:"subscribers,omitempty"`
	Threads     []MailThread `gorm:"many2many:patch_mail_threads" json:"threads,omitempty"`

	// One patch can be in multiple cycles over its lifetime.
	Participations []PatchOnCycle `gorm:"foreignKey:PatchID" json:"-"`

	Created  time.Time `gorm:"autoCreateTime;not null" json:"created"`
	Modified time.Time `gorm:"not null" json:"modified"`

	// Materialized max latestmessage over all attached threads, NULL
	// when no threads are attached.
	LastMail *time.Time `gorm:"column:lastmail;default:null" json:"lastmail"`
}

// TableName specifies the table name for Patch model
func (Patch) TableName() string {
	return "patches"
}

// SetModified advances the modified timestamp to newmod, but never
// backwards.
func (p *Patch) SetModified(newmod time.Time) {
	if newmod.After(p.Modified) {
		p.Modified = newmod
	}
}

func (p *Patch) String() string {
	return p.Name
}

package model

// Tag represents a tag/label on a patch.
type Tag struct {
	BaseModel
	Name        string `gorm:"type:varchar(50);uniqueIndex;not null" json:"name"`
	Color       string `gorm:"type:varchar(7);not null" json:"color"` // #RRGGBB
	Description string `gorm:"type:varchar(500)" json:"description"`
}

// TableName specifies the table name for Tag model
func (Tag) TableName() string {
	return "tags"
}

func (t *Tag) String() string {
	return t.Name
}

// TargetVersion is a release version a patch is aimed at.
type TargetVersion struct {
	BaseModel
	Version string `gorm:"type:varchar(8);uniqueIndex;not null" json:"version"`
}

// TableName specifies the table name for TargetVersion model
func (TargetVersion) TableName() string {
	return "target_versions"
}

func (v *TargetVersion) String() string {
	return v.Version
}

package pack

import "time"

// Record is the persisted state of an installed pack
type Record struct {
	ID      uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	UUID    string `gorm:"uniqueIndex;size:36;not null" json:"uuid"`
	Version int    `gorm:"not null" json:"version"`
	Name    string `gorm:"size:200;not null" json:"name"`
	Path    string `gorm:"size:500" json:"path"`
	// ObjectsInstalled is reset whenever the pack version changes
	ObjectsInstalled bool      `gorm:"not null;default:false" json:"objects_installed"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName specifies the table name for Record
func (Record) TableName() string {
	return "packs"
}

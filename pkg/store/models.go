package store

import "time"

// GORM models used for persistence.
type UserModel struct {
	ID           uint      `gorm:"primaryKey"`
	Username     string    `gorm:"uniqueIndex;not null;size:64"`
	PasswordHash string    `gorm:"not null"`
	IsAdmin      bool      `gorm:"not null;default:false"`
	CreatedAt    time.Time `gorm:"not null"`
}

func (UserModel) TableName() string { return "users" }

// ReadingModel rows carry a descending timestamp index for range scans
// and a composite unique index so exact duplicate points are skipped on
// conflict during bulk ingest.
type ReadingModel struct {
	ID          uint      `gorm:"primaryKey"`
	Timestamp   time.Time `gorm:"not null;index:idx_energy_data_timestamp,sort:desc;uniqueIndex:idx_energy_data_point,priority:1"`
	Consumption float64   `gorm:"not null;uniqueIndex:idx_energy_data_point,priority:2;check:consumption >= 0"`
}

func (ReadingModel) TableName() string { return "energy_data" }

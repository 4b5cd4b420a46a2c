package domain

import "time"

// User is an account that can authenticate against the API.
type User struct {
	ID           uint      `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	IsAdmin      bool      `json:"is_admin"`
	CreatedAt    time.Time `json:"created_at"`
}

// Reading is one (timestamp, consumption) energy measurement in kWh.
type Reading struct {
	ID          uint      `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Consumption float64   `json:"consumption"`
}

// UserPatch carries optional fields for a partial user update.
// Nil fields are left untouched.
type UserPatch struct {
	Username *string `json:"username"`
	Password *string `json:"password"`
	IsAdmin  *bool   `json:"is_admin"`
}

// ReadingPatch carries optional fields for a partial reading update.
type ReadingPatch struct {
	Timestamp   *time.Time `json:"timestamp"`
	Consumption *float64   `json:"consumption"`
}

// AggregateSnapshot holds descriptive statistics computed over stored
// readings at query time. Values are unrounded; rounding happens only
// when a snapshot is surfaced to a client.
type AggregateSnapshot struct {
	CountPoints       int64
	TotalConsumption  float64
	AvgConsumption    float64
	PeakConsumption   float64
	PeakTimestamp     *time.Time
	MinConsumption    float64
	MaxConsumption    float64
	ConsumptionStddev float64
	EarliestTimestamp *time.Time
	LatestTimestamp   *time.Time
	DaysOfData        int64
}

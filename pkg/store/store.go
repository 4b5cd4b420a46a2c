package store

import (
	"errors"
	"time"

	"github.com/zel-fathi/gep-monitoring/pkg/domain"
)

// ErrNotFound is returned when a referenced user or reading is absent.
var ErrNotFound = errors.New("record not found")

// ErrDuplicate is returned when a write collides with a uniqueness
// constraint: a taken username, or an existing (timestamp, consumption)
// point on the single-row reading paths. Bulk ingest never returns it;
// there the conflicting rows are silently skipped instead.
var ErrDuplicate = errors.New("duplicate record")

// ReadingFilter bounds and paginates reading queries. Nil bounds are
// open-ended. Page is 1-based.
type ReadingFilter struct {
	From  *time.Time
	To    *time.Time
	Limit int
	Page  int
}

// Store defines persistence operations for users and energy readings.
type Store interface {
	// users
	CreateUser(user domain.User) (domain.User, error)
	GetUserByID(id uint) (domain.User, bool, error)
	GetUserByUsername(username string) (domain.User, bool, error)
	ListUsers() ([]domain.User, error)
	UpdateUser(user domain.User) error
	DeleteUser(id uint) error
	UserCount() (int64, error)

	// readings
	CreateReading(reading domain.Reading) (domain.Reading, error)
	GetReading(id uint) (domain.Reading, bool, error)
	UpdateReading(reading domain.Reading) error
	DeleteReading(id uint) error
	ListReadings(filter ReadingFilter) ([]domain.Reading, int64, error)
	ListReadingsAscending(from, to *time.Time) ([]domain.Reading, error)
	ReadingCount() (int64, error)

	// ingest + aggregation
	InsertReadings(readings []domain.Reading) (int64, error)
	AggregateReadings(from, to *time.Time) (domain.AggregateSnapshot, error)
}

// TokenClaims is the identity carried inside an access token.
type TokenClaims struct {
	UserID   uint
	Username string
	IsAdmin  bool
}

// SessionStore issues and validates bearer tokens.
type SessionStore interface {
	NewSession(user domain.User) (string, error)
	ClaimsFromToken(token string) (TokenClaims, bool, error)
	DeleteSession(token string) error
	TTL() time.Duration
}

package store

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/zel-fathi/gep-monitoring/pkg/domain"
)

// MemoryStore is an in-memory Store used in tests and local development.
// It mirrors the GORM store's semantics, including insert-or-ignore
// deduplication of identical (timestamp, consumption) pairs.
type MemoryStore struct {
	mu         sync.Mutex
	users      map[uint]domain.User
	readings   map[uint]domain.Reading
	nextUserID uint
	nextRowID  uint
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:      make(map[uint]domain.User),
		readings:   make(map[uint]domain.Reading),
		nextUserID: 1,
		nextRowID:  1,
	}
}

func (s *MemoryStore) CreateUser(u domain.User) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Username == u.Username {
			return domain.User{}, ErrDuplicate
		}
	}
	u.ID = s.nextUserID
	s.nextUserID++
	s.users[u.ID] = u
	return u, nil
}

func (s *MemoryStore) GetUserByID(id uint) (domain.User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	return u, ok, nil
}

func (s *MemoryStore) GetUserByUsername(username string) (domain.User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == username {
			return u, true, nil
		}
	}
	return domain.User{}, false, nil
}

func (s *MemoryStore) ListUsers() ([]domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := make([]domain.User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

func (s *MemoryStore) UpdateUser(u domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; !ok {
		return ErrNotFound
	}
	for _, existing := range s.users {
		if existing.ID != u.ID && existing.Username == u.Username {
			return ErrDuplicate
		}
	}
	s.users[u.ID] = u
	return nil
}

func (s *MemoryStore) DeleteUser(id uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		return ErrNotFound
	}
	delete(s.users, id)
	return nil
}

func (s *MemoryStore) UserCount() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.users)), nil
}

func (s *MemoryStore) CreateReading(r domain.Reading) (domain.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.Timestamp = r.Timestamp.UTC()
	if s.hasPoint(r, 0) {
		return domain.Reading{}, ErrDuplicate
	}
	r.ID = s.nextRowID
	s.nextRowID++
	s.readings[r.ID] = r
	return r, nil
}

func (s *MemoryStore) GetReading(id uint) (domain.Reading, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.readings[id]
	return r, ok, nil
}

func (s *MemoryStore) UpdateReading(r domain.Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.readings[r.ID]; !ok {
		return ErrNotFound
	}
	r.Timestamp = r.Timestamp.UTC()
	if s.hasPoint(r, r.ID) {
		return ErrDuplicate
	}
	s.readings[r.ID] = r
	return nil
}

func (s *MemoryStore) DeleteReading(id uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.readings[id]; !ok {
		return ErrNotFound
	}
	delete(s.readings, id)
	return nil
}

func (s *MemoryStore) ListReadings(filter ReadingFilter) ([]domain.Reading, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.filtered(filter.From, filter.To)
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].Timestamp.Equal(rows[j].Timestamp) {
			return rows[i].Timestamp.After(rows[j].Timestamp)
		}
		return rows[i].ID > rows[j].ID
	})
	total := int64(len(rows))
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	start := (page - 1) * limit
	if start >= len(rows) {
		return []domain.Reading{}, total, nil
	}
	end := min(start+limit, len(rows))
	return rows[start:end], total, nil
}

func (s *MemoryStore) ListReadingsAscending(from, to *time.Time) ([]domain.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.filtered(from, to)
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].Timestamp.Equal(rows[j].Timestamp) {
			return rows[i].Timestamp.Before(rows[j].Timestamp)
		}
		return rows[i].ID < rows[j].ID
	})
	return rows, nil
}

func (s *MemoryStore) ReadingCount() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.readings)), nil
}

func (s *MemoryStore) InsertReadings(readings []domain.Reading) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool, len(s.readings))
	for _, existing := range s.readings {
		seen[pointKey(existing)] = true
	}
	var inserted int64
	for _, r := range readings {
		r.Timestamp = r.Timestamp.UTC()
		key := pointKey(r)
		if seen[key] {
			continue
		}
		seen[key] = true
		r.ID = s.nextRowID
		s.nextRowID++
		s.readings[r.ID] = r
		inserted++
	}
	return inserted, nil
}

func (s *MemoryStore) AggregateReadings(from, to *time.Time) (domain.AggregateSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.filtered(from, to)
	snapshot := domain.AggregateSnapshot{CountPoints: int64(len(rows))}
	if len(rows) == 0 {
		return snapshot, nil
	}
	days := make(map[string]bool)
	var sum float64
	minVal := math.Inf(1)
	maxVal := math.Inf(-1)
	var peakAt time.Time
	earliest := rows[0].Timestamp
	latest := rows[0].Timestamp
	for _, r := range rows {
		sum += r.Consumption
		if r.Consumption < minVal {
			minVal = r.Consumption
		}
		if r.Consumption > maxVal || (r.Consumption == maxVal && r.Timestamp.After(peakAt)) {
			maxVal = r.Consumption
			peakAt = r.Timestamp
		}
		if r.Timestamp.Before(earliest) {
			earliest = r.Timestamp
		}
		if r.Timestamp.After(latest) {
			latest = r.Timestamp
		}
		days[r.Timestamp.UTC().Format("2006-01-02")] = true
	}
	mean := sum / float64(len(rows))
	// Sample standard deviation, matching SQL STDDEV (N-1 divisor).
	var stddev float64
	if len(rows) > 1 {
		var sq float64
		for _, r := range rows {
			d := r.Consumption - mean
			sq += d * d
		}
		stddev = math.Sqrt(sq / float64(len(rows)-1))
	}
	snapshot.TotalConsumption = sum
	snapshot.AvgConsumption = mean
	snapshot.PeakConsumption = maxVal
	snapshot.PeakTimestamp = &peakAt
	snapshot.MinConsumption = minVal
	snapshot.MaxConsumption = maxVal
	snapshot.ConsumptionStddev = stddev
	snapshot.EarliestTimestamp = &earliest
	snapshot.LatestTimestamp = &latest
	snapshot.DaysOfData = int64(len(days))
	return snapshot, nil
}

// filtered returns a copy of readings within the bounds. Caller holds the
// lock.
func (s *MemoryStore) filtered(from, to *time.Time) []domain.Reading {
	rows := make([]domain.Reading, 0, len(s.readings))
	for _, r := range s.readings {
		if from != nil && r.Timestamp.Before(from.UTC()) {
			continue
		}
		if to != nil && r.Timestamp.After(to.UTC()) {
			continue
		}
		rows = append(rows, r)
	}
	return rows
}

// hasPoint reports whether another row already holds the same
// (timestamp, consumption) pair, mirroring the unique index. Caller
// holds the lock.
func (s *MemoryStore) hasPoint(r domain.Reading, excludeID uint) bool {
	key := pointKey(r)
	for _, existing := range s.readings {
		if existing.ID != excludeID && pointKey(existing) == key {
			return true
		}
	}
	return false
}

func pointKey(r domain.Reading) string {
	return fmt.Sprintf("%d|%v", r.Timestamp.UTC().UnixNano(), r.Consumption)
}

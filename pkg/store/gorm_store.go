package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/zel-fathi/gep-monitoring/pkg/domain"
)

const migrateLockID int64 = 52910529

// insertChunkSize bounds each bulk insert statement during ingest.
const insertChunkSize = 1000

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         gormLog,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &ReadingModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// withMigrationLock serializes schema migration across replicas.
func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateUser inserts a new user and returns it with the assigned ID.
func (s *GormStore) CreateUser(u domain.User) (domain.User, error) {
	model := userToModel(u)
	if err := s.db.Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.User{}, ErrDuplicate
		}
		return domain.User{}, err
	}
	return userFromModel(model), nil
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(id uint) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByUsername looks up a user by username.
func (s *GormStore) GetUserByUsername(username string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.Where("username = ?", username).First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// ListUsers returns all users ordered by creation time.
func (s *GormStore) ListUsers() ([]domain.User, error) {
	var models []UserModel
	if err := s.db.Order("created_at ASC, id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	users := make([]domain.User, 0, len(models))
	for _, m := range models {
		users = append(users, userFromModel(m))
	}
	return users, nil
}

// UpdateUser persists all fields of an existing user.
func (s *GormStore) UpdateUser(u domain.User) error {
	model := userToModel(u)
	tx := s.db.Model(&UserModel{}).Where("id = ?", u.ID).Updates(map[string]any{
		"username":      model.Username,
		"password_hash": model.PasswordHash,
		"is_admin":      model.IsAdmin,
	})
	if tx.Error != nil {
		if errors.Is(tx.Error, gorm.ErrDuplicatedKey) {
			return ErrDuplicate
		}
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteUser removes a user by ID.
func (s *GormStore) DeleteUser(id uint) error {
	tx := s.db.Delete(&UserModel{}, "id = ?", id)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UserCount returns the number of users.
func (s *GormStore) UserCount() (int64, error) {
	var count int64
	if err := s.db.Model(&UserModel{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// CreateReading inserts a single reading.
func (s *GormStore) CreateReading(r domain.Reading) (domain.Reading, error) {
	model := readingToModel(r)
	if err := s.db.Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.Reading{}, ErrDuplicate
		}
		return domain.Reading{}, err
	}
	return readingFromModel(model), nil
}

// GetReading returns a reading by ID.
func (s *GormStore) GetReading(id uint) (domain.Reading, bool, error) {
	var model ReadingModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Reading{}, false, nil
		}
		return domain.Reading{}, false, err
	}
	return readingFromModel(model), true, nil
}

// UpdateReading persists timestamp and consumption of an existing reading.
func (s *GormStore) UpdateReading(r domain.Reading) error {
	tx := s.db.Model(&ReadingModel{}).Where("id = ?", r.ID).Updates(map[string]any{
		"timestamp":   r.Timestamp.UTC(),
		"consumption": r.Consumption,
	})
	if tx.Error != nil {
		if errors.Is(tx.Error, gorm.ErrDuplicatedKey) {
			return ErrDuplicate
		}
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteReading removes a reading by ID.
func (s *GormStore) DeleteReading(id uint) error {
	tx := s.db.Delete(&ReadingModel{}, "id = ?", id)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListReadings returns one page of readings, newest first, plus the total
// row count for the same bounds.
func (s *GormStore) ListReadings(filter ReadingFilter) ([]domain.Reading, int64, error) {
	var total int64
	if err := rangeScope(s.db.Model(&ReadingModel{}), filter.From, filter.To).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	var models []ReadingModel
	err := rangeScope(s.db.Model(&ReadingModel{}), filter.From, filter.To).
		Order("timestamp DESC, id DESC").
		Limit(limit).
		Offset((page - 1) * limit).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}
	rows := make([]domain.Reading, 0, len(models))
	for _, m := range models {
		rows = append(rows, readingFromModel(m))
	}
	return rows, total, nil
}

// ListReadingsAscending returns every reading in the bounds ordered by
// ascending timestamp, for export.
func (s *GormStore) ListReadingsAscending(from, to *time.Time) ([]domain.Reading, error) {
	var models []ReadingModel
	err := rangeScope(s.db.Model(&ReadingModel{}), from, to).
		Order("timestamp ASC, id ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	rows := make([]domain.Reading, 0, len(models))
	for _, m := range models {
		rows = append(rows, readingFromModel(m))
	}
	return rows, nil
}

// ReadingCount returns the number of stored readings.
func (s *GormStore) ReadingCount() (int64, error) {
	var count int64
	if err := s.db.Model(&ReadingModel{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// InsertReadings bulk-inserts readings in fixed-size chunks with
// insert-or-ignore semantics on the (timestamp, consumption) unique index
// and returns the number of rows actually written. A chunk failure stops
// the loop; chunks already committed stay committed.
func (s *GormStore) InsertReadings(readings []domain.Reading) (int64, error) {
	var inserted int64
	for start := 0; start < len(readings); start += insertChunkSize {
		end := min(start+insertChunkSize, len(readings))
		models := make([]ReadingModel, 0, end-start)
		for _, r := range readings[start:end] {
			models = append(models, readingToModel(r))
		}
		tx := s.db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "timestamp"}, {Name: "consumption"}},
			DoNothing: true,
		}).Create(&models)
		if tx.Error != nil {
			return inserted, fmt.Errorf("insert chunk starting at record %d: %w", start, tx.Error)
		}
		inserted += tx.RowsAffected
	}
	return inserted, nil
}

type aggregateRow struct {
	CountPoints       int64
	TotalConsumption  float64
	AvgConsumption    float64
	MaxConsumption    float64
	MinConsumption    float64
	ConsumptionStddev float64
	EarliestTimestamp *time.Time
	LatestTimestamp   *time.Time
	DaysOfData        int64
}

// AggregateReadings computes descriptive statistics over the bounded set
// in a single aggregate query, plus one indexed lookup for the peak row.
// STDDEV is Postgres sample standard deviation (NULL for N<=1).
func (s *GormStore) AggregateReadings(from, to *time.Time) (domain.AggregateSnapshot, error) {
	var row aggregateRow
	err := rangeScope(s.db.Model(&ReadingModel{}), from, to).
		Select(`COUNT(*) AS count_points,
			COALESCE(SUM(consumption), 0) AS total_consumption,
			COALESCE(AVG(consumption), 0) AS avg_consumption,
			COALESCE(MAX(consumption), 0) AS max_consumption,
			COALESCE(MIN(consumption), 0) AS min_consumption,
			COALESCE(STDDEV(consumption), 0) AS consumption_stddev,
			MIN(timestamp) AS earliest_timestamp,
			MAX(timestamp) AS latest_timestamp,
			COUNT(DISTINCT (timestamp AT TIME ZONE 'UTC')::date) AS days_of_data`).
		Scan(&row).Error
	if err != nil {
		return domain.AggregateSnapshot{}, err
	}
	snapshot := domain.AggregateSnapshot{
		CountPoints:       row.CountPoints,
		TotalConsumption:  row.TotalConsumption,
		AvgConsumption:    row.AvgConsumption,
		PeakConsumption:   row.MaxConsumption,
		MinConsumption:    row.MinConsumption,
		MaxConsumption:    row.MaxConsumption,
		ConsumptionStddev: row.ConsumptionStddev,
		DaysOfData:        row.DaysOfData,
	}
	if row.EarliestTimestamp != nil {
		t := row.EarliestTimestamp.UTC()
		snapshot.EarliestTimestamp = &t
	}
	if row.LatestTimestamp != nil {
		t := row.LatestTimestamp.UTC()
		snapshot.LatestTimestamp = &t
	}
	if snapshot.CountPoints > 0 {
		// Tie-break equal peaks by the most recent timestamp.
		var peaks []ReadingModel
		err := rangeScope(s.db.Model(&ReadingModel{}), from, to).
			Order("consumption DESC").
			Order("timestamp DESC").
			Limit(1).
			Find(&peaks).Error
		if err != nil {
			return domain.AggregateSnapshot{}, err
		}
		if len(peaks) > 0 {
			t := peaks[0].Timestamp.UTC()
			snapshot.PeakTimestamp = &t
		}
	}
	return snapshot, nil
}

func rangeScope(tx *gorm.DB, from, to *time.Time) *gorm.DB {
	if from != nil {
		tx = tx.Where("timestamp >= ?", from.UTC())
	}
	if to != nil {
		tx = tx.Where("timestamp <= ?", to.UTC())
	}
	return tx
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Username:     u.Username,
		PasswordHash: u.PasswordHash,
		IsAdmin:      u.IsAdmin,
		CreatedAt:    u.CreatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:           m.ID,
		Username:     m.Username,
		PasswordHash: m.PasswordHash,
		IsAdmin:      m.IsAdmin,
		CreatedAt:    m.CreatedAt,
	}
}

func readingToModel(r domain.Reading) ReadingModel {
	return ReadingModel{
		ID:          r.ID,
		Timestamp:   r.Timestamp.UTC(),
		Consumption: r.Consumption,
	}
}

func readingFromModel(m ReadingModel) domain.Reading {
	return domain.Reading{
		ID:          m.ID,
		Timestamp:   m.Timestamp.UTC(),
		Consumption: m.Consumption,
	}
}

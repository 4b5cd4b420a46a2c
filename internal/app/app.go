package app

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zel-fathi/gep-monitoring/pkg/auth"
	"github.com/zel-fathi/gep-monitoring/pkg/domain"
	"github.com/zel-fathi/gep-monitoring/pkg/ingest"
	"github.com/zel-fathi/gep-monitoring/pkg/storage"
	"github.com/zel-fathi/gep-monitoring/pkg/store"
)

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string

	SessionTTL          time.Duration
	JWTPrivateKeyPath   string
	JWTPublicKeyPath    string
	JWTKeyID            string
	JWTVerifyPublicKeys map[string]string
	JWTIssuer           string
	JWTAudience         string
	JWTLeeway           time.Duration

	AdminUsername string
	AdminPassword string
	SeedDataPath  string

	// Injectable for tests and alternative wiring.
	Store    store.Store
	Sessions store.SessionStore
	Archive  storage.ObjectStore
}

// App is the core application service wiring storage, sessions, and the
// ingest/aggregation pipeline together.
type App struct {
	store    store.Store
	sessions store.SessionStore
	archive  storage.ObjectStore
}

// New constructs the application, opening the database and session store
// when none are injected, and runs first-boot seeding.
func New(cfg Config) (*App, error) {
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = time.Hour
	}

	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}

	sessionStore := cfg.Sessions
	if sessionStore == nil {
		if strings.TrimSpace(cfg.JWTPrivateKeyPath) == "" {
			return nil, fmt.Errorf("jwtPrivateKeyPath is required")
		}
		var revoker store.TokenRevoker
		if strings.TrimSpace(cfg.RedisAddr) != "" {
			revoker = store.NewRedisTokenRevoker(cfg.RedisAddr, cfg.RedisPassword)
		} else {
			revoker = store.NewMemoryTokenRevoker()
		}
		jwtStore, err := store.NewJWTSessionStoreFromPEM(
			cfg.JWTPrivateKeyPath,
			cfg.JWTPublicKeyPath,
			cfg.JWTKeyID,
			cfg.JWTVerifyPublicKeys,
			cfg.SessionTTL,
			revoker,
			store.JWTOptions{
				Issuer:   cfg.JWTIssuer,
				Audience: cfg.JWTAudience,
				Leeway:   cfg.JWTLeeway,
			},
		)
		if err != nil {
			return nil, fmt.Errorf("init jwt session store: %w", err)
		}
		sessionStore = jwtStore
	}

	a := &App{
		store:    dataStore,
		sessions: sessionStore,
		archive:  cfg.Archive,
	}
	if err := a.seedAdmin(cfg.AdminUsername, cfg.AdminPassword); err != nil {
		return nil, fmt.Errorf("seed admin: %w", err)
	}
	if cfg.SeedDataPath != "" {
		if err := a.seedReadings(cfg.SeedDataPath); err != nil {
			return nil, fmt.Errorf("seed readings: %w", err)
		}
	}
	return a, nil
}

// Close releases the underlying storage when it owns a connection pool.
func (a *App) Close() error {
	if closer, ok := a.store.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// seedAdmin creates the first admin account when the users table is empty.
func (a *App) seedAdmin(username, password string) error {
	if strings.TrimSpace(password) == "" {
		return nil
	}
	count, err := a.store.UserCount()
	if err != nil {
		return fmt.Errorf("count users: %w", err)
	}
	if count > 0 {
		return nil
	}
	user, err := a.CreateUser(username, password, true)
	if err != nil {
		return err
	}
	slog.Info("seeded admin user", "username", user.Username, "id", user.ID)
	return nil
}

// seedReadings ingests a bundled CSV once, when the readings table is empty.
func (a *App) seedReadings(path string) error {
	count, err := a.store.ReadingCount()
	if err != nil {
		return fmt.Errorf("count readings: %w", err)
	}
	if count > 0 {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}
	processed, inserted, err := a.ingestCSV(data)
	if err != nil {
		return err
	}
	slog.Info("seeded readings", "path", path, "processed", processed, "inserted", inserted)
	return nil
}

// Login validates credentials and issues an access token. The returned
// expiry is in seconds, for the token response body.
func (a *App) Login(username, password string) (domain.User, string, int64, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return domain.User{}, "", 0, ErrUsernameAndPassword
	}
	user, ok, err := a.store.GetUserByUsername(username)
	if err != nil {
		return domain.User{}, "", 0, fmt.Errorf("fetch user: %w", err)
	}
	if !ok {
		return domain.User{}, "", 0, ErrInvalidCredentials
	}
	if !auth.CheckPassword(password, user.PasswordHash) {
		return domain.User{}, "", 0, ErrInvalidCredentials
	}
	token, err := a.sessions.NewSession(user)
	if err != nil {
		return domain.User{}, "", 0, fmt.Errorf("issue access token: %w", err)
	}
	return user, token, int64(a.sessions.TTL().Seconds()), nil
}

// Logout revokes the access token until its natural expiry.
func (a *App) Logout(token string) error {
	return a.sessions.DeleteSession(token)
}

// UserFromToken resolves the authoritative user for a bearer token.
func (a *App) UserFromToken(token string) (domain.User, bool) {
	claims, ok, err := a.sessions.ClaimsFromToken(token)
	if err != nil || !ok {
		return domain.User{}, false
	}
	user, found, err := a.store.GetUserByID(claims.UserID)
	if err != nil || !found {
		return domain.User{}, false
	}
	return user, true
}

// CreateUser registers a new account after validating the naming and
// password policies.
func (a *App) CreateUser(username, password string, isAdmin bool) (domain.User, error) {
	username = strings.TrimSpace(username)
	if err := auth.ValidateUsername(username); err != nil {
		return domain.User{}, err
	}
	if err := auth.ValidatePassword(password); err != nil {
		return domain.User{}, err
	}
	_, exists, err := a.store.GetUserByUsername(username)
	if err != nil {
		return domain.User{}, fmt.Errorf("check username: %w", err)
	}
	if exists {
		return domain.User{}, ErrUsernameTaken
	}
	passwordHash, err := auth.HashPassword(password)
	if err != nil {
		return domain.User{}, fmt.Errorf("hash password: %w", err)
	}
	user, err := a.store.CreateUser(domain.User{
		Username:     username,
		PasswordHash: passwordHash,
		IsAdmin:      isAdmin,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		if err == store.ErrDuplicate {
			return domain.User{}, ErrUsernameTaken
		}
		return domain.User{}, fmt.Errorf("save user: %w", err)
	}
	return user, nil
}

// GetUser returns a user by ID.
func (a *App) GetUser(id uint) (domain.User, error) {
	user, ok, err := a.store.GetUserByID(id)
	if err != nil {
		return domain.User{}, fmt.Errorf("fetch user: %w", err)
	}
	if !ok {
		return domain.User{}, ErrUserNotFound
	}
	return user, nil
}

// ListUsers returns all users.
func (a *App) ListUsers() ([]domain.User, error) {
	return a.store.ListUsers()
}

// UpdateUser applies the present fields of a patch to an existing user.
// Absent fields are left untouched.
func (a *App) UpdateUser(id uint, patch domain.UserPatch) (domain.User, error) {
	if patch.Username == nil && patch.Password == nil && patch.IsAdmin == nil {
		return domain.User{}, ErrNoFieldsToUpdate
	}
	user, err := a.GetUser(id)
	if err != nil {
		return domain.User{}, err
	}
	if patch.Username != nil {
		username := strings.TrimSpace(*patch.Username)
		if err := auth.ValidateUsername(username); err != nil {
			return domain.User{}, err
		}
		if username != user.Username {
			existing, taken, err := a.store.GetUserByUsername(username)
			if err != nil {
				return domain.User{}, fmt.Errorf("check username: %w", err)
			}
			if taken && existing.ID != user.ID {
				return domain.User{}, ErrUsernameTaken
			}
			user.Username = username
		}
	}
	if patch.Password != nil {
		if err := auth.ValidatePassword(*patch.Password); err != nil {
			return domain.User{}, err
		}
		passwordHash, err := auth.HashPassword(*patch.Password)
		if err != nil {
			return domain.User{}, fmt.Errorf("hash password: %w", err)
		}
		user.PasswordHash = passwordHash
	}
	if patch.IsAdmin != nil {
		user.IsAdmin = *patch.IsAdmin
	}
	if err := a.store.UpdateUser(user); err != nil {
		if err == store.ErrDuplicate {
			return domain.User{}, ErrUsernameTaken
		}
		return domain.User{}, fmt.Errorf("update user: %w", err)
	}
	return user, nil
}

// DeleteUser removes a user. Deleting the acting user's own account is
// forbidden.
func (a *App) DeleteUser(actor domain.User, id uint) error {
	if actor.ID == id {
		return ErrSelfDelete
	}
	if err := a.store.DeleteUser(id); err != nil {
		if err == store.ErrNotFound {
			return ErrUserNotFound
		}
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}

// ListReadings returns one page of readings, newest first, plus the
// total count for the same bounds.
func (a *App) ListReadings(filter store.ReadingFilter) ([]domain.Reading, int64, error) {
	return a.store.ListReadings(filter)
}

// CreateReading stores a single reading.
func (a *App) CreateReading(timestamp time.Time, consumption float64) (domain.Reading, error) {
	if err := validateConsumption(consumption); err != nil {
		return domain.Reading{}, err
	}
	reading, err := a.store.CreateReading(domain.Reading{
		Timestamp:   timestamp.UTC(),
		Consumption: consumption,
	})
	if err != nil {
		if err == store.ErrDuplicate {
			return domain.Reading{}, ErrDuplicateReading
		}
		return domain.Reading{}, fmt.Errorf("save reading: %w", err)
	}
	return reading, nil
}

// GetReading returns a reading by ID.
func (a *App) GetReading(id uint) (domain.Reading, error) {
	reading, ok, err := a.store.GetReading(id)
	if err != nil {
		return domain.Reading{}, fmt.Errorf("fetch reading: %w", err)
	}
	if !ok {
		return domain.Reading{}, ErrReadingNotFound
	}
	return reading, nil
}

// UpdateReading applies the present fields of a patch to a reading.
func (a *App) UpdateReading(id uint, patch domain.ReadingPatch) (domain.Reading, error) {
	if patch.Timestamp == nil && patch.Consumption == nil {
		return domain.Reading{}, ErrNoFieldsToUpdate
	}
	reading, err := a.GetReading(id)
	if err != nil {
		return domain.Reading{}, err
	}
	if patch.Timestamp != nil {
		reading.Timestamp = patch.Timestamp.UTC()
	}
	if patch.Consumption != nil {
		if err := validateConsumption(*patch.Consumption); err != nil {
			return domain.Reading{}, err
		}
		reading.Consumption = *patch.Consumption
	}
	if err := a.store.UpdateReading(reading); err != nil {
		if err == store.ErrNotFound {
			return domain.Reading{}, ErrReadingNotFound
		}
		if err == store.ErrDuplicate {
			return domain.Reading{}, ErrDuplicateReading
		}
		return domain.Reading{}, fmt.Errorf("update reading: %w", err)
	}
	return reading, nil
}

// DeleteReading removes a reading by ID.
func (a *App) DeleteReading(id uint) error {
	if err := a.store.DeleteReading(id); err != nil {
		if err == store.ErrNotFound {
			return ErrReadingNotFound
		}
		return fmt.Errorf("delete reading: %w", err)
	}
	return nil
}

// UploadReadings runs the full ingest pipeline for an uploaded CSV file:
// parse and validate, bulk insert in chunks, then archive the raw file
// when an object store is configured. Archiving is best-effort and never
// fails the upload.
func (a *App) UploadReadings(ctx context.Context, filename string, data []byte) (int64, int64, error) {
	processed, inserted, err := a.ingestCSV(data)
	if err != nil {
		return processed, inserted, err
	}
	if a.archive != nil {
		key := fmt.Sprintf("uploads/%s/%s-%s",
			time.Now().UTC().Format("2006/01/02"),
			uuid.NewString(),
			filepath.Base(filename),
		)
		if err := a.archive.Put(ctx, key, bytes.NewReader(data), int64(len(data)), "text/csv"); err != nil {
			slog.Warn("failed to archive uploaded csv", "key", key, "err", err)
		}
	}
	return processed, inserted, nil
}

func (a *App) ingestCSV(data []byte) (int64, int64, error) {
	records, warnings, err := ingest.Parse(bytes.NewReader(data))
	if err != nil {
		return 0, 0, err
	}
	for _, warning := range warnings {
		slog.Warn("csv ingest row skipped", "reason", warning)
	}
	inserted, err := a.store.InsertReadings(records)
	if err != nil {
		return int64(len(records)), inserted, fmt.Errorf("insert readings: %w", err)
	}
	return int64(len(records)), inserted, nil
}

func validateConsumption(v float64) error {
	if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return ErrInvalidConsumption
	}
	return nil
}

package auth

import (
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	minUsernameLength = 3
	minPasswordLength = 6
)

var (
	// ErrUsernameTooShort is surfaced verbatim to API clients.
	ErrUsernameTooShort = errors.New("Username must be at least 3 characters")
	// ErrPasswordTooShort is surfaced verbatim to API clients.
	ErrPasswordTooShort = errors.New("Password must be at least 6 characters")
)

// HashPassword returns a bcrypt hash of the password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches the stored bcrypt hash.
func CheckPassword(password, stored string) bool {
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)) == nil
}

// ValidateUsername enforces the account naming policy.
func ValidateUsername(username string) error {
	if len(strings.TrimSpace(username)) < minUsernameLength {
		return ErrUsernameTooShort
	}
	return nil
}

// ValidatePassword enforces the minimum password policy.
func ValidatePassword(password string) error {
	if len(password) < minPasswordLength {
		return ErrPasswordTooShort
	}
	return nil
}

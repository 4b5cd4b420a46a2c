package app

import "errors"

// Messages are surfaced verbatim in {"error": ...} responses.
var (
	ErrInvalidCredentials = errors.New("Incorrect username or password")
	ErrUsernameTaken      = errors.New("Username already exists")
	ErrUserNotFound       = errors.New("User not found")
	ErrSelfDelete         = errors.New("You cannot delete your own user")

	ErrReadingNotFound     = errors.New("Reading not found")
	ErrDuplicateReading    = errors.New("An identical reading already exists")
	ErrInvalidConsumption  = errors.New("Consumption must be a non-negative number")
	ErrNoFieldsToUpdate    = errors.New("At least one field is required")
	ErrUsernameAndPassword = errors.New("Username and password are required")
)

package models

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[a-zA-Z]{2,}$`)

// User is a profile mirrored from the external account service.
// Rows are upserted from verified token claims; credentials never live here.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewUser returns a profile stamped with the current time.
func NewUser(id, email, name string) *User {
	now := time.Now()
	return &User{ID: id, Email: email, Name: name, CreatedAt: now, UpdatedAt: now}
}

// Ref is the sender identity shown next to the user's messages.
func (u *User) Ref() SenderRef {
	return SenderRef{ID: u.ID, Email: u.Email, Name: u.Name}
}

// NormalizeEmail trims and lowercases an address so lookups by email match
// however the account service spelled it.
func NormalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case email == "":
		return "", fmt.Errorf("%w: email is required", ErrValidation)
	case len(email) > 255:
		return "", fmt.Errorf("%w: email must be at most 255 characters", ErrValidation)
	case !emailPattern.MatchString(email):
		return "", fmt.Errorf("%w: invalid email %q", ErrValidation, raw)
	}
	return email, nil
}

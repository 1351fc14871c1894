package core

import (
	"regexp"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
)

// NewUUIDv7 generates a time-ordered UUIDv7 used for job and mount ids.
func NewUUIDv7() string {
	return uuid.Must(uuid.NewV7()).String()
}

// IsValidUUIDv7 reports whether s is a well-formed UUIDv7.
func IsValidUUIDv7(s string) bool {
	u, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	return u.Version() == 7 && u.Variant() == uuid.RFC4122
}

// NewInstanceID returns a sortable id for a scheduler process. Lease owners
// are derived from it.
func NewInstanceID() string {
	return ksuid.New().String()
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// IsValidName reports whether s can be embedded in an object-store key.
func IsValidName(s string) bool {
	return namePattern.MatchString(s)
}

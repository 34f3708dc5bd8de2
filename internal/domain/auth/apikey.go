// Package auth holds API key authentication types.
package auth

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
)

// Key is a stored API key. Only the HMAC-SHA256 hash of the key material is
// persisted.
type Key struct {
	KeyHash        string
	OrganizationID uuid.UUID
	MemberID       uuid.UUID
	Name           string
}

// ErrNotFound is returned when no key matches a hash.
var ErrNotFound = errors.New("api key not found")

// Repository defines API key lookups.
type Repository interface {
	FindByHash(ctx context.Context, hash string) (*Key, error)
}

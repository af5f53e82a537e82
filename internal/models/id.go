package models

import "github.com/google/uuid"

// NewID returns a UUIDv7. Ids sort in creation order.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

package core

import "github.com/google/uuid"

// NewID generates a unique identifier for sessions, reservations and
// messages.
func NewID() string { return uuid.NewString() }

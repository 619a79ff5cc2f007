package storage

import "github.com/google/uuid"

// newID generates a new entity identifier for records created without a
// caller-supplied id (uuid, matching internal/model's entity-id convention).
func newID() string {
	return uuid.NewString()
}

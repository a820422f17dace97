package id

import "github.com/google/uuid"

// New returns a random identifier for asset batches and locally tracked work.
// Render job ids come from the rendering service, not from here.
func New() string {
	return uuid.NewString()
}

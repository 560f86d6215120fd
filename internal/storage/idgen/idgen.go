// Package idgen mints opaque identifiers used outside the reserved
// rel_id/page-offset numbering: staging-file names for strict-create
// semantics. Grounded in the donor's internal/storage/uuid_helpers.go,
// which wraps the same library.
package idgen

import "github.com/google/uuid"

// NewStagingName returns a filesystem-safe name for a staging file used
// while creating a new page-0 file, so a crash between create and first
// write never leaves a partially-initialized file at the final path.
func NewStagingName() string {
	return ".staging-" + uuid.NewString()
}

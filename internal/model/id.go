package model

import "github.com/oklog/ulid/v2"

// NewID generates a new ULID string for use as an entity identifier. ULIDs
// sort lexically by creation time, which keeps id tie-breaks deterministic.
func NewID() string {
	return ulid.Make().String()
}

// Package ident mints opaque identifiers for channels and users.
//
// Identifiers are unique within the process lifetime. They are not
// monotonic and not sortable; callers may only compare them and use
// them as map keys.
package ident

import "github.com/google/uuid"

// ID is an opaque, comparable identifier.
type ID = uuid.UUID

// Nil is the zero ID. It is never returned by New.
var Nil = uuid.Nil

// New mints a fresh identifier.
func New() ID {
	return uuid.New()
}

// Parse converts the string form of an ID back into an ID.
func Parse(s string) (ID, error) {
	return uuid.Parse(s)
}

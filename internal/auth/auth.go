// Package auth implements password hashing and the capability bitmask that
// gates which mutating commands a connection may issue.
package auth

import "golang.org/x/crypto/bcrypt"

// Capability is a bitmask of operations a user is permitted to perform.
type Capability uint32

const (
	CapView Capability = 1 << iota
	CapTag
	CapAddPost
	CapAddTag
	CapDeletePost
	CapDeleteTag
	CapAddUser
	CapAdmin
)

// AnonymousCapabilities is the default capability set for unauthenticated
// connections: they may search and tag, but not add posts/tags or manage
// users.
const AnonymousCapabilities = CapView | CapTag

// AllCapabilities grants every bit. Log replay and dump loading dispatch
// commands that were already accepted once by a live connection, so they
// run as an identity that can never be rejected by a capability check —
// replaying history must never fail a check that passed the first time it
// happened.
const AllCapabilities = CapView | CapTag | CapAddPost | CapAddTag | CapDeletePost | CapDeleteTag | CapAddUser | CapAdmin

// Has reports whether c includes every bit set in want.
func (c Capability) Has(want Capability) bool {
	return c&want == want
}

// HashPassword bcrypt-hashes a plaintext password for storage.
func HashPassword(plaintext string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
}

// CheckPassword reports whether plaintext matches a previously hashed
// password.
func CheckPassword(hash []byte, plaintext string) bool {
	return bcrypt.CompareHashAndPassword(hash, []byte(plaintext)) == nil
}

// Package patient implements patient identity records and the identity resolver.
package patient

import (
	"strings"
	"time"
)

// Account represents a patient identity record keyed by normalized email.
// At most one account exists per normalized email, enforced by a unique
// index and an insert-or-fetch upsert in the repository.
type Account struct {
	ID        string     `json:"id"`
	Email     string     `json:"email,omitempty"`
	FirstName string     `json:"first_name,omitempty"`
	LastName  string     `json:"last_name,omitempty"`
	Phone     string     `json:"phone,omitempty"`
	BirthDate *time.Time `json:"birth_date,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// NormalizeEmail trims whitespace and lowercases an email address.
// All lookups and the unique index operate on the normalized form.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ResolveInput carries the fallback identity fields used when no account
// exists for the supplied email.
type ResolveInput struct {
	Email     string
	FirstName string
	LastName  string
	Phone     string
	BirthDate *time.Time
}

// Package model defines the data structures used throughout the application.
package model

import "time"

// Account is a registered identity. It is what the identity provider knows
// about a user; the ledger itself lives in UserRecord under the same ID.
//
// PasswordHash is empty for accounts created through GitHub sign-in, and
// GitHubID is zero for accounts created with email and password.
type Account struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	GitHubID     int64     `json:"githubId,omitempty"`
	Login        string    `json:"login,omitempty"` // GitHub username, if linked
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

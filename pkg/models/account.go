// Package models contains shared data models used across the ticketgate codebase.
package models

import "time"

// Account holds one authenticated user's ticket balance. The ID is the identity
// provider subject; Email is the verified address used to link identities.
// Balance is only ever changed through ledger events and never drops below zero.
type Account struct {
	ID        string    `db:"id"         json:"id"`
	Email     string    `db:"email"      json:"email,omitempty"`
	Balance   int64     `db:"balance"    json:"balance"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Identity is what the identity provider vouches for after verifying a bearer token.
type Identity struct {
	UserID   string `json:"user_id"`
	Email    string `json:"email,omitempty"`
	Provider string `json:"provider,omitempty"`
}

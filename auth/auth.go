// Package auth provides the login authenticators a server can be started
// with.
package auth

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/ini.v1"

	"github.com/cyberinferno/go-remotedb/safemap"
	"github.com/cyberinferno/go-remotedb/session"
)

// ErrUnknownUser is the cause of a rejected login for a user not in the table.
var ErrUnknownUser = errors.New("auth: unknown user")

// AllowAll accepts every login and keeps the client's identity.
var AllowAll = session.AuthenticatorFunc(func(context.Context, session.Identity) (*session.Identity, error) {
	return nil, nil
})

// PasswordTable checks logins against bcrypt password hashes.
type PasswordTable struct {
	cost   int
	hashes *safemap.SafeMap[string, string]
}

// NewPasswordTable returns an empty table hashing with cost; cost 0 uses
// bcrypt.DefaultCost.
func NewPasswordTable(cost int) *PasswordTable {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &PasswordTable{cost: cost, hashes: safemap.NewSafeMap[string, string]()}
}

// LoadPasswordTable reads user = bcrypt-hash pairs from a section of an ini
// file. User names keep their case.
//
// Parameters:
//   - path: The ini file
//   - section: The section holding the users
//
// Returns:
//   - The table
//   - An error if the file or section cannot be read or a hash is malformed
func LoadPasswordTable(path, section string) (*PasswordTable, error) {
	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("auth: failed to load %s: %w", path, err)
	}
	sec, err := file.GetSection(section)
	if err != nil {
		return nil, fmt.Errorf("auth: %s: %w", path, err)
	}

	t := NewPasswordTable(0)
	for _, key := range sec.Keys() {
		if err := t.SetHash(key.Name(), key.String()); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Set stores the hash of password for user.
func (t *PasswordTable) Set(user, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), t.cost)
	if err != nil {
		return fmt.Errorf("auth: hashing password of %s: %w", user, err)
	}
	t.hashes.Store(user, string(hash))
	return nil
}

// SetHash stores an existing bcrypt hash for user.
func (t *PasswordTable) SetHash(user, hash string) error {
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return fmt.Errorf("auth: hash of %s: %w", user, err)
	}
	t.hashes.Store(user, hash)
	return nil
}

// Remove deletes user.
func (t *PasswordTable) Remove(user string) {
	t.hashes.Delete(user)
}

// Len returns the number of users.
func (t *PasswordTable) Len() int {
	return t.hashes.Len()
}

// Authenticate implements session.Authenticator.
func (t *PasswordTable) Authenticate(ctx context.Context, id session.Identity) (*session.Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	hash, ok := t.hashes.Load(id.User)
	if !ok {
		return nil, &session.AuthError{User: id.User, Cause: ErrUnknownUser}
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(id.Password)); err != nil {
		return nil, &session.AuthError{User: id.User, Cause: err}
	}
	return nil, nil
}

// Package auth is the credential-verification plug point. The relay core
// only needs an opaque user identity back; what the credentials look like
// is up to the verifier.
package auth

import (
	"context"
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// ErrBadCredentials indicates the presented credentials did not verify.
var ErrBadCredentials = errors.New("bad credentials")

// User is the opaque identity a successful authentication produces.
type User struct {
	ID string
}

// Authenticator verifies the credential fields of an authenticate request.
// The map holds the decoded request document minus the protocol fields.
type Authenticator interface {
	Authenticate(ctx context.Context, credentials map[string]interface{}) (*User, error)
}

// TokenAuthenticator verifies a user_id/token pair against a table of
// bcrypt token hashes.
type TokenAuthenticator struct {
	hashes map[string]string // user_id -> bcrypt hash of token
}

// NewTokenAuthenticator builds a verifier over the given hash table.
func NewTokenAuthenticator(hashes map[string]string) *TokenAuthenticator {
	return &TokenAuthenticator{hashes: hashes}
}

// HashToken produces a bcrypt hash suitable for the token table.
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func (a *TokenAuthenticator) Authenticate(ctx context.Context, credentials map[string]interface{}) (*User, error) {
	userID, _ := credentials["user_id"].(string)
	token, _ := credentials["token"].(string)
	if userID == "" || token == "" {
		return nil, ErrBadCredentials
	}

	hash, ok := a.hashes[userID]
	if !ok {
		return nil, ErrBadCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)); err != nil {
		return nil, ErrBadCredentials
	}
	return &User{ID: userID}, nil
}

// InsecureAuthenticator accepts whatever user_id the client declares.
// Dev and test use only.
type InsecureAuthenticator struct{}

func (InsecureAuthenticator) Authenticate(ctx context.Context, credentials map[string]interface{}) (*User, error) {
	userID, _ := credentials["user_id"].(string)
	if userID == "" {
		return nil, ErrBadCredentials
	}
	return &User{ID: userID}, nil
}

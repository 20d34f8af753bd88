// Package store implements the persistence collaborators: account lookup and
// creation with bcrypt-hashed secrets, and the room message log.
package store

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"

	"github.com/omochice/roomchat/internal/chat"
	"github.com/omochice/roomchat/pkg/protocol"
)

var (
	// ErrDuplicateLogin is returned when creating an account for a taken login.
	ErrDuplicateLogin = errors.New("login already registered")
	// ErrDuplicateID is returned when creating an account with a taken client id.
	ErrDuplicateID = errors.New("client id already registered")
)

// Accounts stores logins, their identities and hashed secrets.
type Accounts interface {
	ResolveIdentity(ctx context.Context, login, secret string) (int64, error)
	LookupLoginID(ctx context.Context, login string) (int64, error)
	CreateAccount(ctx context.Context, login string, clientID int64, secret string) error
}

// MessageLog durably records room messages.
type MessageLog interface {
	LogMessage(ctx context.Context, msg protocol.Text) error
	// Recent returns up to n latest messages of roomID, oldest first.
	Recent(ctx context.Context, roomID int64, n int) ([]protocol.Text, error)
}

// Split combines an account store with a separate message log.
type Split struct {
	Accounts
	MessageLog
}

var (
	_ chat.Store = (*Memory)(nil)
	_ chat.Store = (*Postgres)(nil)
	_ chat.Store = Split{}

	_ MessageLog = (*RedisLog)(nil)
)

func hashSecret(secret string, cost int) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return "", errors.Wrap(err, "hash secret")
	}
	return string(hash), nil
}

// secretMatches reports whether secret hashes to hash. A malformed hash is
// an error; a wrong secret is not.
func secretMatches(hash, secret string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, errors.Wrap(err, "compare secret")
	}
}

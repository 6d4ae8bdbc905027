package kiwibnc

import (
	"context"
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// ErrNoSuchUser and ErrNoSuchNetwork are returned by the by-name lookups
// (GetNetworkByName passes ErrNoSuchNetwork through to its caller); the
// by-id lookups return (nil, nil) for a missing row, and auth failures are
// reported as (nil, nil) per CredentialStore's contract below.
var (
	ErrNoSuchUser    = errors.New("kiwibnc: no such user")
	ErrNoSuchNetwork = errors.New("kiwibnc: no such network")
)

// CredentialStore is the external credentials collaborator referenced by
// spec §6. AuthUser and AuthUserNetwork return (nil, nil) — not an error —
// on a bad username/password/network combination, so that callers can't
// accidentally leak which part of the triple was wrong through error
// text.
type CredentialStore interface {
	AuthUser(ctx context.Context, username, password string) (*User, error)
	AuthUserNetwork(ctx context.Context, username, password, networkName string) (*Network, error)

	GetUser(ctx context.Context, id int64) (*User, error)
	GetNetwork(ctx context.Context, id int64) (*Network, error)
	GetNetworkByName(ctx context.Context, userID int64, name string) (*Network, error)
	GetUserNetworks(ctx context.Context, userID int64) ([]*Network, error)
}

// sqlCredentialStore implements CredentialStore on top of whatever SQL
// Database backend is active: SqliteCredentialStore and
// PostgresCredentialStore wrap the shared *sqlStore, whose raw row
// accessors (db_sql_common.go) this builds AuthUser/AuthUserNetwork on.
type sqlCredentialStore struct {
	accessor credentialAccessor
}

// credentialAccessor is the minimal set of raw queries each SQL backend
// must provide; sqlCredentialStore builds the auth semantics on top.
type credentialAccessor interface {
	userByUsername(ctx context.Context, username string) (*User, error)
	userByID(ctx context.Context, id int64) (*User, error)
	networkByID(ctx context.Context, id int64) (*Network, error)
	networkByName(ctx context.Context, userID int64, name string) (*Network, error)
	networksByUser(ctx context.Context, userID int64) ([]*Network, error)
}

func (s sqlCredentialStore) GetUser(ctx context.Context, id int64) (*User, error) {
	return s.accessor.userByID(ctx, id)
}

func (s sqlCredentialStore) GetNetwork(ctx context.Context, id int64) (*Network, error) {
	return s.accessor.networkByID(ctx, id)
}

func (s sqlCredentialStore) GetNetworkByName(ctx context.Context, userID int64, name string) (*Network, error) {
	return s.accessor.networkByName(ctx, userID, name)
}

func (s sqlCredentialStore) GetUserNetworks(ctx context.Context, userID int64) ([]*Network, error) {
	return s.accessor.networksByUser(ctx, userID)
}

func (s sqlCredentialStore) AuthUser(ctx context.Context, username, password string) (*User, error) {
	u, err := s.accessor.userByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNoSuchUser) {
			return nil, nil
		}
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(password)) != nil {
		return nil, nil
	}
	return u, nil
}

func (s sqlCredentialStore) AuthUserNetwork(ctx context.Context, username, password, networkName string) (*Network, error) {
	u, err := s.AuthUser(ctx, username, password)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, nil
	}
	net, err := s.accessor.networkByName(ctx, u.ID, networkName)
	if err != nil {
		if errors.Is(err, ErrNoSuchNetwork) {
			return nil, nil
		}
		return nil, err
	}
	return net, nil
}

// HashPassword bcrypt-hashes a plaintext password for storage, used by
// cmd/kiwibncctl when creating or updating a user.
func HashPassword(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Package localstore keeps the small advisory client state that survives a
// restart: known task ids, the selected task and per-task scene positions.
package localstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var ErrNotFound = errors.New("key not found")

// Store is a flat key-value store for JSON-encoded values.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Mode() string
	Close() error
}

// NewStore picks a backend from stateURL:
//
//	""                      in-memory
//	sqlite://path, *.db     SQLite file
//	postgres://, postgresql://
//	redis://, rediss://
func NewStore(ctx context.Context, stateURL string) (Store, error) {
	stateURL = strings.TrimSpace(stateURL)
	if stateURL == "" {
		return NewInMemoryStore(), nil
	}
	scheme, rest, hasScheme := strings.Cut(stateURL, "://")
	if !hasScheme {
		return NewSQLiteStore(ctx, stateURL)
	}
	switch strings.ToLower(scheme) {
	case "sqlite", "file":
		path := rest
		if u, err := url.Parse(stateURL); err == nil && u.Path != "" {
			path = u.Host + u.Path
		}
		return NewSQLiteStore(ctx, path)
	case "postgres", "postgresql":
		return NewPostgresStore(ctx, stateURL)
	case "redis", "rediss":
		return NewRedisStore(ctx, stateURL)
	default:
		return nil, fmt.Errorf("unsupported state url scheme %q", scheme)
	}
}

// SQLitePath returns the database file for a sqlite state url, or "" when the
// url selects another backend.
func SQLitePath(stateURL string) string {
	stateURL = strings.TrimSpace(stateURL)
	if stateURL == "" {
		return ""
	}
	scheme, rest, hasScheme := strings.Cut(stateURL, "://")
	if !hasScheme {
		return stateURL
	}
	switch strings.ToLower(scheme) {
	case "sqlite", "file":
		if u, err := url.Parse(stateURL); err == nil && u.Path != "" {
			return u.Host + u.Path
		}
		return rest
	default:
		return ""
	}
}

// Package storage is the key-value layer behind the resource cache. Keys are
// grouped per extension so one server's resources can be dropped together.
package storage

import (
	"context"
	"time"
)

// Storage is implemented by the memory and redis backends.
//
// Get returns a nil item, not an error, for keys that are missing or
// expired. Delete removes a single key when WithKey is given and the whole
// extension group otherwise.
type Storage interface {
	Get(ctx context.Context, key string, opts ...Option) (*StorageItem, error)
	Set(ctx context.Context, key string, data []byte, opts ...Option) error
	Delete(ctx context.Context, opts ...Option) error
	Close() error
}

// StorageItem is a stored value. ExpiresAt is nil for values without a TTL.
type StorageItem struct {
	Data      []byte
	CreatedAt time.Time
	ExpiresAt *time.Time
}

// IsExpired reports whether the item's TTL has elapsed.
func (si *StorageItem) IsExpired() bool {
	return si.ExpiresAt != nil && time.Now().After(*si.ExpiresAt)
}

// Option configures one storage call.
type Option func(*Options)

// Options is the folded result of a call's options.
type Options struct {
	// Extension groups keys. Empty means the shared group.
	Extension string
	Key       *string
	TTL       time.Duration
}

// Apply folds opts into a fresh Options.
func Apply(opts ...Option) *Options {
	o := &Options{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Group returns the key prefix shared by every key in the call's group.
func (o *Options) Group() string {
	if o.Extension == "" {
		return "global:"
	}
	return "ext:" + o.Extension + ":"
}

// WithExtension scopes the call to one extension's group.
func WithExtension(name string) Option {
	return func(o *Options) { o.Extension = name }
}

// WithKey narrows Delete to a single key.
func WithKey(key string) Option {
	return func(o *Options) { o.Key = &key }
}

// WithTTL expires the value written by Set. Non-positive values mean no
// expiry.
func WithTTL(ttl time.Duration) Option {
	return func(o *Options) { o.TTL = ttl }
}

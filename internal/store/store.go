// Package store defines the persistence interfaces for the kiosk client.
// The state store is a small key-value table holding registration and
// device settings; the cache store holds the offline content snapshot.
// Both are implemented by SQLiteStore.
package store

import (
	"context"
	"time"
)

// Keys used in the state store.
const (
	KeyServerURL         = "server_url"
	KeyDeviceToken       = "device_token"
	KeyAuthStatus        = "authorization_status"
	KeyDisplayID         = "display_id"
	KeyDisplayIdentifier = "display_identifier"
	KeyLastRefresh       = "cache_last_refresh"
	KeyKioskMode         = "kiosk_mode"
	KeyScreenAlwaysOn    = "screen_always_on"

	// KeyEpoch survives Clear and is incremented by it.
	KeyEpoch = "registration_epoch"
)

// StateStore is a durable key-value store. Reads may run concurrently;
// writes are serialized. Implementations must be safe for concurrent use.
type StateStore interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)
	// Put stores a single value.
	Put(ctx context.Context, key, value string) error
	// PutMany stores all values in one transaction.
	PutMany(ctx context.Context, values map[string]string) error
	// Delete removes a key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error
	// Clear removes every key atomically and increments KeyEpoch.
	Clear(ctx context.Context) error
}

// CacheStore persists cached content items and media references.
type CacheStore interface {
	UpsertItems(ctx context.Context, items []CachedItem) error
	// ListItems returns items with CachedAt at or after notBefore, ordered by id.
	ListItems(ctx context.Context, notBefore time.Time) ([]CachedItem, error)
	DeleteItemsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	UpsertMedia(ctx context.Context, m *CachedMedia) error
	GetMedia(ctx context.Context, url string) (*CachedMedia, error)
	ListMedia(ctx context.Context) ([]*CachedMedia, error)
	// DeleteMediaBefore removes and returns media rows cached before cutoff.
	DeleteMediaBefore(ctx context.Context, cutoff time.Time) ([]*CachedMedia, error)

	// ClearCache removes every item and media row.
	ClearCache(ctx context.Context) error
}

// CachedItem is one content item as returned by the backend.
type CachedItem struct {
	ID       string
	Payload  string
	CachedAt time.Time
}

// CachedMedia records a media file downloaded for offline use.
type CachedMedia struct {
	URL       string
	LocalPath string
	MimeType  string
	SizeBytes int64
	CachedAt  time.Time
}

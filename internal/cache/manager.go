// Package cache keeps the last known good content set for offline use.
// It owns the cached_items and cached_media collections and the media
// files under the media directory.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/singleflight"

	"github.com/avaropoint/kiosk/internal/logger"
	"github.com/avaropoint/kiosk/internal/store"
)

// ErrNothingCached is returned by RenderOfflineFallback when the snapshot is empty.
var ErrNothingCached = errors.New("nothing cached")

// DefaultTTL is how long cached content stays valid.
const DefaultTTL = 24 * time.Hour

// Source is the backend surface used for refreshing.
type Source interface {
	Posts(ctx context.Context) ([]json.RawMessage, error)
	Download(ctx context.Context, url string) (*http.Response, error)
}

// Options configures a Manager.
type Options struct {
	MediaDir string
	TTL      time.Duration
	// MaxBytes bounds the total size of downloaded media. Zero disables media caching.
	MaxBytes int64
	// InlineLimit is the largest image embedded into the offline page.
	InlineLimit int64
}

// Manager refreshes, serves and evicts the offline cache.
type Manager struct {
	source Source
	items  store.CacheStore
	state  store.StateStore
	opts   Options
	log    logger.Logger
	now    func() time.Time

	group singleflight.Group
}

// NewManager creates a Manager.
func NewManager(source Source, items store.CacheStore, state store.StateStore, opts Options, log logger.Logger) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.InlineLimit <= 0 {
		opts.InlineLimit = 2 << 20
	}
	return &Manager{
		source: source,
		items:  items,
		state:  state,
		opts:   opts,
		log:    log.WithComponent("cache"),
		now:    time.Now,
	}
}

// Refresh fetches the content list, upserts every item and downloads the
// media they reference. It returns the number of items stored. Concurrent
// calls share one fetch.
func (m *Manager) Refresh(ctx context.Context) (int, error) {
	v, err, _ := m.group.Do("refresh", func() (any, error) {
		return m.refresh(ctx)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (m *Manager) refresh(ctx context.Context) (int, error) {
	posts, err := m.source.Posts(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch posts: %w", err)
	}

	now := m.now()
	rows := make([]store.CachedItem, 0, len(posts))
	parsed := make([]Item, 0, len(posts))
	for _, raw := range posts {
		it, err := parseItem(raw)
		if err != nil {
			m.log.Warn().Err(err).Msg("Skipping unusable item from backend")
			continue
		}
		rows = append(rows, store.CachedItem{ID: it.ID, Payload: string(raw), CachedAt: now})
		parsed = append(parsed, it)
	}

	if err := m.items.UpsertItems(ctx, rows); err != nil {
		return 0, fmt.Errorf("store items: %w", err)
	}
	if err := m.state.Put(ctx, store.KeyLastRefresh, now.UTC().Format(time.RFC3339)); err != nil {
		return 0, fmt.Errorf("record refresh: %w", err)
	}

	m.cacheMedia(ctx, parsed, now)

	m.log.Info().Int("items", len(rows)).Msg("Cache refreshed")
	return len(rows), nil
}

// Snapshot returns all non-expired items. Records that fail to decode are
// logged and skipped.
func (m *Manager) Snapshot(ctx context.Context) ([]Item, error) {
	rows, err := m.items.ListItems(ctx, m.now().Add(-m.opts.TTL))
	if err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(rows))
	for _, row := range rows {
		it, err := parseItem([]byte(row.Payload))
		if err != nil {
			m.log.Warn().Err(err).Str("id", row.ID).Msg("Skipping corrupt cached item")
			continue
		}
		it.CachedAt = row.CachedAt
		items = append(items, it)
	}

	sortItems(items)
	return items, nil
}

// SweepResult counts the records removed by SweepExpired.
type SweepResult struct {
	Items int
	Media int
}

// SweepExpired deletes items and media cached before now-ttl. A record
// cached exactly at now-ttl is kept.
func (m *Manager) SweepExpired(ctx context.Context, ttl time.Duration) (SweepResult, error) {
	if ttl <= 0 {
		ttl = m.opts.TTL
	}
	cutoff := m.now().Add(-ttl)

	var res SweepResult
	n, err := m.items.DeleteItemsBefore(ctx, cutoff)
	if err != nil {
		return res, fmt.Errorf("sweep items: %w", err)
	}
	res.Items = int(n)

	removed, err := m.items.DeleteMediaBefore(ctx, cutoff)
	if err != nil {
		return res, fmt.Errorf("sweep media: %w", err)
	}
	for _, med := range removed {
		m.removeFile(med.LocalPath)
	}
	res.Media = len(removed)

	if res.Items > 0 || res.Media > 0 {
		m.log.Info().Int("items", res.Items).Int("media", res.Media).Msg("Expired cache entries removed")
	}
	return res, nil
}

// Clear removes every cached item, media file and the refresh timestamp.
func (m *Manager) Clear(ctx context.Context) error {
	media, err := m.items.ListMedia(ctx)
	if err != nil {
		return err
	}
	if err := m.items.ClearCache(ctx); err != nil {
		return err
	}
	for _, med := range media {
		m.removeFile(med.LocalPath)
	}
	if err := m.state.Delete(ctx, store.KeyLastRefresh); err != nil {
		return err
	}
	m.log.Info().Msg("Cache cleared")
	return nil
}

// Stats describes the cache contents.
type Stats struct {
	Items       int
	MediaFiles  int
	MediaBytes  int64
	LastRefresh time.Time
}

func (s Stats) String() string {
	refreshed := "never"
	if !s.LastRefresh.IsZero() {
		refreshed = humanize.Time(s.LastRefresh)
	}
	return fmt.Sprintf("%d items, %d media files (%s), refreshed %s",
		s.Items, s.MediaFiles, humanize.Bytes(uint64(s.MediaBytes)), refreshed)
}

// Stats returns counts for all stored records, expired or not.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	var st Stats

	rows, err := m.items.ListItems(ctx, time.Time{})
	if err != nil {
		return st, err
	}
	st.Items = len(rows)

	media, err := m.items.ListMedia(ctx)
	if err != nil {
		return st, err
	}
	st.MediaFiles = len(media)
	for _, med := range media {
		st.MediaBytes += med.SizeBytes
	}

	if v, ok, _ := m.state.Get(ctx, store.KeyLastRefresh); ok {
		st.LastRefresh, _ = time.Parse(time.RFC3339, v)
	}
	return st, nil
}

func (m *Manager) removeFile(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.log.Warn().Err(err).Str("path", path).Msg("Removing cached media failed")
	}
}

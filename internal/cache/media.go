package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"github.com/avaropoint/kiosk/internal/backend"
	"github.com/avaropoint/kiosk/internal/store"
)

const (
	downloadAttempts     = 3
	downloadInitialDelay = time.Second
	downloadMaxDelay     = 10 * time.Second
)

var errBudgetExceeded = errors.New("media cache size limit reached")

// cacheMedia downloads media referenced by items. Failures are logged.
func (m *Manager) cacheMedia(ctx context.Context, items []Item, now time.Time) {
	if m.opts.MaxBytes <= 0 || m.opts.MediaDir == "" {
		return
	}
	if err := os.MkdirAll(m.opts.MediaDir, 0o755); err != nil {
		m.log.Warn().Err(err).Str("dir", m.opts.MediaDir).Msg("Creating media directory failed")
		return
	}

	existing, err := m.items.ListMedia(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("Listing cached media failed")
		return
	}
	var used int64
	known := make(map[string]*store.CachedMedia, len(existing))
	for _, med := range existing {
		used += med.SizeBytes
		known[med.URL] = med
	}

	for _, it := range items {
		for _, ref := range it.MediaRefs() {
			if ctx.Err() != nil {
				return
			}

			if med, ok := known[ref]; ok && fileExists(med.LocalPath) {
				// Re-stamp so the sweep keeps media that is still referenced.
				med.CachedAt = now
				if err := m.items.UpsertMedia(ctx, med); err != nil {
					m.log.Warn().Err(err).Str("url", ref).Msg("Updating cached media failed")
				}
				continue
			}

			med, err := m.download(ctx, ref, m.opts.MaxBytes-used, now)
			if errors.Is(err, errBudgetExceeded) {
				m.log.Warn().Str("url", ref).Int64("limit", m.opts.MaxBytes).Msg("Media cache full, skipping remaining downloads")
				return
			}
			if err != nil {
				m.log.Warn().Err(err).Str("url", ref).Msg("Media download failed")
				continue
			}

			if err := m.items.UpsertMedia(ctx, med); err != nil {
				m.log.Warn().Err(err).Str("url", ref).Msg("Recording cached media failed")
				m.removeFile(med.LocalPath)
				continue
			}
			used += med.SizeBytes
			known[ref] = med
		}
	}
}

func (m *Manager) download(ctx context.Context, ref string, budget int64, now time.Time) (*store.CachedMedia, error) {
	if budget <= 0 {
		return nil, errBudgetExceeded
	}

	var (
		med       *store.CachedMedia
		overspent bool
	)
	err := retry.Do(func() error {
		var err error
		med, err = m.fetchOnce(ctx, ref, budget, now)
		overspent = errors.Is(err, errBudgetExceeded)
		return err
	},
		retry.Attempts(downloadAttempts),
		retry.Delay(downloadInitialDelay),
		retry.MaxDelay(downloadMaxDelay),
		retry.Context(ctx),
		retry.RetryIf(retryable),
	)
	if overspent {
		return nil, errBudgetExceeded
	}
	if err != nil {
		return nil, err
	}
	return med, nil
}

// retryable retries transport failures and 5xx answers only.
func retryable(err error) bool {
	if errors.Is(err, errBudgetExceeded) {
		return false
	}
	code := backend.StatusCode(err)
	return code == 0 || code >= http.StatusInternalServerError
}

func (m *Manager) fetchOnce(ctx context.Context, ref string, budget int64, now time.Time) (*store.CachedMedia, error) {
	resp, err := m.source.Download(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.ContentLength > budget {
		return nil, errBudgetExceeded
	}

	dst := filepath.Join(m.opts.MediaDir, mediaFileName(ref))
	tmp, err := os.CreateTemp(m.opts.MediaDir, ".dl-*")
	if err != nil {
		return nil, err
	}
	tmpName := tmp.Name()

	n, copyErr := io.Copy(tmp, io.LimitReader(resp.Body, budget+1))
	closeErr := tmp.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		os.Remove(tmpName) //nolint:errcheck
		return nil, backend.WrapNetwork(copyErr)
	}
	if n > budget {
		os.Remove(tmpName) //nolint:errcheck
		return nil, errBudgetExceeded
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName) //nolint:errcheck
		return nil, fmt.Errorf("store media: %w", err)
	}

	return &store.CachedMedia{
		URL:       ref,
		LocalPath: dst,
		MimeType:  mediaType(resp.Header.Get("Content-Type"), ref),
		SizeBytes: n,
		CachedAt:  now,
	}, nil
}

func mediaFileName(ref string) string {
	sum := sha256.Sum256([]byte(ref))
	return hex.EncodeToString(sum[:])
}

func mediaType(header, ref string) string {
	if mt, _, err := mime.ParseMediaType(header); err == nil && mt != "" && mt != "application/octet-stream" {
		return mt
	}
	if u := strings.SplitN(ref, "?", 2)[0]; u != "" {
		if mt := mime.TypeByExtension(strings.ToLower(path.Ext(u))); mt != "" {
			mt, _, _ = mime.ParseMediaType(mt)
			return mt
		}
	}
	return "application/octet-stream"
}

func fileExists(p string) bool {
	if p == "" {
		return false
	}
	_, err := os.Stat(p)
	return err == nil
}

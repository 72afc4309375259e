package session

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/avaropoint/kiosk/internal/cache"
)

// OfflineHandler serves the offline fallback page rendered from the cache.
func OfflineHandler(c Cache) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		doc, err := c.RenderOfflineFallback(r.Context())
		switch {
		case errors.Is(err, cache.ErrNothingCached):
			http.Error(w, "nothing cached", http.StatusNotFound)
			return
		case err != nil:
			http.Error(w, "offline content unavailable", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Length", strconv.Itoa(len(doc.HTML)))
		_, _ = w.Write(doc.HTML)
	})
}

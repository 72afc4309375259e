package cache

import (
	"bytes"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"
)

var errMissingID = errors.New("item has no id")

// Item is a cached content item with the fields the offline page uses.
// Payload keeps the original JSON, unknown fields included.
type Item struct {
	ID           string
	Title        string
	Content      string
	ContentType  string
	MediaURL     string
	ThumbnailURL string
	Category     string
	ShowTitle    bool
	Priority     int
	Slides       []string
	Payload      json.RawMessage
	CachedAt     time.Time
}

type itemJSON struct {
	ID           json.RawMessage `json:"id"`
	Title        string          `json:"title"`
	Content      *string         `json:"content"`
	ContentType  string          `json:"contentType"`
	MediaURL     *string         `json:"mediaUrl"`
	ThumbnailURL *string         `json:"thumbnailUrl"`
	Priority     int             `json:"priority"`
	ShowTitle    *bool           `json:"showTitle"`
	Category     *struct {
		Name string `json:"name"`
	} `json:"category"`
	Presentation *struct {
		Slides []struct {
			SlideNumber int    `json:"slideNumber"`
			ImageURL    string `json:"imageUrl"`
		} `json:"slides"`
	} `json:"presentation"`
}

// parseItem decodes a payload. Any decoding failure marks the record corrupt.
func parseItem(payload []byte) (Item, error) {
	var raw itemJSON
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Item{}, err
	}

	id := itemID(raw.ID)
	if id == "" {
		return Item{}, errMissingID
	}

	it := Item{
		ID:          id,
		Title:       raw.Title,
		ContentType: raw.ContentType,
		Priority:    raw.Priority,
		ShowTitle:   raw.ShowTitle == nil || *raw.ShowTitle,
		Payload:     json.RawMessage(append([]byte(nil), payload...)),
	}
	if raw.Content != nil {
		it.Content = *raw.Content
	}
	if raw.MediaURL != nil {
		it.MediaURL = *raw.MediaURL
	}
	if raw.ThumbnailURL != nil {
		it.ThumbnailURL = *raw.ThumbnailURL
	}
	if raw.Category != nil {
		it.Category = raw.Category.Name
	}
	if raw.Presentation != nil {
		slides := raw.Presentation.Slides
		sort.SliceStable(slides, func(i, j int) bool { return slides[i].SlideNumber < slides[j].SlideNumber })
		for _, s := range slides {
			if s.ImageURL != "" {
				it.Slides = append(it.Slides, s.ImageURL)
			}
		}
	}
	return it, nil
}

// itemID accepts numeric or string ids.
func itemID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// MediaRefs returns every media URL the item references.
func (it Item) MediaRefs() []string {
	var refs []string
	seen := map[string]bool{}
	add := func(u string) {
		if u = strings.TrimSpace(u); u != "" && !seen[u] {
			seen[u] = true
			refs = append(refs, u)
		}
	}
	add(it.MediaURL)
	add(it.ThumbnailURL)
	for _, s := range it.Slides {
		add(s)
	}
	return refs
}

// sortItems orders by priority descending, then id (numerically when both are numbers).
func sortItems(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority > items[j].Priority
		}
		return idLess(items[i].ID, items[j].ID)
	})
}

func idLess(a, b string) bool {
	na, errA := strconv.ParseInt(a, 10, 64)
	nb, errB := strconv.ParseInt(b, 10, 64)
	if errA == nil && errB == nil {
		return na < nb
	}
	return a < b
}

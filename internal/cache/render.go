package cache

import (
	"bytes"
	"context"
	"encoding/base64"
	"html/template"
	"os"
	"strings"
	"time"

	"github.com/avaropoint/kiosk/internal/store"
)

// Document is a self-contained offline page.
type Document struct {
	HTML        []byte
	Items       int
	GeneratedAt time.Time
}

type pageItem struct {
	Item
	Image template.URL
}

type pageData struct {
	Items       []pageItem
	LastRefresh string
	Generated   string
}

var offlineTemplate = template.Must(template.New("offline").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Offline</title>
<style>
html,body{margin:0;background:#111;color:#eee;font-family:sans-serif}
.banner{background:#b45309;color:#fff;padding:.6em 1em;font-size:1.1em}
.items{display:flex;flex-wrap:wrap;gap:1em;padding:1em}
.item{background:#1f2937;border-radius:8px;padding:1em;flex:1 1 28em;box-sizing:border-box}
.item h2{margin:0 0 .4em}
.item img{max-width:100%;border-radius:4px}
.category{font-size:.8em;text-transform:uppercase;opacity:.7}
.content{white-space:pre-wrap}
</style>
</head>
<body>
<div class="banner" id="offline-banner">Offline: showing cached content{{if .LastRefresh}} from {{.LastRefresh}}{{end}}</div>
<div class="items">
{{- range .Items}}
<article class="item" data-id="{{.ID}}">
{{- if .Category}}<div class="category">{{.Category}}</div>{{end}}
{{- if and .ShowTitle .Title}}<h2>{{.Title}}</h2>{{end}}
{{- if .Image}}<img src="{{.Image}}" alt="{{.Title}}">{{end}}
{{- if .Content}}<div class="content">{{.Content}}</div>{{end}}
</article>
{{- end}}
</div>
<!-- generated {{.Generated}} -->
</body>
</html>
`))

// RenderOfflineFallback builds a page from the current snapshot. It
// returns ErrNothingCached when there is nothing to show.
func (m *Manager) RenderOfflineFallback(ctx context.Context) (*Document, error) {
	items, err := m.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNothingCached
	}

	now := m.now()
	data := pageData{Generated: now.UTC().Format(time.RFC3339)}
	if v, ok, _ := m.state.Get(ctx, store.KeyLastRefresh); ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			data.LastRefresh = t.Local().Format("2006-01-02 15:04")
		}
	}

	for _, it := range items {
		data.Items = append(data.Items, pageItem{Item: it, Image: m.inlineImage(ctx, it)})
	}

	var buf bytes.Buffer
	if err := offlineTemplate.Execute(&buf, data); err != nil {
		return nil, err
	}

	return &Document{HTML: buf.Bytes(), Items: len(items), GeneratedAt: now}, nil
}

// inlineImage returns a data URI for the first cached image of it, if small enough.
func (m *Manager) inlineImage(ctx context.Context, it Item) template.URL {
	for _, ref := range it.MediaRefs() {
		med, err := m.items.GetMedia(ctx, ref)
		if err != nil || med == nil || !strings.HasPrefix(med.MimeType, "image/") {
			continue
		}
		if med.SizeBytes > m.opts.InlineLimit {
			continue
		}
		data, err := os.ReadFile(med.LocalPath)
		if err != nil {
			m.log.Debug().Err(err).Str("url", ref).Msg("Cached media missing on disk")
			continue
		}
		//nolint:gosec // data URI built from a stored image with a validated image/* type
		return template.URL("data:" + med.MimeType + ";base64," + base64.StdEncoding.EncodeToString(data))
	}
	return ""
}

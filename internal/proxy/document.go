package proxy

import (
	"bytes"
	"context"
	"encoding/base64"
	"html/template"
	"image"
	"image/jpeg"
	"net/url"
	"path"
	"strings"

	"github.com/nfnt/resize"
)

// DocumentRenderer rasterizes a paginated document into page images sized
// for targetWidth pixels.
type DocumentRenderer interface {
	Render(ctx context.Context, data []byte, targetWidth int) ([]image.Image, error)
}

// IsDocument reports whether u names a paginated document. Query and
// fragment are ignored.
func IsDocument(u *url.URL) bool {
	return strings.EqualFold(path.Ext(u.Path), ".pdf")
}

// FitWidth downscales img to width pixels when it is wider, keeping the
// aspect ratio.
func FitWidth(img image.Image, width int) image.Image {
	if width <= 0 || img.Bounds().Dx() <= width {
		return img
	}
	return resize.Resize(uint(width), 0, img, resize.Lanczos3)
}

var pageTemplate = template.Must(template.New("document").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<style>
html,body{margin:0;background:#000}
.page{display:block;width:100%;height:auto;margin:0 auto 8px}
.single{width:100vw;height:100vh;object-fit:contain;margin:0}
</style>
</head>
<body>
{{- $single := eq (len .Pages) 1}}
{{- range $i, $src := .Pages}}
<img class="page{{if $single}} single{{end}}" data-page="{{$i}}" alt="Page {{$i}}" src="{{$src}}">
{{- end}}
</body>
</html>
`))

// BuildPage encodes pages as JPEG and embeds them in order into a
// self-contained HTML page.
func BuildPage(pages []image.Image, title string, width, quality int) ([]byte, error) {
	srcs := make([]template.URL, 0, len(pages))
	var buf bytes.Buffer
	for _, pg := range pages {
		buf.Reset()
		if err := jpeg.Encode(&buf, FitWidth(pg, width), &jpeg.Options{Quality: quality}); err != nil {
			return nil, err
		}
		//nolint:gosec // data URI of a JPEG encoded above
		srcs = append(srcs, template.URL("data:image/jpeg;base64,"+base64.StdEncoding.EncodeToString(buf.Bytes())))
	}

	var out bytes.Buffer
	err := pageTemplate.Execute(&out, struct {
		Title string
		Pages []template.URL
	}{Title: title, Pages: srcs})
	if err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func documentTitle(u *url.URL) string {
	name := path.Base(u.Path)
	if name == "." || name == "/" {
		return "Document"
	}
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	return name
}

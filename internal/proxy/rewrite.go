package proxy

import (
	"bytes"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

var rewrittenAttrs = map[string]bool{
	"src":    true,
	"href":   true,
	"action": true,
	"poster": true,
}

// RewriteHTML turns absolute http(s) URLs pointing at host into
// origin-relative ones so the renderer requests them through the proxy.
// basePath is the server's path prefix, which the proxy adds back.
func RewriteHTML(data []byte, host, basePath string) ([]byte, error) {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	changed := false
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			for i, a := range n.Attr {
				if a.Namespace != "" || !rewrittenAttrs[strings.ToLower(a.Key)] {
					continue
				}
				if rel, ok := localize(a.Val, host, basePath); ok {
					n.Attr[i].Val = rel
					changed = true
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	if !changed {
		return data, nil
	}

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func localize(raw, host, basePath string) (string, bool) {
	v := strings.TrimSpace(raw)
	if strings.HasPrefix(v, "//") {
		v = "https:" + v
	}
	u, err := url.Parse(v)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", false
	}
	if !strings.EqualFold(u.Host, host) {
		return "", false
	}

	rel := u.EscapedPath()
	if base := strings.TrimRight(basePath, "/"); base != "" {
		if rel != base && !strings.HasPrefix(rel, base+"/") {
			return "", false
		}
		rel = strings.TrimPrefix(rel, base)
	}
	if rel == "" {
		rel = "/"
	}
	if u.RawQuery != "" {
		rel += "?" + u.RawQuery
	}
	if u.Fragment != "" {
		rel += "#" + u.EscapedFragment()
	}
	return rel, true
}

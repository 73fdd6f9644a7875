// Package imageurl finds image URLs in generated code, checks that they
// resolve and swaps broken ones for deterministic placeholder images.
package imageurl

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
)

const (
	placeholderHost = "picsum.photos"
	defaultWidth    = 800
	defaultHeight   = 600
	seedLength      = 10
)

var (
	urlPattern       = regexp.MustCompile(`https?://[^\s"'<>()\x60\\]+`)
	imageExtPattern  = regexp.MustCompile(`(?i)\.(png|jpe?g|gif|webp|avif|svg|bmp|ico)$`)
	unsplashIDPrefix = regexp.MustCompile(`^photo-`)
	nonAlnum         = regexp.MustCompile(`[^A-Za-z0-9]+`)
)

var imageHosts = map[string]bool{
	"images.unsplash.com":  true,
	"source.unsplash.com":  true,
	"plus.unsplash.com":    true,
	"images.pexels.com":    true,
	"cdn.pixabay.com":      true,
	"via.placeholder.com":  true,
	"placehold.co":         true,
	"placekitten.com":      true,
	"picsum.photos":        true,
	"fastly.picsum.photos": true,
	"i.imgur.com":          true,
	"randomuser.me":        true,
}

// Extract returns the distinct image URLs referenced in content, in order of
// first appearance.
func Extract(content string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, raw := range urlPattern.FindAllString(content, -1) {
		u := trimURL(raw)
		if seen[u] || !looksLikeImage(u) {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

// trimURL drops trailing punctuation the URL pattern swallows from prose.
func trimURL(raw string) string {
	return strings.TrimRight(raw, ".,;:!?]}")
}

func looksLikeImage(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	if imageHosts[strings.ToLower(u.Hostname())] {
		return true
	}
	return imageExtPattern.MatchString(u.Path)
}

// IsPlaceholder reports whether raw already points at the placeholder service.
func IsPlaceholder(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	h := strings.ToLower(u.Hostname())
	return h == placeholderHost || strings.HasSuffix(h, "."+placeholderHost)
}

// AlternativeURL returns a placeholder image with the dimensions of the
// original (w/width and h/height query parameters, else 800x600). The seed is
// the first ten characters of an Unsplash photo id, otherwise the first ten
// alphanumerics of the last path segment, otherwise 1.
func AlternativeURL(raw string) string {
	width, height := defaultWidth, defaultHeight
	seed := "1"
	if u, err := url.Parse(raw); err == nil {
		q := u.Query()
		width = dimension(q, defaultWidth, "w", "width")
		height = dimension(q, defaultHeight, "h", "height")
		if s := seedFor(u); s != "" {
			seed = s
		}
	}
	return fmt.Sprintf("https://%s/%d/%d?random=%s", placeholderHost, width, height, seed)
}

func dimension(q url.Values, fallback int, keys ...string) int {
	for _, k := range keys {
		if v := q.Get(k); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				return n
			}
		}
	}
	return fallback
}

func seedFor(u *url.URL) string {
	last := path.Base(strings.TrimRight(u.Path, "/"))
	if last == "." || last == "/" {
		return ""
	}
	if strings.HasSuffix(strings.ToLower(u.Hostname()), "unsplash.com") && unsplashIDPrefix.MatchString(last) {
		id := unsplashIDPrefix.ReplaceAllString(last, "")
		if len(id) > seedLength {
			id = id[:seedLength]
		}
		if id != "" {
			return id
		}
	}
	alnum := nonAlnum.ReplaceAllString(last, "")
	if len(alnum) > seedLength {
		alnum = alnum[:seedLength]
	}
	return alnum
}

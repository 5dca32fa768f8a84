// Package urlutil cleans up the URLs feeds hand us.
package urlutil

import (
	"net/url"
	"strings"
)

// Normalize coerces a user or feed supplied URL into an absolute http(s) URL.
// "feed:" prefixes are stripped and scheme-less input gets http://.
func Normalize(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	lower := strings.ToLower(s)
	switch {
	case strings.HasPrefix(lower, "feed://"):
		s = "http://" + s[len("feed://"):]
	case strings.HasPrefix(lower, "feed:"):
		s = s[len("feed:"):]
	}
	lower = strings.ToLower(s)
	if strings.HasPrefix(s, "//") {
		return "http:" + s
	}
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		s = "http://" + s
	}
	return s
}

// Resolve makes an entry link absolute. Links without a scheme or host are
// resolved against the feed's site URL, absolute ones are normalized, and
// utm_* tracking parameters are dropped.
func Resolve(siteURL, raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	ref, err := url.Parse(s)
	if err != nil || ref.Scheme != "" || strings.HasPrefix(s, "//") {
		return DropUtmMarkers(Normalize(s))
	}
	if base, err := url.Parse(siteURL); err == nil && base.Host != "" {
		return DropUtmMarkers(base.ResolveReference(ref).String())
	}
	// No usable site: keep root-relative paths, guess a host for the rest.
	if strings.HasPrefix(s, "/") {
		return s
	}
	return DropUtmMarkers(Normalize(s))
}

// DropUtmMarkers removes utm_* query parameters. URLs without any are
// returned untouched.
func DropUtmMarkers(urlStr string) string {
	u, err := url.Parse(urlStr)
	if err != nil {
		return urlStr
	}

	queryParams := u.Query()
	dropped := false
	for key := range queryParams {
		if strings.HasPrefix(key, "utm_") {
			delete(queryParams, key)
			dropped = true
		}
	}
	if !dropped {
		return urlStr
	}
	u.RawQuery = queryParams.Encode()
	return u.String()
}

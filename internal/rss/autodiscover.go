package rss

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// discoverySelectors are tried in order; the first link with an href wins.
var discoverySelectors = []string{
	`link[rel~="alternate"][type="application/atom+xml"]`,
	`link[rel~="alternate"][type="application/rss+xml"]`,
	`link[rel~="feed"]`,
}

// discover finds the feed advertised by an HTML page and returns its absolute URL.
func discover(body []byte, pageURL string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}

	for _, sel := range discoverySelectors {
		var href string
		doc.Find(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			href = strings.TrimSpace(s.AttrOr("href", ""))
			return href == ""
		})
		if href != "" {
			return resolveLink(pageURL, href)
		}
	}
	return "", errors.New("no feed link found")
}

// resolveLink makes href absolute against the page it was found on.
// Protocol-relative links take the page's scheme.
func resolveLink(pageURL, href string) (string, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("parse page url: %w", err)
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("parse feed link %q: %w", href, err)
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", fmt.Errorf("unsupported feed link %q", href)
	}
	return abs.String(), nil
}

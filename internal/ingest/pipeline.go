package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"html"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/bryan-buckman/feedsync/internal/model"
	"github.com/bryan-buckman/feedsync/internal/urlutil"
)

// step is one pure transformation applied to a candidate entry before it
// reaches the store.
type step func(siteURL string, e *model.Entry)

// pipeline runs its steps in order.
type pipeline struct {
	steps []step
}

func newPipeline(now func() time.Time) *pipeline {
	ugc := bluemonday.UGCPolicy()
	strict := bluemonday.StrictPolicy()
	return &pipeline{steps: []step{
		normalizeURL,
		sanitize(ugc, strict),
		defaults(now),
		fingerprint,
	}}
}

func (p *pipeline) run(siteURL string, e *model.Entry) {
	for _, s := range p.steps {
		s(siteURL, e)
	}
}

func normalizeURL(siteURL string, e *model.Entry) {
	e.URL = urlutil.Resolve(siteURL, e.URL)
}

// sanitize strips unsafe markup from the HTML fields and all markup from the
// plain text ones.
func sanitize(ugc, strict *bluemonday.Policy) step {
	plain := func(s string) string {
		return strings.TrimSpace(html.UnescapeString(strict.Sanitize(s)))
	}
	return func(_ string, e *model.Entry) {
		e.Content = ugc.Sanitize(e.Content)
		e.Summary = ugc.Sanitize(e.Summary)
		e.Title = plain(e.Title)
		e.Author = plain(e.Author)
	}
}

// defaults fills a title so the fingerprint is always defined, and a
// published time for feeds that omit it.
func defaults(now func() time.Time) step {
	return func(_ string, e *model.Entry) {
		if e.Title == "" {
			e.Title = e.URL
		}
		if e.Title == "" {
			e.Title = e.GUID
		}
		if e.Published.IsZero() {
			e.Published = now()
			e.Undated = true
		}
	}
}

// fingerprint sets the unique hash over content, summary and title.
func fingerprint(_ string, e *model.Entry) {
	h := sha256.New()
	h.Write([]byte(e.Content))
	h.Write([]byte(e.Summary))
	h.Write([]byte(e.Title))
	sum := hex.EncodeToString(h.Sum(nil))
	e.UniqueHash = &sum
}

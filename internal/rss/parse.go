package rss

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/mmcdole/gofeed"
)

// parse turns a feed document into a Result. Entries with neither guid nor
// link cannot be identified and are skipped.
func (c *Client) parse(feedURL string, body []byte) (*Result, error) {
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	res := &Result{
		FetchURL: feedURL,
		Title:    strings.TrimSpace(feed.Title),
		Link:     strings.TrimSpace(feed.Link),
	}
	feedAuthor := personName(feed.Author, feed.Authors)
	if feedAuthor == "" && feed.ITunesExt != nil {
		feedAuthor = feed.ITunesExt.Author
	}

	for i, item := range feed.Items {
		if item == nil {
			res.Skipped++
			continue
		}
		entry, ok := normalizeItem(item, feedAuthor)
		if !ok {
			c.logger.Warn("skipping malformed entry", "url", feedURL, "index", i, "title", item.Title)
			res.Skipped++
			continue
		}
		res.Entries = append(res.Entries, entry)
	}
	return res, nil
}

func normalizeItem(item *gofeed.Item, feedAuthor string) (ParsedEntry, bool) {
	e := ParsedEntry{
		Title:   strings.TrimSpace(item.Title),
		URL:     strings.TrimSpace(item.Link),
		Content: item.Content,
		Summary: item.Description,
		GUID:    strings.TrimSpace(item.GUID),
	}
	if e.GUID == "" {
		e.GUID = e.URL
	}
	if e.GUID == "" {
		return ParsedEntry{}, false
	}

	e.Author = personName(item.Author, item.Authors)
	if it := item.ITunesExt; it != nil {
		if e.Author == "" {
			e.Author = it.Author
		}
		if e.Summary == "" {
			e.Summary = it.Summary
		}
		if e.Summary == "" {
			e.Summary = it.Subtitle
		}
	}
	if e.Author == "" {
		e.Author = feedAuthor
	}
	if e.Content == "" {
		e.Content = e.Summary
	}

	switch {
	case item.PublishedParsed != nil:
		t := *item.PublishedParsed
		e.Published = &t
	case item.UpdatedParsed != nil:
		t := *item.UpdatedParsed
		e.Published = &t
	}
	return e, true
}

func personName(p *gofeed.Person, all []*gofeed.Person) string {
	if p != nil && p.Name != "" {
		return strings.TrimSpace(p.Name)
	}
	for _, a := range all {
		if a != nil && a.Name != "" {
			return strings.TrimSpace(a.Name)
		}
	}
	return ""
}

// Package opml reads and writes OPML subscription lists.
package opml

import (
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"golang.org/x/net/html/charset"
)

// OPML represents the root of an OPML document.
type OPML struct {
	XMLName xml.Name `xml:"opml"`
	Version string   `xml:"version,attr"`
	Head    Head     `xml:"head"`
	Body    Body     `xml:"body"`
}

// Head contains OPML metadata.
type Head struct {
	Title       string `xml:"title,omitempty"`
	DateCreated string `xml:"dateCreated,omitempty"`
}

// Body contains the outlines.
type Body struct {
	Outlines []Outline `xml:"outline"`
}

// Outline is a folder or a feed.
type Outline struct {
	Text     string    `xml:"text,attr"`
	Title    string    `xml:"title,attr,omitempty"`
	Type     string    `xml:"type,attr,omitempty"`
	XMLURL   string    `xml:"xmlUrl,attr,omitempty"`
	HTMLURL  string    `xml:"htmlUrl,attr,omitempty"`
	Outlines []Outline `xml:"outline,omitempty"`
}

// FeedEntry is one feed with the folders it is nested in.
type FeedEntry struct {
	FolderPath []string // outermost first, e.g. ["Tech", "Go"]
	Title      string
	URL        string
	SiteURL    string
}

// Folder returns the innermost folder name, or "" for top-level feeds.
func (e FeedEntry) Folder() string {
	if len(e.FolderPath) == 0 {
		return ""
	}
	return e.FolderPath[len(e.FolderPath)-1]
}

// Parse reads an OPML document and flattens it to its feeds, in document
// order. Outlines without an xmlUrl are folders; empty ones are dropped.
func Parse(r io.Reader) ([]FeedEntry, error) {
	var doc OPML
	dec := xml.NewDecoder(r)
	dec.CharsetReader = charset.NewReaderLabel
	dec.Strict = false
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode opml: %w", err)
	}

	var entries []FeedEntry
	var walk func(outlines []Outline, path []string)
	walk = func(outlines []Outline, path []string) {
		for _, o := range outlines {
			if u := strings.TrimSpace(o.XMLURL); u != "" {
				title := strings.TrimSpace(o.Title)
				if title == "" {
					title = strings.TrimSpace(o.Text)
				}
				entries = append(entries, FeedEntry{
					FolderPath: append([]string(nil), path...),
					Title:      title,
					URL:        u,
					SiteURL:    strings.TrimSpace(o.HTMLURL),
				})
				continue
			}
			name := strings.TrimSpace(o.Text)
			if name == "" {
				name = strings.TrimSpace(o.Title)
			}
			if name == "" {
				walk(o.Outlines, path)
				continue
			}
			walk(o.Outlines, append(path[:len(path):len(path)], name))
		}
	}
	walk(doc.Body.Outlines, nil)
	return entries, nil
}

// Export writes entries as an OPML 2.0 document. Folders nest by FolderPath
// and are sorted by name; feeds keep their given order.
func Export(w io.Writer, title string, entries []FeedEntry) error {
	root := &folderNode{children: map[string]*folderNode{}}
	for _, e := range entries {
		n := root
		for _, name := range e.FolderPath {
			child, ok := n.children[name]
			if !ok {
				child = &folderNode{name: name, children: map[string]*folderNode{}}
				n.children[name] = child
			}
			n = child
		}
		n.feeds = append(n.feeds, Outline{
			Text:    e.Title,
			Title:   e.Title,
			Type:    "rss",
			XMLURL:  e.URL,
			HTMLURL: e.SiteURL,
		})
	}

	doc := OPML{
		Version: "2.0",
		Head: Head{
			Title:       title,
			DateCreated: time.Now().UTC().Format(time.RFC1123Z),
		},
		Body: Body{Outlines: root.outlines()},
	}
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode opml: %w", err)
	}
	return enc.Close()
}

type folderNode struct {
	name     string
	children map[string]*folderNode
	feeds    []Outline
}

func (n *folderNode) outlines() []Outline {
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Outline, 0, len(names)+len(n.feeds))
	for _, name := range names {
		c := n.children[name]
		out = append(out, Outline{Text: c.name, Title: c.name, Outlines: c.outlines()})
	}
	return append(out, n.feeds...)
}

package rss

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryan-buckman/feedsync/internal/logging"
)

const rssDoc = `<?xml version="1.0"?>
<rss version="2.0" xmlns:itunes="http://www.itunes.com/dtds/podcast-1.0.dtd">
<channel>
  <title>Example Blog</title>
  <link>http://example.com/</link>
  <item>
    <title>First</title>
    <link>http://example.com/1</link>
    <guid>guid-1</guid>
    <description>first summary</description>
    <pubDate>Mon, 02 Jan 2006 15:04:05 GMT</pubDate>
  </item>
  <item>
    <title>No identity</title>
    <description>neither guid nor link</description>
  </item>
  <item>
    <title>Episode</title>
    <link>http://example.com/ep</link>
    <itunes:author>Podcaster</itunes:author>
    <itunes:summary>episode notes</itunes:summary>
  </item>
</channel>
</rss>`

const atomDoc = `<?xml version="1.0" encoding="utf-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>Atom Example</title>
  <link href="http://atom.example.com/"/>
  <id>urn:feed</id>
  <updated>2024-01-01T00:00:00Z</updated>
  <entry>
    <title>Atom entry</title>
    <link href="http://atom.example.com/a"/>
    <id>urn:entry:a</id>
    <updated>2024-01-01T00:00:00Z</updated>
    <author><name>Ann</name></author>
    <content type="html">&lt;p&gt;hello&lt;/p&gt;</content>
  </entry>
</feed>`

func testClient() *Client {
	return New(Options{
		Timeout:      5 * time.Second,
		UserAgent:    "feedsync-test",
		MaxBodyBytes: 1 << 20,
		Attempts:     3,
		RetryDelay:   time.Millisecond,
	}, NewRegistry(), logging.Discard())
}

func TestFetchRSS(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "feedsync-test", r.Header.Get("User-Agent"))
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Last-Modified", "Mon, 02 Jan 2006 15:04:05 GMT")
		fmt.Fprint(w, rssDoc)
	}))
	defer srv.Close()

	res, err := testClient().Fetch(context.Background(), Descriptor{FetchURL: srv.URL}, false)
	require.NoError(t, err)
	assert.False(t, res.NotModified)
	assert.Equal(t, srv.URL, res.FetchURL)
	assert.Equal(t, "Example Blog", res.Title)
	assert.Equal(t, "http://example.com/", res.Link)
	assert.Equal(t, `"v1"`, res.ETag)
	assert.Equal(t, "Mon, 02 Jan 2006 15:04:05 GMT", res.LastModified)
	assert.Equal(t, 1, res.Skipped)
	require.Len(t, res.Entries, 2)

	first := res.Entries[0]
	assert.Equal(t, "guid-1", first.GUID)
	assert.Equal(t, "first summary", first.Summary)
	assert.Equal(t, "first summary", first.Content)
	require.NotNil(t, first.Published)

	ep := res.Entries[1]
	assert.Equal(t, "http://example.com/ep", ep.GUID, "link stands in for a missing guid")
	assert.Equal(t, "Podcaster", ep.Author)
	assert.NotEmpty(t, ep.Summary)
	assert.Nil(t, ep.Published)
}

func TestFetchAtom(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, atomDoc)
	}))
	defer srv.Close()

	res, err := testClient().Fetch(context.Background(), Descriptor{FetchURL: srv.URL}, false)
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	e := res.Entries[0]
	assert.Equal(t, "urn:entry:a", e.GUID)
	assert.Equal(t, "Ann", e.Author)
	assert.Contains(t, e.Content, "hello")
	require.NotNil(t, e.Published)
	assert.Empty(t, res.ETag, "absent validators come back empty")
}

func TestFetchConditionalGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` &&
			r.Header.Get("If-Modified-Since") == "Mon, 02 Jan 2006 15:04:05 GMT" {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		fmt.Fprint(w, rssDoc)
	}))
	defer srv.Close()

	res, err := testClient().Fetch(context.Background(), Descriptor{
		FetchURL:     srv.URL,
		ETag:         `"v1"`,
		LastModified: "Mon, 02 Jan 2006 15:04:05 GMT",
	}, false)
	require.NoError(t, err)
	assert.True(t, res.NotModified)
	assert.Empty(t, res.Entries)
}

func TestFetchAutodiscovery(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head>
			<link rel="alternate" type="application/rss+xml" href="/rss.xml">
			<link rel="alternate" type="application/atom+xml" href="/atom.xml">
		</head><body>hi</body></html>`)
	})
	mux.HandleFunc("/atom.xml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, atomDoc)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	res, err := testClient().Fetch(context.Background(), Descriptor{FetchURL: srv.URL + "/"}, true)
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/atom.xml", res.FetchURL, "atom is preferred over rss")
	assert.Len(t, res.Entries, 1)
}

func TestFetchAutodiscoveryFailures(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/plain", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>no feeds here</body></html>`)
	})
	mux.HandleFunc("/loop", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head><link rel="feed" href="/loop"></head></html>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := testClient()
	for _, path := range []string{"/plain", "/loop"} {
		_, err := c.Fetch(context.Background(), Descriptor{FetchURL: srv.URL + path}, true)
		require.Error(t, err, path)
		assert.ErrorIs(t, err, ErrAutodiscoveryFailed, path)
		assert.True(t, IsPermanent(err), path)
	}

	_, err := c.Fetch(context.Background(), Descriptor{FetchURL: srv.URL + "/plain"}, false)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAutodiscoveryFailed)
	assert.True(t, IsPermanent(err))
}

func TestFetchRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := testClient().Fetch(context.Background(), Descriptor{FetchURL: srv.URL}, false)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, http.StatusServiceUnavailable, fe.Status)
	assert.EqualValues(t, 3, calls.Load())
}

func TestFetchRecoversAfterTransientFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, rssDoc)
	}))
	defer srv.Close()

	res, err := testClient().Fetch(context.Background(), Descriptor{FetchURL: srv.URL}, false)
	require.NoError(t, err)
	assert.Len(t, res.Entries, 2)
	assert.EqualValues(t, 2, calls.Load())
}

func TestFetchPermanentFailuresAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/gone", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/empty", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<rss version="2.0"><channel><title>x</title><item>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := testClient()
	_, err := c.Fetch(context.Background(), Descriptor{FetchURL: srv.URL + "/gone"}, false)
	assert.True(t, IsPermanent(err))
	assert.EqualValues(t, 1, calls.Load())

	_, err = c.Fetch(context.Background(), Descriptor{FetchURL: srv.URL + "/empty"}, true)
	assert.True(t, IsPermanent(err))

	_, err = c.Fetch(context.Background(), Descriptor{FetchURL: srv.URL + "/broken"}, false)
	assert.True(t, IsPermanent(err))
}

func TestFetchBodyLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, rssDoc)
	}))
	defer srv.Close()

	c := New(Options{Timeout: time.Second, MaxBodyBytes: 64, Attempts: 1}, nil, logging.Discard())
	_, err := c.Fetch(context.Background(), Descriptor{FetchURL: srv.URL}, false)
	assert.True(t, IsPermanent(err))
}

func TestFetchUsesOverride(t *testing.T) {
	reg := NewRegistry()
	var got Descriptor
	reg.Register("Special.Example.com", OverrideFunc(func(_ context.Context, d Descriptor) (*Result, error) {
		got = d
		return &Result{FetchURL: d.FetchURL, Title: "special"}, nil
	}))
	c := New(Options{Attempts: 1}, reg, logging.Discard())

	// Matched through the site url even though the fetch url lives elsewhere.
	res, err := c.Fetch(context.Background(), Descriptor{
		FeedID:   4,
		URL:      "https://special.example.com/page",
		FetchURL: "https://cdn.example.net/feed",
	}, true)
	require.NoError(t, err)
	assert.Equal(t, "special", res.Title)
	assert.EqualValues(t, 4, got.FeedID)

	_, ok := reg.Lookup("other.example.com")
	assert.False(t, ok)
}

func TestFetchCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := testClient().Fetch(ctx, Descriptor{FetchURL: srv.URL}, false)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

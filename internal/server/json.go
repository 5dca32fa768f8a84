package server

import (
	"time"

	"github.com/bryan-buckman/feedsync/internal/model"
)

type feedJSON struct {
	ID                int64      `json:"id"`
	Title             string     `json:"title"`
	URL               string     `json:"url"`
	FetchURL          string     `json:"fetch_url"`
	LastFetched       *time.Time `json:"last_fetched,omitempty"`
	FetchIntervalSecs int        `json:"fetch_interval_secs"`
	FailingSince      *time.Time `json:"failing_since,omitempty"`
	Available         bool       `json:"available"`
}

func toFeedJSON(f model.Feed) feedJSON {
	return feedJSON{
		ID:                f.ID,
		Title:             f.Title,
		URL:               f.URL,
		FetchURL:          f.FetchURL,
		LastFetched:       f.LastFetched,
		FetchIntervalSecs: f.FetchIntervalSecs,
		FailingSince:      f.FailingSince,
		Available:         f.Available,
	}
}

type entryJSON struct {
	ID        int64     `json:"id"`
	GUID      string    `json:"guid"`
	Title     string    `json:"title"`
	URL       string    `json:"url"`
	Author    string    `json:"author,omitempty"`
	Summary   string    `json:"summary,omitempty"`
	Content   string    `json:"content,omitempty"`
	Published time.Time `json:"published"`
}

func toEntryJSON(e model.Entry) entryJSON {
	return entryJSON{
		ID:        e.ID,
		GUID:      e.GUID,
		Title:     e.Title,
		URL:       e.URL,
		Author:    e.Author,
		Summary:   e.Summary,
		Content:   e.Content,
		Published: e.Published,
	}
}

type userJSON struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type subscriptionJSON struct {
	ID            int64  `json:"id"`
	FeedID        int64  `json:"feed_id"`
	FolderID      *int64 `json:"folder_id,omitempty"`
	UnreadEntries int    `json:"unread_entries"`
}

func toSubscriptionJSON(s model.Subscription) subscriptionJSON {
	return subscriptionJSON{ID: s.ID, FeedID: s.FeedID, FolderID: s.FolderID, UnreadEntries: s.UnreadEntries}
}

type batchJSON struct {
	ID             int64     `json:"id"`
	UserID         int64     `json:"user_id"`
	State          string    `json:"state"`
	TotalUnits     int       `json:"total_units"`
	ProcessedUnits int       `json:"processed_units"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

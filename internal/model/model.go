// Package model defines shared data structures.
package model

import (
	"fmt"
	"time"
)

// DefaultFetchIntervalSecs is the interval a newly created feed starts with.
const DefaultFetchIntervalSecs = 3600

// Feed represents a remote RSS/Atom feed. FetchURL is its identity.
type Feed struct {
	ID                int64
	Title             string
	URL               string // human-facing site link
	FetchURL          string // unique, compared case-insensitively
	LastFetched       *time.Time
	FetchIntervalSecs int
	FailingSince      *time.Time
	Available         bool // false once the feed has been disabled
	ETag              string
	LastModified      string
	CreatedAt         time.Time
}

// FetchInterval returns the feed's polling interval as a duration.
func (f Feed) FetchInterval() time.Duration {
	return time.Duration(f.FetchIntervalSecs) * time.Second
}

// Entry represents a single article from a feed.
type Entry struct {
	ID         int64
	FeedID     int64
	GUID       string
	UniqueHash *string // nil only for entries created before fingerprinting
	Title      string
	URL        string
	Author     string
	Content    string
	Summary    string
	Published  time.Time
	Undated    bool // Published is the fetch time; updates keep the stored one
	CreatedAt  time.Time
}

// DeletedEntry is a tombstone left behind when an entry is purged.
type DeletedEntry struct {
	ID         int64
	FeedID     int64
	GUID       string
	UniqueHash *string
	DeletedAt  time.Time
}

// User is the minimal user row this service needs.
type User struct {
	ID    int64
	Email string
	Name  string
}

// Folder groups a user's subscriptions.
type Folder struct {
	ID     int64
	UserID int64
	Title  string
}

// Subscription links a user to a feed and caches the unread count.
type Subscription struct {
	ID            int64
	UserID        int64
	FeedID        int64
	FolderID      *int64
	UnreadEntries int
}

// EntryState is the per-user read marker of an entry.
type EntryState struct {
	UserID  int64
	EntryID int64
	Read    bool
}

// JobState is the state of a bulk job.
type JobState string

const (
	JobStateNone    JobState = "NONE"
	JobStateRunning JobState = "RUNNING"
	JobStateSuccess JobState = "SUCCESS"
	JobStateError   JobState = "ERROR"
)

// Valid reports whether s is one of the known job states.
func (s JobState) Valid() bool {
	switch s {
	case JobStateNone, JobStateRunning, JobStateSuccess, JobStateError:
		return true
	}
	return false
}

func (s JobState) String() string { return string(s) }

// Finished reports whether the job reached a terminal state.
func (s JobState) Finished() bool {
	return s == JobStateSuccess || s == JobStateError
}

// ParseJobState converts a stored string into a JobState.
func ParseJobState(v string) (JobState, error) {
	s := JobState(v)
	if !s.Valid() {
		return JobStateNone, fmt.Errorf("unknown job state %q", v)
	}
	return s, nil
}

// ImportBatch tracks an OPML import made of many subscribe units.
type ImportBatch struct {
	ID             int64
	UserID         int64
	State          JobState
	TotalUnits     int
	ProcessedUnits int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

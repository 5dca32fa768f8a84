// Package database provides storage backends for feedsync.
package database

import (
	"context"
	"errors"
	"time"

	"github.com/bryan-buckman/feedsync/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// SaveOutcome describes what SaveEntry did with a candidate entry.
type SaveOutcome int

const (
	// OutcomeCreated means a new entry row was inserted.
	OutcomeCreated SaveOutcome = iota
	// OutcomeUpdated means an entry with the same guid was overwritten in place.
	OutcomeUpdated
	// OutcomeRejected means a tombstone matched the guid or unique hash.
	OutcomeRejected
	// OutcomeDuplicate means another live entry already has the same unique hash.
	OutcomeDuplicate
)

func (o SaveOutcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeUpdated:
		return "updated"
	case OutcomeRejected:
		return "rejected"
	case OutcomeDuplicate:
		return "duplicate"
	}
	return "unknown"
}

// FetchRecord is the state written back to a feed after a fetch attempt.
type FetchRecord struct {
	FeedID       int64
	FetchedAt    time.Time
	IntervalSecs int
	FailingSince *time.Time
	Available    bool
	// SetValidators replaces etag/last_modified; only a 200 response does that.
	SetValidators bool
	ETag          string
	LastModified  string
}

// Store defines the interface for database operations.
// Both SQLite and PostgreSQL backends satisfy this interface.
type Store interface {
	Close() error

	// DatabaseType returns the name of the database backend ("SQLite" or "PostgreSQL").
	DatabaseType() string

	// SupportsHighConcurrency returns true if the database can handle
	// many concurrent write operations (e.g., PostgreSQL).
	SupportsHighConcurrency() bool

	// Feed operations
	CreateFeed(ctx context.Context, fetchURL, title, url string) (*model.Feed, error)
	GetFeedByID(ctx context.Context, feedID int64) (*model.Feed, error)
	GetFeedByFetchURL(ctx context.Context, fetchURL string) (*model.Feed, error)
	GetFeeds(ctx context.Context) ([]model.Feed, error)
	GetAvailableFeeds(ctx context.Context) ([]model.Feed, error)
	UpdateFeedFetchURL(ctx context.Context, feedID int64, fetchURL string) error
	UpdateFeedMetadata(ctx context.Context, feedID int64, title, url string) error
	RecordFetch(ctx context.Context, rec FetchRecord) error
	DeletePlaceholderFeed(ctx context.Context, feedID int64) (bool, error)
	MergeFeed(ctx context.Context, fromID, intoID int64) (int, error)

	// Entry operations
	SaveEntry(ctx context.Context, entry *model.Entry) (SaveOutcome, error)
	MaterializeUnread(ctx context.Context, entryID int64) (int64, error)
	CountEntries(ctx context.Context, feedID int64) (int, error)
	GetEntries(ctx context.Context, feedID int64, limit int) ([]model.Entry, error)
	OldestEntriesBeyond(ctx context.Context, feedID int64, keep int) ([]model.Entry, error)
	TombstoneEntry(ctx context.Context, entry model.Entry) (bool, error)
	GetDeletedEntries(ctx context.Context, feedID int64) ([]model.DeletedEntry, error)

	// User, folder and subscription operations
	CreateUser(ctx context.Context, email, name string) (*model.User, error)
	GetUser(ctx context.Context, userID int64) (*model.User, error)
	GetOrCreateFolder(ctx context.Context, userID int64, title string) (int64, error)
	GetFolders(ctx context.Context, userID int64) ([]model.Folder, error)
	Subscribe(ctx context.Context, userID, feedID int64, folderID *int64) (*model.Subscription, bool, error)
	GetSubscriptions(ctx context.Context, userID int64) ([]model.Subscription, error)
	GetSubscription(ctx context.Context, userID, feedID int64) (*model.Subscription, error)
	RecalculateUnread(ctx context.Context, feedID int64) error
	MarkEntriesRead(ctx context.Context, userID int64, entryIDs []int64) error

	// Import batch operations
	CreateImportBatch(ctx context.Context, userID int64, total int) (*model.ImportBatch, error)
	GetImportBatch(ctx context.Context, batchID int64) (*model.ImportBatch, error)
	IncrementImportProgress(ctx context.Context, batchID int64) (int, error)
	FinalizeImportBatch(ctx context.Context, batchID int64, state model.JobState) (bool, error)
}

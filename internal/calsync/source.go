package calsync

import (
	"context"
	"time"

	"github.com/mividas/corestat/internal/database/models"
	"github.com/mividas/corestat/internal/invite"
)

// Window is the absolute time range a sync covers, half-open [Start, Stop).
type Window struct {
	Start time.Time
	Stop  time.Time
}

// Contains reports whether a meeting overlapping [start, stop) falls inside
// the window.
func (w Window) Contains(start, stop time.Time) bool {
	return start.Before(w.Stop) && stop.After(w.Start)
}

// RemoteItem is one fetched calendar item with its vendor identity attached.
type RemoteItem struct {
	*invite.Record
	CalendarID int64
}

// FolderError reports a per-folder fetch failure that should not abort the
// rest of the sync.
type FolderError struct {
	CalendarID  int64
	Code        string
	ClearFolder bool
}

// Room is a bookable room discovered on the calendar backend.
type Room struct {
	Email string
	Name  string
}

// Source fetches calendar items from one vendor backend. Implementations
// exist for EWS and MS Graph.
type Source interface {
	// Fetch returns all items in the window across the given folders. When
	// since is non-nil only items modified at or after it are returned.
	Fetch(ctx context.Context, creds *models.Credentials, calendars []models.Calendar, win Window, since *time.Time) ([]*RemoteItem, []FolderError, error)

	// DiscoverRooms lists bookable rooms on the backend.
	DiscoverRooms(ctx context.Context, creds *models.Credentials) ([]Room, error)
}

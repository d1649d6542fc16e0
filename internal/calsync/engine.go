package calsync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mividas/corestat/internal/database"
	"github.com/mividas/corestat/internal/database/models"
)

// fullSyncMaxAge is how stale the last full sync may be before the next
// tick does a full sync again instead of an incremental one.
const fullSyncMaxAge = 60 * time.Minute

// Applier receives a sync result and writes it into meetings and calendar
// items. The booking writer implements it.
type Applier interface {
	// PopulateDial resolves fallback promotion and room_info for fetched
	// invites before filtering.
	PopulateDial(ctx context.Context, items []*RemoteItem)
	// Apply books new meetings, updates changed ones and unbooks removed
	// ones, in that order.
	Apply(ctx context.Context, creds *models.Credentials, res *SyncResult) error
}

// Engine drives calendar synchronization for all syncable credentials.
type Engine struct {
	credentials database.CredentialsRepository
	calendars   database.CalendarRepository
	items       database.CalendarItemRepository
	sources     map[string]Source
	applier     Applier
	logger      *slog.Logger
	nowFunc     func() time.Time

	// Concurrency limit for SyncAll.
	Parallel int
}

// NewEngine creates an Engine. The sources map is keyed by credentials type.
func NewEngine(
	credentials database.CredentialsRepository,
	calendars database.CalendarRepository,
	items database.CalendarItemRepository,
	sources map[string]Source,
	applier Applier,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		credentials: credentials,
		calendars:   calendars,
		items:       items,
		sources:     sources,
		applier:     applier,
		logger:      logger,
		nowFunc:     time.Now,
		Parallel:    4,
	}
}

// SyncAll syncs every syncable credentials row. Failures are isolated per
// credentials: they are recorded on the row and do not abort the rest.
func (e *Engine) SyncAll(ctx context.Context, win Window) error {
	creds, err := e.credentials.ListSyncable(ctx)
	if err != nil {
		return fmt.Errorf("listing syncable credentials: %w", err)
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.Parallel)
	for i := range creds {
		c := creds[i]
		g.Go(func() error {
			if _, err := e.Sync(ctx, &c, win); err != nil {
				e.logger.Error("calendar sync failed",
					"credentials_id", c.ID, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Sync performs one full or incremental sync for a credentials row and
// applies the result. The sync outcome is persisted on the row either way.
func (e *Engine) Sync(ctx context.Context, creds *models.Credentials, win Window) (*SyncResult, error) {
	res, full, err := e.sync(ctx, creds, win)
	now := e.nowFunc()
	if err != nil {
		if serr := e.credentials.SetSyncResult(ctx, creds.ID, full, now, err.Error()); serr != nil {
			e.logger.Error("recording sync failure", "credentials_id", creds.ID, "error", serr)
		}
		return nil, err
	}
	if serr := e.credentials.SetSyncResult(ctx, creds.ID, full, now, ""); serr != nil {
		return nil, fmt.Errorf("recording sync result: %w", serr)
	}
	return res, nil
}

func (e *Engine) sync(ctx context.Context, creds *models.Credentials, win Window) (*SyncResult, bool, error) {
	source, ok := e.sources[creds.Type]
	if !ok {
		return nil, true, fmt.Errorf("no calendar source for credentials type %q", creds.Type)
	}

	full := e.shouldSyncFull(creds)
	var since *time.Time
	if !full {
		since = incrementalSince(creds)
	}

	calendars, err := e.calendars.ListByCredentials(ctx, creds.ID)
	if err != nil {
		return nil, full, fmt.Errorf("listing calendars: %w", err)
	}

	remote, folderErrs, err := source.Fetch(ctx, creds, calendars, win, since)
	if err != nil {
		return nil, full, fmt.Errorf("fetching calendar items: %w", err)
	}
	for _, fe := range folderErrs {
		e.logger.Warn("calendar folder broken",
			"credentials_id", creds.ID, "calendar_id", fe.CalendarID, "code", fe.Code)
		if err := e.calendars.MarkBroken(ctx, fe.CalendarID, fe.ClearFolder); err != nil {
			return nil, full, fmt.Errorf("marking calendar broken: %w", err)
		}
	}

	remote = e.filter(ctx, creds, remote, win)

	local, err := e.items.ListAllByCredentials(ctx, creds.ID)
	if err != nil {
		return nil, full, fmt.Errorf("listing local items: %w", err)
	}
	if !full {
		// An incremental fetch only sees modified items; restrict the local
		// side to the same keys so untouched items don't look removed.
		local = restrictToRemoteKeys(local, remote)
	}

	res := Diff(local, remote)
	if !full {
		// A missing item in incremental mode is unknown, not removed.
		res.Removed = nil
	}

	if e.applier != nil {
		if err := e.applier.Apply(ctx, creds, &res); err != nil {
			return nil, full, fmt.Errorf("applying sync result: %w", err)
		}
	}
	e.logger.Info("calendar sync done", "credentials_id", creds.ID, "full", full,
		"new", len(res.New), "changed", len(res.Changed), "removed", len(res.Removed))
	return &res, full, nil
}

// filter drops items outside the window, cancelled items, and, when the
// credentials only track video meetings, items that still have no
// dial-string after the populate-dial step.
func (e *Engine) filter(ctx context.Context, creds *models.Credentials, remote []*RemoteItem, win Window) []*RemoteItem {
	kept := remote[:0]
	for _, r := range remote {
		if r.Cancelled || !win.Contains(r.TSStart, r.TSStop) {
			continue
		}
		kept = append(kept, r)
	}
	if e.applier != nil {
		e.applier.PopulateDial(ctx, kept)
	}
	if !creds.VideoMeetingsOnly {
		return kept
	}
	withDial := kept[:0]
	for _, r := range kept {
		if r.Dial.DialString == "" {
			continue
		}
		withDial = append(withDial, r)
	}
	return withDial
}

func (e *Engine) shouldSyncFull(creds *models.Credentials) bool {
	if creds.LastFullSyncTS == nil {
		return true
	}
	return e.nowFunc().Sub(*creds.LastFullSyncTS) > fullSyncMaxAge
}

func incrementalSince(creds *models.Credentials) *time.Time {
	since := creds.LastFullSyncTS
	if creds.LastIncrementalSyncTS != nil &&
		(since == nil || creds.LastIncrementalSyncTS.After(*since)) {
		since = creds.LastIncrementalSyncTS
	}
	return since
}

func restrictToRemoteKeys(local []models.CalendarItem, remote []*RemoteItem) []models.CalendarItem {
	keys := make(map[diffKey]bool, len(remote))
	for _, r := range remote {
		keys[diffKey{r.UID, r.RecurrenceID}] = true
	}
	kept := local[:0]
	for _, l := range local {
		if keys[diffKey{l.ICalUID, l.RecurrenceID}] {
			kept = append(kept, l)
		}
	}
	return kept
}

// DiscoverRooms runs room discovery for one credentials row and stamps the
// row with the discovery time.
func (e *Engine) DiscoverRooms(ctx context.Context, creds *models.Credentials) ([]Room, error) {
	source, ok := e.sources[creds.Type]
	if !ok {
		return nil, fmt.Errorf("no calendar source for credentials type %q", creds.Type)
	}
	rooms, err := source.DiscoverRooms(ctx, creds)
	if err != nil {
		return nil, fmt.Errorf("discovering rooms: %w", err)
	}
	if err := e.credentials.SetRoomDiscovery(ctx, creds.ID, e.nowFunc()); err != nil {
		return nil, fmt.Errorf("recording room discovery: %w", err)
	}
	return rooms, nil
}

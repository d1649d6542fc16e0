package calsync

import (
	"context"
	"testing"
	"time"

	"github.com/mividas/corestat/internal/database/models"
)

type fakeCredentialsRepo struct {
	rows    []models.Credentials
	results []string
}

func (f *fakeCredentialsRepo) Create(ctx context.Context, c *models.Credentials) error { return nil }
func (f *fakeCredentialsRepo) GetByID(ctx context.Context, id int64) (*models.Credentials, error) {
	return nil, nil
}
func (f *fakeCredentialsRepo) ListSyncable(ctx context.Context) ([]models.Credentials, error) {
	return f.rows, nil
}
func (f *fakeCredentialsRepo) Update(ctx context.Context, c *models.Credentials) error { return nil }
func (f *fakeCredentialsRepo) SetSyncResult(ctx context.Context, id int64, full bool, ts time.Time, syncErr string) error {
	f.results = append(f.results, syncErr)
	return nil
}
func (f *fakeCredentialsRepo) SetRoomDiscovery(ctx context.Context, id int64, ts time.Time) error {
	return nil
}

type fakeCalendarRepo struct {
	calendars []models.Calendar
	broken    []int64
}

func (f *fakeCalendarRepo) Create(ctx context.Context, c *models.Calendar) error { return nil }
func (f *fakeCalendarRepo) ListByCredentials(ctx context.Context, credentialsID int64) ([]models.Calendar, error) {
	return f.calendars, nil
}
func (f *fakeCalendarRepo) MarkBroken(ctx context.Context, id int64, clearFolder bool) error {
	f.broken = append(f.broken, id)
	return nil
}
func (f *fakeCalendarRepo) SetLastSync(ctx context.Context, id int64, ts time.Time) error {
	return nil
}

type fakeItemRepo struct {
	items []models.CalendarItem
}

func (f *fakeItemRepo) Upsert(ctx context.Context, item *models.CalendarItem) error { return nil }
func (f *fakeItemRepo) GetByItemID(ctx context.Context, credentialsID int64, itemID string) (*models.CalendarItem, error) {
	return nil, nil
}
func (f *fakeItemRepo) GetEmailItem(ctx context.Context, itemID string) (*models.CalendarItem, error) {
	return nil, nil
}
func (f *fakeItemRepo) ListByCredentials(ctx context.Context, credentialsID int64, uid, recurrenceID string) ([]models.CalendarItem, error) {
	return nil, nil
}
func (f *fakeItemRepo) ListAllByCredentials(ctx context.Context, credentialsID int64) ([]models.CalendarItem, error) {
	return f.items, nil
}
func (f *fakeItemRepo) Delete(ctx context.Context, id int64) error { return nil }

type fakeSource struct {
	items      []*RemoteItem
	folderErrs []FolderError
	lastSince  *time.Time
	calls      int
}

func (f *fakeSource) Fetch(ctx context.Context, creds *models.Credentials, calendars []models.Calendar, win Window, since *time.Time) ([]*RemoteItem, []FolderError, error) {
	f.calls++
	f.lastSince = since
	return f.items, f.folderErrs, nil
}

func (f *fakeSource) DiscoverRooms(ctx context.Context, creds *models.Credentials) ([]Room, error) {
	return nil, nil
}

type recordingApplier struct {
	applied *SyncResult
}

func (a *recordingApplier) PopulateDial(ctx context.Context, items []*RemoteItem) {}
func (a *recordingApplier) Apply(ctx context.Context, creds *models.Credentials, res *SyncResult) error {
	a.applied = res
	return nil
}

func testEngine(src Source, creds *fakeCredentialsRepo, cals *fakeCalendarRepo, items *fakeItemRepo, applier Applier) *Engine {
	e := NewEngine(creds, cals, items,
		map[string]Source{models.CredExchangeOAuth: src}, applier, nil)
	e.nowFunc = func() time.Time { return t0 }
	return e
}

func TestSyncFullWhenNeverSynced(t *testing.T) {
	src := &fakeSource{items: []*RemoteItem{remoteItem("a", "", "Meeting", t0.Add(time.Hour))}}
	credsRepo := &fakeCredentialsRepo{}
	applier := &recordingApplier{}
	e := testEngine(src, credsRepo, &fakeCalendarRepo{}, &fakeItemRepo{}, applier)

	creds := &models.Credentials{ID: 1, Type: models.CredExchangeOAuth}
	win := Window{Start: t0, Stop: t0.Add(24 * time.Hour)}
	res, err := e.Sync(context.Background(), creds, win)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if src.lastSince != nil {
		t.Error("full sync must not pass an incremental cutoff")
	}
	if len(res.New) != 1 {
		t.Errorf("New = %d, want 1", len(res.New))
	}
	if applier.applied == nil {
		t.Error("applier was not called")
	}
}

func TestSyncIncrementalNeverInfersRemovals(t *testing.T) {
	recent := t0.Add(-10 * time.Minute)
	creds := &models.Credentials{ID: 1, Type: models.CredExchangeOAuth, LastFullSyncTS: &recent}

	stale := remoteItem("gone", "", "Stale", t0.Add(time.Hour))
	src := &fakeSource{}
	itemRepo := &fakeItemRepo{items: []models.CalendarItem{localItem(stale)}}
	e := testEngine(src, &fakeCredentialsRepo{}, &fakeCalendarRepo{}, itemRepo, &recordingApplier{})

	win := Window{Start: t0, Stop: t0.Add(24 * time.Hour)}
	res, err := e.Sync(context.Background(), creds, win)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if src.lastSince == nil {
		t.Error("expected incremental cutoff")
	}
	if len(res.Removed) != 0 {
		t.Errorf("incremental sync inferred %d removals", len(res.Removed))
	}
}

func TestSyncFullWhenLastFullTooOld(t *testing.T) {
	old := t0.Add(-2 * time.Hour)
	creds := &models.Credentials{ID: 1, Type: models.CredExchangeOAuth, LastFullSyncTS: &old}
	src := &fakeSource{}
	e := testEngine(src, &fakeCredentialsRepo{}, &fakeCalendarRepo{}, &fakeItemRepo{}, &recordingApplier{})

	if _, err := e.Sync(context.Background(), creds, Window{Start: t0, Stop: t0.Add(time.Hour)}); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if src.lastSince != nil {
		t.Error("stale full sync must run full again")
	}
}

func TestSyncMarksBrokenFolders(t *testing.T) {
	src := &fakeSource{folderErrs: []FolderError{{CalendarID: 7, Code: "ErrorInvalidFolderId", ClearFolder: true}}}
	calRepo := &fakeCalendarRepo{}
	e := testEngine(src, &fakeCredentialsRepo{}, calRepo, &fakeItemRepo{}, &recordingApplier{})

	creds := &models.Credentials{ID: 1, Type: models.CredExchangeOAuth}
	if _, err := e.Sync(context.Background(), creds, Window{Start: t0, Stop: t0.Add(time.Hour)}); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(calRepo.broken) != 1 || calRepo.broken[0] != 7 {
		t.Errorf("broken = %v", calRepo.broken)
	}
}

func TestSyncFiltersCancelledAndOutOfWindow(t *testing.T) {
	cancelled := remoteItem("a", "", "Cancelled", t0.Add(time.Hour))
	cancelled.Cancelled = true
	outside := remoteItem("b", "", "Outside", t0.Add(48*time.Hour))
	inside := remoteItem("c", "", "Inside", t0.Add(time.Hour))

	src := &fakeSource{items: []*RemoteItem{cancelled, outside, inside}}
	e := testEngine(src, &fakeCredentialsRepo{}, &fakeCalendarRepo{}, &fakeItemRepo{}, &recordingApplier{})

	creds := &models.Credentials{ID: 1, Type: models.CredExchangeOAuth}
	res, err := e.Sync(context.Background(), creds, Window{Start: t0, Stop: t0.Add(24 * time.Hour)})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(res.New) != 1 || res.New[0].UID != "c" {
		t.Errorf("New = %v", res.New)
	}
}

func TestSyncVideoMeetingsOnly(t *testing.T) {
	withDial := remoteItem("a", "", "Video", t0.Add(time.Hour))
	withDial.Dial.DialString = "room@example.org"
	noDial := remoteItem("b", "", "Plain", t0.Add(time.Hour))

	src := &fakeSource{items: []*RemoteItem{withDial, noDial}}
	e := testEngine(src, &fakeCredentialsRepo{}, &fakeCalendarRepo{}, &fakeItemRepo{}, &recordingApplier{})

	creds := &models.Credentials{ID: 1, Type: models.CredExchangeOAuth, VideoMeetingsOnly: true}
	res, err := e.Sync(context.Background(), creds, Window{Start: t0, Stop: t0.Add(24 * time.Hour)})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(res.New) != 1 || res.New[0].UID != "a" {
		t.Errorf("New = %v", res.New)
	}
}

func TestSyncRecordsFailure(t *testing.T) {
	credsRepo := &fakeCredentialsRepo{}
	e := testEngine(&fakeSource{}, credsRepo, &fakeCalendarRepo{}, &fakeItemRepo{}, &recordingApplier{})

	creds := &models.Credentials{ID: 1, Type: "unknown_backend"}
	if _, err := e.Sync(context.Background(), creds, Window{Start: t0, Stop: t0.Add(time.Hour)}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
	if len(credsRepo.results) != 1 || credsRepo.results[0] == "" {
		t.Errorf("results = %v, want recorded error", credsRepo.results)
	}
}

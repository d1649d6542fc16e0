package booking

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/mividas/corestat/internal/calsync"
	"github.com/mividas/corestat/internal/database"
	"github.com/mividas/corestat/internal/database/models"
	"github.com/mividas/corestat/internal/invite"
)

// Writer applies calendar sync results to meetings and calendar items. It
// implements calsync.Applier.
type Writer struct {
	meetings  database.MeetingRepository
	recurring database.RecurringMeetingRepository
	items     database.CalendarItemRepository
	endpoints database.EndpointRepository
	logger    *slog.Logger
	nowFunc   func() time.Time

	// Dialout controls whether room_info dial entries request an outbound
	// dial from the room system.
	Dialout bool
}

// NewWriter creates a Writer.
func NewWriter(
	meetings database.MeetingRepository,
	recurring database.RecurringMeetingRepository,
	items database.CalendarItemRepository,
	endpoints database.EndpointRepository,
	logger *slog.Logger,
) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		meetings:  meetings,
		recurring: recurring,
		items:     items,
		endpoints: endpoints,
		logger:    logger,
		nowFunc:   time.Now,
		Dialout:   true,
	}
}

// PopulateDial resolves fallback promotion and builds room_info for each
// fetched invite that has invited endpoints.
func (w *Writer) PopulateDial(ctx context.Context, items []*calsync.RemoteItem) {
	for _, item := range items {
		w.resolveEndpoints(ctx, item.Record)
		PopulateDialSettings(item.Record, w.endpointsFor(ctx, item.Record), w.Dialout)
	}
}

// resolveEndpoints matches participant addresses against endpoint email
// keys.
func (w *Writer) resolveEndpoints(ctx context.Context, rec *invite.Record) {
	if len(rec.Endpoints) > 0 {
		return
	}
	seen := make(map[string]bool)
	for _, addr := range rec.Participants {
		key := emailKey(addr)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		ep, err := w.endpoints.GetByEmailKey(ctx, key)
		if err != nil {
			w.logger.Error("looking up endpoint", "key", key, "error", err)
			continue
		}
		if ep != nil {
			rec.Endpoints = append(rec.Endpoints, ep.EmailKey)
		}
	}
}

func (w *Writer) endpointsFor(ctx context.Context, rec *invite.Record) []models.Endpoint {
	var eps []models.Endpoint
	for _, key := range rec.Endpoints {
		ep, err := w.endpoints.GetByEmailKey(ctx, key)
		if err != nil || ep == nil {
			continue
		}
		eps = append(eps, *ep)
	}
	return eps
}

func emailKey(addr string) string {
	if i := strings.IndexByte(addr, '@'); i > 0 {
		return strings.ToLower(addr[:i])
	}
	return strings.ToLower(addr)
}

// PopulateDialSettings promotes fallback dial-strings and builds the
// room_info list for an invite with endpoints.
func PopulateDialSettings(rec *invite.Record, endpoints []models.Endpoint, dialout bool) {
	if len(endpoints) == 0 {
		return
	}
	if rec.Dial.DialString == "" {
		if rec.Dial.Fallback != "" {
			rec.Dial.DialString = rec.Dial.Fallback
		} else if rec.Dial.FallbackH323 != "" {
			rec.Dial.DialString = rec.Dial.FallbackH323
		}
	}
	if rec.Dial.DialString == "" && rec.Dial.WebRTCDial != "" {
		for _, ep := range endpoints {
			if ep.SupportsTeams {
				rec.Dial.DialString = rec.Dial.WebRTCDial
				rec.RequireWebRTC = true
				break
			}
		}
	}

	var info []invite.RoomEntry
	if rec.Dial.DialString != "" {
		info = append(info, invite.RoomEntry{
			DialString: rec.Dial.DialString,
			Dialout:    dialout && !strings.HasPrefix(rec.Dial.DialString, "https"),
		})
	}
	sorted := append([]models.Endpoint(nil), endpoints...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].EmailKey < sorted[j].EmailKey })
	for _, ep := range sorted {
		if rec.RequireWebRTC && !ep.SupportsTeams {
			continue
		}
		info = append(info, invite.RoomEntry{Endpoint: ep.EmailKey})
	}
	rec.RoomInfo = invite.MergeRoomInfo(rec.RoomInfo, info)
}

// Apply books new meetings, updates changed ones and unbooks removed ones,
// in that order.
func (w *Writer) Apply(ctx context.Context, creds *models.Credentials, res *calsync.SyncResult) error {
	source := sourceTag(creds)
	for _, item := range res.New {
		if err := w.book(ctx, creds, source, item); err != nil {
			return fmt.Errorf("booking %s: %w", item.UID, err)
		}
	}
	for _, pair := range res.Changed {
		if err := w.rebook(ctx, creds, source, pair); err != nil {
			return fmt.Errorf("rebooking %s: %w", pair.Remote.UID, err)
		}
	}
	for _, local := range res.Removed {
		if err := w.remove(ctx, local); err != nil {
			return fmt.Errorf("removing item %d: %w", local.ID, err)
		}
	}
	return nil
}

func sourceTag(creds *models.Credentials) string {
	switch creds.Type {
	case models.CredMSGraphOAuth:
		return fmt.Sprintf("msgraph:%d", creds.ID)
	default:
		return fmt.Sprintf("ews:%d", creds.ID)
	}
}

// book creates and activates a meeting for a new invite.
func (w *Writer) book(ctx context.Context, creds *models.Credentials, source string, item *calsync.RemoteItem) error {
	meeting, err := w.createMeeting(ctx, creds.CustomerID, source, item.Record)
	if err != nil {
		return err
	}
	return w.upsertItem(ctx, creds.ID, item, meeting)
}

func (w *Writer) createMeeting(ctx context.Context, customerID int64, source string, rec *invite.Record) (*models.Meeting, error) {
	return w.createMeetingSettings(ctx, customerID, source, rec, nil)
}

func (w *Writer) createMeetingSettings(ctx context.Context, customerID int64, source string, rec *invite.Record, extra map[string]any) (*models.Meeting, error) {
	provider := models.ProviderOffline
	if rec.Dial.DialString != "" {
		provider = models.ProviderExternal
	}

	var masterID *int64
	if rec.IsRecurring {
		master, err := w.recurring.GetByUID(ctx, customerID, rec.UID)
		if err != nil {
			return nil, err
		}
		if master == nil {
			master = &models.RecurringMeeting{
				CustomerID:               customerID,
				UID:                      rec.UID,
				ExternalOccasionHandling: true,
			}
			if err := w.recurring.Create(ctx, master); err != nil {
				return nil, err
			}
		}
		masterID = &master.ID
	}

	meeting := &models.Meeting{
		CustomerID:        customerID,
		Provider:          provider,
		RecurringMasterID: masterID,
		TSStart:           rec.TSStart,
		TSStop:            rec.TSStop,
		Timezone:          timezoneOrUTC(rec.Timezone),
		Title:             rec.Subject,
		ICalUID:           rec.UID,
		RecurrenceID:      rec.RecurrenceID,
		RoomInfo:          encodeRoomInfo(rec.RoomInfo),
		SettingsJSON:      encodeSettings(rec, extra),
		DialString:        rec.Dial.DialString,
		Source:            source,
	}
	if err := w.meetings.Create(ctx, meeting); err != nil {
		return nil, err
	}
	if err := w.meetings.Activate(ctx, meeting.ID); err != nil {
		return nil, err
	}
	return meeting, nil
}

// rebook updates the existing meeting in place and re-activates it.
func (w *Writer) rebook(ctx context.Context, creds *models.Credentials, source string, pair calsync.ChangePair) error {
	if pair.Local.MeetingID == nil {
		// The local item never got a meeting; treat as new.
		return w.book(ctx, creds, source, pair.Remote)
	}
	meeting, err := w.meetings.GetByID(ctx, *pair.Local.MeetingID)
	if err != nil {
		return err
	}
	if meeting == nil {
		return w.book(ctx, creds, source, pair.Remote)
	}

	rec := pair.Remote.Record
	meeting.TSStart = rec.TSStart
	meeting.TSStop = rec.TSStop
	meeting.Timezone = timezoneOrUTC(rec.Timezone)
	meeting.Title = rec.Subject
	meeting.RecurrenceID = rec.RecurrenceID
	meeting.RoomInfo = encodeRoomInfo(rec.RoomInfo)
	meeting.SettingsJSON = encodeSettings(rec, nil)
	meeting.DialString = rec.Dial.DialString
	if rec.Dial.DialString != "" {
		meeting.Provider = models.ProviderExternal
	} else {
		meeting.Provider = models.ProviderOffline
	}
	if err := w.meetings.Update(ctx, meeting); err != nil {
		return err
	}
	if err := w.meetings.Activate(ctx, meeting.ID); err != nil {
		return err
	}
	return w.upsertItem(ctx, creds.ID, pair.Remote, meeting)
}

func (w *Writer) upsertItem(ctx context.Context, credentialsID int64, item *calsync.RemoteItem, meeting *models.Meeting) error {
	var calendarID *int64
	if item.CalendarID != 0 {
		calendarID = &item.CalendarID
	}
	return w.items.Upsert(ctx, &models.CalendarItem{
		CredentialsID:      &credentialsID,
		CalendarID:         calendarID,
		ItemID:             item.ItemID,
		ChangeKey:          item.ChangeKey,
		ICalUID:            item.UID,
		RecurrenceID:       item.RecurrenceID,
		MeetingID:          &meeting.ID,
		RecurringMeetingID: meeting.RecurringMasterID,
		Serialized:         calsync.Serialize(item.Record),
	})
}

// remove unbooks the meeting behind a removed calendar item and deletes the
// item. The meeting row itself is deleted only if it never started.
func (w *Writer) remove(ctx context.Context, local models.CalendarItem) error {
	if local.MeetingID != nil {
		meeting, err := w.meetings.GetByID(ctx, *local.MeetingID)
		if err != nil {
			return err
		}
		if meeting != nil {
			if err := w.Unbook(ctx, meeting); err != nil {
				return err
			}
		}
	}
	return w.items.Delete(ctx, local.ID)
}

// Unbook deactivates a live meeting and deletes it if it never started.
func (w *Writer) Unbook(ctx context.Context, meeting *models.Meeting) error {
	if meeting.BackendActive {
		if err := w.meetings.Deactivate(ctx, meeting.ID); err != nil {
			return err
		}
	}
	if !meeting.HasStarted(w.nowFunc()) {
		if err := w.meetings.Delete(ctx, meeting.ID); err != nil {
			return err
		}
	}
	return nil
}

func timezoneOrUTC(tz string) string {
	if tz == "" {
		return "UTC"
	}
	return tz
}

func encodeRoomInfo(info []invite.RoomEntry) string {
	if len(info) == 0 {
		return "[]"
	}
	enc, err := json.Marshal(info)
	if err != nil {
		return "[]"
	}
	return string(enc)
}

func encodeSettings(rec *invite.Record, extra map[string]any) string {
	settings := map[string]any{}
	for k, v := range extra {
		settings[k] = v
	}
	if rec.RequireWebRTC {
		settings["require_webrtc"] = true
	}
	if rec.IsPrivate {
		settings["is_private"] = true
	}
	if rec.Dial.WebRTC != "" {
		settings["webrtc"] = rec.Dial.WebRTC
	}
	if rec.Dial.SkypeConferenceID != "" {
		settings["skype_conference_id"] = rec.Dial.SkypeConferenceID
	}
	enc, err := json.Marshal(settings)
	if err != nil {
		return "{}"
	}
	return string(enc)
}

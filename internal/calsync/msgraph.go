package calsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mividas/corestat/internal/database/models"
	"github.com/mividas/corestat/internal/invite"
)

const graphBaseURL = "https://graph.microsoft.com/v1.0"

// GraphSource fetches calendar items over the MS Graph REST API.
type GraphSource struct {
	parser *invite.Parser
	logger *slog.Logger

	baseURL   string
	newClient func(ctx context.Context, creds *models.Credentials) *http.Client
}

// NewGraphSource creates a GraphSource.
func NewGraphSource(parser *invite.Parser, logger *slog.Logger) *GraphSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &GraphSource{
		parser:  parser,
		logger:  logger,
		baseURL: graphBaseURL,
		newClient: func(ctx context.Context, creds *models.Credentials) *http.Client {
			return httpClientFor(ctx, creds, scopeGraph)
		},
	}
}

// Fetch issues one calendarView call per folder. A 404 marks just that
// calendar broken and the rest of the sync continues.
func (s *GraphSource) Fetch(ctx context.Context, creds *models.Credentials, calendars []models.Calendar, win Window, since *time.Time) ([]*RemoteItem, []FolderError, error) {
	client := s.newClient(ctx, creds)

	var items []*RemoteItem
	var folderErrs []FolderError
	for _, cal := range calendars {
		if cal.FolderID == "" {
			continue
		}
		events, notFound, err := s.calendarView(ctx, client, cal, win, since)
		if err != nil {
			return nil, nil, fmt.Errorf("fetching calendar %d: %w", cal.ID, err)
		}
		if notFound {
			folderErrs = append(folderErrs, FolderError{CalendarID: cal.ID, Code: "NotFound"})
			continue
		}
		for _, ev := range events {
			rec := s.eventRecord(ctx, ev)
			items = append(items, &RemoteItem{Record: rec, CalendarID: cal.ID})
		}
	}
	return items, folderErrs, nil
}

func (s *GraphSource) calendarView(ctx context.Context, client *http.Client, cal models.Calendar, win Window, since *time.Time) ([]*graphEvent, bool, error) {
	q := url.Values{}
	q.Set("startDateTime", win.Start.UTC().Format(time.RFC3339))
	q.Set("endDateTime", win.Stop.UTC().Format(time.RFC3339))
	q.Set("$top", "200")
	if since != nil {
		q.Set("$filter", "lastModifiedDateTime ge "+since.UTC().Format(time.RFC3339))
	}
	next := fmt.Sprintf("%s/users/%s/calendars/%s/calendarView?%s",
		s.baseURL, url.PathEscape(cal.Username), url.PathEscape(cal.FolderID), q.Encode())

	var events []*graphEvent
	for next != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, next, nil)
		if err != nil {
			return nil, false, err
		}
		req.Header.Set("Prefer", `outlook.timezone="UTC"`)
		resp, err := client.Do(req)
		if err != nil {
			return nil, false, fmt.Errorf("graph request: %w", err)
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
		resp.Body.Close()
		if err != nil {
			return nil, false, fmt.Errorf("reading graph response: %w", err)
		}
		if resp.StatusCode == http.StatusNotFound {
			return nil, true, nil
		}
		if resp.StatusCode != http.StatusOK {
			return nil, false, fmt.Errorf("graph status %d: %s", resp.StatusCode, firstLine(data))
		}
		var page struct {
			Value    []*graphEvent `json:"value"`
			NextLink string        `json:"@odata.nextLink"`
		}
		if err := json.Unmarshal(data, &page); err != nil {
			return nil, false, fmt.Errorf("decoding graph response: %w", err)
		}
		events = append(events, page.Value...)
		next = page.NextLink
	}
	return events, false, nil
}

// eventRecord maps one Graph event to an invite Record.
func (s *GraphSource) eventRecord(ctx context.Context, ev *graphEvent) *invite.Record {
	rec := &invite.Record{
		UID:          ev.ICalUID,
		ItemID:       ev.ID,
		ChangeKey:    ev.ChangeKey,
		Subject:      invite.NormalizeSubject(ev.Subject),
		Cancelled:    ev.IsCancelled,
		IsPrivate:    strings.EqualFold(ev.Sensitivity, "private"),
		IsRecurring:  ev.Type == "seriesMaster" || hasRecurrence(ev.Recurrence),
		LastModified: ev.LastModifiedDateTime,
		Creator:      ev.Organizer.EmailAddress.Address,
	}
	if ev.Type == "exception" || ev.Type == "occurrence" {
		rec.RecurrenceID = ev.OriginalStart
	}
	rec.TSStart = ev.Start.parse()
	rec.TSStop = ev.End.parse()
	rec.Timezone = ev.Start.TimeZone

	for _, att := range ev.Attendees {
		if addr := att.EmailAddress.Address; addr != "" {
			rec.Participants = append(rec.Participants, addr)
		}
	}

	body := ev.Body.Content
	rec.HasBody = strings.TrimSpace(body) != ""
	rec.Dial = s.parser.Extractor.Extract(ctx, ev.Location.DisplayName, body)
	if rec.Dial.DialString == "" {
		rec.Dial.Merge(s.parser.Extractor.ExtractNoScrape(ctx, body, body))
	}
	if ev.OnlineMeeting.JoinURL != "" && rec.Dial.WebRTCDial == "" {
		rec.Dial.WebRTCDial = ev.OnlineMeeting.JoinURL
	}
	return rec
}

// DiscoverRooms lists Graph places of type room.
func (s *GraphSource) DiscoverRooms(ctx context.Context, creds *models.Credentials) ([]Room, error) {
	client := s.newClient(ctx, creds)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.baseURL+"/places/microsoft.graph.room", nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("graph places request: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("reading graph places: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("graph places status %d: %s", resp.StatusCode, firstLine(data))
	}
	var page struct {
		Value []struct {
			DisplayName  string `json:"displayName"`
			EmailAddress string `json:"emailAddress"`
		} `json:"value"`
	}
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, fmt.Errorf("decoding graph places: %w", err)
	}
	rooms := make([]Room, 0, len(page.Value))
	for _, v := range page.Value {
		rooms = append(rooms, Room{Email: v.EmailAddress, Name: v.DisplayName})
	}
	return rooms, nil
}

func hasRecurrence(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

type graphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

func (d graphDateTime) parse() time.Time {
	for _, layout := range []string{"2006-01-02T15:04:05.999999999", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, d.DateTime); err == nil {
			loc := time.UTC
			if d.TimeZone != "" && d.TimeZone != "UTC" {
				if l, err := time.LoadLocation(d.TimeZone); err == nil {
					loc = l
				}
			}
			return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
		}
	}
	return time.Time{}
}

type graphEvent struct {
	ID                   string          `json:"id"`
	ICalUID              string          `json:"iCalUId"`
	ChangeKey            string          `json:"changeKey"`
	Subject              string          `json:"subject"`
	Type                 string          `json:"type"`
	OriginalStart        string          `json:"originalStart"`
	IsCancelled          bool            `json:"isCancelled"`
	Sensitivity          string          `json:"sensitivity"`
	Recurrence           json.RawMessage `json:"recurrence"`
	LastModifiedDateTime time.Time       `json:"lastModifiedDateTime"`
	Start                graphDateTime   `json:"start"`
	End                  graphDateTime   `json:"end"`
	Location             struct {
		DisplayName string `json:"displayName"`
	} `json:"location"`
	Body struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
	Organizer struct {
		EmailAddress struct {
			Name    string `json:"name"`
			Address string `json:"address"`
		} `json:"emailAddress"`
	} `json:"organizer"`
	Attendees []struct {
		EmailAddress struct {
			Name    string `json:"name"`
			Address string `json:"address"`
		} `json:"emailAddress"`
	} `json:"attendees"`
	OnlineMeeting struct {
		JoinURL string `json:"joinUrl"`
	} `json:"onlineMeeting"`
}

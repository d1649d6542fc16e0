package invite

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"

	"github.com/mividas/corestat/internal/dialstring"
)

// Outlook emits TRIGGER;RELATED= lines with values strict parsers reject.
// They carry no information we use, so they are rewritten to a fixed
// absolute trigger before decoding.
var brokenTriggerRe = regexp.MustCompile(`(?m)^TRIGGER;RELATED=[^\r\n]*`)

var conferenceIDRe = regexp.MustCompile(`(?i)Conference ID:?\s*(\d+)`)

// ParseICal decodes an iCalendar payload into a Record. The first VEVENT
// becomes the base record; later events with the same UID are recorded as
// recurring exceptions and events with other UIDs as extra events.
func (p *Parser) ParseICal(ctx context.Context, data []byte) (*Record, error) {
	return p.parseICal(ctx, data, true)
}

func (p *Parser) parseICal(ctx context.Context, data []byte, allowScrape bool) (*Record, error) {
	data = brokenTriggerRe.ReplaceAll(data, []byte("TRIGGER;VALUE=DATE-TIME:19760401T005545Z"))

	cal, err := ical.NewDecoder(bytes.NewReader(data)).Decode()
	if err != nil {
		return nil, fmt.Errorf("decoding icalendar: %w", err)
	}
	events := cal.Events()
	if len(events) == 0 {
		return nil, fmt.Errorf("icalendar payload has no events")
	}

	base := p.eventRecord(ctx, &events[0], allowScrape)
	if base.Dial.DialString != "" {
		allowScrape = false
	}
	baseExcluded := eventExcluded(&events[0], base.TSStart)
	if baseExcluded {
		base.Cancelled = true
	}
	for i := 1; i < len(events); i++ {
		ev := &events[i]
		uid := propValue(ev.Props, ical.PropUID)
		if uid != "" && uid == base.UID && !baseExcluded {
			base.RecurringExceptions = append(base.RecurringExceptions, exceptionKey(ev))
			continue
		}
		extra := p.eventRecord(ctx, ev, allowScrape)
		if extra.Dial.DialString != "" {
			allowScrape = false
		}
		base.ExtraEvents = append(base.ExtraEvents, extra)
	}
	return base, nil
}

// eventExcluded reports whether the event's own start is listed in EXDATE,
// which Outlook emits when the first occurrence of a series is removed.
func eventExcluded(ev *ical.Event, start time.Time) bool {
	if start.IsZero() {
		return false
	}
	for _, prop := range ev.Props.Values(ical.PropExceptionDates) {
		for _, v := range strings.Split(prop.Value, ",") {
			v = strings.TrimSpace(v)
			for _, layout := range []string{"20060102T150405Z", "20060102T150405", "20060102"} {
				if t, err := time.Parse(layout, v); err == nil {
					if t.Equal(start) || (layout == "20060102" && t.Format("20060102") == start.UTC().Format("20060102")) {
						return true
					}
					break
				}
			}
		}
	}
	return false
}

// eventRecord maps one VEVENT to a Record.
func (p *Parser) eventRecord(ctx context.Context, ev *ical.Event, allowScrape bool) *Record {
	rec := &Record{
		UID:          propValue(ev.Props, ical.PropUID),
		RecurrenceID: propValue(ev.Props, ical.PropRecurrenceID),
	}

	if start, err := ev.DateTimeStart(time.UTC); err == nil {
		rec.TSStart = start
	}
	if stop, err := ev.DateTimeEnd(time.UTC); err == nil {
		rec.TSStop = stop
	}
	if prop := ev.Props.Get(ical.PropDateTimeStart); prop != nil {
		rec.Timezone = prop.Params.Get(ical.ParamTimezoneID)
	}
	if prop := ev.Props.Get(ical.PropLastModified); prop != nil {
		if t, err := prop.DateTime(time.UTC); err == nil {
			rec.LastModified = t
		}
	}

	rec.Subject = NormalizeSubject(propValue(ev.Props, ical.PropSummary))
	rec.Cancelled = strings.EqualFold(propValue(ev.Props, ical.PropStatus), "CANCELLED")
	rec.IsPrivate = strings.EqualFold(propValue(ev.Props, ical.PropClass), "PRIVATE")
	if prop := ev.Props.Get(ical.PropRecurrenceRule); prop != nil {
		rec.IsRecurring = true
		if _, err := rrule.StrToRRule(prop.Value); err != nil {
			p.logger.Warn("invalid recurrence rule", "uid", rec.UID, "rrule", prop.Value, "error", err)
		}
	}

	rec.Creator = stripMailto(propValue(ev.Props, ical.PropOrganizer))
	for _, att := range ev.Props.Values(ical.PropAttendee) {
		if addr := stripMailto(att.Value); addr != "" {
			rec.Participants = append(rec.Participants, addr)
		}
	}

	location := propValue(ev.Props, ical.PropLocation)
	description := propValue(ev.Props, ical.PropDescription)
	rec.HasBody = description != ""

	rec.Dial = p.extractDial(ctx, location, description, allowScrape)
	if rec.Dial.DialString != "" {
		allowScrape = false
	}
	rec.Dial.Merge(p.extractDial(ctx, description, description, allowScrape))

	if uri := propValue(ev.Props, "X-MICROSOFT-CONFERENCETELURI"); uri != "" {
		rec.Dial.SkypeConference = uri
	}
	if m := conferenceIDRe.FindStringSubmatch(description); m != nil {
		rec.Dial.SkypeConferenceID = m[1]
	}
	return rec
}

func (p *Parser) extractDial(ctx context.Context, text, full string, allowScrape bool) dialstring.Result {
	if strings.TrimSpace(text) == "" {
		return dialstring.Result{}
	}
	if allowScrape {
		return p.Extractor.Extract(ctx, text, full)
	}
	return p.Extractor.ExtractNoScrape(ctx, text, full)
}

// exceptionKey identifies a recurring exception event, preferring its
// RECURRENCE-ID and falling back to a formatted DTEND.
func exceptionKey(ev *ical.Event) string {
	if v := propValue(ev.Props, ical.PropRecurrenceID); v != "" {
		return v
	}
	if stop, err := ev.DateTimeEnd(time.UTC); err == nil && !stop.IsZero() {
		return stop.UTC().Format("20060102T150405Z")
	}
	return ""
}

func propValue(props ical.Props, name string) string {
	if prop := props.Get(name); prop != nil {
		return prop.Value
	}
	return ""
}

func stripMailto(v string) string {
	return strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(v), "mailto:"), "MAILTO:")
}

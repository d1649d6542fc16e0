package invite

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/mividas/corestat/internal/dialstring"
)

func newTestParser() *Parser {
	return NewParser(dialstring.New(nil), nil)
}

func icalPayload(lines ...string) []byte {
	all := append([]string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//Test//EN",
	}, lines...)
	all = append(all, "END:VCALENDAR", "")
	return []byte(strings.Join(all, "\r\n"))
}

func TestParseICalBasic(t *testing.T) {
	p := newTestParser()
	data := icalPayload(
		"BEGIN:VEVENT",
		"UID:abc-123@example.org",
		"DTSTAMP:20260901T080000Z",
		"DTSTART:20260915T100000Z",
		"DTEND:20260915T110000Z",
		"SUMMARY:Fwd: Re: Styrelsemöte",
		"ORGANIZER:mailto:chair@example.org",
		"ATTENDEE:mailto:a@example.org",
		"ATTENDEE:mailto:b@example.org",
		"LOCATION:https://pexip.me/teams/teams.example.org/123456",
		"RRULE:FREQ=WEEKLY;COUNT=10",
		"END:VEVENT",
	)
	rec, err := p.ParseICal(context.Background(), data)
	if err != nil {
		t.Fatalf("ParseICal: %v", err)
	}
	if rec.UID != "abc-123@example.org" {
		t.Errorf("UID = %q", rec.UID)
	}
	want := time.Date(2026, 9, 15, 10, 0, 0, 0, time.UTC)
	if !rec.TSStart.Equal(want) {
		t.Errorf("TSStart = %v, want %v", rec.TSStart, want)
	}
	if rec.Subject != "Styrelsemöte" {
		t.Errorf("Subject = %q, want Styrelsemöte", rec.Subject)
	}
	if rec.Creator != "chair@example.org" {
		t.Errorf("Creator = %q", rec.Creator)
	}
	if len(rec.Participants) != 2 {
		t.Errorf("Participants = %v", rec.Participants)
	}
	if !rec.IsRecurring {
		t.Error("expected IsRecurring")
	}
	if rec.Dial.DialString != "123456@teams.example.org" {
		t.Errorf("DialString = %q", rec.Dial.DialString)
	}
}

func TestParseICalCancelledAndPrivate(t *testing.T) {
	p := newTestParser()
	data := icalPayload(
		"BEGIN:VEVENT",
		"UID:abc@example.org",
		"DTSTART:20260915T100000Z",
		"DTEND:20260915T110000Z",
		"SUMMARY:Private sync",
		"STATUS:CANCELLED",
		"CLASS:PRIVATE",
		"END:VEVENT",
	)
	rec, err := p.ParseICal(context.Background(), data)
	if err != nil {
		t.Fatalf("ParseICal: %v", err)
	}
	if !rec.Cancelled {
		t.Error("expected Cancelled")
	}
	if !rec.IsPrivate {
		t.Error("expected IsPrivate")
	}
}

func TestParseICalBrokenTrigger(t *testing.T) {
	p := newTestParser()
	data := icalPayload(
		"BEGIN:VEVENT",
		"UID:abc@example.org",
		"DTSTART:20260915T100000Z",
		"DTEND:20260915T110000Z",
		"SUMMARY:Meeting",
		"BEGIN:VALARM",
		"ACTION:DISPLAY",
		"DESCRIPTION:Reminder",
		"TRIGGER;RELATED=\"\":-PT15M",
		"END:VALARM",
		"END:VEVENT",
	)
	rec, err := p.ParseICal(context.Background(), data)
	if err != nil {
		t.Fatalf("ParseICal with broken trigger: %v", err)
	}
	if rec.UID != "abc@example.org" {
		t.Errorf("UID = %q", rec.UID)
	}
}

func TestParseICalRecurringException(t *testing.T) {
	p := newTestParser()
	data := icalPayload(
		"BEGIN:VEVENT",
		"UID:series@example.org",
		"DTSTART:20260915T100000Z",
		"DTEND:20260915T110000Z",
		"SUMMARY:Weekly",
		"RRULE:FREQ=WEEKLY",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:series@example.org",
		"RECURRENCE-ID:20260922T100000Z",
		"DTSTART:20260922T130000Z",
		"DTEND:20260922T140000Z",
		"SUMMARY:Weekly (moved)",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:other@example.org",
		"DTSTART:20260916T100000Z",
		"DTEND:20260916T110000Z",
		"SUMMARY:Unrelated",
		"END:VEVENT",
	)
	rec, err := p.ParseICal(context.Background(), data)
	if err != nil {
		t.Fatalf("ParseICal: %v", err)
	}
	if len(rec.RecurringExceptions) != 1 || rec.RecurringExceptions[0] != "20260922T100000Z" {
		t.Errorf("RecurringExceptions = %v", rec.RecurringExceptions)
	}
	if len(rec.ExtraEvents) != 1 || rec.ExtraEvents[0].UID != "other@example.org" {
		t.Fatalf("ExtraEvents = %v", rec.ExtraEvents)
	}
}

func TestParseICalBaseExcludedByExdate(t *testing.T) {
	p := newTestParser()
	data := icalPayload(
		"BEGIN:VEVENT",
		"UID:series@example.org",
		"DTSTART:20260915T100000Z",
		"DTEND:20260915T110000Z",
		"SUMMARY:Weekly",
		"RRULE:FREQ=WEEKLY",
		"EXDATE:20260915T100000Z",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:series@example.org",
		"DTSTART:20260922T100000Z",
		"DTEND:20260922T110000Z",
		"SUMMARY:Weekly",
		"END:VEVENT",
	)
	rec, err := p.ParseICal(context.Background(), data)
	if err != nil {
		t.Fatalf("ParseICal: %v", err)
	}
	if !rec.Cancelled {
		t.Error("expected excluded base to be cancelled")
	}
	if len(rec.RecurringExceptions) != 0 {
		t.Errorf("RecurringExceptions = %v, want none", rec.RecurringExceptions)
	}
	if len(rec.ExtraEvents) != 1 {
		t.Fatalf("ExtraEvents = %d, want 1", len(rec.ExtraEvents))
	}
}

func TestParseICalIdempotent(t *testing.T) {
	p := newTestParser()
	data := icalPayload(
		"BEGIN:VEVENT",
		"UID:abc@example.org",
		"DTSTART:20260915T100000Z",
		"DTEND:20260915T110000Z",
		"SUMMARY:Sv: Demo",
		"LOCATION:545096111.623458@zoomcrc.com",
		"END:VEVENT",
	)
	first, err := p.ParseICal(context.Background(), data)
	if err != nil {
		t.Fatalf("ParseICal: %v", err)
	}
	second, err := p.ParseICal(context.Background(), data)
	if err != nil {
		t.Fatalf("ParseICal second run: %v", err)
	}
	if first.UID != second.UID || first.Subject != second.Subject ||
		!first.TSStart.Equal(second.TSStart) || !first.TSStop.Equal(second.TSStop) ||
		first.Dial != second.Dial {
		t.Errorf("parse is not idempotent: %+v vs %+v", first, second)
	}
}

const multipartInvite = "From: Organizer <org@example.org>\r\n" +
	"Reply-To: Real Sender <sender@example.org>\r\n" +
	"Subject: Inbjudan: Kvartalsgenomgång\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=\"XYZ\"\r\n" +
	"\r\n" +
	"--XYZ\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Fallback text with 7788@meet.example.org in it.\r\n" +
	"--XYZ\r\n" +
	"Content-Type: text/calendar; method=REQUEST\r\n" +
	"\r\n" +
	"BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//Test//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:mtg-1@example.org\r\n" +
	"DTSTART:20261001T090000Z\r\n" +
	"DTEND:20261001T100000Z\r\n" +
	"SUMMARY:Kvartalsgenomgång\r\n" +
	"LOCATION:https://pexip.me/teams/teams.example.org/123456\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n" +
	"--XYZ--\r\n"

func TestParseMIMEMultipart(t *testing.T) {
	p := newTestParser()
	rec := p.ParseMIME(context.Background(), []byte(multipartInvite))
	if rec.Err != nil {
		t.Fatalf("ParseMIME: %v", rec.Err)
	}
	if rec.Creator != "sender@example.org" {
		t.Errorf("Creator = %q, want reply-to address", rec.Creator)
	}
	if rec.UID != "mtg-1@example.org" {
		t.Errorf("UID = %q", rec.UID)
	}
	if rec.Dial.DialString != "123456@teams.example.org" {
		t.Errorf("DialString = %q, calendar part should win", rec.Dial.DialString)
	}
	if !rec.HasBody {
		t.Error("expected HasBody from text part")
	}
}

const textOnlyInvite = "From: org@example.org\r\n" +
	"Subject: Videomöte\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"Join from a video system: 7788@meet.example.org\r\n"

func TestParseMIMETextFallback(t *testing.T) {
	p := newTestParser()
	rec := p.ParseMIME(context.Background(), []byte(textOnlyInvite))
	if rec.Err != nil {
		t.Fatalf("ParseMIME: %v", rec.Err)
	}
	if rec.Dial.Fallback != "7788@meet.example.org" {
		t.Errorf("Fallback = %q", rec.Dial.Fallback)
	}
	if rec.Dial.DialString != "" {
		t.Errorf("DialString = %q, want empty for fallback-only text", rec.Dial.DialString)
	}
}

const vcardInvite = "From: org@example.org\r\n" +
	"Subject: Adobe Connect\r\n" +
	"Content-Type: multipart/mixed; boundary=\"AB\"\r\n" +
	"\r\n" +
	"--AB\r\n" +
	"Content-Type: text/x-vcard\r\n" +
	"\r\n" +
	"BEGIN:VCARD\r\n" +
	"URL:breeze://connect.example.org/room1/\r\n" +
	"END:VCARD\r\n" +
	"--AB--\r\n"

func TestParseMIMEVCard(t *testing.T) {
	p := newTestParser()
	rec := p.ParseMIME(context.Background(), []byte(vcardInvite))
	if rec.Err != nil {
		t.Fatalf("ParseMIME: %v", rec.Err)
	}
	if rec.Dial.DialString != "connect.example.org/room1/" {
		t.Errorf("DialString = %q", rec.Dial.DialString)
	}
}

func TestParseMIMEGarbage(t *testing.T) {
	p := newTestParser()
	rec := p.ParseMIME(context.Background(), []byte("not a mime message"))
	if rec.Err == nil {
		t.Error("expected Err on garbage input")
	}
}

func TestNormalizeSubject(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Re: Fw: Sv: Meeting", "Meeting"},
		{"Inbjudan: Styrelsemöte", "Styrelsemöte"},
		{"INVITE: demo", "demo"},
		{"Plain subject", "Plain subject"},
		{strings.Repeat("x", 150), strings.Repeat("x", 100)},
		// "ö" is two bytes; the cut lands mid-rune and must back up.
		{strings.Repeat("x", 99) + "öö", strings.Repeat("x", 99)},
		{strings.Repeat("ö", 75), strings.Repeat("ö", 50)},
	}
	for _, tt := range tests {
		if got := NormalizeSubject(tt.in); got != tt.want {
			t.Errorf("NormalizeSubject(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

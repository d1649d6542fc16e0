package invite

import (
	"time"

	"github.com/mividas/corestat/internal/dialstring"
)

// Record is a normalized meeting invite, regardless of whether it arrived as
// a MIME email, a bare iCalendar payload or a vendor calendar item.
type Record struct {
	UID          string
	RecurrenceID string
	ItemID       string
	ChangeKey    string

	TSStart      time.Time
	TSStop       time.Time
	Timezone     string
	LastModified time.Time

	Subject      string
	Creator      string
	Participants []string

	IsRecurring bool
	IsPrivate   bool
	Cancelled   bool
	HasBody     bool

	Dial dialstring.Result
	// RequireWebRTC is set when the dial-string was promoted from a
	// browser join link and only Teams-capable endpoints may dial out.
	RequireWebRTC bool
	RoomInfo      []RoomEntry

	// Endpoints holds the email keys of endpoints invited to the meeting.
	Endpoints []string

	RecurringExceptions []string
	ExtraEvents         []*Record

	// Err records a parse failure. The record may still carry partial data;
	// the caller decides whether to reject it.
	Err error
}

// RoomEntry is one element of a meeting's room_info list. Exactly one of the
// field groups is set: a dial-out target or an invited endpoint.
type RoomEntry struct {
	DialString string `json:"dialstring,omitempty"`
	Dialout    bool   `json:"dialout,omitempty"`
	Endpoint   string `json:"endpoint,omitempty"`
}

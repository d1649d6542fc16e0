package booking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/mividas/corestat/internal/calsync"
	"github.com/mividas/corestat/internal/database"
	"github.com/mividas/corestat/internal/database/models"
	"github.com/mividas/corestat/internal/email"
	"github.com/mividas/corestat/internal/invite"
)

// Email booking modes, resolved from the recipient local-part.
const (
	ModeRecord       = "record"
	ModeStream       = "stream"
	ModeRecordStream = "record+stream"
	ModeBook         = "book"
	ModeExternal     = "external"
)

// RecordingConfig describes the recording provider used for record/stream
// bookings. CanReschedule reflects whether the provider allows moving an
// already attached recording to new times.
type RecordingConfig struct {
	Provider      string
	CanReschedule bool
}

// confirmationSender is the part of email.Sender the booker uses.
type confirmationSender interface {
	SendConfirmation(ctx context.Context, cfg email.SMTPConfig, conf email.Confirmation) error
}

// EmailBooker books meetings from MIME emails posted over HTTP by external
// collaborators.
type EmailBooker struct {
	parser    *invite.Parser
	writer    *Writer
	meetings  database.MeetingRepository
	items     database.CalendarItemRepository
	customers database.CustomerRepository
	endpoints database.EndpointRepository
	sender    confirmationSender
	smtp      email.SMTPConfig
	logger    *slog.Logger
	nowFunc   func() time.Time

	// Recording applies to the record/stream/record+stream modes.
	Recording RecordingConfig
}

// NewEmailBooker creates an EmailBooker.
func NewEmailBooker(
	parser *invite.Parser,
	writer *Writer,
	meetings database.MeetingRepository,
	items database.CalendarItemRepository,
	customers database.CustomerRepository,
	endpoints database.EndpointRepository,
	sender *email.Sender,
	smtp email.SMTPConfig,
	logger *slog.Logger,
) *EmailBooker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &EmailBooker{
		parser:    parser,
		writer:    writer,
		meetings:  meetings,
		items:     items,
		customers: customers,
		endpoints: endpoints,
		smtp:      smtp,
		logger:    logger.With("component", "emailbooker"),
		nowFunc:   time.Now,
		Recording: RecordingConfig{Provider: "core", CanReschedule: true},
	}
	if sender != nil {
		b.sender = sender
	}
	return b
}

// Book parses a raw MIME message, resolves the booking mode from the
// recipient address and books or rebooks the meeting. It returns the booked
// meeting.
func (b *EmailBooker) Book(ctx context.Context, raw []byte) (*models.Meeting, error) {
	recipient, err := firstRecipient(raw)
	if err != nil {
		return nil, fmt.Errorf("reading recipient: %w", err)
	}

	rec := b.parser.ParseMIME(ctx, raw)
	if rec.Err != nil {
		return nil, fmt.Errorf("parsing invite: %w", rec.Err)
	}
	if rec.UID == "" {
		return nil, fmt.Errorf("invite has no uid")
	}

	mode, endpoint, err := b.resolveMode(ctx, recipient)
	if err != nil {
		return nil, err
	}

	customer, err := b.resolveCustomer(ctx, rec.Creator, endpoint)
	if err != nil {
		return nil, err
	}

	if endpoint != nil {
		PopulateDialSettings(rec, []models.Endpoint{*endpoint}, b.writer.Dialout)
	}
	if mode == ModeExternal && rec.Dial.DialString == "" {
		return nil, fmt.Errorf("booking for endpoint %s requires a dial-string", endpoint.EmailKey)
	}

	extra := recordingSettings(mode, b.Recording)

	existing, err := b.meetings.GetBySourceUID(ctx, "email", rec.UID)
	if err != nil {
		return nil, err
	}

	rebooked := false
	forcedNew := false
	if existing != nil {
		if b.canReschedule(existing) {
			if err := b.writer.Unbook(ctx, existing); err != nil {
				return nil, fmt.Errorf("unbooking meeting %d: %w", existing.ID, err)
			}
			rebooked = true
		} else {
			forcedNew = true
		}
	}

	meeting, err := b.writer.createMeetingSettings(ctx, customer.ID, "email", rec, extra)
	if err != nil {
		return nil, fmt.Errorf("booking meeting: %w", err)
	}

	if err := b.items.Upsert(ctx, &models.CalendarItem{
		ItemID:       "email:" + rec.UID,
		ICalUID:      rec.UID,
		RecurrenceID: rec.RecurrenceID,
		MeetingID:    &meeting.ID,
		Serialized:   calsync.Serialize(rec),
	}); err != nil {
		return nil, fmt.Errorf("upserting calendar item: %w", err)
	}

	b.logger.Info("booked meeting from email",
		"uid", rec.UID, "mode", mode, "meeting_id", meeting.ID,
		"rebooked", rebooked, "forced_new", forcedNew)

	b.sendConfirmation(ctx, rec, meeting, rebooked, forcedNew)
	return meeting, nil
}

// resolveMode maps the recipient local-part to a booking mode. Local-parts
// that are not a reserved mode name are looked up as endpoint email keys.
func (b *EmailBooker) resolveMode(ctx context.Context, recipient string) (string, *models.Endpoint, error) {
	key := emailKey(recipient)
	switch key {
	case ModeRecord, ModeStream, ModeRecordStream, ModeBook:
		return key, nil, nil
	}
	ep, err := b.endpoints.GetByEmailKey(ctx, key)
	if err != nil {
		return "", nil, fmt.Errorf("looking up endpoint %s: %w", key, err)
	}
	if ep == nil {
		return "", nil, fmt.Errorf("unknown booking recipient %s", recipient)
	}
	return ModeExternal, ep, nil
}

// resolveCustomer matches the sender domain against customer domain keys,
// falling back to the target endpoint's customer.
func (b *EmailBooker) resolveCustomer(ctx context.Context, creator string, endpoint *models.Endpoint) (*models.Customer, error) {
	if i := strings.IndexByte(creator, '@'); i > 0 {
		domain := strings.ToLower(creator[i+1:])
		customer, err := b.customers.GetByDomainKey(ctx, domain)
		if err != nil {
			return nil, fmt.Errorf("looking up customer for %s: %w", domain, err)
		}
		if customer != nil {
			return customer, nil
		}
	}
	if endpoint != nil {
		customer, err := b.customers.GetByID(ctx, endpoint.CustomerID)
		if err != nil {
			return nil, err
		}
		if customer != nil {
			return customer, nil
		}
	}
	return nil, fmt.Errorf("no customer for sender %s", creator)
}

// canReschedule reports whether an existing email booking may be moved. A
// future meeting is rescheduled unless it carries a recording whose provider
// cannot reschedule.
func (b *EmailBooker) canReschedule(meeting *models.Meeting) bool {
	if meeting.HasStarted(b.nowFunc()) {
		return false
	}
	var settings struct {
		Recording *struct {
			CanReschedule bool `json:"can_reschedule"`
		} `json:"recording"`
	}
	if err := json.Unmarshal([]byte(meeting.SettingsJSON), &settings); err != nil {
		return true
	}
	if settings.Recording != nil && !settings.Recording.CanReschedule {
		return false
	}
	return true
}

func recordingSettings(mode string, cfg RecordingConfig) map[string]any {
	switch mode {
	case ModeRecord, ModeStream, ModeRecordStream:
	default:
		return nil
	}
	return map[string]any{
		"recording": map[string]any{
			"provider":       cfg.Provider,
			"record":         mode == ModeRecord || mode == ModeRecordStream,
			"stream":         mode == ModeStream || mode == ModeRecordStream,
			"can_reschedule": cfg.CanReschedule,
		},
	}
}

// sendConfirmation emails the organizer. Failures are logged; booking does
// not depend on outbound SMTP.
func (b *EmailBooker) sendConfirmation(ctx context.Context, rec *invite.Record, meeting *models.Meeting, rebooked, forcedNew bool) {
	if b.sender == nil || !b.smtp.Valid() || rec.Creator == "" {
		return
	}
	conf := email.Confirmation{
		To:      rec.Creator,
		Subject: fmt.Sprintf("Bokningsbekräftelse: %s", meeting.Title),
		Body:    confirmationBody(meeting, rebooked, forcedNew),
	}
	if err := b.sender.SendConfirmation(ctx, b.smtp, conf); err != nil {
		b.logger.Warn("sending booking confirmation", "to", conf.To, "error", err)
	}
}

func confirmationBody(meeting *models.Meeting, rebooked, forcedNew bool) string {
	var buf bytes.Buffer
	switch {
	case rebooked:
		fmt.Fprintf(&buf, "Ditt möte \"%s\" har bokats om.\n\n", meeting.Title)
	case forcedNew:
		fmt.Fprintf(&buf, "Ditt möte \"%s\" kunde inte bokas om. En ny bokning har skapats.\n\n", meeting.Title)
	default:
		fmt.Fprintf(&buf, "Ditt möte \"%s\" har bokats.\n\n", meeting.Title)
	}
	fmt.Fprintf(&buf, "Start: %s\n", meeting.TSStart.Format("2006-01-02 15:04 MST"))
	fmt.Fprintf(&buf, "Slut: %s\n", meeting.TSStop.Format("2006-01-02 15:04 MST"))
	if meeting.DialString != "" {
		fmt.Fprintf(&buf, "Videoadress: %s\n", meeting.DialString)
	}
	return buf.String()
}

// firstRecipient returns the first To address of a raw MIME message.
func firstRecipient(raw []byte) (string, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	addrs, err := msg.Header.AddressList("To")
	if err != nil || len(addrs) == 0 {
		return "", fmt.Errorf("no To address")
	}
	return addrs[0].Address, nil
}

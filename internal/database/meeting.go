package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mividas/corestat/internal/database/models"
)

// meetingRepo implements MeetingRepository.
type meetingRepo struct {
	db *DB
}

// NewMeetingRepository creates a new MeetingRepository.
func NewMeetingRepository(db *DB) MeetingRepository {
	return &meetingRepo{db: db}
}

const meetingCols = `id, customer_id, provider, recurring_master_id, ts_start,
	ts_stop, timezone, title, ical_uid, recurrence_id, room_info,
	settings_json, dialstring, source, backend_active, activated_at,
	deactivated_at, created_at, updated_at`

// Create inserts a new meeting.
func (r *meetingRepo) Create(ctx context.Context, m *models.Meeting) error {
	if m.RoomInfo == "" {
		m.RoomInfo = "[]"
	}
	if m.SettingsJSON == "" {
		m.SettingsJSON = "{}"
	}
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO meetings (customer_id, provider, recurring_master_id,
		 ts_start, ts_stop, timezone, title, ical_uid, recurrence_id,
		 room_info, settings_json, dialstring, source, backend_active)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.CustomerID, m.Provider, m.RecurringMasterID, m.TSStart, m.TSStop,
		m.Timezone, m.Title, m.ICalUID, m.RecurrenceID, m.RoomInfo,
		m.SettingsJSON, m.DialString, m.Source, m.BackendActive,
	)
	if err != nil {
		return fmt.Errorf("inserting meeting: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	m.ID = id
	return nil
}

// GetByID returns a meeting by ID.
func (r *meetingRepo) GetByID(ctx context.Context, id int64) (*models.Meeting, error) {
	var m models.Meeting
	err := r.db.QueryRowContext(ctx,
		`SELECT `+meetingCols+` FROM meetings WHERE id = ?`, id).Scan(
		&m.ID, &m.CustomerID, &m.Provider, &m.RecurringMasterID, &m.TSStart,
		&m.TSStop, &m.Timezone, &m.Title, &m.ICalUID, &m.RecurrenceID,
		&m.RoomInfo, &m.SettingsJSON, &m.DialString, &m.Source,
		&m.BackendActive, &m.ActivatedAt, &m.DeactivatedAt, &m.CreatedAt,
		&m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning meeting: %w", err)
	}
	return &m, nil
}

// GetBySourceUID returns the meeting booked from a given source for an
// iCal uid, if any.
func (r *meetingRepo) GetBySourceUID(ctx context.Context, source, icalUID string) (*models.Meeting, error) {
	var m models.Meeting
	err := r.db.QueryRowContext(ctx,
		`SELECT `+meetingCols+` FROM meetings
		 WHERE source = ? AND ical_uid = ? ORDER BY id DESC LIMIT 1`,
		source, icalUID).Scan(
		&m.ID, &m.CustomerID, &m.Provider, &m.RecurringMasterID, &m.TSStart,
		&m.TSStop, &m.Timezone, &m.Title, &m.ICalUID, &m.RecurrenceID,
		&m.RoomInfo, &m.SettingsJSON, &m.DialString, &m.Source,
		&m.BackendActive, &m.ActivatedAt, &m.DeactivatedAt, &m.CreatedAt,
		&m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning meeting: %w", err)
	}
	return &m, nil
}

// Update modifies an existing meeting.
func (r *meetingRepo) Update(ctx context.Context, m *models.Meeting) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE meetings SET customer_id = ?, provider = ?,
		 recurring_master_id = ?, ts_start = ?, ts_stop = ?, timezone = ?,
		 title = ?, ical_uid = ?, recurrence_id = ?, room_info = ?,
		 settings_json = ?, dialstring = ?, source = ?,
		 updated_at = datetime('now') WHERE id = ?`,
		m.CustomerID, m.Provider, m.RecurringMasterID, m.TSStart, m.TSStop,
		m.Timezone, m.Title, m.ICalUID, m.RecurrenceID, m.RoomInfo,
		m.SettingsJSON, m.DialString, m.Source, m.ID,
	)
	if err != nil {
		return fmt.Errorf("updating meeting: %w", err)
	}
	return nil
}

// Activate marks the meeting live on the backend. Activation happens exactly
// once per meeting lifetime; repeated calls are no-ops.
func (r *meetingRepo) Activate(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE meetings SET backend_active = 1,
		 activated_at = COALESCE(activated_at, datetime('now')),
		 updated_at = datetime('now')
		 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("activating meeting: %w", err)
	}
	return nil
}

// Deactivate marks the meeting cancelled on the backend.
func (r *meetingRepo) Deactivate(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE meetings SET backend_active = 0,
		 deactivated_at = datetime('now'), updated_at = datetime('now')
		 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deactivating meeting: %w", err)
	}
	return nil
}

// Delete removes a meeting row.
func (r *meetingRepo) Delete(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM meetings WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting meeting: %w", err)
	}
	return nil
}

// recurringMeetingRepo implements RecurringMeetingRepository.
type recurringMeetingRepo struct {
	db *DB
}

// NewRecurringMeetingRepository creates a new RecurringMeetingRepository.
func NewRecurringMeetingRepository(db *DB) RecurringMeetingRepository {
	return &recurringMeetingRepo{db: db}
}

// Create inserts a new series master.
func (r *recurringMeetingRepo) Create(ctx context.Context, rm *models.RecurringMeeting) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO recurring_meetings (customer_id, uid, external_occasion_handling)
		 VALUES (?, ?, ?)`,
		rm.CustomerID, rm.UID, rm.ExternalOccasionHandling,
	)
	if err != nil {
		return fmt.Errorf("inserting recurring meeting: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	rm.ID = id
	return nil
}

// GetByUID returns a series master by invite UID.
func (r *recurringMeetingRepo) GetByUID(ctx context.Context, customerID int64, uid string) (*models.RecurringMeeting, error) {
	var rm models.RecurringMeeting
	err := r.db.QueryRowContext(ctx,
		`SELECT id, customer_id, uid, external_occasion_handling, created_at
		 FROM recurring_meetings WHERE customer_id = ? AND uid = ? LIMIT 1`,
		customerID, uid).Scan(&rm.ID, &rm.CustomerID, &rm.UID,
		&rm.ExternalOccasionHandling, &rm.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning recurring meeting: %w", err)
	}
	return &rm, nil
}

// calendarItemRepo implements CalendarItemRepository.
type calendarItemRepo struct {
	db *DB
}

// NewCalendarItemRepository creates a new CalendarItemRepository.
func NewCalendarItemRepository(db *DB) CalendarItemRepository {
	return &calendarItemRepo{db: db}
}

const calendarItemCols = `id, credentials_id, calendar_id, item_id, changekey,
	ical_uid, recurrence_id, meeting_id, recurring_meeting_id, serialized`

// Upsert creates or updates the item keyed by (credentials, item_id), or by
// item_id alone for email-booked items without credentials.
func (r *calendarItemRepo) Upsert(ctx context.Context, item *models.CalendarItem) error {
	conflict := `(credentials_id, item_id) WHERE credentials_id IS NOT NULL`
	if item.CredentialsID == nil {
		conflict = `(item_id) WHERE credentials_id IS NULL`
	}
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO calendar_items (credentials_id, calendar_id, item_id,
		 changekey, ical_uid, recurrence_id, meeting_id, recurring_meeting_id,
		 serialized)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT `+conflict+` DO UPDATE SET
		 calendar_id = excluded.calendar_id, changekey = excluded.changekey,
		 ical_uid = excluded.ical_uid, recurrence_id = excluded.recurrence_id,
		 meeting_id = excluded.meeting_id,
		 recurring_meeting_id = excluded.recurring_meeting_id,
		 serialized = excluded.serialized`,
		item.CredentialsID, item.CalendarID, item.ItemID, item.ChangeKey,
		item.ICalUID, item.RecurrenceID, item.MeetingID, item.RecurringMeetingID,
		item.Serialized,
	)
	if err != nil {
		return fmt.Errorf("upserting calendar item: %w", err)
	}
	if item.ID == 0 {
		if id, err := result.LastInsertId(); err == nil && id > 0 {
			item.ID = id
		}
		// The conflict path does not report an id; reload it.
		var existing *models.CalendarItem
		if item.CredentialsID != nil {
			existing, err = r.GetByItemID(ctx, *item.CredentialsID, item.ItemID)
		} else {
			existing, err = r.GetEmailItem(ctx, item.ItemID)
		}
		if err != nil {
			return err
		}
		if existing != nil {
			item.ID = existing.ID
		}
	}
	return nil
}

// GetByItemID returns the item keyed by (credentials, item_id).
func (r *calendarItemRepo) GetByItemID(ctx context.Context, credentialsID int64, itemID string) (*models.CalendarItem, error) {
	var it models.CalendarItem
	err := r.db.QueryRowContext(ctx,
		`SELECT `+calendarItemCols+` FROM calendar_items
		 WHERE credentials_id = ? AND item_id = ?`, credentialsID, itemID).Scan(
		&it.ID, &it.CredentialsID, &it.CalendarID, &it.ItemID, &it.ChangeKey,
		&it.ICalUID, &it.RecurrenceID, &it.MeetingID, &it.RecurringMeetingID,
		&it.Serialized)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning calendar item: %w", err)
	}
	return &it, nil
}

// GetEmailItem returns the credentials-less item keyed by item_id.
func (r *calendarItemRepo) GetEmailItem(ctx context.Context, itemID string) (*models.CalendarItem, error) {
	var it models.CalendarItem
	err := r.db.QueryRowContext(ctx,
		`SELECT `+calendarItemCols+` FROM calendar_items
		 WHERE credentials_id IS NULL AND item_id = ?`, itemID).Scan(
		&it.ID, &it.CredentialsID, &it.CalendarID, &it.ItemID, &it.ChangeKey,
		&it.ICalUID, &it.RecurrenceID, &it.MeetingID, &it.RecurringMeetingID,
		&it.Serialized)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning calendar item: %w", err)
	}
	return &it, nil
}

// ListByCredentials returns items for one (uid, recurrence_id) key.
func (r *calendarItemRepo) ListByCredentials(ctx context.Context, credentialsID int64, uid, recurrenceID string) ([]models.CalendarItem, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+calendarItemCols+` FROM calendar_items
		 WHERE credentials_id = ? AND ical_uid = ? AND recurrence_id = ?
		 ORDER BY id`, credentialsID, uid, recurrenceID)
	if err != nil {
		return nil, fmt.Errorf("listing calendar items: %w", err)
	}
	defer rows.Close()
	return scanCalendarItems(rows)
}

// ListAllByCredentials returns every item under a credentials row.
func (r *calendarItemRepo) ListAllByCredentials(ctx context.Context, credentialsID int64) ([]models.CalendarItem, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+calendarItemCols+` FROM calendar_items
		 WHERE credentials_id = ? ORDER BY id`, credentialsID)
	if err != nil {
		return nil, fmt.Errorf("listing calendar items: %w", err)
	}
	defer rows.Close()
	return scanCalendarItems(rows)
}

// Delete removes a calendar item row.
func (r *calendarItemRepo) Delete(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM calendar_items WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting calendar item: %w", err)
	}
	return nil
}

func scanCalendarItems(rows *sql.Rows) ([]models.CalendarItem, error) {
	var items []models.CalendarItem
	for rows.Next() {
		var it models.CalendarItem
		if err := rows.Scan(&it.ID, &it.CredentialsID, &it.CalendarID,
			&it.ItemID, &it.ChangeKey, &it.ICalUID, &it.RecurrenceID,
			&it.MeetingID, &it.RecurringMeetingID, &it.Serialized); err != nil {
			return nil, fmt.Errorf("scanning calendar item row: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating calendar item rows: %w", err)
	}
	return items, nil
}

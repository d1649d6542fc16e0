package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mividas/corestat/internal/database/models"
)

// credentialsRepo implements CredentialsRepository.
type credentialsRepo struct {
	db *DB
}

// NewCredentialsRepository creates a new CredentialsRepository.
func NewCredentialsRepository(db *DB) CredentialsRepository {
	return &credentialsRepo{db: db}
}

const credentialsCols = `id, customer_id, type, username, password,
	oauth_client_id, oauth_client_secret, oauth_tenant_id, server,
	autodiscover_blob, video_meetings_only, enable_sync,
	last_full_sync_ts, last_incremental_sync_ts, last_room_discovery_ts,
	last_sync_error, is_working, created_at`

// Create inserts a new credentials row.
func (r *credentialsRepo) Create(ctx context.Context, c *models.Credentials) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO credentials (customer_id, type, username, password,
		 oauth_client_id, oauth_client_secret, oauth_tenant_id, server,
		 autodiscover_blob, video_meetings_only, enable_sync, is_working)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.CustomerID, c.Type, c.Username, c.Password,
		c.OAuthClientID, c.OAuthClientSecret, c.OAuthTenantID, c.Server,
		c.AutodiscoverBlob, c.VideoMeetingsOnly, c.EnableSync, c.IsWorking,
	)
	if err != nil {
		return fmt.Errorf("inserting credentials: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	c.ID = id
	return nil
}

// GetByID returns credentials by ID.
func (r *credentialsRepo) GetByID(ctx context.Context, id int64) (*models.Credentials, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+credentialsCols+` FROM credentials WHERE id = ?`, id))
}

// ListSyncable returns credentials with sync enabled.
func (r *credentialsRepo) ListSyncable(ctx context.Context) ([]models.Credentials, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+credentialsCols+` FROM credentials WHERE enable_sync = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing syncable credentials: %w", err)
	}
	defer rows.Close()

	var creds []models.Credentials
	for rows.Next() {
		c, err := scanCredentials(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating credentials rows: %w", err)
	}
	return creds, nil
}

// Update modifies an existing credentials row.
func (r *credentialsRepo) Update(ctx context.Context, c *models.Credentials) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE credentials SET customer_id = ?, type = ?, username = ?,
		 password = ?, oauth_client_id = ?, oauth_client_secret = ?,
		 oauth_tenant_id = ?, server = ?, autodiscover_blob = ?,
		 video_meetings_only = ?, enable_sync = ?, last_sync_error = ?,
		 is_working = ? WHERE id = ?`,
		c.CustomerID, c.Type, c.Username, c.Password, c.OAuthClientID,
		c.OAuthClientSecret, c.OAuthTenantID, c.Server, c.AutodiscoverBlob,
		c.VideoMeetingsOnly, c.EnableSync, c.LastSyncError, c.IsWorking, c.ID,
	)
	if err != nil {
		return fmt.Errorf("updating credentials: %w", err)
	}
	return nil
}

// SetSyncResult records the outcome of a sync run. A non-empty error also
// marks the credentials as not working.
func (r *credentialsRepo) SetSyncResult(ctx context.Context, id int64, full bool, ts time.Time, syncErr string) error {
	col := "last_incremental_sync_ts"
	if full {
		col = "last_full_sync_ts"
	}
	working := syncErr == ""
	_, err := r.db.ExecContext(ctx,
		`UPDATE credentials SET `+col+` = ?, last_sync_error = ?, is_working = ? WHERE id = ?`,
		ts, syncErr, working, id,
	)
	if err != nil {
		return fmt.Errorf("recording sync result: %w", err)
	}
	return nil
}

// SetRoomDiscovery records the last room-list discovery tick.
func (r *credentialsRepo) SetRoomDiscovery(ctx context.Context, id int64, ts time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE credentials SET last_room_discovery_ts = ? WHERE id = ?`, ts, id)
	if err != nil {
		return fmt.Errorf("recording room discovery: %w", err)
	}
	return nil
}

func (r *credentialsRepo) scanOne(row *sql.Row) (*models.Credentials, error) {
	var c models.Credentials
	err := row.Scan(&c.ID, &c.CustomerID, &c.Type, &c.Username, &c.Password,
		&c.OAuthClientID, &c.OAuthClientSecret, &c.OAuthTenantID, &c.Server,
		&c.AutodiscoverBlob, &c.VideoMeetingsOnly, &c.EnableSync,
		&c.LastFullSyncTS, &c.LastIncrementalSyncTS, &c.LastRoomDiscoveryTS,
		&c.LastSyncError, &c.IsWorking, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning credentials: %w", err)
	}
	return &c, nil
}

func scanCredentials(rows *sql.Rows) (*models.Credentials, error) {
	var c models.Credentials
	err := rows.Scan(&c.ID, &c.CustomerID, &c.Type, &c.Username, &c.Password,
		&c.OAuthClientID, &c.OAuthClientSecret, &c.OAuthTenantID, &c.Server,
		&c.AutodiscoverBlob, &c.VideoMeetingsOnly, &c.EnableSync,
		&c.LastFullSyncTS, &c.LastIncrementalSyncTS, &c.LastRoomDiscoveryTS,
		&c.LastSyncError, &c.IsWorking, &c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("scanning credentials row: %w", err)
	}
	return &c, nil
}

// calendarRepo implements CalendarRepository.
type calendarRepo struct {
	db *DB
}

// NewCalendarRepository creates a new CalendarRepository.
func NewCalendarRepository(db *DB) CalendarRepository {
	return &calendarRepo{db: db}
}

// Create inserts a new calendar folder.
func (r *calendarRepo) Create(ctx context.Context, c *models.Calendar) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO calendars (credentials_id, username, folder_id, endpoint_id, is_working)
		 VALUES (?, ?, ?, ?, ?)`,
		c.CredentialsID, c.Username, c.FolderID, c.EndpointID, c.IsWorking,
	)
	if err != nil {
		return fmt.Errorf("inserting calendar: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	c.ID = id
	return nil
}

// ListByCredentials returns all calendar folders for a credentials row.
func (r *calendarRepo) ListByCredentials(ctx context.Context, credentialsID int64) ([]models.Calendar, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, credentials_id, username, folder_id, endpoint_id, is_working, ts_last_sync
		 FROM calendars WHERE credentials_id = ? ORDER BY id`, credentialsID)
	if err != nil {
		return nil, fmt.Errorf("listing calendars: %w", err)
	}
	defer rows.Close()

	var cals []models.Calendar
	for rows.Next() {
		var c models.Calendar
		if err := rows.Scan(&c.ID, &c.CredentialsID, &c.Username, &c.FolderID,
			&c.EndpointID, &c.IsWorking, &c.TSLastSync); err != nil {
			return nil, fmt.Errorf("scanning calendar row: %w", err)
		}
		cals = append(cals, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating calendar rows: %w", err)
	}
	return cals, nil
}

// MarkBroken flags a calendar folder as not working, optionally clearing the
// folder id so the next room discovery can reassign it.
func (r *calendarRepo) MarkBroken(ctx context.Context, id int64, clearFolder bool) error {
	q := `UPDATE calendars SET is_working = 0 WHERE id = ?`
	if clearFolder {
		q = `UPDATE calendars SET is_working = 0, folder_id = '' WHERE id = ?`
	}
	if _, err := r.db.ExecContext(ctx, q, id); err != nil {
		return fmt.Errorf("marking calendar broken: %w", err)
	}
	return nil
}

// SetLastSync records a successful folder sync.
func (r *calendarRepo) SetLastSync(ctx context.Context, id int64, ts time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE calendars SET ts_last_sync = ?, is_working = 1 WHERE id = ?`, ts, id)
	if err != nil {
		return fmt.Errorf("recording calendar sync: %w", err)
	}
	return nil
}

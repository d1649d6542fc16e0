package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mividas/corestat/internal/database/models"
)

// callRepo implements CallRepository.
type callRepo struct {
	db *DB
}

// NewCallRepository creates a new CallRepository.
func NewCallRepository(db *DB) CallRepository {
	return &callRepo{db: db}
}

const callCols = `id, server_id, guid, cospace, cospace_id, correlator_guid,
	ts_start, ts_stop, ts_finalized, tenant, org_unit, leg_count, duration,
	total_duration, cdr_state_info, customer_id`

// Create inserts a new call.
func (r *callRepo) Create(ctx context.Context, c *models.Call) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO calls (server_id, guid, cospace, cospace_id,
		 correlator_guid, ts_start, ts_stop, ts_finalized, tenant, org_unit,
		 leg_count, duration, total_duration, cdr_state_info, customer_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ServerID, c.GUID, c.Cospace, c.CospaceID, c.CorrelatorGUID,
		c.TSStart, c.TSStop, c.TSFinalized, c.Tenant, c.OrgUnit, c.LegCount,
		c.Duration, c.TotalDuration, c.CDRStateInfo, c.CustomerID,
	)
	if err != nil {
		return fmt.Errorf("inserting call: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	c.ID = id
	return nil
}

// GetByID returns a call by ID.
func (r *callRepo) GetByID(ctx context.Context, id int64) (*models.Call, error) {
	return scanCall(r.db.QueryRowContext(ctx,
		`SELECT `+callCols+` FROM calls WHERE id = ?`, id))
}

// GetByGUID returns the call keyed by (server, guid).
func (r *callRepo) GetByGUID(ctx context.Context, serverID int64, guid string) (*models.Call, error) {
	if guid == "" {
		return nil, nil
	}
	return scanCall(r.db.QueryRowContext(ctx,
		`SELECT `+callCols+` FROM calls WHERE server_id = ? AND guid = ?`,
		serverID, guid))
}

// FindByCospace matches a guid-less call by cospace and time window.
func (r *callRepo) FindByCospace(ctx context.Context, serverID int64, cospaceID string, around time.Time, window time.Duration) (*models.Call, error) {
	if cospaceID == "" {
		return nil, nil
	}
	return scanCall(r.db.QueryRowContext(ctx,
		`SELECT `+callCols+` FROM calls
		 WHERE server_id = ? AND cospace_id = ? AND ts_start >= ? AND ts_start <= ?
		 ORDER BY ts_start DESC LIMIT 1`,
		serverID, cospaceID, around.Add(-window), around.Add(window)))
}

// FindByCorrelator returns calls in [from, to] sharing a correlator guid.
func (r *callRepo) FindByCorrelator(ctx context.Context, serverID int64, correlator string, from, to time.Time) ([]models.Call, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+callCols+` FROM calls
		 WHERE server_id = ? AND correlator_guid = ? AND ts_start >= ? AND ts_start <= ?
		 ORDER BY ts_start`, serverID, correlator, from, to)
	if err != nil {
		return nil, fmt.Errorf("finding calls by correlator: %w", err)
	}
	defer rows.Close()
	return scanCalls(rows)
}

// FindPeersByCospace returns calls in [from, to] sharing a cospace id.
func (r *callRepo) FindPeersByCospace(ctx context.Context, serverID int64, cospaceID string, from, to time.Time) ([]models.Call, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+callCols+` FROM calls
		 WHERE server_id = ? AND cospace_id = ? AND ts_start >= ? AND ts_start <= ?
		 ORDER BY ts_start`, serverID, cospaceID, from, to)
	if err != nil {
		return nil, fmt.Errorf("finding calls by cospace: %w", err)
	}
	defer rows.Close()
	return scanCalls(rows)
}

// ListActiveIdleSince returns live calls whose last leg activity is older
// than the idle cutoff.
func (r *callRepo) ListActiveIdleSince(ctx context.Context, serverID int64, idle time.Time) ([]models.Call, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+callCols+` FROM calls c
		 WHERE c.server_id = ? AND c.ts_stop IS NULL
		 AND NOT EXISTS (
		   SELECT 1 FROM legs l WHERE l.call_id = c.id AND (l.ts_stop IS NULL OR l.ts_stop > ?)
		 )`, serverID, idle)
	if err != nil {
		return nil, fmt.Errorf("listing idle calls: %w", err)
	}
	defer rows.Close()
	return scanCalls(rows)
}

// Update modifies an existing call.
func (r *callRepo) Update(ctx context.Context, c *models.Call) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE calls SET guid = ?, cospace = ?, cospace_id = ?,
		 correlator_guid = ?, ts_start = ?, ts_stop = ?, ts_finalized = ?,
		 tenant = ?, org_unit = ?, leg_count = ?, duration = ?,
		 total_duration = ?, cdr_state_info = ?, customer_id = ?
		 WHERE id = ?`,
		c.GUID, c.Cospace, c.CospaceID, c.CorrelatorGUID, c.TSStart,
		c.TSStop, c.TSFinalized, c.Tenant, c.OrgUnit, c.LegCount,
		c.Duration, c.TotalDuration, c.CDRStateInfo, c.CustomerID, c.ID,
	)
	if err != nil {
		return fmt.Errorf("updating call: %w", err)
	}
	return nil
}

// Delete removes a call row. Used after merging a loser into a winner.
func (r *callRepo) Delete(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM calls WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting call: %w", err)
	}
	return nil
}

// ListWindow returns calls that started within [tsStart, tsStop).
func (r *callRepo) ListWindow(ctx context.Context, serverID int64, tsStart, tsStop time.Time) ([]models.Call, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+callCols+` FROM calls
		 WHERE server_id = ? AND ts_start >= ? AND ts_start < ?
		 ORDER BY ts_start`, serverID, tsStart, tsStop)
	if err != nil {
		return nil, fmt.Errorf("listing calls: %w", err)
	}
	defer rows.Close()
	return scanCalls(rows)
}

func scanCall(row *sql.Row) (*models.Call, error) {
	var c models.Call
	err := row.Scan(&c.ID, &c.ServerID, &c.GUID, &c.Cospace, &c.CospaceID,
		&c.CorrelatorGUID, &c.TSStart, &c.TSStop, &c.TSFinalized, &c.Tenant,
		&c.OrgUnit, &c.LegCount, &c.Duration, &c.TotalDuration,
		&c.CDRStateInfo, &c.CustomerID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning call: %w", err)
	}
	return &c, nil
}

func scanCalls(rows *sql.Rows) ([]models.Call, error) {
	var calls []models.Call
	for rows.Next() {
		var c models.Call
		if err := rows.Scan(&c.ID, &c.ServerID, &c.GUID, &c.Cospace,
			&c.CospaceID, &c.CorrelatorGUID, &c.TSStart, &c.TSStop,
			&c.TSFinalized, &c.Tenant, &c.OrgUnit, &c.LegCount, &c.Duration,
			&c.TotalDuration, &c.CDRStateInfo, &c.CustomerID); err != nil {
			return nil, fmt.Errorf("scanning call row: %w", err)
		}
		calls = append(calls, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating call rows: %w", err)
	}
	return calls, nil
}

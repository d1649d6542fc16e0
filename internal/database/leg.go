package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/mividas/corestat/internal/database/models"
)

// legRepo implements LegRepository.
type legRepo struct {
	db *DB
}

// NewLegRepository creates a new LegRepository.
func NewLegRepository(db *DB) LegRepository {
	return &legRepo{db: db}
}

const legCols = `id, server_id, call_id, guid, guid2, conversation_id,
	ts_start, ts_stop, duration, local, remote, target, direction, protocol,
	service_type, role, is_guest, should_count_stats, org_unit, tenant,
	customer_id, packetloss_percent, jitter, bandwidth, rx_pixels, tx_pixels,
	viewer_percent, contributor_percent`

// Create inserts a new leg.
func (r *legRepo) Create(ctx context.Context, l *models.Leg) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO legs (server_id, call_id, guid, guid2, conversation_id,
		 ts_start, ts_stop, duration, local, remote, target, direction,
		 protocol, service_type, role, is_guest, should_count_stats,
		 org_unit, tenant, customer_id, packetloss_percent, jitter,
		 bandwidth, rx_pixels, tx_pixels, viewer_percent, contributor_percent)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ServerID, l.CallID, l.GUID, l.GUID2, l.ConversationID, l.TSStart,
		l.TSStop, l.Duration, l.Local, l.Remote, l.Target, l.Direction,
		l.Protocol, l.ServiceType, l.Role, l.IsGuest, l.ShouldCountStats,
		l.OrgUnit, l.Tenant, l.CustomerID, l.PacketlossPercent, l.Jitter,
		l.Bandwidth, l.RxPixels, l.TxPixels, l.ViewerPercent, l.ContributorPercent,
	)
	if err != nil {
		return fmt.Errorf("inserting leg: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	l.ID = id
	return nil
}

// GetByGUID returns the leg keyed by (server, guid).
func (r *legRepo) GetByGUID(ctx context.Context, serverID int64, guid string) (*models.Leg, error) {
	return scanLeg(r.db.QueryRowContext(ctx,
		`SELECT `+legCols+` FROM legs WHERE server_id = ? AND guid = ?`,
		serverID, guid))
}

// ListByCall returns all legs of a call ordered by start.
func (r *legRepo) ListByCall(ctx context.Context, callID int64) ([]models.Leg, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+legCols+` FROM legs WHERE call_id = ? ORDER BY ts_start, id`, callID)
	if err != nil {
		return nil, fmt.Errorf("listing legs: %w", err)
	}
	defer rows.Close()
	return scanLegs(rows)
}

// ListByConversation returns all legs sharing a conversation id.
func (r *legRepo) ListByConversation(ctx context.Context, serverID int64, conversationID string) ([]models.Leg, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+legCols+` FROM legs
		 WHERE server_id = ? AND conversation_id = ? ORDER BY ts_start, id`,
		serverID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("listing conversation legs: %w", err)
	}
	defer rows.Close()
	return scanLegs(rows)
}

// Update modifies an existing leg.
func (r *legRepo) Update(ctx context.Context, l *models.Leg) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE legs SET call_id = ?, guid2 = ?, conversation_id = ?,
		 ts_start = ?, ts_stop = ?, duration = ?, local = ?, remote = ?,
		 target = ?, direction = ?, protocol = ?, service_type = ?, role = ?,
		 is_guest = ?, should_count_stats = ?, org_unit = ?, tenant = ?,
		 customer_id = ?, packetloss_percent = ?, jitter = ?, bandwidth = ?,
		 rx_pixels = ?, tx_pixels = ?, viewer_percent = ?, contributor_percent = ?
		 WHERE id = ?`,
		l.CallID, l.GUID2, l.ConversationID, l.TSStart, l.TSStop, l.Duration,
		l.Local, l.Remote, l.Target, l.Direction, l.Protocol, l.ServiceType,
		l.Role, l.IsGuest, l.ShouldCountStats, l.OrgUnit, l.Tenant,
		l.CustomerID, l.PacketlossPercent, l.Jitter, l.Bandwidth, l.RxPixels,
		l.TxPixels, l.ViewerPercent, l.ContributorPercent, l.ID,
	)
	if err != nil {
		return fmt.Errorf("updating leg: %w", err)
	}
	return nil
}

// MoveToCall reassigns all legs from one call to another.
func (r *legRepo) MoveToCall(ctx context.Context, fromCallID, toCallID int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE legs SET call_id = ? WHERE call_id = ?`, toCallID, fromCallID)
	if err != nil {
		return fmt.Errorf("moving legs: %w", err)
	}
	return nil
}

// SetShouldCount toggles the stats flag on one leg.
func (r *legRepo) SetShouldCount(ctx context.Context, id int64, v bool) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE legs SET should_count_stats = ? WHERE id = ?`, v, id); err != nil {
		return fmt.Errorf("setting should_count_stats: %w", err)
	}
	return nil
}

// StopMissing sets ts_stop on live legs whose guid is not in the last MCU
// snapshot. Returns the number of legs stopped.
func (r *legRepo) StopMissing(ctx context.Context, serverID int64, liveGUIDs []string, stop time.Time) (int64, error) {
	args := []any{stop, stop, serverID}
	q := `UPDATE legs SET ts_stop = ?,
		 duration = CAST(strftime('%s', ?) - strftime('%s', ts_start) AS INTEGER)
		 WHERE server_id = ? AND ts_stop IS NULL`
	if len(liveGUIDs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(liveGUIDs)), ",")
		q += ` AND guid NOT IN (` + placeholders + `)`
		for _, g := range liveGUIDs {
			args = append(args, g)
		}
	}
	result, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("stopping missing legs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting stopped legs: %w", err)
	}
	return n, nil
}

// ListWindow returns legs that started within [tsStart, tsStop).
func (r *legRepo) ListWindow(ctx context.Context, serverID int64, tsStart, tsStop time.Time) ([]models.Leg, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+legCols+` FROM legs
		 WHERE server_id = ? AND ts_start >= ? AND ts_start < ?
		 ORDER BY ts_start, id`, serverID, tsStart, tsStop)
	if err != nil {
		return nil, fmt.Errorf("listing legs: %w", err)
	}
	defer rows.Close()
	return scanLegs(rows)
}

func scanLeg(row *sql.Row) (*models.Leg, error) {
	var l models.Leg
	err := row.Scan(&l.ID, &l.ServerID, &l.CallID, &l.GUID, &l.GUID2,
		&l.ConversationID, &l.TSStart, &l.TSStop, &l.Duration, &l.Local,
		&l.Remote, &l.Target, &l.Direction, &l.Protocol, &l.ServiceType,
		&l.Role, &l.IsGuest, &l.ShouldCountStats, &l.OrgUnit, &l.Tenant,
		&l.CustomerID, &l.PacketlossPercent, &l.Jitter, &l.Bandwidth,
		&l.RxPixels, &l.TxPixels, &l.ViewerPercent, &l.ContributorPercent)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning leg: %w", err)
	}
	return &l, nil
}

func scanLegs(rows *sql.Rows) ([]models.Leg, error) {
	var legs []models.Leg
	for rows.Next() {
		var l models.Leg
		if err := rows.Scan(&l.ID, &l.ServerID, &l.CallID, &l.GUID, &l.GUID2,
			&l.ConversationID, &l.TSStart, &l.TSStop, &l.Duration, &l.Local,
			&l.Remote, &l.Target, &l.Direction, &l.Protocol, &l.ServiceType,
			&l.Role, &l.IsGuest, &l.ShouldCountStats, &l.OrgUnit, &l.Tenant,
			&l.CustomerID, &l.PacketlossPercent, &l.Jitter, &l.Bandwidth,
			&l.RxPixels, &l.TxPixels, &l.ViewerPercent, &l.ContributorPercent); err != nil {
			return nil, fmt.Errorf("scanning leg row: %w", err)
		}
		legs = append(legs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating leg rows: %w", err)
	}
	return legs, nil
}

// legConversationRepo implements LegConversationRepository.
type legConversationRepo struct {
	db *DB
}

// NewLegConversationRepository creates a new LegConversationRepository.
func NewLegConversationRepository(db *DB) LegConversationRepository {
	return &legConversationRepo{db: db}
}

// GetOrCreate returns the conversation row for a guid, creating it with the
// given first leg when absent. The second return value reports creation.
func (r *legConversationRepo) GetOrCreate(ctx context.Context, serverID int64, guid, firstLegGUID string) (*models.LegConversation, bool, error) {
	var lc models.LegConversation
	err := r.db.QueryRowContext(ctx,
		`SELECT id, server_id, guid, first_leg_guid FROM leg_conversations
		 WHERE server_id = ? AND guid = ?`, serverID, guid).Scan(
		&lc.ID, &lc.ServerID, &lc.GUID, &lc.FirstLegGUID)
	if err == nil {
		return &lc, false, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("scanning leg conversation: %w", err)
	}

	result, err := r.db.ExecContext(ctx,
		`INSERT INTO leg_conversations (server_id, guid, first_leg_guid)
		 VALUES (?, ?, ?)
		 ON CONFLICT (server_id, guid) DO NOTHING`,
		serverID, guid, firstLegGUID)
	if err != nil {
		return nil, false, fmt.Errorf("inserting leg conversation: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		// Lost a create race; reload.
		return r.GetOrCreate(ctx, serverID, guid, firstLegGUID)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, false, fmt.Errorf("getting last insert id: %w", err)
	}
	return &models.LegConversation{
		ID: id, ServerID: serverID, GUID: guid, FirstLegGUID: firstLegGUID,
	}, true, nil
}

// SetFirstLeg moves the stats-bearing pointer to another leg.
func (r *legConversationRepo) SetFirstLeg(ctx context.Context, id int64, firstLegGUID string) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE leg_conversations SET first_leg_guid = ? WHERE id = ?`,
		firstLegGUID, id); err != nil {
		return fmt.Errorf("setting conversation first leg: %w", err)
	}
	return nil
}

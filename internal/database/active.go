package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mividas/corestat/internal/database/models"
)

// activeParticipantRepo implements ActiveParticipantRepository.
type activeParticipantRepo struct {
	db *DB
}

// NewActiveParticipantRepository creates a new ActiveParticipantRepository.
func NewActiveParticipantRepository(db *DB) ActiveParticipantRepository {
	return &activeParticipantRepo{db: db}
}

const activeParticipantCols = `id, cluster_id, customer_id, guid, name, is_gateway, ts_created`

// Create inserts a live participant row.
func (r *activeParticipantRepo) Create(ctx context.Context, p *models.ActiveParticipant) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO active_participants (cluster_id, customer_id, guid, name, is_gateway)
		 VALUES (?, ?, ?, ?, ?)`,
		p.ClusterID, p.CustomerID, p.GUID, p.Name, p.IsGateway,
	)
	if err != nil {
		return fmt.Errorf("inserting active participant: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	p.ID = id
	return nil
}

// GetByGUID returns the row keyed by (cluster, guid).
func (r *activeParticipantRepo) GetByGUID(ctx context.Context, clusterID int64, guid string) (*models.ActiveParticipant, error) {
	var p models.ActiveParticipant
	err := r.db.QueryRowContext(ctx,
		`SELECT `+activeParticipantCols+` FROM active_participants
		 WHERE cluster_id = ? AND guid = ?`, clusterID, guid).Scan(
		&p.ID, &p.ClusterID, &p.CustomerID, &p.GUID, &p.Name, &p.IsGateway, &p.TSCreated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning active participant: %w", err)
	}
	return &p, nil
}

// ListByCluster returns all live participants of a cluster.
func (r *activeParticipantRepo) ListByCluster(ctx context.Context, clusterID int64) ([]models.ActiveParticipant, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+activeParticipantCols+` FROM active_participants
		 WHERE cluster_id = ? ORDER BY id`, clusterID)
	if err != nil {
		return nil, fmt.Errorf("listing active participants: %w", err)
	}
	defer rows.Close()

	var participants []models.ActiveParticipant
	for rows.Next() {
		var p models.ActiveParticipant
		if err := rows.Scan(&p.ID, &p.ClusterID, &p.CustomerID, &p.GUID,
			&p.Name, &p.IsGateway, &p.TSCreated); err != nil {
			return nil, fmt.Errorf("scanning active participant row: %w", err)
		}
		participants = append(participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating active participant rows: %w", err)
	}
	return participants, nil
}

// CountByCustomer counts live participants for one (cluster, customer) key,
// using the null-customer bucket when customerID is nil.
func (r *activeParticipantRepo) CountByCustomer(ctx context.Context, clusterID int64, customerID *int64) (int, int, error) {
	q := `SELECT COUNT(*), COALESCE(SUM(is_gateway), 0) FROM active_participants
		 WHERE cluster_id = ? AND customer_id IS NULL`
	args := []any{clusterID}
	if customerID != nil {
		q = `SELECT COUNT(*), COALESCE(SUM(is_gateway), 0) FROM active_participants
		 WHERE cluster_id = ? AND customer_id = ?`
		args = append(args, *customerID)
	}
	var total, gateway int
	if err := r.db.QueryRowContext(ctx, q, args...).Scan(&total, &gateway); err != nil {
		return 0, 0, fmt.Errorf("counting active participants: %w", err)
	}
	return total, gateway, nil
}

// Delete removes a live participant row.
func (r *activeParticipantRepo) Delete(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM active_participants WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting active participant: %w", err)
	}
	return nil
}

// UpdateCustomer atomically moves the row to another customer.
func (r *activeParticipantRepo) UpdateCustomer(ctx context.Context, id int64, customerID *int64) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE active_participants SET customer_id = ? WHERE id = ?`,
		customerID, id); err != nil {
		return fmt.Errorf("updating active participant customer: %w", err)
	}
	return nil
}

// activeCallRepo implements ActiveCallRepository.
type activeCallRepo struct {
	db *DB
}

// NewActiveCallRepository creates a new ActiveCallRepository.
func NewActiveCallRepository(db *DB) ActiveCallRepository {
	return &activeCallRepo{db: db}
}

// Create inserts a live call row.
func (r *activeCallRepo) Create(ctx context.Context, c *models.ActiveCall) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO active_calls (cluster_id, customer_id, name) VALUES (?, ?, ?)`,
		c.ClusterID, c.CustomerID, c.Name,
	)
	if err != nil {
		return fmt.Errorf("inserting active call: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	c.ID = id
	return nil
}

// GetByName returns the row keyed by (cluster, name).
func (r *activeCallRepo) GetByName(ctx context.Context, clusterID int64, name string) (*models.ActiveCall, error) {
	var c models.ActiveCall
	err := r.db.QueryRowContext(ctx,
		`SELECT id, cluster_id, customer_id, name, ts_created FROM active_calls
		 WHERE cluster_id = ? AND name = ?`, clusterID, name).Scan(
		&c.ID, &c.ClusterID, &c.CustomerID, &c.Name, &c.TSCreated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning active call: %w", err)
	}
	return &c, nil
}

// ListByCluster returns all live calls of a cluster.
func (r *activeCallRepo) ListByCluster(ctx context.Context, clusterID int64) ([]models.ActiveCall, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, cluster_id, customer_id, name, ts_created FROM active_calls
		 WHERE cluster_id = ? ORDER BY id`, clusterID)
	if err != nil {
		return nil, fmt.Errorf("listing active calls: %w", err)
	}
	defer rows.Close()

	var calls []models.ActiveCall
	for rows.Next() {
		var c models.ActiveCall
		if err := rows.Scan(&c.ID, &c.ClusterID, &c.CustomerID, &c.Name, &c.TSCreated); err != nil {
			return nil, fmt.Errorf("scanning active call row: %w", err)
		}
		calls = append(calls, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating active call rows: %w", err)
	}
	return calls, nil
}

// CountByCustomer counts live calls for one (cluster, customer) key.
func (r *activeCallRepo) CountByCustomer(ctx context.Context, clusterID int64, customerID *int64) (int, error) {
	q := `SELECT COUNT(*) FROM active_calls WHERE cluster_id = ? AND customer_id IS NULL`
	args := []any{clusterID}
	if customerID != nil {
		q = `SELECT COUNT(*) FROM active_calls WHERE cluster_id = ? AND customer_id = ?`
		args = append(args, *customerID)
	}
	var count int
	if err := r.db.QueryRowContext(ctx, q, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting active calls: %w", err)
	}
	return count, nil
}

// Delete removes a live call row.
func (r *activeCallRepo) Delete(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM active_calls WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting active call: %w", err)
	}
	return nil
}

// UpdateCustomer atomically moves the row to another customer.
func (r *activeCallRepo) UpdateCustomer(ctx context.Context, id int64, customerID *int64) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE active_calls SET customer_id = ? WHERE id = ?`,
		customerID, id); err != nil {
		return fmt.Errorf("updating active call customer: %w", err)
	}
	return nil
}

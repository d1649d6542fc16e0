package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/mividas/corestat/internal/database/models"
)

// endpointRepo implements EndpointRepository.
type endpointRepo struct {
	db *DB
}

// NewEndpointRepository creates a new EndpointRepository.
func NewEndpointRepository(db *DB) EndpointRepository {
	return &endpointRepo{db: db}
}

const endpointCols = `id, customer_id, title, email_key, sip_aliases, org_unit, supports_teams`

// Create inserts a new endpoint.
func (r *endpointRepo) Create(ctx context.Context, e *models.Endpoint) error {
	if e.SIPAliases == "" {
		e.SIPAliases = "[]"
	}
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO endpoints (customer_id, title, email_key, sip_aliases, org_unit, supports_teams)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.CustomerID, e.Title, e.EmailKey, e.SIPAliases, e.OrgUnit, e.SupportsTeams,
	)
	if err != nil {
		return fmt.Errorf("inserting endpoint: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	e.ID = id
	return nil
}

// GetByID returns an endpoint by ID.
func (r *endpointRepo) GetByID(ctx context.Context, id int64) (*models.Endpoint, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+endpointCols+` FROM endpoints WHERE id = ?`, id))
}

// GetByEmailKey returns the endpoint matching an email local-part.
func (r *endpointRepo) GetByEmailKey(ctx context.Context, key string) (*models.Endpoint, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+endpointCols+` FROM endpoints WHERE email_key = ? COLLATE NOCASE LIMIT 1`, key))
}

// ListByIDs returns the endpoints with the given ids, in id order.
func (r *endpointRepo) ListByIDs(ctx context.Context, ids []int64) ([]models.Endpoint, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+endpointCols+` FROM endpoints WHERE id IN (`+placeholders+`) ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("listing endpoints: %w", err)
	}
	defer rows.Close()

	var endpoints []models.Endpoint
	for rows.Next() {
		var e models.Endpoint
		if err := rows.Scan(&e.ID, &e.CustomerID, &e.Title, &e.EmailKey,
			&e.SIPAliases, &e.OrgUnit, &e.SupportsTeams); err != nil {
			return nil, fmt.Errorf("scanning endpoint row: %w", err)
		}
		endpoints = append(endpoints, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating endpoint rows: %w", err)
	}
	return endpoints, nil
}

func (r *endpointRepo) scanOne(row *sql.Row) (*models.Endpoint, error) {
	var e models.Endpoint
	err := row.Scan(&e.ID, &e.CustomerID, &e.Title, &e.EmailKey,
		&e.SIPAliases, &e.OrgUnit, &e.SupportsTeams)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning endpoint: %w", err)
	}
	return &e, nil
}

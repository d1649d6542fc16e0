package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mividas/corestat/internal/database/models"
)

// clusterRepo implements ClusterRepository.
type clusterRepo struct {
	db *DB
}

// NewClusterRepository creates a new ClusterRepository.
func NewClusterRepository(db *DB) ClusterRepository {
	return &clusterRepo{db: db}
}

const clusterCols = `id, title, brand, nodes, api_username, api_password,
	default_customer_id, secret_key, web_domains, main_domain,
	soft_limit_action, hard_limit_action, created_at`

// Create inserts a new cluster.
func (r *clusterRepo) Create(ctx context.Context, c *models.Cluster) error {
	if c.Nodes == "" {
		c.Nodes = "[]"
	}
	if c.WebDomains == "" {
		c.WebDomains = "[]"
	}
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO clusters (title, brand, nodes, api_username, api_password,
		 default_customer_id, secret_key, web_domains, main_domain,
		 soft_limit_action, hard_limit_action)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Title, c.Brand, c.Nodes, c.APIUsername, c.APIPassword,
		c.DefaultCustomerID, c.SecretKey, c.WebDomains, c.MainDomain,
		c.SoftLimitAction, c.HardLimitAction,
	)
	if err != nil {
		return fmt.Errorf("inserting cluster: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	c.ID = id
	return nil
}

// GetByID returns a cluster by ID.
func (r *clusterRepo) GetByID(ctx context.Context, id int64) (*models.Cluster, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+clusterCols+` FROM clusters WHERE id = ?`, id))
}

// GetBySecretKey looks up the cluster authenticated by a push CDR secret.
func (r *clusterRepo) GetBySecretKey(ctx context.Context, key string) (*models.Cluster, error) {
	if key == "" {
		return nil, nil
	}
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+clusterCols+` FROM clusters WHERE secret_key = ?`, key))
}

// List returns all clusters.
func (r *clusterRepo) List(ctx context.Context) ([]models.Cluster, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+clusterCols+` FROM clusters ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing clusters: %w", err)
	}
	defer rows.Close()

	var clusters []models.Cluster
	for rows.Next() {
		var c models.Cluster
		if err := rows.Scan(&c.ID, &c.Title, &c.Brand, &c.Nodes, &c.APIUsername,
			&c.APIPassword, &c.DefaultCustomerID, &c.SecretKey, &c.WebDomains,
			&c.MainDomain, &c.SoftLimitAction, &c.HardLimitAction, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning cluster row: %w", err)
		}
		clusters = append(clusters, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating cluster rows: %w", err)
	}
	return clusters, nil
}

// Update modifies an existing cluster.
func (r *clusterRepo) Update(ctx context.Context, c *models.Cluster) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE clusters SET title = ?, brand = ?, nodes = ?, api_username = ?,
		 api_password = ?, default_customer_id = ?, secret_key = ?,
		 web_domains = ?, main_domain = ?, soft_limit_action = ?,
		 hard_limit_action = ? WHERE id = ?`,
		c.Title, c.Brand, c.Nodes, c.APIUsername, c.APIPassword,
		c.DefaultCustomerID, c.SecretKey, c.WebDomains, c.MainDomain,
		c.SoftLimitAction, c.HardLimitAction, c.ID,
	)
	if err != nil {
		return fmt.Errorf("updating cluster: %w", err)
	}
	return nil
}

func (r *clusterRepo) scanOne(row *sql.Row) (*models.Cluster, error) {
	var c models.Cluster
	err := row.Scan(&c.ID, &c.Title, &c.Brand, &c.Nodes, &c.APIUsername,
		&c.APIPassword, &c.DefaultCustomerID, &c.SecretKey, &c.WebDomains,
		&c.MainDomain, &c.SoftLimitAction, &c.HardLimitAction, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning cluster: %w", err)
	}
	return &c, nil
}

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mividas/corestat/internal/database/models"
)

// customerRepo implements CustomerRepository.
type customerRepo struct {
	db *DB
}

// NewCustomerRepository creates a new CustomerRepository.
func NewCustomerRepository(db *DB) CustomerRepository {
	return &customerRepo{db: db}
}

const customerCols = `id, title, acano_tenant_id, pexip_tenant_id, domain_keys, created_at, updated_at`

// Create inserts a new customer.
func (r *customerRepo) Create(ctx context.Context, c *models.Customer) error {
	if c.DomainKeys == "" {
		c.DomainKeys = "[]"
	}
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO customers (title, acano_tenant_id, pexip_tenant_id, domain_keys)
		 VALUES (?, ?, ?, ?)`,
		c.Title, c.AcanoTenantID, c.PexipTenantID, c.DomainKeys,
	)
	if err != nil {
		return fmt.Errorf("inserting customer: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	c.ID = id
	return nil
}

// GetByID returns a customer by ID.
func (r *customerRepo) GetByID(ctx context.Context, id int64) (*models.Customer, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+customerCols+` FROM customers WHERE id = ?`, id))
}

// GetByTenantID returns the customer claiming the given tenant id on the
// given MCU brand.
func (r *customerRepo) GetByTenantID(ctx context.Context, brand, tenantID string) (*models.Customer, error) {
	if tenantID == "" {
		return nil, nil
	}
	col := "acano_tenant_id"
	if brand == models.BrandPexip {
		col = "pexip_tenant_id"
	}
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+customerCols+` FROM customers WHERE `+col+` = ? LIMIT 1`, tenantID))
}

// GetByDomainKey returns the customer owning an SMTP domain. Domain keys are
// stored as a JSON array so the match is done in Go.
func (r *customerRepo) GetByDomainKey(ctx context.Context, domain string) (*models.Customer, error) {
	domain = strings.ToLower(domain)
	customers, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range customers {
		var keys []string
		if err := json.Unmarshal([]byte(customers[i].DomainKeys), &keys); err != nil {
			continue
		}
		for _, k := range keys {
			if strings.EqualFold(k, domain) {
				return &customers[i], nil
			}
		}
	}
	return nil, nil
}

// List returns all customers.
func (r *customerRepo) List(ctx context.Context) ([]models.Customer, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+customerCols+` FROM customers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing customers: %w", err)
	}
	defer rows.Close()

	var customers []models.Customer
	for rows.Next() {
		var c models.Customer
		if err := rows.Scan(&c.ID, &c.Title, &c.AcanoTenantID, &c.PexipTenantID,
			&c.DomainKeys, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning customer row: %w", err)
		}
		customers = append(customers, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating customer rows: %w", err)
	}
	return customers, nil
}

// Update modifies an existing customer.
func (r *customerRepo) Update(ctx context.Context, c *models.Customer) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE customers SET title = ?, acano_tenant_id = ?, pexip_tenant_id = ?,
		 domain_keys = ?, updated_at = datetime('now') WHERE id = ?`,
		c.Title, c.AcanoTenantID, c.PexipTenantID, c.DomainKeys, c.ID,
	)
	if err != nil {
		return fmt.Errorf("updating customer: %w", err)
	}
	return nil
}

func (r *customerRepo) scanOne(row *sql.Row) (*models.Customer, error) {
	var c models.Customer
	err := row.Scan(&c.ID, &c.Title, &c.AcanoTenantID, &c.PexipTenantID,
		&c.DomainKeys, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning customer: %w", err)
	}
	return &c, nil
}

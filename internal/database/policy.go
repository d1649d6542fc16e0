package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mividas/corestat/internal/database/models"
)

// policyStateRepo implements PolicyStateRepository.
type policyStateRepo struct {
	db *DB
}

// NewPolicyStateRepository creates a new PolicyStateRepository.
func NewPolicyStateRepository(db *DB) PolicyStateRepository {
	return &policyStateRepo{db: db}
}

const policyStateCols = `id, cluster_id, customer_id, active_calls,
	active_participants, active_participants_gateway, participant_status, updated_at`

// GetOrCreate returns the counter row for (cluster, customer), creating a
// zeroed row when absent. customerID nil addresses the per-cluster
// null-customer bucket.
func (r *policyStateRepo) GetOrCreate(ctx context.Context, clusterID int64, customerID *int64) (*models.CustomerPolicyState, error) {
	s, err := r.get(ctx, clusterID, customerID)
	if err != nil || s != nil {
		return s, err
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO customer_policy_states (cluster_id, customer_id) VALUES (?, ?)`,
		clusterID, customerID)
	if err != nil {
		// Create race: another writer inserted first. Reload below.
		s, gerr := r.get(ctx, clusterID, customerID)
		if gerr == nil && s != nil {
			return s, nil
		}
		return nil, fmt.Errorf("inserting policy state: %w", err)
	}
	return r.get(ctx, clusterID, customerID)
}

func (r *policyStateRepo) get(ctx context.Context, clusterID int64, customerID *int64) (*models.CustomerPolicyState, error) {
	q := `SELECT ` + policyStateCols + ` FROM customer_policy_states
		 WHERE cluster_id = ? AND customer_id IS NULL`
	args := []any{clusterID}
	if customerID != nil {
		q = `SELECT ` + policyStateCols + ` FROM customer_policy_states
		 WHERE cluster_id = ? AND customer_id = ?`
		args = append(args, *customerID)
	}
	var s models.CustomerPolicyState
	err := r.db.QueryRowContext(ctx, q, args...).Scan(&s.ID, &s.ClusterID,
		&s.CustomerID, &s.ActiveCalls, &s.ActiveParticipants,
		&s.ActiveParticipantsGateway, &s.ParticipantStatus, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning policy state: %w", err)
	}
	return &s, nil
}

// ListByCluster returns all counter rows of a cluster.
func (r *policyStateRepo) ListByCluster(ctx context.Context, clusterID int64) ([]models.CustomerPolicyState, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+policyStateCols+` FROM customer_policy_states
		 WHERE cluster_id = ? ORDER BY id`, clusterID)
	if err != nil {
		return nil, fmt.Errorf("listing policy states: %w", err)
	}
	defer rows.Close()

	var states []models.CustomerPolicyState
	for rows.Next() {
		var s models.CustomerPolicyState
		if err := rows.Scan(&s.ID, &s.ClusterID, &s.CustomerID, &s.ActiveCalls,
			&s.ActiveParticipants, &s.ActiveParticipantsGateway,
			&s.ParticipantStatus, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning policy state row: %w", err)
		}
		states = append(states, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating policy state rows: %w", err)
	}
	return states, nil
}

// Save writes the counter row. The live-state manager drops its cached
// copy after a successful save.
func (r *policyStateRepo) Save(ctx context.Context, s *models.CustomerPolicyState) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE customer_policy_states SET active_calls = ?,
		 active_participants = ?, active_participants_gateway = ?,
		 participant_status = ?, updated_at = datetime('now') WHERE id = ?`,
		s.ActiveCalls, s.ActiveParticipants, s.ActiveParticipantsGateway,
		s.ParticipantStatus, s.ID,
	)
	if err != nil {
		return fmt.Errorf("saving policy state: %w", err)
	}
	return nil
}

// customerPolicyRepo implements CustomerPolicyRepository.
type customerPolicyRepo struct {
	db *DB
}

// NewCustomerPolicyRepository creates a new CustomerPolicyRepository.
func NewCustomerPolicyRepository(db *DB) CustomerPolicyRepository {
	return &customerPolicyRepo{db: db}
}

// Create inserts a policy record.
func (r *customerPolicyRepo) Create(ctx context.Context, p *models.CustomerPolicy) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO customer_policies (customer_id, date_start,
		 participant_normal_limit, participant_gateway_limit,
		 participant_hard_limit, soft_limit_action, hard_limit_action)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.CustomerID, p.DateStart.Format("2006-01-02"),
		p.ParticipantNormalLimit, p.ParticipantGatewayLimit,
		p.ParticipantHardLimit, p.SoftLimitAction, p.HardLimitAction,
	)
	if err != nil {
		return fmt.Errorf("inserting customer policy: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	p.ID = id
	return nil
}

// GetActive returns the policy with greatest date_start <= today.
func (r *customerPolicyRepo) GetActive(ctx context.Context, customerID int64, today time.Time) (*models.CustomerPolicy, error) {
	var p models.CustomerPolicy
	var dateStart string
	err := r.db.QueryRowContext(ctx,
		`SELECT id, customer_id, date_start, participant_normal_limit,
		 participant_gateway_limit, participant_hard_limit,
		 soft_limit_action, hard_limit_action
		 FROM customer_policies WHERE customer_id = ? AND date_start <= ?
		 ORDER BY date_start DESC LIMIT 1`,
		customerID, today.Format("2006-01-02")).Scan(
		&p.ID, &p.CustomerID, &dateStart, &p.ParticipantNormalLimit,
		&p.ParticipantGatewayLimit, &p.ParticipantHardLimit,
		&p.SoftLimitAction, &p.HardLimitAction)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning customer policy: %w", err)
	}
	if t, perr := time.Parse("2006-01-02", dateStart); perr == nil {
		p.DateStart = t
	}
	return &p, nil
}

// matchRuleRepo implements MatchRuleRepository.
type matchRuleRepo struct {
	db *DB
}

// NewMatchRuleRepository creates a new MatchRuleRepository.
func NewMatchRuleRepository(db *DB) MatchRuleRepository {
	return &matchRuleRepo{db: db}
}

// Create inserts a match rule.
func (r *matchRuleRepo) Create(ctx context.Context, rule *models.CustomerMatchRule) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO customer_match_rules (cluster_id, customer_id, priority, pattern)
		 VALUES (?, ?, ?, ?)`,
		rule.ClusterID, rule.CustomerID, rule.Priority, rule.Pattern,
	)
	if err != nil {
		return fmt.Errorf("inserting match rule: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	rule.ID = id
	return nil
}

// ListByCluster returns the rules of a cluster in priority order.
func (r *matchRuleRepo) ListByCluster(ctx context.Context, clusterID int64) ([]models.CustomerMatchRule, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, cluster_id, customer_id, priority, pattern
		 FROM customer_match_rules WHERE cluster_id = ?
		 ORDER BY priority, id`, clusterID)
	if err != nil {
		return nil, fmt.Errorf("listing match rules: %w", err)
	}
	defer rows.Close()

	var rules []models.CustomerMatchRule
	for rows.Next() {
		var rule models.CustomerMatchRule
		if err := rows.Scan(&rule.ID, &rule.ClusterID, &rule.CustomerID,
			&rule.Priority, &rule.Pattern); err != nil {
			return nil, fmt.Errorf("scanning match rule row: %w", err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating match rule rows: %w", err)
	}
	return rules, nil
}

// policyLogRepo implements PolicyLogRepository.
type policyLogRepo struct {
	db *DB
}

// NewPolicyLogRepository creates a new PolicyLogRepository.
func NewPolicyLogRepository(db *DB) PolicyLogRepository {
	return &policyLogRepo{db: db}
}

// Append records a policy decision.
func (r *policyLogRepo) Append(ctx context.Context, e *models.ExternalPolicyLog) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO external_policy_log (cluster_id, customer_id, conference,
		 local_alias, remote_alias, "limit", action)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ClusterID, e.CustomerID, e.Conference, e.LocalAlias, e.RemoteAlias,
		e.Limit, e.Action,
	)
	if err != nil {
		return fmt.Errorf("appending policy log: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	e.ID = id
	return nil
}

// ListRecent returns the newest decisions for a cluster.
func (r *policyLogRepo) ListRecent(ctx context.Context, clusterID int64, limit int) ([]models.ExternalPolicyLog, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, cluster_id, customer_id, conference, local_alias,
		 remote_alias, "limit", action, ts_created
		 FROM external_policy_log WHERE cluster_id = ?
		 ORDER BY id DESC LIMIT ?`, clusterID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing policy log: %w", err)
	}
	defer rows.Close()

	var entries []models.ExternalPolicyLog
	for rows.Next() {
		var e models.ExternalPolicyLog
		if err := rows.Scan(&e.ID, &e.ClusterID, &e.CustomerID, &e.Conference,
			&e.LocalAlias, &e.RemoteAlias, &e.Limit, &e.Action, &e.TSCreated); err != nil {
			return nil, fmt.Errorf("scanning policy log row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating policy log rows: %w", err)
	}
	return entries, nil
}

// invalidCallStatsRepo implements InvalidCallStatsRepository.
type invalidCallStatsRepo struct {
	db *DB
}

// NewInvalidCallStatsRepository creates a new InvalidCallStatsRepository.
func NewInvalidCallStatsRepository(db *DB) InvalidCallStatsRepository {
	return &invalidCallStatsRepo{db: db}
}

// Increment adds to the per-day spam counters.
func (r *invalidCallStatsRepo) Increment(ctx context.Context, clusterID int64, day string, unknownDestination, shortCall int) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO invalid_call_stats (cluster_id, day, unknown_destination, short_call)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (cluster_id, day) DO UPDATE SET
		 unknown_destination = unknown_destination + excluded.unknown_destination,
		 short_call = short_call + excluded.short_call`,
		clusterID, day, unknownDestination, shortCall,
	)
	if err != nil {
		return fmt.Errorf("incrementing invalid call stats: %w", err)
	}
	return nil
}

// Get returns the counters for one day.
func (r *invalidCallStatsRepo) Get(ctx context.Context, clusterID int64, day string) (*models.InvalidCallStats, error) {
	var s models.InvalidCallStats
	err := r.db.QueryRowContext(ctx,
		`SELECT id, cluster_id, day, unknown_destination, short_call
		 FROM invalid_call_stats WHERE cluster_id = ? AND day = ?`,
		clusterID, day).Scan(&s.ID, &s.ClusterID, &s.Day,
		&s.UnknownDestination, &s.ShortCall)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning invalid call stats: %w", err)
	}
	return &s, nil
}

// Totals returns lifetime counters for a cluster.
func (r *invalidCallStatsRepo) Totals(ctx context.Context, clusterID int64) (int64, int64, error) {
	var unknown, short int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(unknown_destination), 0), COALESCE(SUM(short_call), 0)
		 FROM invalid_call_stats WHERE cluster_id = ?`, clusterID).Scan(&unknown, &short)
	if err != nil {
		return 0, 0, fmt.Errorf("totalling invalid call stats: %w", err)
	}
	return unknown, short, nil
}

package database

import (
	"context"
	"fmt"

	"github.com/mividas/corestat/internal/database/models"
)

// rawLogRepo implements RawLogRepository.
type rawLogRepo struct {
	db *DB
}

// NewRawLogRepository creates a new RawLogRepository.
func NewRawLogRepository(db *DB) RawLogRepository {
	return &rawLogRepo{db: db}
}

// Append stores one compressed payload.
func (r *rawLogRepo) Append(ctx context.Context, e *models.RawLogEntry) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO raw_logs (store, cluster_id, event_id, uuid_start, body)
		 VALUES (?, ?, ?, ?, ?)`,
		e.Store, e.ClusterID, e.EventID, e.UUIDStart, e.Body,
	)
	if err != nil {
		return fmt.Errorf("appending raw log: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	e.ID = id
	return nil
}

// FindByEventID returns payloads matching a first-36-char event id.
func (r *rawLogRepo) FindByEventID(ctx context.Context, store, eventID string) ([]models.RawLogEntry, error) {
	if len(eventID) > 36 {
		eventID = eventID[:36]
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, store, cluster_id, event_id, ts_created, uuid_start, body
		 FROM raw_logs WHERE store = ? AND event_id = ? ORDER BY ts_created`,
		store, eventID)
	if err != nil {
		return nil, fmt.Errorf("finding raw logs: %w", err)
	}
	defer rows.Close()

	var entries []models.RawLogEntry
	for rows.Next() {
		var e models.RawLogEntry
		if err := rows.Scan(&e.ID, &e.Store, &e.ClusterID, &e.EventID,
			&e.TSCreated, &e.UUIDStart, &e.Body); err != nil {
			return nil, fmt.Errorf("scanning raw log row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating raw log rows: %w", err)
	}
	return entries, nil
}

// Package rawlog stores raw inbound payloads gzip-compressed in
// append-only per-source stores, for debug lookup by event id.
package rawlog

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/mividas/corestat/internal/database"
	"github.com/mividas/corestat/internal/database/models"
)

// Store names.
const (
	StoreAcanoCDR     = "acano_cdr"
	StorePexipEvents  = "pexip_eventsink"
	StorePexipPolicy  = "pexip_policy"
	StorePexipHistory = "pexip_history"
	StoreEmail        = "email"
)

// eventIDLen is how much of an event id is kept for lookup.
const eventIDLen = 36

// Log writes and reads the compressed payload stores.
type Log struct {
	repo    database.RawLogRepository
	logger  *slog.Logger
	nowFunc func() time.Time
}

// New creates a Log.
func New(repo database.RawLogRepository, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		repo:    repo,
		logger:  logger.With("component", "rawlog"),
		nowFunc: time.Now,
	}
}

// Append compresses and stores one payload. The eventID is truncated to
// its first 36 characters; pass "" when the payload has no usable id.
func (l *Log) Append(ctx context.Context, store string, clusterID *int64, eventID string, body []byte) error {
	if len(eventID) > eventIDLen {
		eventID = eventID[:eventIDLen]
	}
	compressed, err := compress(body)
	if err != nil {
		return fmt.Errorf("compressing %s payload: %w", store, err)
	}
	entry := &models.RawLogEntry{
		Store:     store,
		ClusterID: clusterID,
		EventID:   eventID,
		TSCreated: l.nowFunc().UTC(),
		UUIDStart: uuid.NewString(),
		Body:      compressed,
	}
	if err := l.repo.Append(ctx, entry); err != nil {
		return err
	}
	return nil
}

// Find returns the decompressed payloads recorded for an event id.
func (l *Log) Find(ctx context.Context, store, eventID string) ([][]byte, error) {
	entries, err := l.repo.FindByEventID(ctx, store, eventID)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(entries))
	for _, e := range entries {
		body, err := decompress(e.Body)
		if err != nil {
			return nil, fmt.Errorf("decompressing raw log %d: %w", e.ID, err)
		}
		out = append(out, body)
	}
	return out, nil
}

// SpamLog adapts one store of the Log to the decoders' spam sink.
type SpamLog struct {
	log   *Log
	store string
}

// NewSpamLog creates a SpamLog writing to the given store.
func NewSpamLog(log *Log, store string) *SpamLog {
	return &SpamLog{log: log, store: store}
}

// Append records one spam batch.
func (s *SpamLog) Append(ctx context.Context, clusterID int64, body []byte) error {
	return s.log.Append(ctx, s.store, &clusterID, "", body)
}

func compress(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(body []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

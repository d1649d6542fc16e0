package rawlog

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/mividas/corestat/internal/database/models"
)

type memRawLogs struct {
	seq  int64
	rows []models.RawLogEntry
}

func (m *memRawLogs) Append(ctx context.Context, e *models.RawLogEntry) error {
	m.seq++
	e.ID = m.seq
	m.rows = append(m.rows, *e)
	return nil
}

func (m *memRawLogs) FindByEventID(ctx context.Context, store, eventID string) ([]models.RawLogEntry, error) {
	if len(eventID) > eventIDLen {
		eventID = eventID[:eventIDLen]
	}
	var out []models.RawLogEntry
	for _, e := range m.rows {
		if e.Store == store && e.EventID == eventID {
			out = append(out, e)
		}
	}
	return out, nil
}

func TestAppendCompressesAndFindsByEventID(t *testing.T) {
	repo := &memRawLogs{}
	l := New(repo, nil)
	l.nowFunc = func() time.Time { return time.Date(2026, 9, 15, 10, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	body := []byte(strings.Repeat(`{"event":"participant_connected"}`, 50))
	cluster := int64(2)
	longID := strings.Repeat("a", 40)
	if err := l.Append(ctx, StorePexipEvents, &cluster, longID, body); err != nil {
		t.Fatalf("Append: %v", err)
	}

	stored := repo.rows[0]
	if len(stored.Body) >= len(body) {
		t.Errorf("stored body %d bytes, want smaller than %d", len(stored.Body), len(body))
	}
	if len(stored.EventID) != eventIDLen {
		t.Errorf("event id length = %d, want %d", len(stored.EventID), eventIDLen)
	}
	if stored.UUIDStart == "" {
		t.Error("uuid_start not set")
	}

	got, err := l.Find(ctx, StorePexipEvents, longID)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(got) != 1 || !bytes.Equal(got[0], body) {
		t.Fatalf("Find returned %d entries, round trip failed", len(got))
	}
}

func TestFindUnknownEventID(t *testing.T) {
	l := New(&memRawLogs{}, nil)
	got, err := l.Find(context.Background(), StoreAcanoCDR, "missing")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d entries, want 0", len(got))
	}
}

func TestSpamLogWritesToStore(t *testing.T) {
	repo := &memRawLogs{}
	l := New(repo, nil)
	s := NewSpamLog(l, StoreAcanoCDR)

	if err := s.Append(context.Background(), 1, []byte("<records/>")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if len(repo.rows) != 1 || repo.rows[0].Store != StoreAcanoCDR {
		t.Fatalf("rows = %+v", repo.rows)
	}
	if repo.rows[0].ClusterID == nil || *repo.rows[0].ClusterID != 1 {
		t.Error("cluster id not recorded")
	}
}

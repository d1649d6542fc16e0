package cdr

import (
	"context"
	"testing"
	"time"
)

func TestImportHistoryParticipantAliases(t *testing.T) {
	env := testPexip(t)
	ctx := context.Background()

	batch := HistoryBatch{
		Cols: []string{"id", "conference", "remote_alias", "protocol", "service_tag", "start_time", "end_time"},
		Rows: [][]any{
			{"h-1", "daily", "alice@corp.example.org", "sip", "t=tenant-7", "2026-08-01T10:00:00Z", "2026-08-01T10:30:00Z"},
		},
	}
	res, err := env.dec.ImportHistory(ctx, env.cluster, HistoryParticipant, batch)
	if err != nil {
		t.Fatalf("ImportHistory: %v", err)
	}
	if res.Applied != 1 || res.Failed != 0 {
		t.Fatalf("result = %+v", res)
	}

	leg, err := env.legs.GetByGUID(ctx, env.cluster.ID, "h-1")
	if err != nil || leg == nil {
		t.Fatalf("imported leg missing: %v", err)
	}
	if !leg.TSStart.Equal(time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("ts_start = %v", leg.TSStart)
	}
	if leg.TSStop == nil || !leg.TSStop.Equal(time.Date(2026, 8, 1, 10, 30, 0, 0, time.UTC)) {
		t.Errorf("ts_stop = %v", leg.TSStop)
	}
	if leg.Tenant != "tenant-7" {
		t.Errorf("tenant = %q", leg.Tenant)
	}
	// Imported history is old; live counters must not move.
	if len(env.live.participants) != 0 {
		t.Errorf("live changes = %d, want 0", len(env.live.participants))
	}
}

func TestImportHistoryUnixTimestamps(t *testing.T) {
	env := testPexip(t)
	ctx := context.Background()

	batch := HistoryBatch{
		Cols: []string{"id", "start_time", "end_time"},
		Rows: [][]any{{"h-conf", float64(1754042400), float64(1754044200)}},
	}
	res, err := env.dec.ImportHistory(ctx, env.cluster, HistoryConference, batch)
	if err != nil {
		t.Fatalf("ImportHistory: %v", err)
	}
	if res.Applied != 1 {
		t.Fatalf("result = %+v", res)
	}
	call, err := env.calls.GetByGUID(ctx, env.cluster.ID, "h-conf")
	if err != nil || call == nil {
		t.Fatalf("imported call missing: %v", err)
	}
	if call.TSStart.Unix() != 1754042400 {
		t.Errorf("ts_start = %v", call.TSStart)
	}
}

func TestImportHistoryBadRowsAreCounted(t *testing.T) {
	env := testPexip(t)
	ctx := context.Background()

	batch := HistoryBatch{
		Cols: []string{"id", "start_time"},
		Rows: [][]any{
			{"short-row"},
			{"h-ok", "2026-08-01T10:00:00Z"},
			{"h-bad", "not-a-time"},
		},
	}
	res, err := env.dec.ImportHistory(ctx, env.cluster, HistoryParticipant, batch)
	if err != nil {
		t.Fatalf("ImportHistory: %v", err)
	}
	if res.Applied != 1 || res.Failed != 2 {
		t.Fatalf("result = %+v", res)
	}
}

func TestImportHistoryUnknownKind(t *testing.T) {
	env := testPexip(t)
	if _, err := env.dec.ImportHistory(context.Background(), env.cluster, "bogus", HistoryBatch{}); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

package cdr

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mividas/corestat/internal/database/models"
)

// History import kinds.
const (
	HistoryParticipant = "participant"
	HistoryConference  = "conference"
)

// HistoryBatch is a column/row table of Brand B history records, decoded
// either from the {cols, rows} JSON body or from raw CSV.
type HistoryBatch struct {
	Cols []string `json:"cols"`
	Rows [][]any  `json:"rows"`
}

// HistoryResult summarizes one imported batch.
type HistoryResult struct {
	Applied int
	Failed  int
}

// historyKeyAliases maps history API column names onto the event-sink
// field names the decoder already understands.
var historyKeyAliases = map[string]map[string]string{
	HistoryParticipant: {
		"id":          "uuid",
		"service_tag": "tag",
		"start_time":  "connect_time",
		"end_time":    "disconnect_time",
	},
	HistoryConference: {
		"id":          "guid",
		"service_tag": "tag",
	},
}

// historyTimeKeys are coerced from ISO datetimes or numeric strings into
// unix-second floats before decoding.
var historyTimeKeys = map[string]bool{
	"start_time": true, "end_time": true,
	"connect_time": true, "disconnect_time": true,
}

var historyNumberKeys = map[string]bool{
	"duration": true, "bandwidth": true,
}

// ImportHistory replays a batch of history records through the regular
// event handlers. Records are far older than the live-event cutoff, so
// the replay fills the statistics store without touching live counters.
// A failed row is counted and skipped; the batch keeps going.
func (d *PexipDecoder) ImportHistory(ctx context.Context, cluster *models.Cluster, kind string, batch HistoryBatch) (HistoryResult, error) {
	aliases, ok := historyKeyAliases[kind]
	if !ok {
		return HistoryResult{}, fmt.Errorf("unknown history kind %q", kind)
	}

	res := HistoryResult{}
	for i, row := range batch.Rows {
		rec, err := historyRecord(batch.Cols, row, aliases)
		if err != nil {
			d.logger.Warn("skipping history row", "cluster", cluster.ID,
				"kind", kind, "row", i, "error", err)
			res.Failed++
			continue
		}
		if err := d.applyHistory(ctx, cluster, kind, rec); err != nil {
			d.logger.Warn("skipping history row", "cluster", cluster.ID,
				"kind", kind, "row", i, "error", err)
			res.Failed++
			continue
		}
		res.Applied++
	}
	return res, nil
}

func (d *PexipDecoder) applyHistory(ctx context.Context, cluster *models.Cluster, kind string, rec map[string]any) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding history record: %w", err)
	}

	switch kind {
	case HistoryConference:
		var conf pexipConference
		if err := json.Unmarshal(data, &conf); err != nil {
			return fmt.Errorf("decoding conference record: %w", err)
		}
		start := unixTime(conf.StartTime)
		if err := d.handleConference(ctx, cluster, "conference_started", &conf, start); err != nil {
			return err
		}
		if conf.EndTime > 0 {
			return d.handleConference(ctx, cluster, "conference_ended", &conf, unixTime(conf.EndTime))
		}
		return nil
	case HistoryParticipant:
		var part pexipParticipant
		if err := json.Unmarshal(data, &part); err != nil {
			return fmt.Errorf("decoding participant record: %w", err)
		}
		start := unixTime(part.ConnectTime)
		if err := d.handleParticipant(ctx, cluster, "participant_connected", &part, start); err != nil {
			return err
		}
		if part.DisconnectTime > 0 {
			return d.handleParticipant(ctx, cluster, "participant_disconnected", &part, unixTime(part.DisconnectTime))
		}
		return nil
	}
	return fmt.Errorf("unknown history kind %q", kind)
}

// historyRecord builds one aliased, type-coerced record from a cols/rows
// pair.
func historyRecord(cols []string, row []any, aliases map[string]string) (map[string]any, error) {
	if len(row) != len(cols) {
		return nil, fmt.Errorf("row has %d values, header has %d columns", len(row), len(cols))
	}
	rec := make(map[string]any, len(cols))
	for i, col := range cols {
		key := col
		if alias, ok := aliases[col]; ok {
			key = alias
		}
		val := row[i]
		switch {
		case historyTimeKeys[col] || historyTimeKeys[key]:
			ts, err := coerceUnix(val)
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", col, err)
			}
			val = ts
		case historyNumberKeys[col]:
			if s, ok := val.(string); ok && s != "" {
				n, err := strconv.ParseFloat(s, 64)
				if err != nil {
					return nil, fmt.Errorf("column %s: %w", col, err)
				}
				val = n
			}
		}
		rec[key] = val
	}
	return rec, nil
}

// coerceUnix accepts unix-second floats, numeric strings and ISO
// datetimes, returning unix seconds. Empty values become zero.
func coerceUnix(v any) (float64, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return t, nil
	case string:
		if t == "" {
			return 0, nil
		}
		if n, err := strconv.ParseFloat(t, 64); err == nil {
			return n, nil
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
			if ts, err := time.Parse(layout, t); err == nil {
				return float64(ts.UnixNano()) / 1e9, nil
			}
		}
		return 0, fmt.Errorf("unparseable timestamp %q", t)
	default:
		return 0, fmt.Errorf("unexpected timestamp type %T", v)
	}
}

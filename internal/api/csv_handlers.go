package api

import (
	"context"
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mividas/corestat/internal/database/models"
	"github.com/mividas/corestat/internal/stats"
)

// CSV entity kinds.
const (
	exportCall = "call"
	exportLeg  = "leg"
)

// Canonical column sets. Import requires the header to be a subset of
// these; export always writes the full set.
var (
	callColumns = []string{
		"guid", "cospace", "cospace_id", "correlator_guid",
		"ts_start", "ts_stop", "duration", "total_duration",
		"leg_count", "tenant", "org_unit",
	}
	legColumns = []string{
		"guid", "call_guid", "conversation_id",
		"ts_start", "ts_stop", "duration",
		"local", "remote", "target", "direction",
		"protocol", "service_type", "role",
		"is_guest", "should_count_stats", "tenant", "org_unit",
	}
)

// handleCSVImport ingests canonical CSV rows. The import is strict: a
// row that fails validation or collides with an existing (server, guid)
// is reported and skipped, and the batch keeps going. Progress streams
// back one line per failed row plus a summary.
func (s *Server) handleCSVImport(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cluster := s.cluster(w, r)
		if cluster == nil {
			return
		}

		reader := csv.NewReader(http.MaxBytesReader(w, r.Body, maxCDRBody))
		reader.FieldsPerRecord = -1
		header, err := reader.Read()
		if err != nil {
			writeError(w, http.StatusBadRequest, "missing csv header")
			return
		}
		idx, err := columnIndex(header, kind)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)

		applied, failed, line := 0, 0, 1
		for {
			row, err := reader.Read()
			if err != nil {
				break
			}
			line++
			if err := s.importRow(r.Context(), cluster, kind, idx, row); err != nil {
				failed++
				fmt.Fprintf(w, "row %d: %v\n", line, err)
				if flusher != nil {
					flusher.Flush()
				}
				continue
			}
			applied++
		}
		fmt.Fprintf(w, "imported %d rows, %d failed\n", applied, failed)
	}
}

// columnIndex maps a header row onto canonical column positions.
func columnIndex(header []string, kind string) (map[string]int, error) {
	canonical := callColumns
	if kind == exportLeg {
		canonical = legColumns
	}
	allowed := make(map[string]bool, len(canonical))
	for _, c := range canonical {
		allowed[c] = true
	}
	idx := make(map[string]int, len(header))
	for i, col := range header {
		col = strings.TrimSpace(strings.ToLower(col))
		if !allowed[col] {
			return nil, fmt.Errorf("unknown column %q", col)
		}
		idx[col] = i
	}
	if _, ok := idx["guid"]; !ok {
		return nil, fmt.Errorf("header is missing guid")
	}
	if _, ok := idx["ts_start"]; !ok {
		return nil, fmt.Errorf("header is missing ts_start")
	}
	return idx, nil
}

func (s *Server) importRow(ctx context.Context, cluster *models.Cluster, kind string, idx map[string]int, row []string) error {
	field := func(name string) string {
		i, ok := idx[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	guid := field("guid")
	if guid == "" {
		return fmt.Errorf("empty guid")
	}
	tsStart, err := parseTimestamp(field("ts_start"))
	if err != nil {
		return fmt.Errorf("ts_start: %w", err)
	}
	var tsStop *time.Time
	if v := field("ts_stop"); v != "" {
		ts, err := parseTimestamp(v)
		if err != nil {
			return fmt.Errorf("ts_stop: %w", err)
		}
		tsStop = &ts
	}

	tenant := field("tenant")
	customerID, err := s.deps.Resolver.Resolve(ctx, cluster, stats.LegContext{
		Tenant:      tenant,
		LocalAlias:  field("local"),
		RemoteAlias: field("remote"),
	})
	if err != nil {
		return err
	}

	switch kind {
	case exportCall:
		existing, err := s.deps.Calls.GetByGUID(ctx, cluster.ID, guid)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("call %s already exists", guid)
		}
		call := &models.Call{
			ServerID:       cluster.ID,
			GUID:           guid,
			Cospace:        field("cospace"),
			CospaceID:      field("cospace_id"),
			CorrelatorGUID: field("correlator_guid"),
			TSStart:        tsStart,
			TSStop:         tsStop,
			Tenant:         tenant,
			OrgUnit:        field("org_unit"),
			CustomerID:     customerID,
		}
		if n, err := strconv.Atoi(field("leg_count")); err == nil {
			call.LegCount = n
		}
		if n, err := strconv.Atoi(field("duration")); err == nil {
			call.Duration = &n
		}
		if n, err := strconv.Atoi(field("total_duration")); err == nil {
			call.TotalDuration = n
		}
		return s.deps.Calls.Create(ctx, call)
	case exportLeg:
		existing, err := s.deps.Legs.GetByGUID(ctx, cluster.ID, guid)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("leg %s already exists", guid)
		}
		leg := &models.Leg{
			ServerID:       cluster.ID,
			GUID:           guid,
			ConversationID: field("conversation_id"),
			TSStart:        tsStart,
			TSStop:         tsStop,
			Local:          field("local"),
			Remote:         field("remote"),
			Target:         field("target"),
			Direction:      field("direction"),
			Protocol:       field("protocol"),
			ServiceType:    field("service_type"),
			Role:           field("role"),
			Tenant:         tenant,
			OrgUnit:        field("org_unit"),
			CustomerID:     customerID,
		}
		if leg.Target == "" && leg.Remote != "" {
			leg.Target = s.deps.Store.NormalizeTarget(leg.Remote)
		}
		leg.IsGuest = parseBool(field("is_guest"))
		leg.ShouldCountStats = parseBool(field("should_count_stats"))
		if n, err := strconv.Atoi(field("duration")); err == nil {
			leg.Duration = &n
		}
		if callGUID := field("call_guid"); callGUID != "" {
			call, err := s.deps.Calls.GetByGUID(ctx, cluster.ID, callGUID)
			if err != nil {
				return err
			}
			if call != nil {
				leg.CallID = &call.ID
			}
		}
		return s.deps.Legs.Create(ctx, leg)
	}
	return fmt.Errorf("unknown import kind %q", kind)
}

// handleCSVExport streams all rows inside a time window as canonical CSV.
func (s *Server) handleCSVExport(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cluster := s.cluster(w, r)
		if cluster == nil {
			return
		}
		tsStart, err := parseTimestamp(r.URL.Query().Get("ts_start"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "ts_start: "+err.Error())
			return
		}
		tsStop, err := parseTimestamp(r.URL.Query().Get("ts_stop"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "ts_stop: "+err.Error())
			return
		}

		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		if r.URL.Query().Get("export") == "1" {
			w.Header().Set("Content-Disposition",
				fmt.Sprintf("attachment; filename=%s_%s.csv", kind, tsStart.Format("20060102")))
		}
		cw := csv.NewWriter(w)

		switch kind {
		case exportCall:
			calls, err := s.deps.Calls.ListWindow(r.Context(), cluster.ID, tsStart, tsStop)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "listing calls")
				return
			}
			cw.Write(callColumns)
			for _, c := range calls {
				cw.Write([]string{
					c.GUID, c.Cospace, c.CospaceID, c.CorrelatorGUID,
					formatTimestamp(&c.TSStart), formatTimestamp(c.TSStop),
					formatIntPtr(c.Duration), strconv.Itoa(c.TotalDuration),
					strconv.Itoa(c.LegCount), c.Tenant, c.OrgUnit,
				})
			}
		case exportLeg:
			legs, err := s.deps.Legs.ListWindow(r.Context(), cluster.ID, tsStart, tsStop)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "listing legs")
				return
			}
			callGUIDs := make(map[int64]string)
			cw.Write(legColumns)
			for _, l := range legs {
				callGUID := ""
				if l.CallID != nil {
					var ok bool
					if callGUID, ok = callGUIDs[*l.CallID]; !ok {
						if call, err := s.deps.Calls.GetByID(r.Context(), *l.CallID); err == nil && call != nil {
							callGUID = call.GUID
						}
						callGUIDs[*l.CallID] = callGUID
					}
				}
				cw.Write([]string{
					l.GUID, callGUID, l.ConversationID,
					formatTimestamp(&l.TSStart), formatTimestamp(l.TSStop),
					formatIntPtr(l.Duration),
					l.Local, l.Remote, l.Target, l.Direction,
					l.Protocol, l.ServiceType, l.Role,
					strconv.FormatBool(l.IsGuest), strconv.FormatBool(l.ShouldCountStats),
					l.Tenant, l.OrgUnit,
				})
			}
		}
		cw.Flush()
	}
}

// parseTimestamp accepts RFC 3339 or unix seconds.
func parseTimestamp(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, fmt.Errorf("missing timestamp")
	}
	if ts, err := time.Parse(time.RFC3339, v); err == nil {
		return ts.UTC(), nil
	}
	if sec, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(sec, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", v)
}

func formatTimestamp(ts *time.Time) string {
	if ts == nil {
		return ""
	}
	return ts.UTC().Format(time.RFC3339)
}

func formatIntPtr(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

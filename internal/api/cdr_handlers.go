package api

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/mividas/corestat/internal/cdr"
	"github.com/mividas/corestat/internal/queue"
	"github.com/mividas/corestat/internal/rawlog"
)

// maxCDRBody caps one pushed batch.
const maxCDRBody = 16 << 20

// handleAcanoCDR ingests a Brand A XML batch pushed by a call bridge.
func (s *Server) handleAcanoCDR(w http.ResponseWriter, r *http.Request) {
	cluster := s.cluster(w, r)
	if cluster == nil {
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCDRBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading body")
		return
	}

	var hdr struct {
		Session string `xml:"session,attr"`
	}
	if err := xml.Unmarshal(body, &hdr); err != nil {
		writeError(w, http.StatusBadRequest, "malformed xml")
		return
	}
	s.logRaw(r.Context(), rawlog.StoreAcanoCDR, cluster.ID, hdr.Session, body)

	sourceIP := remoteIP(r)
	task := queue.Task{
		Name: "acano_cdr",
		Run: func(ctx context.Context) error {
			_, err := s.deps.Acano.HandleRecords(ctx, cluster, sourceIP, body)
			return err
		},
	}
	s.dispatch(w, r, task, false)
}

// pexipFinalizeEvents are scheduled with a short delay so a racing start
// event for the same row lands first.
var pexipFinalizeEvents = map[string]bool{
	"participant_disconnected": true,
	"conference_ended":         true,
}

// handlePexipEvent ingests one Brand B event-sink envelope.
func (s *Server) handlePexipEvent(w http.ResponseWriter, r *http.Request) {
	cluster := s.cluster(w, r)
	if cluster == nil {
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCDRBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading body")
		return
	}

	var envelope struct {
		Event string `json:"event"`
		Data  struct {
			UUID   string `json:"uuid"`
			CallID string `json:"call_id"`
			GUID   string `json:"guid"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		writeError(w, http.StatusBadRequest, "malformed event")
		return
	}
	eventID := envelope.Data.UUID
	if eventID == "" {
		eventID = envelope.Data.CallID
	}
	if eventID == "" {
		eventID = envelope.Data.GUID
	}
	s.logRaw(r.Context(), rawlog.StorePexipEvents, cluster.ID, eventID, body)

	task := queue.Task{
		Name: "pexip_event",
		Run: func(ctx context.Context) error {
			return s.deps.Pexip.HandleEvent(ctx, cluster, body)
		},
	}
	s.dispatch(w, r, task, pexipFinalizeEvents[envelope.Event])
}

// handlePexipHistory imports bulk Brand B history records, either as a
// {cols, rows} JSON table or as raw CSV.
func (s *Server) handlePexipHistory(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cluster := s.cluster(w, r)
		if cluster == nil {
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCDRBody))
		if err != nil {
			writeError(w, http.StatusBadRequest, "reading body")
			return
		}
		s.logRaw(r.Context(), rawlog.StorePexipHistory, cluster.ID, "", body)

		batch, err := decodeHistoryBatch(body)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		res, err := s.deps.Pexip.ImportHistory(r.Context(), cluster, kind, batch)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{
			"applied": res.Applied,
			"failed":  res.Failed,
		})
	}
}

// decodeHistoryBatch accepts the JSON table shape or raw CSV with a
// header row.
func decodeHistoryBatch(body []byte) (cdr.HistoryBatch, error) {
	trimmed := strings.TrimLeft(string(body), " \t\r\n")
	if strings.HasPrefix(trimmed, "{") {
		var batch cdr.HistoryBatch
		if err := json.Unmarshal(body, &batch); err != nil {
			return cdr.HistoryBatch{}, fmt.Errorf("malformed history table: %w", err)
		}
		return batch, nil
	}

	records, err := csv.NewReader(strings.NewReader(string(body))).ReadAll()
	if err != nil {
		return cdr.HistoryBatch{}, fmt.Errorf("malformed csv: %w", err)
	}
	if len(records) == 0 {
		return cdr.HistoryBatch{}, fmt.Errorf("empty csv")
	}
	batch := cdr.HistoryBatch{Cols: records[0]}
	for _, rec := range records[1:] {
		row := make([]any, len(rec))
		for i, v := range rec {
			row[i] = v
		}
		batch.Rows = append(batch.Rows, row)
	}
	return batch, nil
}

// dispatch enqueues the task when async handling is enabled, otherwise
// runs it on the request. The push sender only needs an acknowledgement,
// so async failures surface in the worker log, not the response.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, task queue.Task, delayed bool) {
	if s.cfg.AsyncCDR && s.deps.Pool != nil {
		var err error
		if delayed {
			err = s.deps.Pool.EnqueueDelayed(queue.QueueCDR, task, queue.FinalizeDelay)
		} else {
			err = s.deps.Pool.Enqueue(queue.QueueCDR, task)
		}
		if err != nil {
			s.logger.Error("enqueueing cdr task", "task", task.Name, "error", err)
			writeError(w, http.StatusServiceUnavailable, "queue full")
			return
		}
		writeText(w, http.StatusOK, "OK")
		return
	}

	if err := s.deps.Pool.RunInline(r.Context(), queue.QueueCDR, task); err != nil {
		s.logger.Error("handling cdr batch", "task", task.Name, "error", err)
		writeError(w, http.StatusBadRequest, "invalid batch")
		return
	}
	writeText(w, http.StatusOK, "OK")
}

// logRaw appends one inbound payload to the debug store. Failures are
// logged and do not block dispatch.
func (s *Server) logRaw(ctx context.Context, store string, clusterID int64, eventID string, body []byte) {
	if s.deps.RawLog == nil {
		return
	}
	if err := s.deps.RawLog.Append(ctx, store, &clusterID, eventID, body); err != nil {
		s.logger.Error("appending raw log", "store", store, "error", err)
	}
}

// remoteIP strips the port from the request's remote address.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

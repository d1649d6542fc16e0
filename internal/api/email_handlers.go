package api

import (
	"io"
	"net/http"

	"github.com/mividas/corestat/internal/rawlog"
)

// maxEmailBody caps one posted MIME message.
const maxEmailBody = 32 << 20

// bookingStatus is the fixed response shape of the booking ingress.
type bookingStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// handleEmailBook books a meeting from a raw MIME message posted by an
// external collaborator system.
func (s *Server) handleEmailBook(w http.ResponseWriter, r *http.Request) {
	if s.cfg.EmailToken != "" && r.Header.Get("X-Mividas-Token") != s.cfg.EmailToken {
		writeBookingStatus(w, http.StatusForbidden, "invalid token")
		return
	}
	if s.cfg.EmailRequireExtendedKey {
		keys := s.cfg.ExtendedKeys()
		if !keys[r.Header.Get("X-Mividas-Key")] {
			writeBookingStatus(w, http.StatusForbidden, "invalid key")
			return
		}
	}
	if s.deps.Booker == nil {
		writeBookingStatus(w, http.StatusServiceUnavailable, "booking disabled")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEmailBody))
	if err != nil {
		writeBookingStatus(w, http.StatusBadRequest, "reading body")
		return
	}
	if s.deps.RawLog != nil {
		if err := s.deps.RawLog.Append(r.Context(), rawlog.StoreEmail, nil, "", body); err != nil {
			s.logger.Error("appending raw log", "store", rawlog.StoreEmail, "error", err)
		}
	}

	meeting, err := s.deps.Booker.Book(r.Context(), body)
	if err != nil {
		s.logger.Warn("email booking failed", "error", err)
		writeBookingStatus(w, http.StatusBadRequest, err.Error())
		return
	}

	s.logger.Info("meeting booked from email", "meeting", meeting.ID)
	writeJSON(w, http.StatusOK, bookingStatus{Status: "OK"})
}

func writeBookingStatus(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, bookingStatus{Status: "Error", Message: msg})
}

package stats

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mividas/corestat/internal/database"
	"github.com/mividas/corestat/internal/database/models"
)

const (
	// Legs shorter than this never count towards statistics.
	minCountedDuration = 60 * time.Second
	// Correlator merging looks this far back from a call's start.
	mergeLookback = 7 * 24 * time.Hour
)

// Store implements the statistics rules over calls and legs: duration
// derivation, should_count_stats, call merging and conversation dedupe.
type Store struct {
	calls  database.CallRepository
	legs   database.LegRepository
	convs  database.LegConversationRepository
	logger *slog.Logger

	nowFunc func() time.Time

	// KeepExternalParticipants keeps the outgoing legs of Lync/Teams/GMS
	// external-participant calls in the statistics.
	KeepExternalParticipants bool
	// PhoneDomains lists SIP domains classified as phone gateways.
	PhoneDomains map[string]bool
}

// NewStore creates a Store.
func NewStore(calls database.CallRepository, legs database.LegRepository, convs database.LegConversationRepository, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		calls:   calls,
		legs:    legs,
		convs:   convs,
		logger:  logger.With("component", "stats"),
		nowFunc: time.Now,
	}
}

// NormalizeTarget canonicalizes a leg's remote address. Phone gateway
// domains collapse to phone@DOMAIN.
func (s *Store) NormalizeTarget(remote string) string {
	addr := strings.ToLower(strings.TrimSpace(remote))
	addr = strings.TrimPrefix(addr, "sip:")
	addr = strings.TrimPrefix(addr, "sips:")
	if i := strings.IndexByte(addr, ';'); i >= 0 {
		addr = addr[:i]
	}
	if i := strings.IndexByte(addr, '@'); i > 0 {
		domain := addr[i+1:]
		if s.PhoneDomains[domain] {
			return "phone@" + domain
		}
	}
	return addr
}

// externalProtocols are the gatewayed external-participant protocols whose
// outgoing legs are dropped from stats unless configured otherwise.
var externalProtocols = map[string]bool{
	models.ProtoLync:  true,
	models.ProtoTeams: true,
	models.ProtoGMS:   true,
}

// ShouldCount derives should_count_stats for a leg.
func (s *Store) ShouldCount(leg *models.Leg) bool {
	if leg.Duration != nil && time.Duration(*leg.Duration)*time.Second < minCountedDuration {
		return false
	}
	switch leg.Protocol {
	case models.ProtoCluster, models.ProtoLyncSub:
		return false
	}
	switch leg.ServiceType {
	case models.ServiceIVR, models.ServiceTwoStageDialing:
		return false
	}
	if !s.KeepExternalParticipants && leg.Direction == "out" && externalProtocols[leg.Protocol] {
		return false
	}
	return true
}

// FinalizeLeg derives duration and should_count_stats and runs conversation
// dedupe. Call after ts_stop is known.
func (s *Store) FinalizeLeg(ctx context.Context, leg *models.Leg) error {
	if leg.TSStop != nil {
		d := int(leg.TSStop.Sub(leg.TSStart) / time.Second)
		if d < 0 {
			d = 0
		}
		leg.Duration = &d
	} else {
		leg.Duration = nil
	}
	leg.ShouldCountStats = s.ShouldCount(leg)
	if err := s.legs.Update(ctx, leg); err != nil {
		return fmt.Errorf("updating leg %s: %w", leg.GUID, err)
	}
	if leg.ConversationID != "" {
		if err := s.dedupeConversation(ctx, leg); err != nil {
			return err
		}
	}
	return nil
}

// dedupeConversation keeps exactly one stats-bearing leg per conversation,
// preferring the longest.
func (s *Store) dedupeConversation(ctx context.Context, leg *models.Leg) error {
	conv, created, err := s.convs.GetOrCreate(ctx, leg.ServerID, leg.ConversationID, leg.GUID)
	if err != nil {
		return fmt.Errorf("conversation %s: %w", leg.ConversationID, err)
	}
	if created || conv.FirstLegGUID == leg.GUID {
		return nil
	}

	first, err := s.legs.GetByGUID(ctx, leg.ServerID, conv.FirstLegGUID)
	if err != nil {
		return err
	}
	if first == nil {
		return s.convs.SetFirstLeg(ctx, conv.ID, leg.GUID)
	}

	if legSeconds(leg) > legSeconds(first) {
		if err := s.convs.SetFirstLeg(ctx, conv.ID, leg.GUID); err != nil {
			return err
		}
		if first.ShouldCountStats {
			if err := s.legs.SetShouldCount(ctx, first.ID, false); err != nil {
				return err
			}
		}
		return nil
	}

	if leg.ShouldCountStats {
		leg.ShouldCountStats = false
		return s.legs.SetShouldCount(ctx, leg.ID, false)
	}
	return nil
}

func legSeconds(l *models.Leg) int {
	if l.Duration != nil {
		return *l.Duration
	}
	return -1
}

// FinalizeCall recomputes a call's aggregates from its legs and merges
// duplicate calls. After finalization ts_start = min(legs) and
// ts_stop = max(legs).
func (s *Store) FinalizeCall(ctx context.Context, call *models.Call) (*models.Call, error) {
	if err := s.recompute(ctx, call); err != nil {
		return nil, err
	}
	merged, err := s.merge(ctx, call)
	if err != nil {
		return nil, err
	}
	now := s.nowFunc()
	merged.TSFinalized = &now
	merged.CDRStateInfo = ""
	if err := s.calls.Update(ctx, merged); err != nil {
		return nil, fmt.Errorf("updating call %d: %w", merged.ID, err)
	}
	return merged, nil
}

func (s *Store) recompute(ctx context.Context, call *models.Call) error {
	legs, err := s.legs.ListByCall(ctx, call.ID)
	if err != nil {
		return fmt.Errorf("listing legs for call %d: %w", call.ID, err)
	}
	call.LegCount = len(legs)
	total := 0
	var stop *time.Time
	allStopped := len(legs) > 0
	for i := range legs {
		leg := &legs[i]
		if leg.TSStart.Before(call.TSStart) {
			call.TSStart = leg.TSStart
		}
		if leg.TSStop == nil {
			allStopped = false
			continue
		}
		if stop == nil || leg.TSStop.After(*stop) {
			ts := *leg.TSStop
			stop = &ts
		}
		if leg.Duration != nil {
			total += *leg.Duration
		}
	}
	if allStopped && stop != nil {
		call.TSStop = stop
	}
	call.TotalDuration = total
	if call.TSStop != nil {
		d := int(call.TSStop.Sub(call.TSStart) / time.Second)
		if d < 0 {
			d = 0
		}
		call.Duration = &d
	}
	return nil
}

// merge folds duplicate call rows into one. Correlator peers win over
// cospace peers; the call keeping its row is the one with a guid, then the
// one with more legs. Repeated merges are no-ops once the peers are gone.
func (s *Store) merge(ctx context.Context, call *models.Call) (*models.Call, error) {
	from := call.TSStart.Add(-mergeLookback)
	to := call.TSStart.Add(mergeLookback)
	if call.TSStop != nil {
		to = *call.TSStop
	}

	var peers []models.Call
	var err error
	switch {
	case call.CorrelatorGUID != "":
		peers, err = s.calls.FindByCorrelator(ctx, call.ServerID, call.CorrelatorGUID, from, to)
	case call.CospaceID != "":
		peers, err = s.calls.FindPeersByCospace(ctx, call.ServerID, call.CospaceID, from, to)
	default:
		return call, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding merge peers: %w", err)
	}

	for i := range peers {
		peer := &peers[i]
		if peer.ID == call.ID {
			continue
		}
		winner, loser := call, peer
		if pickWinner(peer, call) {
			winner, loser = peer, call
		}
		s.logger.Info("merging calls", "winner", winner.ID, "loser", loser.ID,
			"server", call.ServerID)
		if err := s.legs.MoveToCall(ctx, loser.ID, winner.ID); err != nil {
			return nil, fmt.Errorf("moving legs %d -> %d: %w", loser.ID, winner.ID, err)
		}
		if err := s.calls.Delete(ctx, loser.ID); err != nil {
			return nil, fmt.Errorf("deleting merged call %d: %w", loser.ID, err)
		}
		if err := s.recompute(ctx, winner); err != nil {
			return nil, err
		}
		call = winner
	}
	return call, nil
}

// pickWinner reports whether a should win over b.
func pickWinner(a, b *models.Call) bool {
	if (a.GUID != "") != (b.GUID != "") {
		return a.GUID != ""
	}
	return a.LegCount > b.LegCount
}

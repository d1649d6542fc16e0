package cdr

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/mividas/corestat/internal/database"
	"github.com/mividas/corestat/internal/database/models"
	"github.com/mividas/corestat/internal/stats"
)

// PexipEvent is the Brand B event-sink envelope.
type PexipEvent struct {
	Event string          `json:"event"`
	Time  float64         `json:"time"`
	Node  string          `json:"node"`
	Data  json.RawMessage `json:"data"`
}

type pexipConference struct {
	GUID        string  `json:"guid"`
	Name        string  `json:"name"`
	Tag         string  `json:"tag"`
	StartTime   float64 `json:"start_time"`
	EndTime     float64 `json:"end_time"`
	ServiceType string  `json:"service_type"`
}

type pexipParticipant struct {
	UUID           string  `json:"uuid"`
	CallID         string  `json:"call_id"`
	Conference     string  `json:"conference"`
	ConversationID string  `json:"conversation_id"`
	DisplayName    string  `json:"display_name"`
	RemoteAlias    string  `json:"remote_alias"`
	LocalAlias     string  `json:"local_alias"`
	Protocol       string  `json:"protocol"`
	CallDirection  string  `json:"call_direction"`
	ConnectTime    float64 `json:"connect_time"`
	DisconnectTime float64 `json:"disconnect_time"`
	Duration       float64 `json:"duration"`
	ServiceType    string  `json:"service_type"`
	Tag            string  `json:"tag"`
	Role           string  `json:"role"`
	Bandwidth      *int    `json:"bandwidth"`
	IsStreaming    bool    `json:"is_streaming"`
}

func (p *pexipParticipant) guid() string {
	if p.UUID != "" {
		return p.UUID
	}
	return p.CallID
}

// PexipDecoder decodes Brand B JSON event-sink envelopes.
type PexipDecoder struct {
	store    *stats.Store
	resolver *stats.Resolver
	calls    database.CallRepository
	legs     database.LegRepository
	live     LiveState
	locker   *database.Locker
	logger   *slog.Logger
	nowFunc  func() time.Time
}

// NewPexipDecoder creates a PexipDecoder.
func NewPexipDecoder(
	store *stats.Store,
	resolver *stats.Resolver,
	calls database.CallRepository,
	legs database.LegRepository,
	live LiveState,
	locker *database.Locker,
	logger *slog.Logger,
) *PexipDecoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &PexipDecoder{
		store:    store,
		resolver: resolver,
		calls:    calls,
		legs:     legs,
		live:     live,
		locker:   locker,
		logger:   logger.With("component", "pexip_eventsink"),
		nowFunc:  time.Now,
	}
}

// HandleEvent applies one event-sink envelope.
func (d *PexipDecoder) HandleEvent(ctx context.Context, cluster *models.Cluster, body []byte) error {
	var ev PexipEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("decoding event envelope: %w", err)
	}
	ts := unixTime(ev.Time)
	if ev.Time == 0 {
		ts = d.nowFunc().UTC()
	}

	switch ev.Event {
	case "conference_started", "conference_updated", "conference_ended":
		var conf pexipConference
		if err := json.Unmarshal(ev.Data, &conf); err != nil {
			return fmt.Errorf("decoding conference data: %w", err)
		}
		return d.handleConference(ctx, cluster, ev.Event, &conf, ts)
	case "participant_connected", "participant_updated", "participant_disconnected":
		var part pexipParticipant
		if err := json.Unmarshal(ev.Data, &part); err != nil {
			return fmt.Errorf("decoding participant data: %w", err)
		}
		return d.handleParticipant(ctx, cluster, ev.Event, &part, ts)
	default:
		d.logger.Debug("ignoring event", "event", ev.Event)
		return nil
	}
}

func (d *PexipDecoder) isOld(ts time.Time) bool {
	return d.nowFunc().Sub(ts) > liveEventMaxAge
}

func (d *PexipDecoder) handleConference(ctx context.Context, cluster *models.Cluster, event string, conf *pexipConference, ts time.Time) error {
	release := d.locker.Acquire(fmt.Sprintf("pexip:%d:call", cluster.ID))
	defer release()

	guid := conf.GUID
	if guid == "" {
		guid = conf.Name
	}
	call, err := d.calls.GetByGUID(ctx, cluster.ID, guid)
	if err != nil {
		return err
	}

	tenant := stats.TenantFromTag(conf.Tag)
	customerID, err := d.resolver.Resolve(ctx, cluster, stats.LegContext{
		Tenant:         tenant,
		ConferenceName: conf.Name,
	})
	if err != nil {
		return err
	}

	created := false
	if call == nil {
		start := ts
		if conf.StartTime > 0 {
			start = unixTime(conf.StartTime)
		}
		call = &models.Call{
			ServerID:   cluster.ID,
			GUID:       guid,
			Cospace:    conf.Name,
			CospaceID:  conf.Name,
			TSStart:    start,
			Tenant:     tenant,
			CustomerID: customerID,
		}
		if err := d.calls.Create(ctx, call); err != nil {
			return err
		}
		created = true
	}

	switch event {
	case "conference_started", "conference_updated":
		if created && event == "conference_started" && !d.isOld(ts) {
			return d.live.ChangeCalls(ctx, 1, cluster, customerID, conf.Name, "pexip_eventsink")
		}
	case "conference_ended":
		alreadyStopped := call.TSStop != nil
		if !alreadyStopped {
			stop := ts
			if conf.EndTime > 0 {
				stop = unixTime(conf.EndTime)
			}
			call.TSStop = &stop
			if err := d.calls.Update(ctx, call); err != nil {
				return err
			}
			if _, err := d.store.FinalizeCall(ctx, call); err != nil {
				return err
			}
		}
		if !alreadyStopped && !d.isOld(ts) {
			return d.live.ChangeCalls(ctx, -1, cluster, customerID, conf.Name, "pexip_eventsink")
		}
	}
	return nil
}

func (d *PexipDecoder) handleParticipant(ctx context.Context, cluster *models.Cluster, event string, part *pexipParticipant, ts time.Time) error {
	guid := part.guid()
	if guid == "" {
		return fmt.Errorf("participant event without guid")
	}

	release := d.locker.Acquire(fmt.Sprintf("pexip:%d:leg:%s", cluster.ID, guid))
	defer release()

	leg, err := d.legs.GetByGUID(ctx, cluster.ID, guid)
	if err != nil {
		return err
	}
	if leg == nil && event == "participant_disconnected" {
		// Never seen the connect; nothing to correct.
		d.logger.Warn("disconnect for unknown participant",
			"cluster", cluster.ID, "guid", guid)
		return nil
	}
	if leg == nil && event == "participant_updated" {
		d.logger.Warn("update for unknown participant",
			"cluster", cluster.ID, "guid", guid)
		return nil
	}

	tenant := stats.TenantFromTag(part.Tag)
	if tenant == "" && part.Conference != "" {
		// Untagged participants inherit the tenant of the conference
		// they joined, when one is live.
		call, err := d.calls.FindByCospace(ctx, cluster.ID, part.Conference, ts, liveEventMaxAge)
		if err != nil {
			return err
		}
		if call != nil {
			tenant = call.Tenant
		}
	}
	customerID, err := d.resolver.Resolve(ctx, cluster, stats.LegContext{
		Tenant:         tenant,
		ConferenceName: part.Conference,
		LocalAlias:     part.LocalAlias,
		RemoteAlias:    part.RemoteAlias,
	})
	if err != nil {
		return err
	}

	created := false
	if leg == nil {
		start := ts
		if part.ConnectTime > 0 {
			start = unixTime(part.ConnectTime)
		}
		leg = &models.Leg{
			ServerID:       cluster.ID,
			GUID:           guid,
			ConversationID: part.ConversationID,
			TSStart:        start,
			Tenant:         tenant,
			CustomerID:     customerID,
		}
		if callID, err := d.participantCall(ctx, cluster, part, start, customerID); err != nil {
			return err
		} else if callID != nil {
			leg.CallID = callID
		}
		applyParticipantFields(leg, part, d.store)
		if err := d.legs.Create(ctx, leg); err != nil {
			return err
		}
		created = true
	} else {
		changed := applyParticipantFields(leg, part, d.store)
		if customerID != nil && (leg.CustomerID == nil || *leg.CustomerID != *customerID) {
			leg.CustomerID = customerID
			changed = true
		}
		if changed {
			if err := d.legs.Update(ctx, leg); err != nil {
				return err
			}
		}
	}

	switch event {
	case "participant_connected":
		if leg.TSStop != nil {
			return nil
		}
		if created && !d.isOld(ts) {
			return d.live.ChangeParticipants(ctx, 1, cluster, customerID,
				guid, part.DisplayName, leg.ServiceType == models.ServiceGateway, "pexip_eventsink")
		}
	case "participant_disconnected":
		alreadyStopped := leg.TSStop != nil
		if !alreadyStopped {
			stop := ts
			if part.DisconnectTime > 0 {
				stop = unixTime(part.DisconnectTime)
			}
			leg.TSStop = &stop
			if err := d.store.FinalizeLeg(ctx, leg); err != nil {
				return err
			}
		}
		if !alreadyStopped && !d.isOld(ts) {
			return d.live.ChangeParticipants(ctx, -1, cluster, customerID,
				guid, part.DisplayName, leg.ServiceType == models.ServiceGateway, "pexip_eventsink")
		}
	}
	return nil
}

// participantCall resolves the conference row a participant belongs to,
// creating a placeholder when the conference event has not arrived.
func (d *PexipDecoder) participantCall(ctx context.Context, cluster *models.Cluster, part *pexipParticipant, ts time.Time, customerID *int64) (*int64, error) {
	if part.Conference == "" {
		return nil, nil
	}
	release := d.locker.Acquire(fmt.Sprintf("pexip:%d:call", cluster.ID))
	defer release()

	call, err := d.calls.FindByCospace(ctx, cluster.ID, part.Conference, ts, liveEventMaxAge)
	if err != nil {
		return nil, err
	}
	if call == nil {
		call = &models.Call{
			ServerID:   cluster.ID,
			GUID:       part.Conference,
			Cospace:    part.Conference,
			CospaceID:  part.Conference,
			TSStart:    ts,
			CustomerID: customerID,
		}
		if err := d.calls.Create(ctx, call); err != nil {
			return nil, err
		}
	}
	return &call.ID, nil
}

func applyParticipantFields(leg *models.Leg, part *pexipParticipant, store *stats.Store) bool {
	changed := false
	set := func(dst *string, v string) {
		if v != "" && *dst != v {
			*dst = v
			changed = true
		}
	}
	set(&leg.Remote, part.RemoteAlias)
	set(&leg.Local, part.LocalAlias)
	if part.RemoteAlias != "" {
		set(&leg.Target, store.NormalizeTarget(part.RemoteAlias))
	}
	set(&leg.Direction, part.CallDirection)
	set(&leg.Protocol, pexipProtocol(part))
	set(&leg.ServiceType, pexipServiceType(part.ServiceType))
	set(&leg.Role, part.Role)
	if part.Bandwidth != nil && (leg.Bandwidth == nil || *leg.Bandwidth != *part.Bandwidth) {
		leg.Bandwidth = part.Bandwidth
		changed = true
	}
	return changed
}

func pexipProtocol(part *pexipParticipant) string {
	if part.IsStreaming {
		return models.ProtoStream
	}
	switch part.Protocol {
	case "sip":
		return models.ProtoSIP
	case "h323":
		return models.ProtoH323
	case "mssip":
		return models.ProtoLync
	case "teams":
		return models.ProtoTeams
	case "gms":
		return models.ProtoGMS
	case "webrtc", "api":
		return models.ProtoWebRTC
	case "rtmp":
		return models.ProtoStream
	}
	return part.Protocol
}

func pexipServiceType(s string) string {
	switch s {
	case "conference":
		return models.ServiceConference
	case "gateway":
		return models.ServiceGateway
	case "ivr":
		return models.ServiceIVR
	case "two_stage_dialing", "two_stage":
		return models.ServiceTwoStageDialing
	}
	return s
}

func unixTime(sec float64) time.Time {
	s, frac := math.Modf(sec)
	return time.Unix(int64(s), int64(frac*1e9)).UTC()
}

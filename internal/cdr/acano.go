package cdr

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/mividas/corestat/internal/database"
	"github.com/mividas/corestat/internal/database/models"
	"github.com/mividas/corestat/internal/stats"
)

// liveEventMaxAge is the cutoff for live-counter mutations. Events older
// than this still update rows but never touch the active state.
const liveEventMaxAge = 2 * time.Hour

// LiveState is the live-counter surface the decoders drive. Implemented by
// the livestate reconciler.
type LiveState interface {
	ChangeParticipants(ctx context.Context, delta int, cluster *models.Cluster, customerID *int64, guid, name string, gateway bool, source string) error
	ChangeCalls(ctx context.Context, delta int, cluster *models.Cluster, customerID *int64, name, source string) error
}

// SpamLog receives raw batches that were classified as spam.
type SpamLog interface {
	Append(ctx context.Context, clusterID int64, body []byte) error
}

// AcanoResult summarizes one decoded batch.
type AcanoResult struct {
	Applied int
	Spam    int
}

// AcanoDecoder decodes Brand A (CMS) XML CDR batches.
type AcanoDecoder struct {
	store    *stats.Store
	resolver *stats.Resolver
	calls    database.CallRepository
	legs     database.LegRepository
	invalid  database.InvalidCallStatsRepository
	live     LiveState
	spamLog  SpamLog
	locker   *database.Locker
	stash    *legStash
	logger   *slog.Logger
	nowFunc  func() time.Time
}

// NewAcanoDecoder creates an AcanoDecoder.
func NewAcanoDecoder(
	store *stats.Store,
	resolver *stats.Resolver,
	calls database.CallRepository,
	legs database.LegRepository,
	invalid database.InvalidCallStatsRepository,
	live LiveState,
	spamLog SpamLog,
	locker *database.Locker,
	logger *slog.Logger,
) *AcanoDecoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &AcanoDecoder{
		store:    store,
		resolver: resolver,
		calls:    calls,
		legs:     legs,
		invalid:  invalid,
		live:     live,
		spamLog:  spamLog,
		locker:   locker,
		stash:    newLegStash(),
		logger:   logger.With("component", "acano_cdr"),
		nowFunc:  time.Now,
	}
}

type acanoRecords struct {
	XMLName    xml.Name      `xml:"records"`
	Session    string        `xml:"session,attr"`
	CallBridge string        `xml:"callBridge,attr"`
	Records    []acanoRecord `xml:"record"`
}

type acanoRecord struct {
	Type    string        `xml:"type,attr"`
	Time    string        `xml:"time,attr"`
	Call    *acanoCall    `xml:"call"`
	CallLeg *acanoCallLeg `xml:"callLeg"`
}

type acanoCall struct {
	ID             string `xml:"id,attr"`
	Name           string `xml:"name"`
	Cospace        string `xml:"coSpace"`
	CallCorrelator string `xml:"callCorrelator"`
	Tenant         string `xml:"tenant"`
	CallType       string `xml:"callType"`
}

type acanoCallLeg struct {
	ID              string   `xml:"id,attr"`
	Call            string   `xml:"call"`
	RemoteParty     string   `xml:"remoteParty"`
	LocalAddress    string   `xml:"localAddress"`
	DisplayName     string   `xml:"displayName"`
	Direction       string   `xml:"direction"`
	Type            string   `xml:"type"`
	SubType         string   `xml:"subType"`
	GuestConnection bool     `xml:"guestConnection"`
	Reason          string   `xml:"reason"`
	DurationSeconds *int     `xml:"durationSeconds"`
	Tenant          string   `xml:"tenant"`
	PacketLoss      *float64 `xml:"rxAudioPacketLossPercentage"`
	Jitter          *float64 `xml:"rxAudioJitter"`
}

// HandleRecords decodes one pushed XML batch. sourceIP is the remote address
// of the pushing call bridge, used by the spam scan.
func (d *AcanoDecoder) HandleRecords(ctx context.Context, cluster *models.Cluster, sourceIP string, body []byte) (AcanoResult, error) {
	var batch acanoRecords
	if err := xml.Unmarshal(body, &batch); err != nil {
		return AcanoResult{}, fmt.Errorf("decoding cdr batch: %w", err)
	}

	if isSpamBatch(batch.Records, sourceIP) {
		n := len(batch.Records)
		d.logger.Info("dropping spam cdr batch", "cluster", cluster.ID,
			"records", n, "source_ip", sourceIP)
		if d.spamLog != nil {
			if err := d.spamLog.Append(ctx, cluster.ID, body); err != nil {
				d.logger.Error("appending spam log", "error", err)
			}
		}
		day := d.nowFunc().UTC().Format("2006-01-02")
		if err := d.invalid.Increment(ctx, cluster.ID, day, n, 0); err != nil {
			return AcanoResult{}, fmt.Errorf("counting spam: %w", err)
		}
		return AcanoResult{Spam: n}, nil
	}

	res := AcanoResult{}
	for _, rec := range batch.Records {
		if err := d.handleRecord(ctx, cluster, rec); err != nil {
			// Drop the bad record, keep the batch going.
			d.logger.Error("applying cdr record", "cluster", cluster.ID,
				"type", rec.Type, "error", err)
			continue
		}
		res.Applied++
	}
	return res, nil
}

func (d *AcanoDecoder) handleRecord(ctx context.Context, cluster *models.Cluster, rec acanoRecord) error {
	ts, err := time.Parse(time.RFC3339, rec.Time)
	if err != nil {
		return fmt.Errorf("parsing record time %q: %w", rec.Time, err)
	}
	ts = ts.UTC()

	switch rec.Type {
	case "callStart", "callEnd":
		if rec.Call == nil {
			return fmt.Errorf("%s record without call element", rec.Type)
		}
		return d.handleCall(ctx, cluster, rec.Type, rec.Call, ts)
	case "callLegStart", "callLegUpdate", "callLegEnd":
		if rec.CallLeg == nil {
			return fmt.Errorf("%s record without callLeg element", rec.Type)
		}
		return d.handleLeg(ctx, cluster, rec.Type, rec.CallLeg, ts)
	default:
		// Recording/streaming records are dispatched elsewhere.
		d.logger.Debug("ignoring cdr record type", "type", rec.Type)
		return nil
	}
}

// isOld reports whether a live counter mutation should be skipped.
func (d *AcanoDecoder) isOld(ts time.Time) bool {
	return d.nowFunc().Sub(ts) > liveEventMaxAge
}

func (d *AcanoDecoder) handleCall(ctx context.Context, cluster *models.Cluster, typ string, c *acanoCall, ts time.Time) error {
	release := d.locker.Acquire(fmt.Sprintf("acano:%d:call", cluster.ID))
	defer release()

	call, err := d.calls.GetByGUID(ctx, cluster.ID, c.ID)
	if err != nil {
		return err
	}

	customerID, err := d.resolver.Resolve(ctx, cluster, stats.LegContext{
		Tenant:         c.Tenant,
		ConferenceName: c.Name,
	})
	if err != nil {
		return err
	}

	created := false
	if call == nil {
		call = &models.Call{
			ServerID:       cluster.ID,
			GUID:           c.ID,
			Cospace:        c.Name,
			CospaceID:      c.Cospace,
			CorrelatorGUID: c.CallCorrelator,
			TSStart:        ts,
			Tenant:         c.Tenant,
			CustomerID:     customerID,
		}
		if err := d.calls.Create(ctx, call); err != nil {
			return err
		}
		created = true
	} else {
		changed := applyCallFields(call, c, customerID)
		if changed {
			if err := d.calls.Update(ctx, call); err != nil {
				return err
			}
		}
	}

	switch typ {
	case "callStart":
		// A late start must not reopen a completed call.
		if call.TSStop != nil {
			return nil
		}
		if ts.Before(call.TSStart) {
			call.TSStart = ts
			if err := d.calls.Update(ctx, call); err != nil {
				return err
			}
		}
		if created && !d.isOld(ts) {
			return d.live.ChangeCalls(ctx, 1, cluster, customerID, call.Cospace, "acano_cdr")
		}
	case "callEnd":
		alreadyStopped := call.TSStop != nil
		if !alreadyStopped {
			call.TSStop = &ts
			if err := d.calls.Update(ctx, call); err != nil {
				return err
			}
			if _, err := d.store.FinalizeCall(ctx, call); err != nil {
				return err
			}
		}
		if !alreadyStopped && !d.isOld(ts) {
			return d.live.ChangeCalls(ctx, -1, cluster, customerID, call.Cospace, "acano_cdr")
		}
	}
	return nil
}

func applyCallFields(call *models.Call, c *acanoCall, customerID *int64) bool {
	changed := false
	if c.Name != "" && call.Cospace != c.Name {
		call.Cospace = c.Name
		changed = true
	}
	if c.Cospace != "" && call.CospaceID != c.Cospace {
		call.CospaceID = c.Cospace
		changed = true
	}
	if c.CallCorrelator != "" && call.CorrelatorGUID != c.CallCorrelator {
		call.CorrelatorGUID = c.CallCorrelator
		changed = true
	}
	if c.Tenant != "" && call.Tenant != c.Tenant {
		call.Tenant = c.Tenant
		changed = true
	}
	if customerID != nil && (call.CustomerID == nil || *call.CustomerID != *customerID) {
		call.CustomerID = customerID
		changed = true
	}
	return changed
}

func (d *AcanoDecoder) handleLeg(ctx context.Context, cluster *models.Cluster, typ string, l *acanoCallLeg, ts time.Time) error {
	if typ == "callLegStart" && l.Call == "" {
		// No call reference yet; park it and wait for the end event.
		d.stash.put(cluster.ID, l, ts)
		return nil
	}

	release := d.locker.Acquire(fmt.Sprintf("acano:%d:leg:%s", cluster.ID, l.ID))
	defer release()

	var stashed *stashedLeg
	if typ == "callLegEnd" {
		stashed = d.stash.take(cluster.ID, l.ID)
		if stashed != nil {
			mergeStashedLeg(l, stashed.leg)
			if ts.Sub(stashed.ts) <= 2*time.Second {
				day := d.nowFunc().UTC().Format("2006-01-02")
				d.logger.Info("dropping short stashed leg", "cluster", cluster.ID, "leg", l.ID)
				return d.invalid.Increment(ctx, cluster.ID, day, 0, 1)
			}
		}
	}

	leg, err := d.legs.GetByGUID(ctx, cluster.ID, l.ID)
	if err != nil {
		return err
	}
	if leg == nil && typ == "callLegUpdate" {
		d.logger.Warn("update for unknown leg", "cluster", cluster.ID, "leg", l.ID)
		return nil
	}

	customerID, err := d.resolver.Resolve(ctx, cluster, stats.LegContext{
		Tenant:      l.Tenant,
		LocalAlias:  l.LocalAddress,
		RemoteAlias: l.RemoteParty,
	})
	if err != nil {
		return err
	}

	created := false
	if leg == nil {
		start := ts
		if stashed != nil {
			start = stashed.ts
		} else if typ == "callLegEnd" && l.DurationSeconds != nil {
			start = ts.Add(-time.Duration(*l.DurationSeconds) * time.Second)
		}
		leg = &models.Leg{
			ServerID:   cluster.ID,
			GUID:       l.ID,
			TSStart:    start,
			Tenant:     l.Tenant,
			CustomerID: customerID,
		}
		if l.Call != "" {
			callID, err := d.legCall(ctx, cluster, l.Call, start, customerID)
			if err != nil {
				return err
			}
			leg.CallID = callID
		}
		applyLegFields(leg, l, d.store)
		if err := d.legs.Create(ctx, leg); err != nil {
			return err
		}
		created = true
	} else {
		changed := applyLegFields(leg, l, d.store)
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

	switch typ {
	case "callLegStart":
		// A late start must not reopen or recount a completed leg.
		if leg.TSStop != nil {
			return nil
		}
		if ts.Before(leg.TSStart) {
			leg.TSStart = ts
			if err := d.legs.Update(ctx, leg); err != nil {
				return err
			}
		}
		if created && !d.isOld(ts) {
			return d.live.ChangeParticipants(ctx, 1, cluster, customerID,
				leg.GUID, leg.Remote, leg.ServiceType == models.ServiceGateway, "acano_cdr")
		}
	case "callLegEnd":
		alreadyStopped := leg.TSStop != nil
		if !alreadyStopped {
			leg.TSStop = &ts
			if err := d.store.FinalizeLeg(ctx, leg); err != nil {
				return err
			}
		}
		if !alreadyStopped && !d.isOld(ts) {
			return d.live.ChangeParticipants(ctx, -1, cluster, customerID,
				leg.GUID, leg.Remote, leg.ServiceType == models.ServiceGateway, "acano_cdr")
		}
	}
	return nil
}

// legCall finds the call a leg belongs to, creating a placeholder when the
// callStart has not arrived yet.
func (d *AcanoDecoder) legCall(ctx context.Context, cluster *models.Cluster, callGUID string, ts time.Time, customerID *int64) (*int64, error) {
	release := d.locker.Acquire(fmt.Sprintf("acano:%d:call", cluster.ID))
	defer release()

	call, err := d.calls.GetByGUID(ctx, cluster.ID, callGUID)
	if err != nil {
		return nil, err
	}
	if call == nil {
		call = &models.Call{
			ServerID:   cluster.ID,
			GUID:       callGUID,
			TSStart:    ts,
			CustomerID: customerID,
		}
		if err := d.calls.Create(ctx, call); err != nil {
			return nil, err
		}
	}
	return &call.ID, nil
}

// applyLegFields copies event fields onto the row, reporting whether
// anything changed. Empty event fields never clear existing values.
func applyLegFields(leg *models.Leg, l *acanoCallLeg, store *stats.Store) bool {
	changed := false
	set := func(dst *string, v string) {
		if v != "" && *dst != v {
			*dst = v
			changed = true
		}
	}
	set(&leg.Remote, l.RemoteParty)
	set(&leg.Local, l.LocalAddress)
	if l.RemoteParty != "" {
		set(&leg.Target, store.NormalizeTarget(l.RemoteParty))
	}
	set(&leg.Direction, acanoDirection(l.Direction))
	set(&leg.Protocol, acanoProtocol(l.Type, l.SubType))
	if l.GuestConnection && !leg.IsGuest {
		leg.IsGuest = true
		changed = true
	}
	if l.PacketLoss != nil && (leg.PacketlossPercent == nil || *leg.PacketlossPercent != *l.PacketLoss) {
		leg.PacketlossPercent = l.PacketLoss
		changed = true
	}
	if l.Jitter != nil && (leg.Jitter == nil || *leg.Jitter != *l.Jitter) {
		leg.Jitter = l.Jitter
		changed = true
	}
	return changed
}

func acanoDirection(dir string) string {
	switch dir {
	case "incoming":
		return "in"
	case "outgoing":
		return "out"
	}
	return dir
}

func acanoProtocol(typ, subType string) string {
	if subType == "lyncSubConnection" {
		return models.ProtoLyncSub
	}
	switch typ {
	case "sip":
		return models.ProtoSIP
	case "acano":
		return models.ProtoCMS
	case "lync":
		return models.ProtoLync
	case "cluster":
		return models.ProtoCluster
	case "webrtc":
		return models.ProtoWebRTC
	case "stream", "streaming":
		return models.ProtoStream
	}
	return typ
}

var repeatedARe = regexp.MustCompile(`^a+$`)

// isSpamBatch reports whether every record in a batch matches the scanner
// noise pattern: callLegEnd with reason=unknownDestination whose remote
// user-part is NoAuth, 1000 or repeated a's, or whose remote domain equals
// the pushing bridge's IP.
func isSpamBatch(recs []acanoRecord, sourceIP string) bool {
	if len(recs) == 0 {
		return false
	}
	for _, rec := range recs {
		if rec.Type != "callLegEnd" || rec.CallLeg == nil ||
			rec.CallLeg.Reason != "unknownDestination" {
			return false
		}
		user, domain := splitAddress(rec.CallLeg.RemoteParty)
		if user == "NoAuth" || user == "1000" || repeatedARe.MatchString(user) {
			continue
		}
		if sourceIP != "" && domain == sourceIP {
			continue
		}
		return false
	}
	return true
}

func splitAddress(addr string) (user, domain string) {
	addr = strings.TrimPrefix(addr, "sip:")
	if i := strings.IndexByte(addr, '@'); i >= 0 {
		return addr[:i], addr[i+1:]
	}
	return addr, ""
}

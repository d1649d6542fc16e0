package cdr

import (
	"context"
	"sort"
	"time"

	"github.com/mividas/corestat/internal/database/models"
)

type memCalls struct {
	seq  int64
	rows map[int64]models.Call
}

func newMemCalls() *memCalls { return &memCalls{rows: make(map[int64]models.Call)} }

func (m *memCalls) Create(ctx context.Context, c *models.Call) error {
	m.seq++
	c.ID = m.seq
	m.rows[c.ID] = *c
	return nil
}

func (m *memCalls) GetByID(ctx context.Context, id int64) (*models.Call, error) {
	if c, ok := m.rows[id]; ok {
		return &c, nil
	}
	return nil, nil
}

func (m *memCalls) GetByGUID(ctx context.Context, serverID int64, guid string) (*models.Call, error) {
	for _, c := range m.rows {
		if c.ServerID == serverID && c.GUID == guid && guid != "" {
			row := c
			return &row, nil
		}
	}
	return nil, nil
}

func (m *memCalls) FindByCospace(ctx context.Context, serverID int64, cospaceID string, around time.Time, window time.Duration) (*models.Call, error) {
	for _, c := range m.rows {
		if c.ServerID == serverID && c.CospaceID == cospaceID {
			row := c
			return &row, nil
		}
	}
	return nil, nil
}

func (m *memCalls) FindByCorrelator(ctx context.Context, serverID int64, correlator string, from, to time.Time) ([]models.Call, error) {
	var out []models.Call
	for _, c := range m.rows {
		if c.ServerID == serverID && c.CorrelatorGUID == correlator &&
			!c.TSStart.Before(from) && !c.TSStart.After(to) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memCalls) FindPeersByCospace(ctx context.Context, serverID int64, cospaceID string, from, to time.Time) ([]models.Call, error) {
	var out []models.Call
	for _, c := range m.rows {
		if c.ServerID == serverID && c.CospaceID == cospaceID &&
			!c.TSStart.Before(from) && !c.TSStart.After(to) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memCalls) ListActiveIdleSince(ctx context.Context, serverID int64, idle time.Time) ([]models.Call, error) {
	return nil, nil
}

func (m *memCalls) Update(ctx context.Context, c *models.Call) error {
	m.rows[c.ID] = *c
	return nil
}

func (m *memCalls) Delete(ctx context.Context, id int64) error {
	delete(m.rows, id)
	return nil
}

func (m *memCalls) ListWindow(ctx context.Context, serverID int64, tsStart, tsStop time.Time) ([]models.Call, error) {
	return nil, nil
}

func (m *memCalls) count() int { return len(m.rows) }

type memLegs struct {
	seq  int64
	rows map[int64]models.Leg
}

func newMemLegs() *memLegs { return &memLegs{rows: make(map[int64]models.Leg)} }

func (m *memLegs) Create(ctx context.Context, l *models.Leg) error {
	m.seq++
	l.ID = m.seq
	m.rows[l.ID] = *l
	return nil
}

func (m *memLegs) GetByGUID(ctx context.Context, serverID int64, guid string) (*models.Leg, error) {
	for _, l := range m.rows {
		if l.ServerID == serverID && l.GUID == guid {
			row := l
			return &row, nil
		}
	}
	return nil, nil
}

func (m *memLegs) ListByCall(ctx context.Context, callID int64) ([]models.Leg, error) {
	var out []models.Leg
	for _, l := range m.rows {
		if l.CallID != nil && *l.CallID == callID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memLegs) ListByConversation(ctx context.Context, serverID int64, conversationID string) ([]models.Leg, error) {
	return nil, nil
}

func (m *memLegs) Update(ctx context.Context, l *models.Leg) error {
	m.rows[l.ID] = *l
	return nil
}

func (m *memLegs) MoveToCall(ctx context.Context, fromCallID, toCallID int64) error {
	for id, l := range m.rows {
		if l.CallID != nil && *l.CallID == fromCallID {
			to := toCallID
			l.CallID = &to
			m.rows[id] = l
		}
	}
	return nil
}

func (m *memLegs) SetShouldCount(ctx context.Context, id int64, v bool) error {
	if l, ok := m.rows[id]; ok {
		l.ShouldCountStats = v
		m.rows[id] = l
	}
	return nil
}

func (m *memLegs) StopMissing(ctx context.Context, serverID int64, liveGUIDs []string, stop time.Time) (int64, error) {
	return 0, nil
}

func (m *memLegs) ListWindow(ctx context.Context, serverID int64, tsStart, tsStop time.Time) ([]models.Leg, error) {
	return nil, nil
}

func (m *memLegs) count() int { return len(m.rows) }

type memConvs struct {
	seq  int64
	rows map[string]models.LegConversation
}

func newMemConvs() *memConvs { return &memConvs{rows: make(map[string]models.LegConversation)} }

func (m *memConvs) GetOrCreate(ctx context.Context, serverID int64, guid, firstLegGUID string) (*models.LegConversation, bool, error) {
	if row, ok := m.rows[guid]; ok && row.ServerID == serverID {
		return &row, false, nil
	}
	m.seq++
	row := models.LegConversation{ID: m.seq, ServerID: serverID, GUID: guid, FirstLegGUID: firstLegGUID}
	m.rows[guid] = row
	return &row, true, nil
}

func (m *memConvs) SetFirstLeg(ctx context.Context, id int64, firstLegGUID string) error {
	for key, row := range m.rows {
		if row.ID == id {
			row.FirstLegGUID = firstLegGUID
			m.rows[key] = row
		}
	}
	return nil
}

type memRules struct{}

func (m *memRules) Create(ctx context.Context, r *models.CustomerMatchRule) error { return nil }
func (m *memRules) ListByCluster(ctx context.Context, clusterID int64) ([]models.CustomerMatchRule, error) {
	return nil, nil
}

type memCustomers struct {
	byTenant map[string]models.Customer
}

func newMemCustomers() *memCustomers {
	return &memCustomers{byTenant: make(map[string]models.Customer)}
}

func (m *memCustomers) add(brand, tenant string, c models.Customer) {
	m.byTenant[brand+"\x00"+tenant] = c
}

func (m *memCustomers) Create(ctx context.Context, c *models.Customer) error { return nil }
func (m *memCustomers) GetByID(ctx context.Context, id int64) (*models.Customer, error) {
	return nil, nil
}
func (m *memCustomers) GetByTenantID(ctx context.Context, brand, tenantID string) (*models.Customer, error) {
	if c, ok := m.byTenant[brand+"\x00"+tenantID]; ok {
		return &c, nil
	}
	return nil, nil
}
func (m *memCustomers) GetByDomainKey(ctx context.Context, domain string) (*models.Customer, error) {
	return nil, nil
}
func (m *memCustomers) List(ctx context.Context) ([]models.Customer, error)  { return nil, nil }
func (m *memCustomers) Update(ctx context.Context, c *models.Customer) error { return nil }

// fakeLive records live-counter mutations.
type liveChange struct {
	delta    int
	customer *int64
	guid     string
	name     string
	gateway  bool
	source   string
}

type fakeLive struct {
	participants []liveChange
	calls        []liveChange
}

func (f *fakeLive) ChangeParticipants(ctx context.Context, delta int, cluster *models.Cluster, customerID *int64, guid, name string, gateway bool, source string) error {
	f.participants = append(f.participants, liveChange{delta, customerID, guid, name, gateway, source})
	return nil
}

func (f *fakeLive) ChangeCalls(ctx context.Context, delta int, cluster *models.Cluster, customerID *int64, name, source string) error {
	f.calls = append(f.calls, liveChange{delta: delta, customer: customerID, name: name, source: source})
	return nil
}

type fakeInvalid struct {
	unknownDestination int
	shortCall          int
}

func (f *fakeInvalid) Increment(ctx context.Context, clusterID int64, day string, unknownDestination, shortCall int) error {
	f.unknownDestination += unknownDestination
	f.shortCall += shortCall
	return nil
}

func (f *fakeInvalid) Get(ctx context.Context, clusterID int64, day string) (*models.InvalidCallStats, error) {
	return nil, nil
}

func (f *fakeInvalid) Totals(ctx context.Context, clusterID int64) (int64, int64, error) {
	return int64(f.unknownDestination), int64(f.shortCall), nil
}

type fakeSpamLog struct {
	entries [][]byte
}

func (f *fakeSpamLog) Append(ctx context.Context, clusterID int64, body []byte) error {
	f.entries = append(f.entries, body)
	return nil
}

package livestate

import (
	"context"
	"sort"
	"time"

	"github.com/mividas/corestat/internal/database/models"
)

type memActiveParts struct {
	seq  int64
	rows map[int64]models.ActiveParticipant
}

func newMemActiveParts() *memActiveParts {
	return &memActiveParts{rows: make(map[int64]models.ActiveParticipant)}
}

func (m *memActiveParts) Create(ctx context.Context, p *models.ActiveParticipant) error {
	m.seq++
	p.ID = m.seq
	m.rows[p.ID] = *p
	return nil
}

func (m *memActiveParts) GetByGUID(ctx context.Context, clusterID int64, guid string) (*models.ActiveParticipant, error) {
	for _, p := range m.rows {
		if p.ClusterID == clusterID && p.GUID == guid {
			row := p
			return &row, nil
		}
	}
	return nil, nil
}

func (m *memActiveParts) ListByCluster(ctx context.Context, clusterID int64) ([]models.ActiveParticipant, error) {
	var out []models.ActiveParticipant
	for _, p := range m.rows {
		if p.ClusterID == clusterID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memActiveParts) CountByCustomer(ctx context.Context, clusterID int64, customerID *int64) (int, int, error) {
	total, gateway := 0, 0
	for _, p := range m.rows {
		if p.ClusterID != clusterID || !sameCustomer(p.CustomerID, customerID) {
			continue
		}
		total++
		if p.IsGateway {
			gateway++
		}
	}
	return total, gateway, nil
}

func (m *memActiveParts) Delete(ctx context.Context, id int64) error {
	delete(m.rows, id)
	return nil
}

func (m *memActiveParts) UpdateCustomer(ctx context.Context, id int64, customerID *int64) error {
	if p, ok := m.rows[id]; ok {
		p.CustomerID = customerID
		m.rows[id] = p
	}
	return nil
}

func (m *memActiveParts) count() int { return len(m.rows) }

type memActiveCalls struct {
	seq  int64
	rows map[int64]models.ActiveCall
}

func newMemActiveCalls() *memActiveCalls {
	return &memActiveCalls{rows: make(map[int64]models.ActiveCall)}
}

func (m *memActiveCalls) Create(ctx context.Context, c *models.ActiveCall) error {
	m.seq++
	c.ID = m.seq
	m.rows[c.ID] = *c
	return nil
}

func (m *memActiveCalls) GetByName(ctx context.Context, clusterID int64, name string) (*models.ActiveCall, error) {
	for _, c := range m.rows {
		if c.ClusterID == clusterID && c.Name == name {
			row := c
			return &row, nil
		}
	}
	return nil, nil
}

func (m *memActiveCalls) ListByCluster(ctx context.Context, clusterID int64) ([]models.ActiveCall, error) {
	var out []models.ActiveCall
	for _, c := range m.rows {
		if c.ClusterID == clusterID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memActiveCalls) CountByCustomer(ctx context.Context, clusterID int64, customerID *int64) (int, error) {
	n := 0
	for _, c := range m.rows {
		if c.ClusterID == clusterID && sameCustomer(c.CustomerID, customerID) {
			n++
		}
	}
	return n, nil
}

func (m *memActiveCalls) Delete(ctx context.Context, id int64) error {
	delete(m.rows, id)
	return nil
}

func (m *memActiveCalls) UpdateCustomer(ctx context.Context, id int64, customerID *int64) error {
	if c, ok := m.rows[id]; ok {
		c.CustomerID = customerID
		m.rows[id] = c
	}
	return nil
}

func (m *memActiveCalls) count() int { return len(m.rows) }

type memStates struct {
	seq  int64
	rows map[string]models.CustomerPolicyState
}

func newMemStates() *memStates {
	return &memStates{rows: make(map[string]models.CustomerPolicyState)}
}

func (m *memStates) GetOrCreate(ctx context.Context, clusterID int64, customerID *int64) (*models.CustomerPolicyState, error) {
	key := stateKey(clusterID, customerID)
	if s, ok := m.rows[key]; ok {
		row := s
		return &row, nil
	}
	m.seq++
	s := models.CustomerPolicyState{
		ID:                m.seq,
		ClusterID:         clusterID,
		CustomerID:        customerID,
		ParticipantStatus: models.StatusOK,
	}
	m.rows[key] = s
	return &s, nil
}

func (m *memStates) ListByCluster(ctx context.Context, clusterID int64) ([]models.CustomerPolicyState, error) {
	var out []models.CustomerPolicyState
	for _, s := range m.rows {
		if s.ClusterID == clusterID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStates) Save(ctx context.Context, s *models.CustomerPolicyState) error {
	m.rows[stateKey(s.ClusterID, s.CustomerID)] = *s
	return nil
}

// set overwrites a row directly, bypassing the manager.
func (m *memStates) set(s models.CustomerPolicyState) {
	m.rows[stateKey(s.ClusterID, s.CustomerID)] = s
}

func (m *memStates) get(clusterID int64, customerID *int64) models.CustomerPolicyState {
	return m.rows[stateKey(clusterID, customerID)]
}

type memPolicies struct {
	byCustomer map[int64]models.CustomerPolicy
}

func newMemPolicies() *memPolicies {
	return &memPolicies{byCustomer: make(map[int64]models.CustomerPolicy)}
}

func (m *memPolicies) Create(ctx context.Context, p *models.CustomerPolicy) error {
	m.byCustomer[p.CustomerID] = *p
	return nil
}

func (m *memPolicies) GetActive(ctx context.Context, customerID int64, today time.Time) (*models.CustomerPolicy, error) {
	if p, ok := m.byCustomer[customerID]; ok {
		row := p
		return &row, nil
	}
	return nil, nil
}

type fakeSnapshotter struct {
	snap *Snapshot
	err  error
	// onSnapshot runs after the snapshot is taken, before settle.
	onSnapshot func()
}

func (f *fakeSnapshotter) Snapshot(ctx context.Context, cluster *models.Cluster) (*Snapshot, error) {
	if f.onSnapshot != nil {
		f.onSnapshot()
	}
	return f.snap, f.err
}

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
		if c.ServerID == serverID && c.GUID == guid {
			row := c
			return &row, nil
		}
	}
	return nil, nil
}

func (m *memCalls) FindByCospace(ctx context.Context, serverID int64, cospaceID string, around time.Time, window time.Duration) (*models.Call, error) {
	return nil, nil
}

func (m *memCalls) FindByCorrelator(ctx context.Context, serverID int64, correlator string, from, to time.Time) ([]models.Call, error) {
	return nil, nil
}

func (m *memCalls) FindPeersByCospace(ctx context.Context, serverID int64, cospaceID string, from, to time.Time) ([]models.Call, error) {
	var out []models.Call
	for _, c := range m.rows {
		if c.ServerID == serverID && c.CospaceID == cospaceID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memCalls) ListActiveIdleSince(ctx context.Context, serverID int64, idle time.Time) ([]models.Call, error) {
	var out []models.Call
	for _, c := range m.rows {
		if c.ServerID == serverID && c.TSStop == nil && !c.TSStart.After(idle) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
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

type memLegs struct {
	seq     int64
	rows    map[int64]models.Leg
	stopped []string
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
	return out, nil
}

func (m *memLegs) ListByConversation(ctx context.Context, serverID int64, conversationID string) ([]models.Leg, error) {
	return nil, nil
}

func (m *memLegs) Update(ctx context.Context, l *models.Leg) error {
	m.rows[l.ID] = *l
	return nil
}

func (m *memLegs) MoveToCall(ctx context.Context, fromCallID, toCallID int64) error { return nil }

func (m *memLegs) SetShouldCount(ctx context.Context, id int64, v bool) error { return nil }

func (m *memLegs) StopMissing(ctx context.Context, serverID int64, liveGUIDs []string, stop time.Time) (int64, error) {
	live := make(map[string]bool, len(liveGUIDs))
	for _, g := range liveGUIDs {
		live[g] = true
	}
	var n int64
	for id, l := range m.rows {
		if l.ServerID == serverID && l.TSStop == nil && !live[l.GUID] {
			ts := stop
			l.TSStop = &ts
			m.rows[id] = l
			m.stopped = append(m.stopped, l.GUID)
			n++
		}
	}
	return n, nil
}

func (m *memLegs) ListWindow(ctx context.Context, serverID int64, tsStart, tsStop time.Time) ([]models.Leg, error) {
	return nil, nil
}

type memConvs struct{}

func (m *memConvs) GetOrCreate(ctx context.Context, serverID int64, guid, firstLegGUID string) (*models.LegConversation, bool, error) {
	return &models.LegConversation{ServerID: serverID, GUID: guid, FirstLegGUID: firstLegGUID}, true, nil
}

func (m *memConvs) SetFirstLeg(ctx context.Context, id int64, firstLegGUID string) error { return nil }

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

type memRules struct{}

func (m *memRules) Create(ctx context.Context, r *models.CustomerMatchRule) error { return nil }
func (m *memRules) ListByCluster(ctx context.Context, clusterID int64) ([]models.CustomerMatchRule, error) {
	return nil, nil
}

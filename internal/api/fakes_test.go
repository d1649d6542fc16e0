package api

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mividas/corestat/internal/database/models"
)

type memClusters struct {
	rows []models.Cluster
}

func (m *memClusters) Create(ctx context.Context, c *models.Cluster) error { return nil }
func (m *memClusters) GetByID(ctx context.Context, id int64) (*models.Cluster, error) {
	for _, c := range m.rows {
		if c.ID == id {
			row := c
			return &row, nil
		}
	}
	return nil, nil
}
func (m *memClusters) GetBySecretKey(ctx context.Context, key string) (*models.Cluster, error) {
	for _, c := range m.rows {
		if c.SecretKey == key && key != "" {
			row := c
			return &row, nil
		}
	}
	return nil, nil
}
func (m *memClusters) List(ctx context.Context) ([]models.Cluster, error)  { return m.rows, nil }
func (m *memClusters) Update(ctx context.Context, c *models.Cluster) error { return nil }

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
	return nil, nil
}

func (m *memCalls) FindPeersByCospace(ctx context.Context, serverID int64, cospaceID string, from, to time.Time) ([]models.Call, error) {
	return nil, nil
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
	var out []models.Call
	for _, c := range m.rows {
		if c.ServerID == serverID && !c.TSStart.Before(tsStart) && !c.TSStart.After(tsStop) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
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
		if l.ServerID == serverID && l.GUID == guid && guid != "" {
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

func (m *memLegs) MoveToCall(ctx context.Context, fromCallID, toCallID int64) error { return nil }

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
	var out []models.Leg
	for _, l := range m.rows {
		if l.ServerID == serverID && !l.TSStart.Before(tsStart) && !l.TSStart.After(tsStop) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
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

func (m *memConvs) SetFirstLeg(ctx context.Context, id int64, firstLegGUID string) error { return nil }

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

type memRawLogs struct {
	seq  int64
	rows []models.RawLogEntry
}

func (m *memRawLogs) Append(ctx context.Context, e *models.RawLogEntry) error {
	m.seq++
	e.ID = m.seq
	m.rows = append(m.rows, *e)
	return nil
}

func (m *memRawLogs) FindByEventID(ctx context.Context, store, eventID string) ([]models.RawLogEntry, error) {
	var out []models.RawLogEntry
	for _, e := range m.rows {
		if e.Store == store && e.EventID == eventID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memRawLogs) stores() []string {
	out := make([]string, 0, len(m.rows))
	for _, e := range m.rows {
		out = append(out, e.Store)
	}
	return out
}

// liveStub swallows live-counter mutations; the decoders' counter
// behavior is covered by their own tests.
type liveStub struct{}

func (liveStub) ChangeParticipants(ctx context.Context, delta int, cluster *models.Cluster, customerID *int64, guid, name string, gateway bool, source string) error {
	return nil
}

func (liveStub) ChangeCalls(ctx context.Context, delta int, cluster *models.Cluster, customerID *int64, name, source string) error {
	return nil
}

type memInvalid struct {
	unknownDestination int
	shortCall          int
}

func (m *memInvalid) Increment(ctx context.Context, clusterID int64, day string, unknownDestination, shortCall int) error {
	m.unknownDestination += unknownDestination
	m.shortCall += shortCall
	return nil
}

func (m *memInvalid) Get(ctx context.Context, clusterID int64, day string) (*models.InvalidCallStats, error) {
	return nil, nil
}

func (m *memInvalid) Totals(ctx context.Context, clusterID int64) (int64, int64, error) {
	return int64(m.unknownDestination), int64(m.shortCall), nil
}

type memStates struct {
	seq  int64
	rows map[string]*models.CustomerPolicyState
}

func newMemStates() *memStates { return &memStates{rows: make(map[string]*models.CustomerPolicyState)} }

func stateMapKey(clusterID int64, customerID *int64) string {
	if customerID == nil {
		return fmt.Sprintf("%d:", clusterID)
	}
	return fmt.Sprintf("%d:%d", clusterID, *customerID)
}

func (m *memStates) GetOrCreate(ctx context.Context, clusterID int64, customerID *int64) (*models.CustomerPolicyState, error) {
	key := stateMapKey(clusterID, customerID)
	if s, ok := m.rows[key]; ok {
		copied := *s
		return &copied, nil
	}
	m.seq++
	s := &models.CustomerPolicyState{ID: m.seq, ClusterID: clusterID, CustomerID: customerID}
	m.rows[key] = s
	copied := *s
	return &copied, nil
}

func (m *memStates) ListByCluster(ctx context.Context, clusterID int64) ([]models.CustomerPolicyState, error) {
	var out []models.CustomerPolicyState
	for _, s := range m.rows {
		if s.ClusterID == clusterID {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *memStates) Save(ctx context.Context, s *models.CustomerPolicyState) error {
	copied := *s
	m.rows[stateMapKey(s.ClusterID, s.CustomerID)] = &copied
	return nil
}

func (m *memStates) set(s *models.CustomerPolicyState) {
	m.seq++
	s.ID = m.seq
	m.rows[stateMapKey(s.ClusterID, s.CustomerID)] = s
}

type memPolicies struct {
	rows map[int64]models.CustomerPolicy
}

func newMemPolicies() *memPolicies { return &memPolicies{rows: make(map[int64]models.CustomerPolicy)} }

func (m *memPolicies) Create(ctx context.Context, p *models.CustomerPolicy) error {
	m.rows[p.CustomerID] = *p
	return nil
}

func (m *memPolicies) GetActive(ctx context.Context, customerID int64, today time.Time) (*models.CustomerPolicy, error) {
	if p, ok := m.rows[customerID]; ok {
		return &p, nil
	}
	return nil, nil
}

type memPolicyLog struct {
	rows []models.ExternalPolicyLog
}

func (m *memPolicyLog) Append(ctx context.Context, e *models.ExternalPolicyLog) error {
	m.rows = append(m.rows, *e)
	return nil
}

func (m *memPolicyLog) ListRecent(ctx context.Context, clusterID int64, limit int) ([]models.ExternalPolicyLog, error) {
	return m.rows, nil
}

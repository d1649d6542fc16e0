// Package livestate owns the authoritative "who is connected right now"
// state. ActiveParticipant, ActiveCall and CustomerPolicyState rows are
// written only through the Manager so the cached counters always match
// the row counts.
package livestate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/mividas/corestat/internal/database"
	"github.com/mividas/corestat/internal/database/models"
)

const (
	stateCacheSize = 200
	stateCacheTTL  = 5 * time.Second
)

// Manager serializes live-counter mutations per (cluster, customer)
// policy-state row.
type Manager struct {
	participants database.ActiveParticipantRepository
	activeCalls  database.ActiveCallRepository
	states       database.PolicyStateRepository
	policies     database.CustomerPolicyRepository
	locker       *database.Locker
	cache        *expirable.LRU[string, *models.CustomerPolicyState]
	logger       *slog.Logger
	nowFunc      func() time.Time
}

// NewManager creates a Manager.
func NewManager(
	participants database.ActiveParticipantRepository,
	activeCalls database.ActiveCallRepository,
	states database.PolicyStateRepository,
	policies database.CustomerPolicyRepository,
	locker *database.Locker,
	logger *slog.Logger,
) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		participants: participants,
		activeCalls:  activeCalls,
		states:       states,
		policies:     policies,
		locker:       locker,
		cache:        expirable.NewLRU[string, *models.CustomerPolicyState](stateCacheSize, nil, stateCacheTTL),
		logger:       logger.With("component", "livestate"),
		nowFunc:      time.Now,
	}
}

func stateKey(clusterID int64, customerID *int64) string {
	if customerID == nil {
		return fmt.Sprintf("%d:", clusterID)
	}
	return fmt.Sprintf("%d:%d", clusterID, *customerID)
}

func sameCustomer(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// ChangeParticipants applies a participant delta for one cluster/customer.
func (m *Manager) ChangeParticipants(ctx context.Context, delta int, cluster *models.Cluster, customerID *int64, guid, name string, gateway bool, source string) error {
	if delta != 1 && delta != -1 {
		return fmt.Errorf("invalid participant delta %d", delta)
	}

	release := sync.OnceFunc(m.locker.Acquire("policy_state:" + stateKey(cluster.ID, customerID)))
	defer release()

	row, err := m.participants.GetByGUID(ctx, cluster.ID, guid)
	if err != nil {
		return err
	}

	switch delta {
	case 1:
		if row != nil {
			m.logger.Warn("participant already counted",
				"cluster", cluster.ID, "guid", guid, "source", source)
			return nil
		}
		p := &models.ActiveParticipant{
			ClusterID:  cluster.ID,
			CustomerID: customerID,
			GUID:       guid,
			Name:       name,
			IsGateway:  gateway,
			TSCreated:  m.nowFunc().UTC(),
		}
		if err := m.participants.Create(ctx, p); err != nil {
			return fmt.Errorf("creating active participant: %w", err)
		}
	case -1:
		if row == nil {
			m.logger.Warn("participant not counted",
				"cluster", cluster.ID, "guid", guid, "source", source)
			return nil
		}
		if !sameCustomer(row.CustomerID, customerID) {
			// The row was counted for another customer. Correct it
			// where it actually lives.
			m.logger.Info("participant counted for other customer",
				"cluster", cluster.ID, "guid", guid, "source", source)
			release()
			return m.ChangeParticipants(ctx, -1, cluster, row.CustomerID, guid, name, row.IsGateway, source)
		}
		if err := m.participants.Delete(ctx, row.ID); err != nil {
			return fmt.Errorf("deleting active participant: %w", err)
		}
	}
	return m.recountLocked(ctx, cluster.ID, customerID)
}

// ChangeCalls applies a call delta for one cluster/customer.
func (m *Manager) ChangeCalls(ctx context.Context, delta int, cluster *models.Cluster, customerID *int64, name, source string) error {
	if delta != 1 && delta != -1 {
		return fmt.Errorf("invalid call delta %d", delta)
	}

	release := sync.OnceFunc(m.locker.Acquire("policy_state:" + stateKey(cluster.ID, customerID)))
	defer release()

	row, err := m.activeCalls.GetByName(ctx, cluster.ID, name)
	if err != nil {
		return err
	}

	switch delta {
	case 1:
		if row != nil {
			m.logger.Warn("call already counted",
				"cluster", cluster.ID, "name", name, "source", source)
			return nil
		}
		c := &models.ActiveCall{
			ClusterID:  cluster.ID,
			CustomerID: customerID,
			Name:       name,
			TSCreated:  m.nowFunc().UTC(),
		}
		if err := m.activeCalls.Create(ctx, c); err != nil {
			return fmt.Errorf("creating active call: %w", err)
		}
	case -1:
		if row == nil {
			m.logger.Warn("call not counted",
				"cluster", cluster.ID, "name", name, "source", source)
			return nil
		}
		if !sameCustomer(row.CustomerID, customerID) {
			m.logger.Info("call counted for other customer",
				"cluster", cluster.ID, "name", name, "source", source)
			release()
			return m.ChangeCalls(ctx, -1, cluster, row.CustomerID, name, source)
		}
		if err := m.activeCalls.Delete(ctx, row.ID); err != nil {
			return fmt.Errorf("deleting active call: %w", err)
		}
	}
	return m.recountLocked(ctx, cluster.ID, customerID)
}

// UpdateParticipant moves a counted participant to another customer.
func (m *Manager) UpdateParticipant(ctx context.Context, cluster *models.Cluster, guid string, customerID *int64) error {
	row, err := m.participants.GetByGUID(ctx, cluster.ID, guid)
	if err != nil {
		return err
	}
	if row == nil {
		m.logger.Warn("participant not counted", "cluster", cluster.ID, "guid", guid)
		return nil
	}
	if sameCustomer(row.CustomerID, customerID) {
		return nil
	}
	old := row.CustomerID

	release := m.locker.Acquire("policy_state:" + stateKey(cluster.ID, old))
	if err := m.participants.UpdateCustomer(ctx, row.ID, customerID); err != nil {
		release()
		return fmt.Errorf("moving active participant: %w", err)
	}
	err = m.recountLocked(ctx, cluster.ID, old)
	release()
	if err != nil {
		return err
	}

	release = m.locker.Acquire("policy_state:" + stateKey(cluster.ID, customerID))
	defer release()
	return m.recountLocked(ctx, cluster.ID, customerID)
}

// UpdateCall moves a counted call to another customer.
func (m *Manager) UpdateCall(ctx context.Context, cluster *models.Cluster, name string, customerID *int64) error {
	row, err := m.activeCalls.GetByName(ctx, cluster.ID, name)
	if err != nil {
		return err
	}
	if row == nil {
		m.logger.Warn("call not counted", "cluster", cluster.ID, "name", name)
		return nil
	}
	if sameCustomer(row.CustomerID, customerID) {
		return nil
	}
	old := row.CustomerID

	release := m.locker.Acquire("policy_state:" + stateKey(cluster.ID, old))
	if err := m.activeCalls.UpdateCustomer(ctx, row.ID, customerID); err != nil {
		release()
		return fmt.Errorf("moving active call: %w", err)
	}
	err = m.recountLocked(ctx, cluster.ID, old)
	release()
	if err != nil {
		return err
	}

	release = m.locker.Acquire("policy_state:" + stateKey(cluster.ID, customerID))
	defer release()
	return m.recountLocked(ctx, cluster.ID, customerID)
}

// State returns the cached policy-state row for a cluster/customer pair.
func (m *Manager) State(ctx context.Context, clusterID int64, customerID *int64) (*models.CustomerPolicyState, error) {
	key := stateKey(clusterID, customerID)
	if s, ok := m.cache.Get(key); ok {
		return s, nil
	}
	s, err := m.states.GetOrCreate(ctx, clusterID, customerID)
	if err != nil {
		return nil, err
	}
	m.cache.Add(key, s)
	return s, nil
}

// recountLocked recomputes one state row from the active rows. The
// caller holds the row's advisory lock.
func (m *Manager) recountLocked(ctx context.Context, clusterID int64, customerID *int64) error {
	state, err := m.states.GetOrCreate(ctx, clusterID, customerID)
	if err != nil {
		return err
	}
	total, gateway, err := m.participants.CountByCustomer(ctx, clusterID, customerID)
	if err != nil {
		return err
	}
	calls, err := m.activeCalls.CountByCustomer(ctx, clusterID, customerID)
	if err != nil {
		return err
	}

	// ActiveParticipants is the full row count; the gateway column is
	// the subset of those rows that are gateway legs.
	state.ActiveParticipants = total
	state.ActiveParticipantsGateway = gateway
	state.ActiveCalls = calls
	state.ParticipantStatus = m.participantStatus(ctx, customerID, total)
	state.UpdatedAt = m.nowFunc().UTC()

	if err := m.states.Save(ctx, state); err != nil {
		return fmt.Errorf("saving policy state: %w", err)
	}
	m.cache.Remove(stateKey(clusterID, customerID))
	return nil
}

func (m *Manager) participantStatus(ctx context.Context, customerID *int64, total int) string {
	if customerID == nil {
		return models.StatusOK
	}
	policy, err := m.policies.GetActive(ctx, *customerID, m.nowFunc().UTC())
	if err != nil {
		m.logger.Error("loading active policy", "customer", *customerID, "error", err)
		return models.StatusOK
	}
	if policy == nil {
		return models.StatusOK
	}
	switch {
	case policy.ParticipantHardLimit > 0 && total >= policy.ParticipantHardLimit:
		return models.StatusHardLimit
	case policy.ParticipantLimit() > 0 && total >= policy.ParticipantLimit():
		return models.StatusSoftLimit
	}
	return models.StatusOK
}

// CounterDiff is the correction applied to one state row by a rebuild.
type CounterDiff struct {
	Calls        int
	Participants int
	Gateway      int
}

// RebuildClusterCounts recomputes every state row of a cluster from the
// active rows and returns the per-customer corrections.
func (m *Manager) RebuildClusterCounts(ctx context.Context, clusterID int64) (map[string]CounterDiff, error) {
	states, err := m.states.ListByCluster(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	diff := make(map[string]CounterDiff)
	for i := range states {
		before := states[i]
		release := m.locker.Acquire("policy_state:" + stateKey(clusterID, before.CustomerID))
		err := m.recountLocked(ctx, clusterID, before.CustomerID)
		release()
		if err != nil {
			return diff, err
		}
		after, err := m.states.GetOrCreate(ctx, clusterID, before.CustomerID)
		if err != nil {
			return diff, err
		}
		d := CounterDiff{
			Calls:        after.ActiveCalls - before.ActiveCalls,
			Participants: after.ActiveParticipants - before.ActiveParticipants,
			Gateway:      after.ActiveParticipantsGateway - before.ActiveParticipantsGateway,
		}
		if d != (CounterDiff{}) {
			diff[stateKey(clusterID, before.CustomerID)] = d
		}
	}
	return diff, nil
}

package livestate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mividas/corestat/internal/database"
	"github.com/mividas/corestat/internal/database/models"
	"github.com/mividas/corestat/internal/stats"
)

const (
	settleDelay     = 2 * time.Second
	idleCallTimeout = 10 * time.Minute
)

// SnapshotParticipant is one live leg as the MCU reports it.
type SnapshotParticipant struct {
	GUID        string
	Name        string
	Tenant      string
	LocalAlias  string
	RemoteAlias string
	Gateway     bool
}

// Snapshot is the MCU's view of live state. Complete means the vendor
// returns enough per-participant detail to count legs we missed, not
// just to drop legs it no longer knows.
type Snapshot struct {
	Participants []SnapshotParticipant
	Calls        []string
	Complete     bool
}

// Snapshotter lists the MCU's live legs and conferences.
type Snapshotter interface {
	Snapshot(ctx context.Context, cluster *models.Cluster) (*Snapshot, error)
}

// Reconciler drifts the local live state back toward the MCU's.
type Reconciler struct {
	manager   *Manager
	calls     database.CallRepository
	legs      database.LegRepository
	store     *stats.Store
	resolver  *stats.Resolver
	snapshots Snapshotter
	logger    *slog.Logger
	nowFunc   func() time.Time
	settle    func(ctx context.Context)

	mu           sync.Mutex
	lastLegGUIDs map[int64][]string
}

// NewReconciler creates a Reconciler.
func NewReconciler(
	manager *Manager,
	calls database.CallRepository,
	legs database.LegRepository,
	store *stats.Store,
	resolver *stats.Resolver,
	snapshots Snapshotter,
	logger *slog.Logger,
) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		manager:   manager,
		calls:     calls,
		legs:      legs,
		store:     store,
		resolver:  resolver,
		snapshots: snapshots,
		logger:    logger.With("component", "livestate_reconcile"),
		nowFunc:   time.Now,
		settle: func(ctx context.Context) {
			select {
			case <-time.After(settleDelay):
			case <-ctx.Done():
			}
		},
		lastLegGUIDs: make(map[int64][]string),
	}
}

// Reconcile compares local live state against one MCU snapshot and
// applies corrections for entries only one side knows about.
func (r *Reconciler) Reconcile(ctx context.Context, cluster *models.Cluster) error {
	s0Parts, err := r.manager.participants.ListByCluster(ctx, cluster.ID)
	if err != nil {
		return err
	}
	s0Calls, err := r.manager.activeCalls.ListByCluster(ctx, cluster.ID)
	if err != nil {
		return err
	}

	snap, err := r.snapshots.Snapshot(ctx, cluster)
	if err != nil {
		return err
	}
	r.rememberSnapshot(cluster.ID, snap)

	// Let pushed events that raced the snapshot land first.
	r.settle(ctx)

	s1Parts, err := r.manager.participants.ListByCluster(ctx, cluster.ID)
	if err != nil {
		return err
	}
	s1Calls, err := r.manager.activeCalls.ListByCluster(ctx, cluster.ID)
	if err != nil {
		return err
	}

	remoteParts := make(map[string]SnapshotParticipant, len(snap.Participants))
	for _, p := range snap.Participants {
		remoteParts[p.GUID] = p
	}
	remoteCalls := make(map[string]bool, len(snap.Calls))
	for _, name := range snap.Calls {
		remoteCalls[name] = true
	}
	s0PartSet := make(map[string]bool, len(s0Parts))
	for _, p := range s0Parts {
		s0PartSet[p.GUID] = true
	}
	s1PartSet := make(map[string]bool, len(s1Parts))
	for _, p := range s1Parts {
		s1PartSet[p.GUID] = true
	}
	s0CallSet := make(map[string]bool, len(s0Calls))
	for _, c := range s0Calls {
		s0CallSet[c.Name] = true
	}
	s1CallSet := make(map[string]bool, len(s1Calls))
	for _, c := range s1Calls {
		s1CallSet[c.Name] = true
	}

	// Locally counted but gone on the MCU, and not legitimately ended
	// while we waited.
	for _, p := range s0Parts {
		if remoteParts[p.GUID].GUID != "" || !s1PartSet[p.GUID] {
			continue
		}
		r.logger.Info("dropping participant missing on mcu",
			"cluster", cluster.ID, "guid", p.GUID)
		if err := r.manager.ChangeParticipants(ctx, -1, cluster, p.CustomerID,
			p.GUID, p.Name, p.IsGateway, "disconnected_check"); err != nil {
			return err
		}
	}
	for _, c := range s0Calls {
		if remoteCalls[c.Name] || !s1CallSet[c.Name] {
			continue
		}
		r.logger.Info("dropping call missing on mcu",
			"cluster", cluster.ID, "name", c.Name)
		if err := r.manager.ChangeCalls(ctx, -1, cluster, c.CustomerID,
			c.Name, "disconnected_check"); err != nil {
			return err
		}
	}

	// Live on the MCU but never counted locally. Only trustworthy when
	// the vendor returns full participant data.
	if snap.Complete {
		for guid, p := range remoteParts {
			if s0PartSet[guid] || s1PartSet[guid] {
				continue
			}
			customerID, err := r.resolver.Resolve(ctx, cluster, stats.LegContext{
				Tenant:      p.Tenant,
				LocalAlias:  p.LocalAlias,
				RemoteAlias: p.RemoteAlias,
			})
			if err != nil {
				return err
			}
			r.logger.Info("counting participant found on mcu",
				"cluster", cluster.ID, "guid", guid)
			if err := r.manager.ChangeParticipants(ctx, 1, cluster, customerID,
				guid, p.Name, p.Gateway, "connect_check"); err != nil {
				return err
			}
		}
		for name := range remoteCalls {
			if s0CallSet[name] || s1CallSet[name] {
				continue
			}
			customerID, err := r.resolver.Resolve(ctx, cluster, stats.LegContext{
				ConferenceName: name,
			})
			if err != nil {
				return err
			}
			r.logger.Info("counting call found on mcu",
				"cluster", cluster.ID, "name", name)
			if err := r.manager.ChangeCalls(ctx, 1, cluster, customerID,
				name, "connect_check"); err != nil {
				return err
			}
		}
	}

	return r.stopIdleCalls(ctx, cluster)
}

// stopIdleCalls closes statistics rows for calls with no leg activity in
// the last ten minutes.
func (r *Reconciler) stopIdleCalls(ctx context.Context, cluster *models.Cluster) error {
	now := r.nowFunc().UTC()
	idle, err := r.calls.ListActiveIdleSince(ctx, cluster.ID, now.Add(-idleCallTimeout))
	if err != nil {
		return err
	}
	for i := range idle {
		call := &idle[i]
		stop := now
		call.TSStop = &stop
		if err := r.calls.Update(ctx, call); err != nil {
			return err
		}
		if _, err := r.store.FinalizeCall(ctx, call); err != nil {
			return err
		}
		r.logger.Info("stopped idle call", "cluster", cluster.ID, "guid", call.GUID)
	}
	return nil
}

func (r *Reconciler) rememberSnapshot(clusterID int64, snap *Snapshot) {
	guids := make([]string, 0, len(snap.Participants))
	for _, p := range snap.Participants {
		guids = append(guids, p.GUID)
	}
	r.mu.Lock()
	r.lastLegGUIDs[clusterID] = guids
	r.mu.Unlock()
}

// StopMissingLegs marks legs absent from the last MCU snapshot as
// stopped. Scheduled a few minutes after a reconcile so slow
// disconnect events still win.
func (r *Reconciler) StopMissingLegs(ctx context.Context, cluster *models.Cluster) (int64, error) {
	r.mu.Lock()
	guids, ok := r.lastLegGUIDs[cluster.ID]
	r.mu.Unlock()
	if !ok {
		return 0, nil
	}
	n, err := r.legs.StopMissing(ctx, cluster.ID, guids, r.nowFunc().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.logger.Info("stopped legs missing from snapshot",
			"cluster", cluster.ID, "count", n)
	}
	return n, nil
}

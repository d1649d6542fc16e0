// Package policy decides whether a connecting participant is allowed in
// under the customer's participant limits.
package policy

import (
	"context"
	"log/slog"
	"time"

	"github.com/mividas/corestat/internal/database"
	"github.com/mividas/corestat/internal/database/models"
	"github.com/mividas/corestat/internal/livestate"
)

// Request describes one connecting participant.
type Request struct {
	Cluster     *models.Cluster
	CustomerID  *int64
	Conference  string
	LocalAlias  string
	RemoteAlias string
}

// Decision is the gate's verdict for one participant.
type Decision struct {
	Action int
	Limit  int
}

// Allowed reports whether the participant may connect unrestricted.
func (d Decision) Allowed() bool {
	return d.Action == models.ActionIgnore || d.Action == models.ActionLog
}

// Gate evaluates customer policies against live occupancy.
type Gate struct {
	state    *livestate.Manager
	policies database.CustomerPolicyRepository
	log      database.PolicyLogRepository
	logger   *slog.Logger
	nowFunc  func() time.Time
}

// NewGate creates a Gate.
func NewGate(state *livestate.Manager, policies database.CustomerPolicyRepository, log database.PolicyLogRepository, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		state:    state,
		policies: policies,
		log:      log,
		logger:   logger.With("component", "policy_gate"),
		nowFunc:  time.Now,
	}
}

// Check evaluates one connect attempt and records the decision.
func (g *Gate) Check(ctx context.Context, req Request) (Decision, error) {
	decision, err := g.evaluate(ctx, req)
	if err != nil {
		return Decision{Action: models.ActionIgnore}, err
	}
	entry := &models.ExternalPolicyLog{
		ClusterID:   req.Cluster.ID,
		CustomerID:  req.CustomerID,
		Conference:  req.Conference,
		LocalAlias:  req.LocalAlias,
		RemoteAlias: req.RemoteAlias,
		Limit:       decision.Limit,
		Action:      decision.Action,
		TSCreated:   g.nowFunc().UTC(),
	}
	if err := g.log.Append(ctx, entry); err != nil {
		g.logger.Error("appending policy log", "error", err)
	}
	if !decision.Allowed() {
		g.logger.Info("participant limited",
			"cluster", req.Cluster.ID, "conference", req.Conference,
			"limit", decision.Limit, "action", decision.Action)
	}
	return decision, nil
}

func (g *Gate) evaluate(ctx context.Context, req Request) (Decision, error) {
	if req.CustomerID == nil {
		return Decision{Action: models.ActionIgnore}, nil
	}
	policy, err := g.policies.GetActive(ctx, *req.CustomerID, g.nowFunc().UTC())
	if err != nil {
		return Decision{}, err
	}
	if policy == nil {
		return Decision{Action: models.ActionIgnore}, nil
	}

	state, err := g.state.State(ctx, req.Cluster.ID, req.CustomerID)
	if err != nil {
		return Decision{}, err
	}
	// Count the connecting participant as already in.
	value := state.ActiveParticipants + state.ActiveParticipantsGateway + 1

	if policy.ParticipantHardLimit > 0 && value >= policy.ParticipantHardLimit {
		return Decision{
			Action: effectiveAction(policy.HardLimitAction, req.Cluster.HardLimitAction),
			Limit:  policy.ParticipantHardLimit,
		}, nil
	}
	if soft := policy.ParticipantLimit(); soft > 0 && value >= soft {
		return Decision{
			Action: effectiveAction(policy.SoftLimitAction, req.Cluster.SoftLimitAction),
			Limit:  soft,
		}, nil
	}
	return Decision{Action: models.ActionIgnore}, nil
}

// effectiveAction resolves a policy action, falling back to the cluster's
// when the policy defers.
func effectiveAction(action, clusterAction int) int {
	if action == models.ActionDefault {
		return clusterAction
	}
	return action
}

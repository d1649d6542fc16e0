package api

import (
	"net/http"

	"github.com/mividas/corestat/internal/database/models"
	"github.com/mividas/corestat/internal/policy"
	"github.com/mividas/corestat/internal/rawlog"
	"github.com/mividas/corestat/internal/stats"
)

// pexipPolicyResponse is the shape the Brand B external policy protocol
// expects. Action is "continue" or "reject"; limited-but-allowed
// decisions downgrade the call through the result overrides.
type pexipPolicyResponse struct {
	Status string         `json:"status"`
	Action string         `json:"action"`
	Result map[string]any `json:"result,omitempty"`
}

// handlePexipPolicy answers a Brand B service-configuration policy
// request for one connecting participant.
func (s *Server) handlePexipPolicy(w http.ResponseWriter, r *http.Request) {
	cluster := s.cluster(w, r)
	if cluster == nil {
		return
	}
	q := r.URL.Query()
	localAlias := q.Get("local_alias")
	remoteAlias := q.Get("remote_alias")
	conference := q.Get("conference")
	if conference == "" {
		conference = localAlias
	}

	s.logRaw(r.Context(), rawlog.StorePexipPolicy, cluster.ID, "", []byte(r.URL.RawQuery))

	tenant := stats.TenantFromTag(q.Get("service_tag"))
	customerID, err := s.deps.Resolver.Resolve(r.Context(), cluster, stats.LegContext{
		Tenant:         tenant,
		ConferenceName: conference,
		LocalAlias:     localAlias,
		RemoteAlias:    remoteAlias,
	})
	if err != nil {
		s.logger.Error("resolving policy customer", "cluster", cluster.ID, "error", err)
		// Never block calls on an internal failure.
		writeJSON(w, http.StatusOK, pexipPolicyResponse{Status: "success", Action: "continue"})
		return
	}

	decision, err := s.deps.Gate.Check(r.Context(), policy.Request{
		Cluster:     cluster,
		CustomerID:  customerID,
		Conference:  conference,
		LocalAlias:  localAlias,
		RemoteAlias: remoteAlias,
	})
	if err != nil {
		s.logger.Error("policy check", "cluster", cluster.ID, "error", err)
		writeJSON(w, http.StatusOK, pexipPolicyResponse{Status: "success", Action: "continue"})
		return
	}

	writeJSON(w, http.StatusOK, policyResponse(decision))
}

// policyResponse maps a gate decision onto the wire protocol.
func policyResponse(d policy.Decision) pexipPolicyResponse {
	resp := pexipPolicyResponse{Status: "success", Action: "continue"}
	switch d.Action {
	case models.ActionReject:
		resp.Action = "reject"
	case models.ActionAudioOnly:
		resp.Result = map[string]any{"call_type": "audio"}
	case models.ActionQualitySD:
		resp.Result = map[string]any{"max_callrate_in": 768, "max_callrate_out": 768}
	case models.ActionQuality72:
		resp.Result = map[string]any{"max_callrate_in": 1264, "max_callrate_out": 1264}
	}
	return resp
}

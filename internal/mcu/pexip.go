package mcu

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mividas/corestat/internal/database/models"
	"github.com/mividas/corestat/internal/livestate"
	"github.com/mividas/corestat/internal/stats"
)

// PexipClient reads live state from a Pexip management node's status API.
// Basic auth, JSON, paged with a meta.next cursor.
type PexipClient struct {
	logger  *slog.Logger
	httpFor func(cluster *models.Cluster) *http.Client
}

// NewPexipClient creates a PexipClient.
func NewPexipClient(logger *slog.Logger) *PexipClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &PexipClient{
		logger: logger.With("component", "pexip_api"),
		httpFor: func(cluster *models.Cluster) *http.Client {
			return newHTTPClient(baseTransport())
		},
	}
}

type pexipPage struct {
	Meta struct {
		Next string `json:"next"`
	} `json:"meta"`
	Objects json.RawMessage `json:"objects"`
}

type pexipStatusParticipant struct {
	ID           string `json:"id"`
	CallUUID     string `json:"call_uuid"`
	Conference   string `json:"conference"`
	DisplayName  string `json:"display_name"`
	RemoteAlias  string `json:"remote_alias"`
	LocalAlias   string `json:"local_alias"`
	Protocol     string `json:"protocol"`
	ServiceType  string `json:"service_type"`
	ServiceTag   string `json:"service_tag"`
	IsStreaming  bool   `json:"is_streaming"`
	ParentID     string `json:"parent_id"`
	SystemCallID string `json:"system_call_id"`
}

type pexipStatusConference struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ServiceType string `json:"service_type"`
	Tag         string `json:"tag"`
}

// Snapshot lists live participants and conferences. The status API
// returns full participant data, so the snapshot can add missed legs.
func (c *PexipClient) Snapshot(ctx context.Context, cluster *models.Cluster) (*livestate.Snapshot, error) {
	nodes, err := clusterNodes(cluster)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("cluster %d has no API nodes", cluster.ID)
	}
	client := c.httpFor(cluster)

	// The management node aggregates the whole deployment; the first
	// reachable one wins.
	var lastErr error
	for _, node := range nodes {
		snap, err := c.snapshotNode(ctx, client, cluster, node)
		if err != nil {
			c.logger.Warn("management node unreachable", "node", node, "error", err)
			lastErr = err
			continue
		}
		return snap, nil
	}
	return nil, fmt.Errorf("no management node reachable for cluster %d: %w", cluster.ID, lastErr)
}

func (c *PexipClient) snapshotNode(ctx context.Context, client *http.Client, cluster *models.Cluster, node string) (*livestate.Snapshot, error) {
	snap := &livestate.Snapshot{Complete: true}

	err := c.list(ctx, client, cluster, node, "/api/admin/status/v1/participant/", func(raw json.RawMessage) error {
		var parts []pexipStatusParticipant
		if err := json.Unmarshal(raw, &parts); err != nil {
			return err
		}
		for _, p := range parts {
			guid := p.ID
			if guid == "" {
				guid = p.CallUUID
			}
			snap.Participants = append(snap.Participants, livestate.SnapshotParticipant{
				GUID:        guid,
				Name:        p.DisplayName,
				Tenant:      stats.TenantFromTag(p.ServiceTag),
				LocalAlias:  p.LocalAlias,
				RemoteAlias: p.RemoteAlias,
				Gateway:     p.ServiceType == "gateway",
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = c.list(ctx, client, cluster, node, "/api/admin/status/v1/conference/", func(raw json.RawMessage) error {
		var confs []pexipStatusConference
		if err := json.Unmarshal(raw, &confs); err != nil {
			return err
		}
		for _, conf := range confs {
			if conf.Name != "" {
				snap.Calls = append(snap.Calls, conf.Name)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (c *PexipClient) list(ctx context.Context, client *http.Client, cluster *models.Cluster, node, path string, handle func(json.RawMessage) error) error {
	base := strings.TrimSuffix(node, "/")
	next := path
	for next != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+next, nil)
		if err != nil {
			return err
		}
		req.SetBasicAuth(cluster.APIUsername, cluster.APIPassword)
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("querying %s: %w", path, err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("querying %s: status %d", path, resp.StatusCode)
		}
		var page pexipPage
		if err := json.Unmarshal(body, &page); err != nil {
			return fmt.Errorf("decoding %s response: %w", path, err)
		}
		if err := handle(page.Objects); err != nil {
			return fmt.Errorf("decoding %s objects: %w", path, err)
		}
		next = page.Meta.Next
	}
	return nil
}

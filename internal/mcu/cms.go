package mcu

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/icholy/digest"

	"github.com/mividas/corestat/internal/database/models"
	"github.com/mividas/corestat/internal/livestate"
)

const cmsPageSize = 20

// CMSClient reads live state from a CMS call bridge over its XML API.
// The API uses digest auth and pages results with offset/limit.
type CMSClient struct {
	logger  *slog.Logger
	httpFor func(cluster *models.Cluster) *http.Client
}

// NewCMSClient creates a CMSClient.
func NewCMSClient(logger *slog.Logger) *CMSClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &CMSClient{
		logger: logger.With("component", "cms_api"),
		httpFor: func(cluster *models.Cluster) *http.Client {
			return newHTTPClient(&digest.Transport{
				Username:  cluster.APIUsername,
				Password:  cluster.APIPassword,
				Transport: baseTransport(),
			})
		},
	}
}

type cmsCallLegs struct {
	Total   int          `xml:"total,attr"`
	Entries []cmsCallLeg `xml:"callLeg"`
}

type cmsCallLeg struct {
	ID          string `xml:"id,attr"`
	Name        string `xml:"name"`
	RemoteParty string `xml:"remoteParty"`
	Call        string `xml:"call"`
}

type cmsCalls struct {
	Total   int       `xml:"total,attr"`
	Entries []cmsCall `xml:"call"`
}

type cmsCall struct {
	ID      string `xml:"id,attr"`
	Name    string `xml:"name"`
	Cospace string `xml:"coSpace"`
}

// Snapshot lists live call legs and calls across the cluster's nodes.
// Node results are merged by id since clustered call bridges report the
// same legs from every node.
func (c *CMSClient) Snapshot(ctx context.Context, cluster *models.Cluster) (*livestate.Snapshot, error) {
	nodes, err := clusterNodes(cluster)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("cluster %d has no API nodes", cluster.ID)
	}
	client := c.httpFor(cluster)

	legs := make(map[string]cmsCallLeg)
	callNames := make(map[string]bool)
	var lastErr error
	reached := false
	for _, node := range nodes {
		nodeLegs, err := c.listCallLegs(ctx, client, node)
		if err != nil {
			c.logger.Warn("call bridge unreachable", "node", node, "error", err)
			lastErr = err
			continue
		}
		reached = true
		for _, leg := range nodeLegs {
			legs[leg.ID] = leg
		}
		calls, err := c.listCalls(ctx, client, node)
		if err != nil {
			lastErr = err
			continue
		}
		for _, call := range calls {
			name := call.Name
			if name == "" {
				name = call.Cospace
			}
			if name != "" {
				callNames[name] = true
			}
		}
	}
	if !reached {
		return nil, fmt.Errorf("no call bridge reachable for cluster %d: %w", cluster.ID, lastErr)
	}

	snap := &livestate.Snapshot{}
	for _, leg := range legs {
		name := leg.Name
		if name == "" {
			name = leg.RemoteParty
		}
		snap.Participants = append(snap.Participants, livestate.SnapshotParticipant{
			GUID:        leg.ID,
			Name:        name,
			RemoteAlias: leg.RemoteParty,
		})
	}
	for name := range callNames {
		snap.Calls = append(snap.Calls, name)
	}
	return snap, nil
}

func (c *CMSClient) listCallLegs(ctx context.Context, client *http.Client, node string) ([]cmsCallLeg, error) {
	var out []cmsCallLeg
	for offset := 0; ; offset += cmsPageSize {
		var page cmsCallLegs
		if err := c.get(ctx, client, node, "/api/v1/callLegs", offset, &page); err != nil {
			return nil, err
		}
		out = append(out, page.Entries...)
		if len(page.Entries) == 0 || len(out) >= page.Total {
			return out, nil
		}
	}
}

func (c *CMSClient) listCalls(ctx context.Context, client *http.Client, node string) ([]cmsCall, error) {
	var out []cmsCall
	for offset := 0; ; offset += cmsPageSize {
		var page cmsCalls
		if err := c.get(ctx, client, node, "/api/v1/calls", offset, &page); err != nil {
			return nil, err
		}
		out = append(out, page.Entries...)
		if len(page.Entries) == 0 || len(out) >= page.Total {
			return out, nil
		}
	}
}

func (c *CMSClient) get(ctx context.Context, client *http.Client, node, path string, offset int, into any) error {
	u := strings.TrimSuffix(node, "/") + path + "?" + url.Values{
		"offset": {strconv.Itoa(offset)},
		"limit":  {strconv.Itoa(cmsPageSize)},
	}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("querying %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("querying %s: status %d", path, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if err := xml.Unmarshal(body, into); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

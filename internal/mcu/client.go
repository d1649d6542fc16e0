// Package mcu talks to the conference bridges' management APIs to take
// live snapshots for the reconciler.
package mcu

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/mividas/corestat/internal/database/models"
	"github.com/mividas/corestat/internal/livestate"
)

const (
	connectTimeout = 4100 * time.Millisecond
	readTimeout    = 20 * time.Second
)

func newHTTPClient(transport http.RoundTripper) *http.Client {
	return &http.Client{
		Transport: transport,
		Timeout:   readTimeout,
	}
}

func baseTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: connectTimeout,
		}).DialContext,
		TLSHandshakeTimeout: connectTimeout,
	}
}

// clusterNodes decodes the cluster's JSON node list.
func clusterNodes(cluster *models.Cluster) ([]string, error) {
	if cluster.Nodes == "" {
		return nil, nil
	}
	var nodes []string
	if err := json.Unmarshal([]byte(cluster.Nodes), &nodes); err != nil {
		return nil, fmt.Errorf("decoding node list for cluster %d: %w", cluster.ID, err)
	}
	return nodes, nil
}

// Snapshotter dispatches snapshot requests to the brand's client.
type Snapshotter struct {
	cms   *CMSClient
	pexip *PexipClient
}

// NewSnapshotter creates a Snapshotter over both brand clients.
func NewSnapshotter(cms *CMSClient, pexip *PexipClient) *Snapshotter {
	return &Snapshotter{cms: cms, pexip: pexip}
}

// Snapshot lists the cluster's live legs and conferences.
func (s *Snapshotter) Snapshot(ctx context.Context, cluster *models.Cluster) (*livestate.Snapshot, error) {
	switch cluster.Brand {
	case models.BrandAcano:
		return s.cms.Snapshot(ctx, cluster)
	case models.BrandPexip:
		return s.pexip.Snapshot(ctx, cluster)
	}
	return nil, fmt.Errorf("unknown cluster brand %q", cluster.Brand)
}

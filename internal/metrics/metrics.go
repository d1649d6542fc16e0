package metrics

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mividas/corestat/internal/database/models"
)

// ClusterLister enumerates the MCU clusters to report on.
type ClusterLister interface {
	List(ctx context.Context) ([]models.Cluster, error)
}

// OccupancyProvider exposes the live policy-state counters per cluster.
type OccupancyProvider interface {
	ListByCluster(ctx context.Context, clusterID int64) ([]models.CustomerPolicyState, error)
}

// SpamCounter returns the accumulated dropped-record counters per cluster.
type SpamCounter interface {
	Totals(ctx context.Context, clusterID int64) (unknownDestination, shortCall int64, err error)
}

// SyncStatusProvider exposes calendar sync recency per credentials.
type SyncStatusProvider interface {
	ListSyncable(ctx context.Context) ([]models.Credentials, error)
}

// Collector is a prometheus.Collector that gathers corestat metrics at scrape time.
type Collector struct {
	clusters  ClusterLister
	occupancy OccupancyProvider
	spam      SpamCounter
	sync      SyncStatusProvider
	startTime time.Time

	// Metric descriptors.
	activeCallsDesc        *prometheus.Desc
	activeParticipantsDesc *prometheus.Desc
	spamRecordsDesc        *prometheus.Desc
	lastSyncDesc           *prometheus.Desc
	uptimeDesc             *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(
	clusters ClusterLister,
	occupancy OccupancyProvider,
	spam SpamCounter,
	sync SyncStatusProvider,
	startTime time.Time,
) *Collector {
	return &Collector{
		clusters:  clusters,
		occupancy: occupancy,
		spam:      spam,
		sync:      sync,
		startTime: startTime,

		activeCallsDesc: prometheus.NewDesc(
			"corestat_active_calls",
			"Number of currently active conferences per cluster",
			[]string{"cluster"}, nil,
		),
		activeParticipantsDesc: prometheus.NewDesc(
			"corestat_active_participants",
			"Number of currently connected participants per cluster",
			[]string{"cluster", "kind"}, nil,
		),
		spamRecordsDesc: prometheus.NewDesc(
			"corestat_spam_records_total",
			"CDR records dropped as spam per cluster",
			[]string{"cluster", "reason"}, nil,
		),
		lastSyncDesc: prometheus.NewDesc(
			"corestat_calendar_last_sync_timestamp_seconds",
			"Unix time of the last successful calendar sync per credentials",
			[]string{"credentials"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"corestat_uptime_seconds",
			"Seconds since the corestat process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.activeParticipantsDesc
	ch <- c.spamRecordsDesc
	ch <- c.lastSyncDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.clusters != nil {
		clusters, err := c.clusters.List(ctx)
		if err != nil {
			slog.Error("metrics: failed to list clusters", "error", err)
			clusters = nil
		}
		for _, cluster := range clusters {
			label := strconv.FormatInt(cluster.ID, 10)

			if c.occupancy != nil {
				states, err := c.occupancy.ListByCluster(ctx, cluster.ID)
				if err != nil {
					slog.Error("metrics: failed to list policy states",
						"cluster", cluster.ID, "error", err)
				} else {
					calls, normal, gateway := 0, 0, 0
					for _, s := range states {
						calls += s.ActiveCalls
						// ActiveParticipants holds the full count; the
						// gateway column is the subset.
						normal += s.ActiveParticipants - s.ActiveParticipantsGateway
						gateway += s.ActiveParticipantsGateway
					}
					ch <- prometheus.MustNewConstMetric(
						c.activeCallsDesc, prometheus.GaugeValue,
						float64(calls), label,
					)
					ch <- prometheus.MustNewConstMetric(
						c.activeParticipantsDesc, prometheus.GaugeValue,
						float64(normal), label, "normal",
					)
					ch <- prometheus.MustNewConstMetric(
						c.activeParticipantsDesc, prometheus.GaugeValue,
						float64(gateway), label, "gateway",
					)
				}
			}

			if c.spam != nil {
				unknown, short, err := c.spam.Totals(ctx, cluster.ID)
				if err != nil {
					slog.Error("metrics: failed to read spam counters",
						"cluster", cluster.ID, "error", err)
				} else {
					ch <- prometheus.MustNewConstMetric(
						c.spamRecordsDesc, prometheus.CounterValue,
						float64(unknown), label, "unknown_destination",
					)
					ch <- prometheus.MustNewConstMetric(
						c.spamRecordsDesc, prometheus.CounterValue,
						float64(short), label, "short_call",
					)
				}
			}
		}
	}

	if c.sync != nil {
		creds, err := c.sync.ListSyncable(ctx)
		if err != nil {
			slog.Error("metrics: failed to list credentials", "error", err)
		} else {
			for _, cred := range creds {
				last := cred.LastFullSyncTS
				if cred.LastIncrementalSyncTS != nil &&
					(last == nil || cred.LastIncrementalSyncTS.After(*last)) {
					last = cred.LastIncrementalSyncTS
				}
				if last == nil {
					continue
				}
				ch <- prometheus.MustNewConstMetric(
					c.lastSyncDesc, prometheus.GaugeValue,
					float64(last.Unix()),
					strconv.FormatInt(cred.ID, 10),
				)
			}
		}
	}

	// Uptime.
	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}

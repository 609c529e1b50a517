package api

import (
	"github.com/prometheus/client_golang/prometheus"

	"reputation_consensus/pkg/arbitration"
	"reputation_consensus/pkg/consensus"
	"reputation_consensus/pkg/fraud"
	"reputation_consensus/pkg/p2p"
)

// StatsSources supplies the component snapshots the collector scrapes.
// Nil funcs are skipped, so a node without a network transport still
// exposes its consensus metrics.
type StatsSources struct {
	Engine      func() consensus.EngineStats
	Ledger      func() fraud.LedgerStats
	Arbitration func() arbitration.ArbitratorStats
	Network     func() p2p.HostStats
}

// Collector exposes component metrics to Prometheus by snapshotting the
// components at scrape time instead of instrumenting every hot path.
type Collector struct {
	sources StatsSources

	activeSessions    *prometheus.Desc
	sessionsTotal     *prometheus.Desc
	votesIngested     *prometheus.Desc
	votesDiscarded    *prometheus.Desc
	fraudsRecorded    *prometheus.Desc
	stakeSlashed      *prometheus.Desc
	disputesTotal     *prometheus.Desc
	connectedPeers    *prometheus.Desc
	messagesPublished *prometheus.Desc
}

// NewCollector creates a collector over the given sources.
func NewCollector(sources StatsSources) *Collector {
	return &Collector{
		sources: sources,
		activeSessions: prometheus.NewDesc("repcon_active_sessions",
			"Validation sessions currently tracked in memory", nil, nil),
		sessionsTotal: prometheus.NewDesc("repcon_sessions_total",
			"Resolved validation sessions by outcome", []string{"outcome"}, nil),
		votesIngested: prometheus.NewDesc("repcon_votes_ingested_total",
			"Committee votes accepted into tallies", nil, nil),
		votesDiscarded: prometheus.NewDesc("repcon_votes_discarded_total",
			"Protocol messages discarded before tallying", nil, nil),
		fraudsRecorded: prometheus.NewDesc("repcon_frauds_recorded_total",
			"Fraud records written to the ledger", nil, nil),
		stakeSlashed: prometheus.NewDesc("repcon_stake_slashed_total",
			"Cumulative stake slashed through fraud penalties", nil, nil),
		disputesTotal: prometheus.NewDesc("repcon_disputes_total",
			"Arbitration disputes by state", []string{"state"}, nil),
		connectedPeers: prometheus.NewDesc("repcon_connected_peers",
			"Currently connected gossip peers", nil, nil),
		messagesPublished: prometheus.NewDesc("repcon_messages_published_total",
			"Gossip messages published by this node", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeSessions
	ch <- c.sessionsTotal
	ch <- c.votesIngested
	ch <- c.votesDiscarded
	ch <- c.fraudsRecorded
	ch <- c.stakeSlashed
	ch <- c.disputesTotal
	ch <- c.connectedPeers
	ch <- c.messagesPublished
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.sources.Engine != nil {
		stats := c.sources.Engine()
		ch <- prometheus.MustNewConstMetric(c.activeSessions, prometheus.GaugeValue, float64(stats.ActiveSessions))
		ch <- prometheus.MustNewConstMetric(c.sessionsTotal, prometheus.CounterValue, float64(stats.SessionsValidated), "validated")
		ch <- prometheus.MustNewConstMetric(c.sessionsTotal, prometheus.CounterValue, float64(stats.SessionsRejected), "rejected")
		ch <- prometheus.MustNewConstMetric(c.sessionsTotal, prometheus.CounterValue, float64(stats.SessionsDisputed), "disputed")
		ch <- prometheus.MustNewConstMetric(c.votesIngested, prometheus.CounterValue, float64(stats.VotesIngested))
		ch <- prometheus.MustNewConstMetric(c.votesDiscarded, prometheus.CounterValue, float64(stats.VotesDiscarded))
	}
	if c.sources.Ledger != nil {
		stats := c.sources.Ledger()
		ch <- prometheus.MustNewConstMetric(c.fraudsRecorded, prometheus.CounterValue, float64(stats.FraudsRecorded))
		ch <- prometheus.MustNewConstMetric(c.stakeSlashed, prometheus.CounterValue, stats.StakeSlashed)
	}
	if c.sources.Arbitration != nil {
		stats := c.sources.Arbitration()
		ch <- prometheus.MustNewConstMetric(c.disputesTotal, prometheus.CounterValue, float64(stats.DisputesOpened), "opened")
		ch <- prometheus.MustNewConstMetric(c.disputesTotal, prometheus.CounterValue, float64(stats.DisputesValidated), "validated")
		ch <- prometheus.MustNewConstMetric(c.disputesTotal, prometheus.CounterValue, float64(stats.DisputesRejected), "rejected")
	}
	if c.sources.Network != nil {
		stats := c.sources.Network()
		ch <- prometheus.MustNewConstMetric(c.connectedPeers, prometheus.GaugeValue, float64(stats.ConnectedPeers))
		ch <- prometheus.MustNewConstMetric(c.messagesPublished, prometheus.CounterValue, float64(stats.MessagesPublished))
	}
}

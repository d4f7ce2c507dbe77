package lib

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

/* This file implements dev-ops telemetry for the node in the form of prometheus metrics */

const metricsPattern = "/metrics"

// shardGroupLabel is the label every consensus metric is partitioned by
const shardGroupLabel = "shard_group"

// Metrics represents a server that exposes Prometheus metrics
type Metrics struct {
	server   *http.Server         // the http prometheus server
	config   MetricsConfig        // the configuration
	registry *prometheus.Registry // the registry the metrics are registered on
	log      LoggerI              // the logger

	NodeMetrics    // general telemetry about the node
	BFTMetrics     // bft telemetry
	ForeignMetrics // cross shard telemetry
}

// NodeMetrics represents general telemetry for the node's health
type NodeMetrics struct {
	NodeStatus          prometheus.Gauge     // is the node alive?
	BlockProcessingTime prometheus.Histogram // how long does it take for this node to process a proposal?
}

// BFTMetrics represents the telemetry for the BFT module, labelled by shard group
type BFTMetrics struct {
	Height          *prometheus.GaugeVec   // what's the current view height?
	CommittedHeight *prometheus.GaugeVec   // what's the highest committed height?
	Proposals       *prometheus.CounterVec // how many blocks did this node propose?
	Votes           *prometheus.CounterVec // how many votes did this node cast?
	QCs             *prometheus.CounterVec // how many certificates did this node aggregate?
	Timeouts        *prometheus.CounterVec // how many views timed out?
	Commits         *prometheus.CounterVec // how many blocks were committed?
	Equivocations   *prometheus.CounterVec // how many equivocating voters were detected?
}

// ForeignMetrics represents the telemetry of the foreign shard index
type ForeignMetrics struct {
	Provisional *prometheus.GaugeVec   // how many cross shard commands wait on a foreign group?
	Disputes    *prometheus.CounterVec // how many commands timed out waiting?
}

// NewMetricsServer() creates a new telemetry server, a nil registry uses a fresh one
func NewMetricsServer(config MetricsConfig, registry *prometheus.Registry, log LoggerI) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if log == nil {
		log = NewNullLogger()
	}
	mux := http.NewServeMux()
	mux.Handle(metricsPattern, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	factory, labels := promauto.With(registry), []string{shardGroupLabel}
	return &Metrics{
		server:   &http.Server{Addr: config.PrometheusAddress, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		config:   config,
		registry: registry,
		log:      log,
		NodeMetrics: NodeMetrics{
			NodeStatus: factory.NewGauge(prometheus.GaugeOpts{
				Name: "dan_node_status",
				Help: "The node is alive and processing blocks",
			}),
			BlockProcessingTime: factory.NewHistogram(prometheus.HistogramOpts{
				Name: "dan_proposal_processing_time",
				Help: "Time to validate and vote on a proposal in seconds",
			}),
		},
		BFTMetrics: BFTMetrics{
			Height: factory.NewGaugeVec(prometheus.GaugeOpts{
				Name: "dan_bft_height",
				Help: "Current view height",
			}, labels),
			CommittedHeight: factory.NewGaugeVec(prometheus.GaugeOpts{
				Name: "dan_bft_committed_height",
				Help: "Highest committed block height",
			}, labels),
			Proposals: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "dan_bft_proposals_total",
				Help: "Blocks proposed by this node",
			}, labels),
			Votes: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "dan_bft_votes_total",
				Help: "Votes cast by this node",
			}, labels),
			QCs: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "dan_bft_qcs_total",
				Help: "Quorum certificates aggregated by this node",
			}, labels),
			Timeouts: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "dan_bft_timeouts_total",
				Help: "Views that timed out",
			}, labels),
			Commits: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "dan_bft_commits_total",
				Help: "Blocks committed",
			}, labels),
			Equivocations: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "dan_bft_equivocations_total",
				Help: "Equivocating voters detected",
			}, labels),
		},
		ForeignMetrics: ForeignMetrics{
			Provisional: factory.NewGaugeVec(prometheus.GaugeOpts{
				Name: "dan_foreign_provisional",
				Help: "Cross shard commands awaiting foreign commitment",
			}, labels),
			Disputes: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "dan_foreign_disputes_total",
				Help: "Cross shard commands disputed after the reconciliation timeout",
			}, labels),
		},
	}
}

// Registry() returns the registry the metrics are registered on
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Start() starts the telemetry server
func (m *Metrics) Start() {
	// exit if empty
	if m == nil {
		return
	}
	m.NodeStatus.Set(1)
	// if the metrics server is enabled
	if m.config.Enabled {
		go func() {
			m.log.Infof("Starting metrics server on %s", m.config.PrometheusAddress)
			// run the server
			if err := m.server.ListenAndServe(); err != nil {
				if err != http.ErrServerClosed {
					m.log.Errorf("Metrics server failed with err: %s", err.Error())
				}
			}
		}()
	}
}

// Stop() gracefully stops the telemetry server
func (m *Metrics) Stop() {
	// exit if empty
	if m == nil {
		return
	}
	m.NodeStatus.Set(0)
	// if the metrics server isn't enabled
	if m.config.Enabled {
		// shutdown the server
		if err := m.server.Shutdown(context.Background()); err != nil {
			m.log.Error(err.Error())
		}
	}
}

// UpdateHeight() is a setter for the view and committed heights of a shard group
func (m *Metrics) UpdateHeight(sg ShardGroup, height, committed uint64) {
	// exit if empty
	if m == nil {
		return
	}
	m.Height.WithLabelValues(sg.String()).Set(float64(height))
	m.CommittedHeight.WithLabelValues(sg.String()).Set(float64(committed))
}

// IncProposal() counts a block proposed by this node
func (m *Metrics) IncProposal(sg ShardGroup) {
	if m == nil {
		return
	}
	m.Proposals.WithLabelValues(sg.String()).Inc()
}

// IncVote() counts a vote cast by this node
func (m *Metrics) IncVote(sg ShardGroup) {
	if m == nil {
		return
	}
	m.Votes.WithLabelValues(sg.String()).Inc()
}

// IncQC() counts a certificate aggregated by this node
func (m *Metrics) IncQC(sg ShardGroup) {
	if m == nil {
		return
	}
	m.QCs.WithLabelValues(sg.String()).Inc()
}

// IncTimeout() counts a view change
func (m *Metrics) IncTimeout(sg ShardGroup) {
	if m == nil {
		return
	}
	m.Timeouts.WithLabelValues(sg.String()).Inc()
}

// IncCommits() counts committed blocks
func (m *Metrics) IncCommits(sg ShardGroup, n int) {
	if m == nil {
		return
	}
	m.Commits.WithLabelValues(sg.String()).Add(float64(n))
}

// IncEquivocation() counts a detected equivocating voter
func (m *Metrics) IncEquivocation(sg ShardGroup) {
	if m == nil {
		return
	}
	m.Equivocations.WithLabelValues(sg.String()).Inc()
}

// UpdateForeign() is a setter for the provisional command gauge and the dispute counter
func (m *Metrics) UpdateForeign(sg ShardGroup, provisional int, newDisputes int) {
	if m == nil {
		return
	}
	m.Provisional.WithLabelValues(sg.String()).Set(float64(provisional))
	m.Disputes.WithLabelValues(sg.String()).Add(float64(newDisputes))
}

// ObserveProposal() records the time taken to process a proposal
func (m *Metrics) ObserveProposal(d time.Duration) {
	if m == nil {
		return
	}
	m.BlockProcessingTime.Observe(d.Seconds())
}

package cloudmetrics

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// CloudMetrics owns the private registry pushed to Credo Cloud plus the
// instance-level gauges the control plane accounts against.
type CloudMetrics struct {
	registry *prometheus.Registry
	pusher   Pusher
	logger   *zap.Logger

	instanceInfo  *prometheus.GaugeVec
	memoryBytes   prometheus.Gauge
	organizations prometheus.Gauge
}

// New builds the cloud metrics surface on registry. A nil registry gets a
// private one; a nil pusher makes Push a no-op.
func New(registry *prometheus.Registry, pusher Pusher, instanceID int64, version string, logger *zap.Logger) *CloudMetrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &CloudMetrics{
		registry: registry,
		pusher:   pusher,
		logger:   logger,
		instanceInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "credo_cloud_instance_info",
			Help: "Deployment identity reported to Credo Cloud.",
		}, []string{"instance_id", "version"}),
		memoryBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "credo_cloud_memory_bytes",
			Help: "Process memory obtained from the OS.",
		}),
		organizations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "credo_cloud_organizations",
			Help: "Organizations present in this deployment.",
		}),
	}
	registry.MustRegister(c.instanceInfo, c.memoryBytes, c.organizations)
	c.instanceInfo.WithLabelValues(strconv.FormatInt(instanceID, 10), version).Set(1)
	return c
}

// Registry exposes the private registry so the domain recorder can share it.
func (c *CloudMetrics) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Push gathers the private registry and sends it upstream.
func (c *CloudMetrics) Push(ctx context.Context) error {
	if c == nil || c.pusher == nil {
		return nil
	}
	return c.pusher.Push(ctx, c.registry)
}

func (c *CloudMetrics) SetMemoryUsage(bytes uint64) {
	if c == nil {
		return
	}
	c.memoryBytes.Set(float64(bytes))
}

func (c *CloudMetrics) SetOrganizationsTotal(count int64) {
	if c == nil {
		return
	}
	c.organizations.Set(float64(count))
}

// metrics are the per-organization accounting series behind the recorder.
type metrics struct {
	creditsApproved *prometheus.CounterVec
	billsRefreshed  *prometheus.CounterVec
	activeCredits   *prometheus.GaugeVec
	engineErrors    *prometheus.CounterVec
}

func newMetrics(registry *prometheus.Registry) *metrics {
	m := &metrics{
		creditsApproved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "credo_cloud_credits_approved_total",
			Help: "Credit lines approved, per organization.",
		}, []string{"org_id"}),
		billsRefreshed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "credo_cloud_bills_refreshed_total",
			Help: "Billing refreshes performed, per organization.",
		}, []string{"org_id"}),
		activeCredits: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "credo_cloud_active_credits",
			Help: "Credit lines not yet closed, per organization.",
		}, []string{"org_id"}),
		engineErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "credo_cloud_engine_errors_total",
			Help: "Billing engine failures, per organization and operation.",
		}, []string{"org_id", "operation"}),
	}
	if registry != nil {
		registry.MustRegister(m.creditsApproved, m.billsRefreshed, m.activeCredits, m.engineErrors)
	}
	return m
}

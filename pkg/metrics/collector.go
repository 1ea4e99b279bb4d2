// Package metrics exposes the engine and authenticator counters to
// Prometheus. The subsystems own their counters; this collector reads
// their snapshots at scrape time so the /metrics surface and the JSON
// snapshot API always agree.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/microseg-io/microseg/pkg/segmentation"
	"github.com/microseg-io/microseg/pkg/ztauth"
)

type Collector struct {
	engine *segmentation.Engine
	auth   *ztauth.Authenticator

	packetsAllowed  *prometheus.Desc
	packetsDenied   *prometheus.Desc
	zoneViolations  *prometheus.Desc
	lateralBlocked  *prometheus.Desc
	unresolvedDrops *prometheus.Desc
	zoneDevices     *prometheus.Desc

	authAttempts     *prometheus.Desc
	authSuccess      *prometheus.Desc
	authFailures     *prometheus.Desc
	tokenRefreshes   *prometheus.Desc
	trustViolations  *prometheus.Desc
	mtlsVerified     *prometheus.Desc
	continuousChecks *prometheus.Desc
	activeSessions   *prometheus.Desc
	avgTrustScore    *prometheus.Desc
}

func NewCollector(engine *segmentation.Engine, auth *ztauth.Authenticator) *Collector {
	return &Collector{
		engine: engine,
		auth:   auth,

		packetsAllowed: prometheus.NewDesc(
			"microseg_packets_allowed_total",
			"Flows permitted by the segmentation engine.", nil, nil),
		packetsDenied: prometheus.NewDesc(
			"microseg_packets_denied_total",
			"Flows denied by policy or default deny.", nil, nil),
		zoneViolations: prometheus.NewDesc(
			"microseg_zone_violations_total",
			"Flows denied because no policy matched.", nil, nil),
		lateralBlocked: prometheus.NewDesc(
			"microseg_lateral_movement_blocked_total",
			"Denied flows between IoT tiers.", nil, nil),
		unresolvedDrops: prometheus.NewDesc(
			"microseg_unresolved_zone_drops_total",
			"Flows dropped because an endpoint had no zone assignment.", nil, nil),
		zoneDevices: prometheus.NewDesc(
			"microseg_zone_devices",
			"Devices currently assigned per zone.", []string{"zone"}, nil),

		authAttempts: prometheus.NewDesc(
			"microseg_auth_attempts_total",
			"Device authentication attempts.", nil, nil),
		authSuccess: prometheus.NewDesc(
			"microseg_auth_success_total",
			"Successful device authentications.", nil, nil),
		authFailures: prometheus.NewDesc(
			"microseg_auth_failures_total",
			"Failed device authentications.", nil, nil),
		tokenRefreshes: prometheus.NewDesc(
			"microseg_token_refreshes_total",
			"Session token refreshes.", nil, nil),
		trustViolations: prometheus.NewDesc(
			"microseg_trust_violations_total",
			"Continuous checks that found the device untrusted.", nil, nil),
		mtlsVerified: prometheus.NewDesc(
			"microseg_mtls_verifications_total",
			"mTLS certificate verifications attempted.", nil, nil),
		continuousChecks: prometheus.NewDesc(
			"microseg_continuous_auth_checks_total",
			"Continuous authentication checks performed.", nil, nil),
		activeSessions: prometheus.NewDesc(
			"microseg_active_sessions",
			"Devices with a live authentication context.", nil, nil),
		avgTrustScore: prometheus.NewDesc(
			"microseg_avg_trust_score",
			"Mean trust score across active sessions.", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.packetsAllowed
	ch <- c.packetsDenied
	ch <- c.zoneViolations
	ch <- c.lateralBlocked
	ch <- c.unresolvedDrops
	ch <- c.zoneDevices
	ch <- c.authAttempts
	ch <- c.authSuccess
	ch <- c.authFailures
	ch <- c.tokenRefreshes
	ch <- c.trustViolations
	ch <- c.mtlsVerified
	ch <- c.continuousChecks
	ch <- c.activeSessions
	ch <- c.avgTrustScore
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	seg := c.engine.Snapshot()
	ch <- prometheus.MustNewConstMetric(c.packetsAllowed, prometheus.CounterValue, float64(seg.PacketsAllowed))
	ch <- prometheus.MustNewConstMetric(c.packetsDenied, prometheus.CounterValue, float64(seg.PacketsDenied))
	ch <- prometheus.MustNewConstMetric(c.zoneViolations, prometheus.CounterValue, float64(seg.ZoneViolations))
	ch <- prometheus.MustNewConstMetric(c.lateralBlocked, prometheus.CounterValue, float64(seg.LateralMovementBlocked))
	ch <- prometheus.MustNewConstMetric(c.unresolvedDrops, prometheus.CounterValue, float64(seg.UnresolvedZoneDrops))
	for zone, count := range seg.ZoneDevices {
		ch <- prometheus.MustNewConstMetric(c.zoneDevices, prometheus.GaugeValue, float64(count), string(zone))
	}

	auth := c.auth.Snapshot()
	ch <- prometheus.MustNewConstMetric(c.authAttempts, prometheus.CounterValue, float64(auth.AuthAttempts))
	ch <- prometheus.MustNewConstMetric(c.authSuccess, prometheus.CounterValue, float64(auth.AuthSuccess))
	ch <- prometheus.MustNewConstMetric(c.authFailures, prometheus.CounterValue, float64(auth.AuthFailures))
	ch <- prometheus.MustNewConstMetric(c.tokenRefreshes, prometheus.CounterValue, float64(auth.TokenRefreshes))
	ch <- prometheus.MustNewConstMetric(c.trustViolations, prometheus.CounterValue, float64(auth.TrustViolations))
	ch <- prometheus.MustNewConstMetric(c.mtlsVerified, prometheus.CounterValue, float64(auth.MTLSVerifications))
	ch <- prometheus.MustNewConstMetric(c.continuousChecks, prometheus.CounterValue, float64(auth.ContinuousChecks))
	ch <- prometheus.MustNewConstMetric(c.activeSessions, prometheus.GaugeValue, float64(auth.ActiveSessions))
	ch <- prometheus.MustNewConstMetric(c.avgTrustScore, prometheus.GaugeValue, auth.AvgTrustScore)
}

var _ prometheus.Collector = (*Collector)(nil)

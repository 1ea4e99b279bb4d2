package segmentation

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/microseg-io/microseg/pkg/zones"
)

func newTestEngine(opts ...EngineOption) *Engine {
	return NewEngine(zerolog.Nop(), opts...)
}

func TestEvaluateTrafficDefaultPolicies(t *testing.T) {
	tests := []struct {
		name     string
		srcZone  zones.Zone
		dstZone  zones.Zone
		protocol string
		port     int
		want     bool
		reason   Reason
	}{
		{
			name:     "iot trusted to gateway mqtt",
			srcZone:  zones.IoTTrusted,
			dstZone:  zones.CloudGateway,
			protocol: "mqtt",
			port:     1883,
			want:     true,
			reason:   ReasonPolicyAllow,
		},
		{
			name:     "gateway to processing grpc",
			srcZone:  zones.CloudGateway,
			dstZone:  zones.DataProcessing,
			protocol: "grpc",
			port:     50051,
			want:     true,
			reason:   ReasonPolicyAllow,
		},
		{
			name:     "iot trusted to iot untrusted explicit deny",
			srcZone:  zones.IoTTrusted,
			dstZone:  zones.IoTUntrusted,
			protocol: "mqtt",
			port:     1883,
			want:     false,
			reason:   ReasonPolicyDeny,
		},
		{
			name:     "iot trusted to gateway wrong protocol defaults to deny",
			srcZone:  zones.IoTTrusted,
			dstZone:  zones.CloudGateway,
			protocol: "telnet",
			port:     23,
			want:     false,
			reason:   ReasonDefaultDeny,
		},
		{
			name:     "external to admin no rule",
			srcZone:  zones.External,
			dstZone:  zones.Admin,
			protocol: "https",
			port:     443,
			want:     false,
			reason:   ReasonDefaultDeny,
		},
		{
			name:     "management to data processing ssh",
			srcZone:  zones.Management,
			dstZone:  zones.DataProcessing,
			protocol: "ssh",
			port:     22,
			want:     true,
			reason:   ReasonPolicyAllow,
		},
		{
			name:     "quarantine to gateway denied",
			srcZone:  zones.IoTQuarantine,
			dstZone:  zones.CloudGateway,
			protocol: "https",
			port:     443,
			want:     false,
			reason:   ReasonPolicyDeny,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine()
			if err := e.AssignDeviceZone("src", tt.srcZone); err != nil {
				t.Fatalf("assign src: %v", err)
			}
			if err := e.AssignDeviceZone("dst", tt.dstZone); err != nil {
				t.Fatalf("assign dst: %v", err)
			}

			got := e.EvaluateTraffic("src", "dst", tt.protocol, tt.port)
			if got.Allowed != tt.want {
				t.Errorf("EvaluateTraffic() allowed = %v, want %v", got.Allowed, tt.want)
			}
			if got.Reason != tt.reason {
				t.Errorf("EvaluateTraffic() reason = %q, want %q", got.Reason, tt.reason)
			}
		})
	}
}

func TestEvaluateTrafficUnresolvedZoneFailsClosed(t *testing.T) {
	e := newTestEngine()
	if err := e.AssignDeviceZone("known", zones.IoTTrusted); err != nil {
		t.Fatalf("assign: %v", err)
	}

	got := e.EvaluateTraffic("known", "ghost", "mqtt", 1883)
	if got.Allowed {
		t.Fatal("flow with unresolved zone must be denied")
	}
	if got.Reason != ReasonUnresolvedZone {
		t.Fatalf("reason = %q, want %q", got.Reason, ReasonUnresolvedZone)
	}

	m := e.Snapshot()
	if m.UnresolvedZoneDrops != 1 {
		t.Errorf("UnresolvedZoneDrops = %d, want 1", m.UnresolvedZoneDrops)
	}
	if m.PacketsDenied != 0 {
		t.Errorf("PacketsDenied = %d, want 0 (configuration fault is not a policy denial)", m.PacketsDenied)
	}
	if m.ZoneViolations != 0 {
		t.Errorf("ZoneViolations = %d, want 0", m.ZoneViolations)
	}
}

func TestLateralMovementCounting(t *testing.T) {
	e := newTestEngine()
	if err := e.AssignDeviceZone("cam_01", zones.IoTTrusted); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := e.AssignDeviceZone("plug_02", zones.IoTUntrusted); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := e.AssignDeviceZone("cam_02", zones.IoTTrusted); err != nil {
		t.Fatalf("assign: %v", err)
	}

	// Explicit deny rule between the IoT tiers.
	if got := e.EvaluateTraffic("cam_01", "plug_02", "mqtt", 1883); got.Allowed {
		t.Fatal("cross-tier IoT traffic must be denied")
	}
	if m := e.Snapshot(); m.LateralMovementBlocked != 1 {
		t.Fatalf("LateralMovementBlocked = %d, want 1", m.LateralMovementBlocked)
	}

	// Same-tier peer traffic has no rule; the default deny still counts as
	// blocked lateral movement.
	if got := e.EvaluateTraffic("cam_01", "cam_02", "mqtt", 1883); got.Allowed {
		t.Fatal("same-tier IoT traffic must be denied")
	}
	m := e.Snapshot()
	if m.LateralMovementBlocked != 2 {
		t.Errorf("LateralMovementBlocked = %d, want 2", m.LateralMovementBlocked)
	}
	if m.ZoneViolations != 1 {
		t.Errorf("ZoneViolations = %d, want 1", m.ZoneViolations)
	}
	if m.PacketsDenied != 2 {
		t.Errorf("PacketsDenied = %d, want 2", m.PacketsDenied)
	}
}

func TestQuarantineIsolationBeatsLaterAllowRules(t *testing.T) {
	e := newTestEngine()
	if err := e.AssignDeviceZone("bad", zones.IoTTrusted); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := e.AssignDeviceZone("gw", zones.CloudGateway); err != nil {
		t.Fatalf("assign: %v", err)
	}

	e.QuarantineDevice("bad")
	if zone, _ := e.DeviceZone("bad"); zone != zones.IoTQuarantine {
		t.Fatalf("zone after quarantine = %q, want %q", zone, zones.IoTQuarantine)
	}

	// A permissive rule added later at a lower priority never beats the
	// priority-300 quarantine deny.
	err := e.AddPolicy(Policy{
		Name:       "quarantine_escape_attempt",
		SourceZone: zones.IoTQuarantine,
		DestZone:   zones.CloudGateway,
		Protocols:  []string{"*"},
		Ports:      []int{0},
		Action:     ActionAllow,
		Priority:   250,
		Enabled:    true,
	})
	if err != nil {
		t.Fatalf("AddPolicy: %v", err)
	}

	got := e.EvaluateTraffic("bad", "gw", "mqtt", 1883)
	if got.Allowed {
		t.Fatal("quarantined device must stay isolated")
	}
	if got.Reason != ReasonPolicyDeny {
		t.Errorf("reason = %q, want %q", got.Reason, ReasonPolicyDeny)
	}
}

func TestRestoreDevice(t *testing.T) {
	e := newTestEngine()
	if err := e.AssignDeviceZone("dev", zones.IoTTrusted); err != nil {
		t.Fatalf("assign: %v", err)
	}

	// Restore is a no-op when the device is not quarantined.
	restored, err := e.RestoreDevice("dev", zones.IoTUntrusted)
	if err != nil {
		t.Fatalf("RestoreDevice: %v", err)
	}
	if restored {
		t.Fatal("restore must be a no-op outside quarantine")
	}
	if zone, _ := e.DeviceZone("dev"); zone != zones.IoTTrusted {
		t.Fatalf("zone changed by no-op restore: %q", zone)
	}

	e.QuarantineDevice("dev")
	restored, err = e.RestoreDevice("dev", zones.IoTUntrusted)
	if err != nil {
		t.Fatalf("RestoreDevice: %v", err)
	}
	if !restored {
		t.Fatal("restore from quarantine must succeed")
	}
	if zone, _ := e.DeviceZone("dev"); zone != zones.IoTUntrusted {
		t.Fatalf("zone after restore = %q, want %q", zone, zones.IoTUntrusted)
	}
}

func TestEqualPriorityTieBreakPrefersDeny(t *testing.T) {
	e := newTestEngine()
	if err := e.AssignDeviceZone("a", zones.DMZ); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := e.AssignDeviceZone("b", zones.External); err != nil {
		t.Fatalf("assign: %v", err)
	}

	allow := Policy{
		Name:       "dmz_egress_allow",
		SourceZone: zones.DMZ,
		DestZone:   zones.External,
		Protocols:  []string{"https"},
		Ports:      []int{443},
		Action:     ActionAllow,
		Priority:   150,
		Enabled:    true,
	}
	deny := allow
	deny.Name = "dmz_egress_deny"
	deny.Action = ActionDeny

	// Insertion order must not matter.
	if err := e.AddPolicy(allow); err != nil {
		t.Fatalf("AddPolicy: %v", err)
	}
	if err := e.AddPolicy(deny); err != nil {
		t.Fatalf("AddPolicy: %v", err)
	}

	got := e.EvaluateTraffic("a", "b", "https", 443)
	if got.Allowed {
		t.Fatal("deny must win an equal-priority tie")
	}
	if got.Policy != "dmz_egress_deny" {
		t.Errorf("matched policy = %q, want dmz_egress_deny", got.Policy)
	}
}

func TestRemovePolicyRemovesAllWithName(t *testing.T) {
	e := newTestEngine()
	p := Policy{
		Name:       "dup",
		SourceZone: zones.DMZ,
		DestZone:   zones.External,
		Protocols:  []string{"*"},
		Ports:      []int{0},
		Action:     ActionAllow,
		Priority:   10,
		Enabled:    true,
	}
	if err := e.AddPolicy(p); err != nil {
		t.Fatalf("AddPolicy: %v", err)
	}
	p.Priority = 20
	if err := e.AddPolicy(p); err != nil {
		t.Fatalf("AddPolicy: %v", err)
	}

	if removed := e.RemovePolicy("dup"); removed != 2 {
		t.Fatalf("RemovePolicy removed %d, want 2", removed)
	}
	for _, got := range e.Policies() {
		if got.Name == "dup" {
			t.Fatal("policy still present after removal")
		}
	}
}

func TestDisabledPolicyIsIgnored(t *testing.T) {
	e := newTestEngine()
	if err := e.AssignDeviceZone("src", zones.IoTTrusted); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := e.AssignDeviceZone("dst", zones.CloudGateway); err != nil {
		t.Fatalf("assign: %v", err)
	}

	if affected := e.SetPolicyEnabled("iot_trusted_to_gateway", false); affected != 1 {
		t.Fatalf("SetPolicyEnabled affected %d, want 1", affected)
	}

	got := e.EvaluateTraffic("src", "dst", "mqtt", 1883)
	if got.Allowed {
		t.Fatal("disabled policy must not match")
	}
	if got.Reason != ReasonDefaultDeny {
		t.Errorf("reason = %q, want %q", got.Reason, ReasonDefaultDeny)
	}
}

func TestTrafficLogCap(t *testing.T) {
	e := newTestEngine(WithTrafficLogCap(3))
	if err := e.AssignDeviceZone("src", zones.IoTTrusted); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := e.AssignDeviceZone("dst", zones.CloudGateway); err != nil {
		t.Fatalf("assign: %v", err)
	}

	for i := 0; i < 5; i++ {
		e.EvaluateTraffic("src", "dst", "mqtt", 1883)
	}

	if got := len(e.TrafficLog(0)); got != 3 {
		t.Fatalf("traffic log length = %d, want 3", got)
	}
	if got := len(e.TrafficLog(2)); got != 2 {
		t.Fatalf("limited traffic log length = %d, want 2", got)
	}
}

package segmentation

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/microseg-io/microseg/pkg/zones"
)

// Reason classifies how a verdict was reached.
type Reason string

const (
	ReasonPolicyAllow Reason = "policy_allow"
	ReasonPolicyDeny  Reason = "policy_deny"
	// ReasonDefaultDeny means no policy matched: the zero-trust default.
	ReasonDefaultDeny Reason = "default_deny"
	// ReasonUnresolvedZone is a configuration fault, not a security denial:
	// one side of the flow has no zone assignment.
	ReasonUnresolvedZone Reason = "unresolved_zone"
)

// Decision is the outcome of evaluating one flow.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Policy  string `json:"policy,omitempty"`
	Reason  Reason `json:"reason"`
}

// TrafficLogEntry is an append-only audit record of an evaluated flow.
type TrafficLogEntry struct {
	Time      time.Time  `json:"time"`
	SrcDevice string     `json:"src_device"`
	DstDevice string     `json:"dst_device"`
	SrcZone   zones.Zone `json:"src_zone,omitempty"`
	DstZone   zones.Zone `json:"dst_zone,omitempty"`
	Protocol  string     `json:"protocol"`
	Port      int        `json:"port"`
	Policy    string     `json:"policy,omitempty"`
	Allowed   bool       `json:"allowed"`
	Reason    Reason     `json:"reason"`
}

// AuditRecorder receives every evaluated flow. Implementations must not
// block: the engine calls it on the evaluation path.
type AuditRecorder interface {
	RecordTraffic(TrafficLogEntry)
}

// ZoneStore owns the device→zone map. The default is in-memory; a
// persistent implementation can be substituted without touching the
// decision logic.
type ZoneStore interface {
	Assign(deviceID string, zone zones.Zone)
	Get(deviceID string) (zones.Zone, bool)
	All() map[string]zones.Zone
}

type memoryZoneStore struct {
	mu    sync.RWMutex
	zones map[string]zones.Zone
}

// NewMemoryZoneStore returns the default in-memory ZoneStore.
func NewMemoryZoneStore() ZoneStore {
	return &memoryZoneStore{zones: make(map[string]zones.Zone)}
}

func (s *memoryZoneStore) Assign(deviceID string, zone zones.Zone) {
	s.mu.Lock()
	s.zones[deviceID] = zone
	s.mu.Unlock()
}

func (s *memoryZoneStore) Get(deviceID string) (zones.Zone, bool) {
	s.mu.RLock()
	zone, ok := s.zones[deviceID]
	s.mu.RUnlock()
	return zone, ok
}

func (s *memoryZoneStore) All() map[string]zones.Zone {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]zones.Zone, len(s.zones))
	for id, zone := range s.zones {
		out[id] = zone
	}
	return out
}

// Metrics is a point-in-time snapshot of the engine counters. Counters only
// ever increase within a process lifetime.
type Metrics struct {
	PacketsAllowed              uint64             `json:"packets_allowed"`
	PacketsDenied               uint64             `json:"packets_denied"`
	ZoneViolations              uint64             `json:"zone_violations"`
	LateralMovementBlocked      uint64             `json:"lateral_movement_blocked"`
	UnresolvedZoneDrops         uint64             `json:"unresolved_zone_drops"`
	TotalDevices                int                `json:"total_devices"`
	ZoneDevices                 map[zones.Zone]int `json:"zones"`
	LateralMovementReductionPct float64            `json:"lateral_movement_reduction_pct"`
}

// Engine owns device→zone assignments and evaluates flows against the
// policy set. Evaluation is a pure read over shared state; policy mutation
// swaps in a freshly sorted copy so readers never observe a half-applied
// change.
type Engine struct {
	logger zerolog.Logger
	store  ZoneStore
	audit  AuditRecorder

	policyMu sync.RWMutex
	policies []Policy

	logMu      sync.Mutex
	trafficLog []TrafficLogEntry
	logCap     int

	packetsAllowed  atomic.Uint64
	packetsDenied   atomic.Uint64
	zoneViolations  atomic.Uint64
	lateralBlocked  atomic.Uint64
	unresolvedDrops atomic.Uint64
}

// EngineOption customizes Engine construction.
type EngineOption func(*Engine)

// WithZoneStore substitutes the zone assignment backing store.
func WithZoneStore(store ZoneStore) EngineOption {
	return func(e *Engine) { e.store = store }
}

// WithAuditRecorder wires a sink that receives every traffic log entry.
func WithAuditRecorder(r AuditRecorder) EngineOption {
	return func(e *Engine) { e.audit = r }
}

// WithTrafficLogCap bounds the in-memory traffic log.
func WithTrafficLogCap(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.logCap = n
		}
	}
}

// WithExtraPolicies appends operator-supplied policies to the default table.
func WithExtraPolicies(policies []Policy) EngineOption {
	return func(e *Engine) { e.policies = append(e.policies, policies...) }
}

// NewEngine constructs an engine with the default policy table installed.
func NewEngine(logger zerolog.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		logger:   logger.With().Str("component", "segmentation").Logger(),
		store:    NewMemoryZoneStore(),
		policies: DefaultPolicies(),
		logCap:   1000,
	}
	for _, opt := range opts {
		opt(e)
	}
	sortPolicies(e.policies)
	return e
}

// sortPolicies orders by priority descending; ties are broken by deny
// before allow, then lexicographic name, so evaluation never depends on
// insertion order.
func sortPolicies(policies []Policy) {
	sort.SliceStable(policies, func(i, j int) bool {
		if policies[i].Priority != policies[j].Priority {
			return policies[i].Priority > policies[j].Priority
		}
		if policies[i].Action != policies[j].Action {
			return policies[i].Action == ActionDeny
		}
		return policies[i].Name < policies[j].Name
	})
}

// AssignDeviceZone is an idempotent upsert of the device's zone.
func (e *Engine) AssignDeviceZone(deviceID string, zone zones.Zone) error {
	if _, err := zones.Parse(string(zone)); err != nil {
		return err
	}
	e.store.Assign(deviceID, zone)
	e.logger.Info().Str("device", deviceID).Stringer("zone", zone).Msg("device assigned to zone")
	return nil
}

// QuarantineDevice forces the device into the quarantine zone
// unconditionally.
func (e *Engine) QuarantineDevice(deviceID string) {
	old, ok := e.store.Get(deviceID)
	e.store.Assign(deviceID, zones.IoTQuarantine)
	event := e.logger.Warn().Str("device", deviceID)
	if ok {
		event = event.Stringer("previous_zone", old)
	}
	event.Msg("device quarantined")
}

// RestoreDevice moves a device out of quarantine into target. It is a no-op
// unless the device is currently quarantined; the return value reports
// whether the restore happened.
func (e *Engine) RestoreDevice(deviceID string, target zones.Zone) (bool, error) {
	if _, err := zones.Parse(string(target)); err != nil {
		return false, err
	}
	current, ok := e.store.Get(deviceID)
	if !ok || current != zones.IoTQuarantine {
		return false, nil
	}
	e.store.Assign(deviceID, target)
	e.logger.Info().Str("device", deviceID).Stringer("zone", target).Msg("device restored from quarantine")
	return true, nil
}

// DeviceZone returns the device's current zone assignment.
func (e *Engine) DeviceZone(deviceID string) (zones.Zone, bool) {
	return e.store.Get(deviceID)
}

// ZoneDevices lists the devices currently assigned to a zone.
func (e *Engine) ZoneDevices(zone zones.Zone) []string {
	var devices []string
	for id, z := range e.store.All() {
		if z == zone {
			devices = append(devices, id)
		}
	}
	sort.Strings(devices)
	return devices
}

// EvaluateTraffic decides whether a flow between two devices is permitted.
// An unresolved zone on either side fails closed and is counted as a
// configuration fault, distinct from a policy denial. No policy match is
// the zero-trust default deny.
func (e *Engine) EvaluateTraffic(srcDevice, dstDevice, protocol string, port int) Decision {
	srcZone, srcOK := e.store.Get(srcDevice)
	dstZone, dstOK := e.store.Get(dstDevice)

	entry := TrafficLogEntry{
		Time:      time.Now().UTC(),
		SrcDevice: srcDevice,
		DstDevice: dstDevice,
		SrcZone:   srcZone,
		DstZone:   dstZone,
		Protocol:  protocol,
		Port:      port,
	}

	if !srcOK || !dstOK {
		e.unresolvedDrops.Add(1)
		e.logger.Warn().
			Str("src_device", srcDevice).
			Str("dst_device", dstDevice).
			Bool("src_resolved", srcOK).
			Bool("dst_resolved", dstOK).
			Msg("configuration fault: flow endpoint has no zone assignment")
		entry.Reason = ReasonUnresolvedZone
		e.record(entry)
		return Decision{Allowed: false, Reason: ReasonUnresolvedZone}
	}

	decision := e.matchPolicies(srcZone, dstZone, protocol, port)
	if decision.Allowed {
		e.packetsAllowed.Add(1)
	} else {
		e.packetsDenied.Add(1)
		if decision.Reason == ReasonDefaultDeny {
			e.zoneViolations.Add(1)
			e.logger.Warn().
				Str("src_device", srcDevice).
				Str("dst_device", dstDevice).
				Stringer("src_zone", srcZone).
				Stringer("dst_zone", dstZone).
				Str("protocol", protocol).
				Int("port", port).
				Msg("no policy match, default deny")
		}
		if srcZone.IsIoT() && dstZone.IsIoT() {
			e.lateralBlocked.Add(1)
			e.logger.Warn().
				Str("src_device", srcDevice).
				Str("dst_device", dstDevice).
				Msg("lateral movement blocked")
		}
	}

	entry.Policy = decision.Policy
	entry.Allowed = decision.Allowed
	entry.Reason = decision.Reason
	e.record(entry)
	return decision
}

// matchPolicies selects the highest-priority enabled policy matching the
// flow; the sorted policy slice makes the first hit the winner.
func (e *Engine) matchPolicies(src, dst zones.Zone, protocol string, port int) Decision {
	e.policyMu.RLock()
	policies := e.policies
	e.policyMu.RUnlock()

	for _, p := range policies {
		if !p.Enabled {
			continue
		}
		if !p.Matches(src, dst, protocol, port) {
			continue
		}
		if p.Action == ActionAllow {
			return Decision{Allowed: true, Policy: p.Name, Reason: ReasonPolicyAllow}
		}
		return Decision{Allowed: false, Policy: p.Name, Reason: ReasonPolicyDeny}
	}
	return Decision{Allowed: false, Reason: ReasonDefaultDeny}
}

// AddPolicy installs a policy at runtime. Names are not required to be
// unique; duplicates are distinguished only by the deterministic ordering.
func (e *Engine) AddPolicy(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}

	e.policyMu.Lock()
	next := make([]Policy, 0, len(e.policies)+1)
	next = append(next, e.policies...)
	next = append(next, p)
	sortPolicies(next)
	e.policies = next
	e.policyMu.Unlock()

	e.logger.Info().Str("policy", p.Name).Int("priority", p.Priority).Msg("policy added")
	return nil
}

// RemovePolicy deletes every policy carrying the name and returns how many
// were removed.
func (e *Engine) RemovePolicy(name string) int {
	e.policyMu.Lock()
	next := make([]Policy, 0, len(e.policies))
	removed := 0
	for _, p := range e.policies {
		if p.Name == name {
			removed++
			continue
		}
		next = append(next, p)
	}
	e.policies = next
	e.policyMu.Unlock()

	if removed > 0 {
		e.logger.Info().Str("policy", name).Int("removed", removed).Msg("policy removed")
	}
	return removed
}

// Policies returns a copy of the current policy set in evaluation order.
func (e *Engine) Policies() []Policy {
	e.policyMu.RLock()
	defer e.policyMu.RUnlock()
	out := make([]Policy, len(e.policies))
	copy(out, e.policies)
	return out
}

// SetPolicyEnabled toggles a policy in place. Returns the number of
// policies affected.
func (e *Engine) SetPolicyEnabled(name string, enabled bool) int {
	e.policyMu.Lock()
	next := make([]Policy, len(e.policies))
	copy(next, e.policies)
	affected := 0
	for i := range next {
		if next[i].Name == name {
			next[i].Enabled = enabled
			affected++
		}
	}
	e.policies = next
	e.policyMu.Unlock()
	return affected
}

func (e *Engine) record(entry TrafficLogEntry) {
	e.logMu.Lock()
	e.trafficLog = append(e.trafficLog, entry)
	if len(e.trafficLog) > e.logCap {
		e.trafficLog = e.trafficLog[len(e.trafficLog)-e.logCap:]
	}
	e.logMu.Unlock()

	if e.audit != nil {
		e.audit.RecordTraffic(entry)
	}
}

// TrafficLog returns up to limit of the most recent entries, newest last.
// limit <= 0 returns everything retained.
func (e *Engine) TrafficLog(limit int) []TrafficLogEntry {
	e.logMu.Lock()
	defer e.logMu.Unlock()
	n := len(e.trafficLog)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]TrafficLogEntry, n)
	copy(out, e.trafficLog[len(e.trafficLog)-n:])
	return out
}

// Snapshot returns the current counters plus zone population.
func (e *Engine) Snapshot() Metrics {
	assignments := e.store.All()
	perZone := make(map[zones.Zone]int, len(zones.All()))
	for _, zone := range zones.All() {
		perZone[zone] = 0
	}
	for _, zone := range assignments {
		perZone[zone]++
	}

	denied := e.packetsDenied.Load()
	lateral := e.lateralBlocked.Load()
	reduction := 0.0
	if denied > 0 {
		reduction = 100 * float64(lateral) / float64(denied)
	}

	return Metrics{
		PacketsAllowed:              e.packetsAllowed.Load(),
		PacketsDenied:               denied,
		ZoneViolations:              e.zoneViolations.Load(),
		LateralMovementBlocked:      lateral,
		UnresolvedZoneDrops:         e.unresolvedDrops.Load(),
		TotalDevices:                len(assignments),
		ZoneDevices:                 perZone,
		LateralMovementReductionPct: reduction,
	}
}

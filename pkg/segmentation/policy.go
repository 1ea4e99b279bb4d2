package segmentation

import (
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/microseg-io/microseg/pkg/zones"
)

// Action is the verdict a policy produces when it matches a flow.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
)

// Policy is a single segmentation rule between a pair of zones. Protocol "*"
// and port 0 act as wildcards. Policies are immutable once installed except
// for the Enabled toggle.
type Policy struct {
	Name       string     `yaml:"name" json:"name"`
	SourceZone zones.Zone `yaml:"source_zone" json:"source_zone"`
	DestZone   zones.Zone `yaml:"dest_zone" json:"dest_zone"`
	Protocols  []string   `yaml:"protocols" json:"protocols"`
	Ports      []int      `yaml:"ports" json:"ports"`
	Action     Action     `yaml:"action" json:"action"`
	Priority   int        `yaml:"priority" json:"priority"`
	Enabled    bool       `yaml:"enabled" json:"enabled"`
}

// Matches reports whether the flow tuple falls under this policy.
func (p Policy) Matches(src, dst zones.Zone, protocol string, port int) bool {
	if p.SourceZone != src || p.DestZone != dst {
		return false
	}
	if !slices.Contains(p.Protocols, protocol) && !slices.Contains(p.Protocols, "*") {
		return false
	}
	return slices.Contains(p.Ports, port) || slices.Contains(p.Ports, 0)
}

func (p Policy) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("policy name is required")
	}
	if !p.SourceZone.Valid() {
		return fmt.Errorf("policy %s: invalid source zone %q", p.Name, p.SourceZone)
	}
	if !p.DestZone.Valid() {
		return fmt.Errorf("policy %s: invalid dest zone %q", p.Name, p.DestZone)
	}
	if p.Action != ActionAllow && p.Action != ActionDeny {
		return fmt.Errorf("policy %s: action must be allow or deny, got %q", p.Name, p.Action)
	}
	if len(p.Protocols) == 0 {
		return fmt.Errorf("policy %s: at least one protocol is required", p.Name)
	}
	if len(p.Ports) == 0 {
		return fmt.Errorf("policy %s: at least one port is required", p.Name)
	}
	return nil
}

// UnmarshalYAML decodes a policy with Enabled defaulting to true, so policy
// files only mention the flag to disable a rule.
func (p *Policy) UnmarshalYAML(value *yaml.Node) error {
	type rawPolicy struct {
		Name       string     `yaml:"name"`
		SourceZone zones.Zone `yaml:"source_zone"`
		DestZone   zones.Zone `yaml:"dest_zone"`
		Protocols  []string   `yaml:"protocols"`
		Ports      []int      `yaml:"ports"`
		Action     Action     `yaml:"action"`
		Priority   int        `yaml:"priority"`
		Enabled    *bool      `yaml:"enabled"`
	}
	var raw rawPolicy
	if err := value.Decode(&raw); err != nil {
		return err
	}
	enabled := true
	if raw.Enabled != nil {
		enabled = *raw.Enabled
	}
	*p = Policy{
		Name:       raw.Name,
		SourceZone: raw.SourceZone,
		DestZone:   raw.DestZone,
		Protocols:  raw.Protocols,
		Ports:      raw.Ports,
		Action:     raw.Action,
		Priority:   raw.Priority,
		Enabled:    enabled,
	}
	return nil
}

// DefaultPolicies returns the built-in zero-trust policy table: explicit
// pipeline allows, a high-priority deny on IoT lateral movement, and a
// highest-priority deny isolating the quarantine zone.
func DefaultPolicies() []Policy {
	policies := []Policy{
		{
			Name:       "iot_trusted_to_gateway",
			SourceZone: zones.IoTTrusted,
			DestZone:   zones.CloudGateway,
			Protocols:  []string{"mqtt", "coap", "https"},
			Ports:      []int{1883, 5683, 8883, 443},
			Action:     ActionAllow,
			Priority:   100,
			Enabled:    true,
		},
		{
			Name:       "gateway_to_processing",
			SourceZone: zones.CloudGateway,
			DestZone:   zones.DataProcessing,
			Protocols:  []string{"https", "grpc"},
			Ports:      []int{443, 50051},
			Action:     ActionAllow,
			Priority:   100,
			Enabled:    true,
		},
		{
			Name:       "processing_to_ai",
			SourceZone: zones.DataProcessing,
			DestZone:   zones.AIAnalytics,
			Protocols:  []string{"https", "grpc"},
			Ports:      []int{443, 50051, 8080},
			Action:     ActionAllow,
			Priority:   100,
			Enabled:    true,
		},
		{
			Name:       "ai_to_processing",
			SourceZone: zones.AIAnalytics,
			DestZone:   zones.DataProcessing,
			Protocols:  []string{"https"},
			Ports:      []int{443},
			Action:     ActionAllow,
			Priority:   100,
			Enabled:    true,
		},
		{
			Name:       "admin_to_management",
			SourceZone: zones.Admin,
			DestZone:   zones.Management,
			Protocols:  []string{"ssh", "https"},
			Ports:      []int{22, 443},
			Action:     ActionAllow,
			Priority:   95,
			Enabled:    true,
		},
	}

	// Management reaches every zone except external and quarantine.
	for _, zone := range zones.All() {
		if zone == zones.External || zone == zones.IoTQuarantine {
			continue
		}
		policies = append(policies, Policy{
			Name:       fmt.Sprintf("management_to_%s", zone),
			SourceZone: zones.Management,
			DestZone:   zone,
			Protocols:  []string{"ssh", "https"},
			Ports:      []int{22, 443},
			Action:     ActionAllow,
			Priority:   90,
			Enabled:    true,
		})
	}

	// Deny lateral movement between the IoT tiers.
	iot := []zones.Zone{zones.IoTTrusted, zones.IoTUntrusted}
	for _, src := range iot {
		for _, dst := range iot {
			if src == dst {
				continue
			}
			policies = append(policies, Policy{
				Name:       fmt.Sprintf("deny_%s_to_%s", src, dst),
				SourceZone: src,
				DestZone:   dst,
				Protocols:  []string{"*"},
				Ports:      []int{0},
				Action:     ActionDeny,
				Priority:   200,
				Enabled:    true,
			})
		}
	}

	// Quarantine is fully isolated: highest priority in the table, so it
	// wins over any later-added permissive rule.
	for _, zone := range zones.All() {
		if zone == zones.IoTQuarantine {
			continue
		}
		policies = append(policies, Policy{
			Name:       fmt.Sprintf("deny_quarantine_to_%s", zone),
			SourceZone: zones.IoTQuarantine,
			DestZone:   zone,
			Protocols:  []string{"*"},
			Ports:      []int{0},
			Action:     ActionDeny,
			Priority:   300,
			Enabled:    true,
		})
	}

	return policies
}

// LoadPolicyFile reads operator-supplied policies layered on top of the
// default table.
func LoadPolicyFile(path string) ([]Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file struct {
		Policies []Policy `yaml:"policies"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing policy file %s: %w", path, err)
	}

	for _, p := range file.Policies {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}
	return file.Policies, nil
}

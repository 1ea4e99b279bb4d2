package zones

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Zone is one of the fixed security zones used for micro-segmentation.
// The set is closed; devices are always assigned to exactly one zone.
type Zone string

const (
	External       Zone = "external"
	DMZ            Zone = "dmz"
	CloudGateway   Zone = "cloud_gateway"
	IoTTrusted     Zone = "iot_trusted"
	IoTUntrusted   Zone = "iot_untrusted"
	IoTQuarantine  Zone = "iot_quarantine"
	Management     Zone = "management"
	DataProcessing Zone = "data_processing"
	AIAnalytics    Zone = "ai_analytics"
	Admin          Zone = "admin"
)

var all = []Zone{
	External,
	DMZ,
	CloudGateway,
	IoTTrusted,
	IoTUntrusted,
	IoTQuarantine,
	Management,
	DataProcessing,
	AIAnalytics,
	Admin,
}

// All returns every zone in declaration order.
func All() []Zone {
	out := make([]Zone, len(all))
	copy(out, all)
	return out
}

// Parse converts a string to a Zone, rejecting anything outside the fixed set.
func Parse(s string) (Zone, error) {
	z := Zone(s)
	if !z.Valid() {
		return "", fmt.Errorf("unknown security zone %q", s)
	}
	return z, nil
}

func (z Zone) Valid() bool {
	for _, known := range all {
		if z == known {
			return true
		}
	}
	return false
}

// IsIoT reports whether the zone is one of the peer IoT device tiers.
// Traffic denied between two IoT tiers counts as blocked lateral movement.
func (z Zone) IsIoT() bool {
	return z == IoTTrusted || z == IoTUntrusted
}

func (z Zone) String() string {
	return string(z)
}

// UnmarshalYAML validates zones appearing in policy and config files.
func (z *Zone) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := Parse(raw)
	if err != nil {
		return err
	}
	*z = parsed
	return nil
}

package ztauth

import (
	"fmt"
	"time"
)

// Method is the credential scheme used to establish a session.
type Method string

const (
	MethodJWT   Method = "jwt"
	MethodMTLS  Method = "mtls"
	MethodOAuth Method = "oauth"
)

// ParseMethod validates an authentication method name.
func ParseMethod(s string) (Method, error) {
	switch m := Method(s); m {
	case MethodJWT, MethodMTLS, MethodOAuth:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMethod, s)
	}
}

// AuthContext is the per-device authentication and trust record. It is
// created only by a successful authentication, mutated by continuous checks
// and refreshes, and destroyed by revocation.
type AuthContext struct {
	DeviceID         string    `json:"device_id"`
	DeviceType       string    `json:"device_type"`
	Method           Method    `json:"auth_method"`
	AuthTime         time.Time `json:"auth_time"`
	ExpiresAt        time.Time `json:"expires_at"`
	TrustScore       float64   `json:"trust_score"`
	BehaviorNormal   bool      `json:"behavior_normal"`
	LocationVerified bool      `json:"location_verified"`
	CertificateValid bool      `json:"certificate_valid"`
}

// IsExpired reports whether the session has passed its expiry. Expiry is
// discovered lazily on read; nothing enforces it in the background.
func (c AuthContext) IsExpired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// IsTrusted is the full trust predicate: a live session with an intact
// trust score, normal behavior, and valid certificate state.
func (c AuthContext) IsTrusted(now time.Time, minScore float64) bool {
	return !c.IsExpired(now) &&
		c.TrustScore >= minScore &&
		c.BehaviorNormal &&
		c.CertificateValid
}

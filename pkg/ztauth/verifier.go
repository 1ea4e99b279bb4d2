package ztauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnknownMethod is returned when the requested authentication
	// method is not one of jwt, mtls, or oauth.
	ErrUnknownMethod = errors.New("unknown authentication method")
	// ErrInvalidCredentials covers every credential verification failure.
	ErrInvalidCredentials = errors.New("credential verification failed")
)

// Credentials is the opaque material a device presents. Which field is
// consulted depends on the method.
type Credentials struct {
	DeviceKey      string `json:"device_key,omitempty"`
	CertificatePEM []byte `json:"certificate,omitempty"`
	OAuthToken     string `json:"token,omitempty"`
}

// ChainVerifier validates a device certificate against the deployment's
// trust anchors. Chain and signature verification live behind this
// interface; the authenticator only checks the validity window itself.
type ChainVerifier interface {
	VerifyChain(cert *x509.Certificate) error
}

// AcceptAllChains is the default ChainVerifier. Deployments with a real CA
// substitute their own implementation.
type AcceptAllChains struct{}

func (AcceptAllChains) VerifyChain(*x509.Certificate) error { return nil }

// SecretRegistry resolves the expected secret hash for a device. It fronts
// an external device registry; the engine never sees raw secrets at rest.
type SecretRegistry interface {
	SecretHash(deviceID string) (string, bool)
}

// SecretHasher derives deterministic, salted hashes for device secrets.
type SecretHasher struct {
	salt []byte
}

// NewSecretHasher constructs a hasher with the provided salt bytes.
func NewSecretHasher(salt []byte) SecretHasher {
	return SecretHasher{salt: append([]byte(nil), salt...)}
}

// HashString hashes the secret using HMAC-SHA256 and returns a base64 string.
func (h SecretHasher) HashString(secret string) string {
	mac := hmac.New(sha256.New, h.salt)
	mac.Write([]byte(secret))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// StaticSecretRegistry is an in-memory SecretRegistry seeded from config.
type StaticSecretRegistry struct {
	hasher SecretHasher
	hashes map[string]string
}

// NewStaticSecretRegistry hashes the provided deviceID→secret map.
func NewStaticSecretRegistry(hasher SecretHasher, secrets map[string]string) *StaticSecretRegistry {
	hashes := make(map[string]string, len(secrets))
	for id, secret := range secrets {
		hashes[id] = hasher.HashString(secret)
	}
	return &StaticSecretRegistry{hasher: hasher, hashes: hashes}
}

func (r *StaticSecretRegistry) SecretHash(deviceID string) (string, bool) {
	hash, ok := r.hashes[deviceID]
	return hash, ok
}

// Hasher exposes the registry's hasher so callers can hash presented keys
// with the same salt.
func (r *StaticSecretRegistry) Hasher() SecretHasher {
	return r.hasher
}

// verifyDeviceKey checks the jwt-method credential bundle. With a registry
// configured the presented key must hash to the registered value; without
// one, any non-empty key is accepted (the registry is an external
// collaborator).
func (a *Authenticator) verifyDeviceKey(deviceID string, creds Credentials) error {
	if creds.DeviceKey == "" {
		return fmt.Errorf("%w: credential bundle carries no device key", ErrInvalidCredentials)
	}
	if a.secrets == nil {
		return nil
	}
	expected, ok := a.secrets.SecretHash(deviceID)
	if !ok {
		return fmt.Errorf("%w: device %s not registered", ErrInvalidCredentials, deviceID)
	}
	presented := a.hasher.HashString(creds.DeviceKey)
	if !hmac.Equal([]byte(presented), []byte(expected)) {
		return fmt.Errorf("%w: device key mismatch", ErrInvalidCredentials)
	}
	return nil
}

// verifyCertificate checks the mtls credential: PEM parse and validity
// window here, chain verification through the pluggable verifier.
func (a *Authenticator) verifyCertificate(certPEM []byte, now time.Time) error {
	a.mtlsVerifications.Add(1)

	if len(certPEM) == 0 {
		return fmt.Errorf("%w: no certificate presented", ErrInvalidCredentials)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return fmt.Errorf("%w: certificate is not valid PEM", ErrInvalidCredentials)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return fmt.Errorf("%w: certificate outside validity window", ErrInvalidCredentials)
	}
	if err := a.chain.VerifyChain(cert); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	return nil
}

func (a *Authenticator) verifyOAuthToken(token string) error {
	if token == "" {
		return fmt.Errorf("%w: empty oauth token", ErrInvalidCredentials)
	}
	return nil
}

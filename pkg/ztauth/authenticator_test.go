package ztauth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestAuthenticator(t *testing.T, cfg Config) (*Authenticator, *fakeClock) {
	t.Helper()
	if len(cfg.SigningSecret) == 0 {
		cfg.SigningSecret = []byte("test-signing-secret")
	}
	a, err := NewAuthenticator(cfg, zerolog.Nop())
	require.NoError(t, err)
	clock := newFakeClock()
	a.now = clock.Now
	return a, clock
}

func selfSignedCertPEM(t *testing.T, notBefore, notAfter time.Time) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "cam_01"},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func TestAuthenticateJWTMethod(t *testing.T) {
	a, _ := newTestAuthenticator(t, Config{})

	token, err := a.Authenticate("cam_01", "smart_camera", Credentials{DeviceKey: "secret"}, MethodJWT)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	ctx, ok := a.Context("cam_01")
	require.True(t, ok)
	require.Equal(t, 100.0, ctx.TrustScore)
	require.True(t, ctx.BehaviorNormal)
	require.Equal(t, ctx.AuthTime.Add(5*time.Minute), ctx.ExpiresAt)

	claims, err := a.VerifyToken(token)
	require.NoError(t, err)
	require.Equal(t, "cam_01", claims.DeviceID)
	require.Equal(t, "smart_camera", claims.DeviceType)
	require.Equal(t, "jwt", claims.AuthMethod)
	require.Equal(t, 100.0, claims.TrustScore)
}

func TestAuthenticateFailuresCreateNoSession(t *testing.T) {
	a, _ := newTestAuthenticator(t, Config{})

	_, err := a.Authenticate("cam_01", "smart_camera", Credentials{}, MethodJWT)
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = a.Authenticate("cam_01", "smart_camera", Credentials{OAuthToken: ""}, MethodOAuth)
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = a.Authenticate("cam_01", "smart_camera", Credentials{DeviceKey: "x"}, Method("kerberos"))
	require.ErrorIs(t, err, ErrUnknownMethod)

	_, ok := a.Context("cam_01")
	require.False(t, ok, "failed authentication must not create a context")

	m := a.Snapshot()
	require.Equal(t, uint64(3), m.AuthAttempts)
	require.Equal(t, uint64(3), m.AuthFailures)
	require.Equal(t, uint64(0), m.AuthSuccess)
}

func TestAuthenticateSecretRegistry(t *testing.T) {
	hasher := NewSecretHasher([]byte("salt"))
	registry := NewStaticSecretRegistry(hasher, map[string]string{"cam_01": "hunter2"})
	a, _ := newTestAuthenticator(t, Config{Secrets: registry, Hasher: hasher})

	_, err := a.Authenticate("cam_01", "smart_camera", Credentials{DeviceKey: "wrong"}, MethodJWT)
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = a.Authenticate("plug_02", "smart_plug", Credentials{DeviceKey: "hunter2"}, MethodJWT)
	require.ErrorIs(t, err, ErrInvalidCredentials)

	token, err := a.Authenticate("cam_01", "smart_camera", Credentials{DeviceKey: "hunter2"}, MethodJWT)
	require.NoError(t, err)
	require.NotEmpty(t, token)
}

func TestAuthenticateMTLSValidityWindow(t *testing.T) {
	a, clock := newTestAuthenticator(t, Config{})
	now := clock.Now()

	valid := selfSignedCertPEM(t, now.Add(-time.Hour), now.Add(time.Hour))
	_, err := a.Authenticate("sensor_01", "industrial_sensor", Credentials{CertificatePEM: valid}, MethodMTLS)
	require.NoError(t, err)

	expired := selfSignedCertPEM(t, now.Add(-2*time.Hour), now.Add(-time.Hour))
	_, err = a.Authenticate("sensor_02", "industrial_sensor", Credentials{CertificatePEM: expired}, MethodMTLS)
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = a.Authenticate("sensor_03", "industrial_sensor", Credentials{CertificatePEM: []byte("garbage")}, MethodMTLS)
	require.ErrorIs(t, err, ErrInvalidCredentials)

	require.Equal(t, uint64(3), a.Snapshot().MTLSVerifications)
}

type rejectingChain struct{}

func (rejectingChain) VerifyChain(*x509.Certificate) error {
	return errors.New("unknown issuer")
}

func TestAuthenticateMTLSPluggableChainVerifier(t *testing.T) {
	a, clock := newTestAuthenticator(t, Config{Chain: rejectingChain{}})
	now := clock.Now()

	valid := selfSignedCertPEM(t, now.Add(-time.Hour), now.Add(time.Hour))
	_, err := a.Authenticate("sensor_01", "industrial_sensor", Credentials{CertificatePEM: valid}, MethodMTLS)
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestContinuousCheckAnomalyPenalty(t *testing.T) {
	a, _ := newTestAuthenticator(t, Config{})
	_, err := a.Authenticate("cam_01", "smart_camera", Credentials{DeviceKey: "k"}, MethodJWT)
	require.NoError(t, err)

	// First anomalous check: 100 - 20 = 80, still above the threshold but
	// behavior is now abnormal, so trust is already violated.
	res := a.ContinuousCheck("cam_01", BehaviorSignal{AnomalyScore: 0.9})
	require.False(t, res.Trusted)
	require.Equal(t, 80.0, res.TrustScore)
	require.Equal(t, ReasonTrustViolated, res.Reason)

	// Second: 80 - 20 = 60, below threshold as well.
	res = a.ContinuousCheck("cam_01", BehaviorSignal{AnomalyScore: 0.9})
	require.False(t, res.Trusted)
	require.Equal(t, 60.0, res.TrustScore)

	require.Equal(t, uint64(2), a.Snapshot().TrustViolations)
}

func TestContinuousCheckLinearDecay(t *testing.T) {
	a, clock := newTestAuthenticator(t, Config{TokenLifetime: time.Hour})
	_, err := a.Authenticate("cam_01", "smart_camera", Credentials{DeviceKey: "k"}, MethodJWT)
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)
	res := a.ContinuousCheck("cam_01", BehaviorSignal{AnomalyScore: 0.1})
	require.True(t, res.Trusted)
	require.InDelta(t, 99.0, res.TrustScore, 1e-9)

	ctx, ok := a.Context("cam_01")
	require.True(t, ok)
	require.True(t, ctx.BehaviorNormal, "normal signals leave behavior_normal unchanged")
}

func TestContinuousCheckExpiredSession(t *testing.T) {
	a, clock := newTestAuthenticator(t, Config{})
	_, err := a.Authenticate("cam_01", "smart_camera", Credentials{DeviceKey: "k"}, MethodJWT)
	require.NoError(t, err)

	clock.Advance(6 * time.Minute)
	res := a.ContinuousCheck("cam_01", BehaviorSignal{AnomalyScore: 0.0})
	require.False(t, res.Trusted)
	require.Equal(t, ReasonSessionExpired, res.Reason)
	require.Equal(t, uint64(1), a.Snapshot().TrustViolations)
}

func TestContinuousCheckNoSession(t *testing.T) {
	a, _ := newTestAuthenticator(t, Config{})

	res := a.ContinuousCheck("ghost", BehaviorSignal{AnomalyScore: 0.0})
	require.False(t, res.Trusted)
	require.Equal(t, ReasonNoSession, res.Reason)
	// Absence of a session is a report, not a trust violation.
	require.Equal(t, uint64(0), a.Snapshot().TrustViolations)
}

func TestRefreshCarriesTrustForward(t *testing.T) {
	a, clock := newTestAuthenticator(t, Config{})
	_, err := a.Authenticate("cam_01", "smart_camera", Credentials{DeviceKey: "k"}, MethodJWT)
	require.NoError(t, err)

	res := a.ContinuousCheck("cam_01", BehaviorSignal{AnomalyScore: 0.9})
	require.Equal(t, 80.0, res.TrustScore)

	// behavior_normal is false, so refresh must refuse even though the
	// score is above threshold and the session has not expired.
	_, err = a.RefreshToken("cam_01")
	require.ErrorIs(t, err, ErrNotTrusted)

	// A healthy session refreshes and keeps its decayed score.
	_, err = a.Authenticate("plug_02", "smart_plug", Credentials{DeviceKey: "k"}, MethodJWT)
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)
	a.ContinuousCheck("plug_02", BehaviorSignal{AnomalyScore: 0.0})
	before, ok := a.TrustScore("plug_02")
	require.True(t, ok)
	require.Less(t, before, 100.0)

	token, err := a.RefreshToken("plug_02")
	require.NoError(t, err)

	after, ok := a.TrustScore("plug_02")
	require.True(t, ok)
	require.Equal(t, before, after, "refresh must not reset trust")

	ctx, ok := a.Context("plug_02")
	require.True(t, ok)
	require.Equal(t, clock.Now(), ctx.AuthTime)
	require.Equal(t, clock.Now().Add(5*time.Minute), ctx.ExpiresAt)

	claims, err := a.VerifyToken(token)
	require.NoError(t, err)
	require.Equal(t, before, claims.TrustScore)
}

func TestRefreshBelowThreshold(t *testing.T) {
	a, _ := newTestAuthenticator(t, Config{})
	_, err := a.Authenticate("cam_01", "smart_camera", Credentials{DeviceKey: "k"}, MethodJWT)
	require.NoError(t, err)

	a.ContinuousCheck("cam_01", BehaviorSignal{AnomalyScore: 0.9})
	a.ContinuousCheck("cam_01", BehaviorSignal{AnomalyScore: 0.9})
	score, _ := a.TrustScore("cam_01")
	require.Equal(t, 60.0, score)

	_, err = a.RefreshToken("cam_01")
	require.ErrorIs(t, err, ErrNotTrusted)
}

func TestReauthenticationResetsDegradedContext(t *testing.T) {
	a, _ := newTestAuthenticator(t, Config{})
	_, err := a.Authenticate("cam_01", "smart_camera", Credentials{DeviceKey: "k"}, MethodJWT)
	require.NoError(t, err)

	a.ContinuousCheck("cam_01", BehaviorSignal{AnomalyScore: 0.9})
	a.ContinuousCheck("cam_01", BehaviorSignal{AnomalyScore: 0.9})

	_, err = a.Authenticate("cam_01", "smart_camera", Credentials{DeviceKey: "k"}, MethodJWT)
	require.NoError(t, err)

	ctx, ok := a.Context("cam_01")
	require.True(t, ok)
	require.Equal(t, 100.0, ctx.TrustScore)
	require.True(t, ctx.BehaviorNormal)
}

func TestRevoke(t *testing.T) {
	a, _ := newTestAuthenticator(t, Config{})
	_, err := a.Authenticate("cam_01", "smart_camera", Credentials{DeviceKey: "k"}, MethodJWT)
	require.NoError(t, err)

	require.True(t, a.Revoke("cam_01"))
	require.False(t, a.Revoke("cam_01"))

	res := a.ContinuousCheck("cam_01", BehaviorSignal{AnomalyScore: 0.0})
	require.False(t, res.Trusted)
	require.Equal(t, ReasonNoSession, res.Reason)

	_, err = a.RefreshToken("cam_01")
	require.ErrorIs(t, err, ErrNoSession)
}

func TestVerifyTokenClassifications(t *testing.T) {
	a, clock := newTestAuthenticator(t, Config{})
	token, err := a.Authenticate("cam_01", "smart_camera", Credentials{DeviceKey: "k"}, MethodJWT)
	require.NoError(t, err)

	// Tampered token: invalid, never expired.
	_, err = a.VerifyToken(token + "x")
	require.ErrorIs(t, err, ErrTokenInvalid)

	// Token signed by a different key: invalid.
	other, _ := newTestAuthenticator(t, Config{SigningSecret: []byte("other-secret")})
	foreign, err := other.Authenticate("cam_01", "smart_camera", Credentials{DeviceKey: "k"}, MethodJWT)
	require.NoError(t, err)
	_, err = a.VerifyToken(foreign)
	require.ErrorIs(t, err, ErrTokenInvalid)

	// Stale token: expired, distinct from invalid.
	clock.Advance(6 * time.Minute)
	_, err = a.VerifyToken(token)
	require.ErrorIs(t, err, ErrTokenExpired)
	require.NotErrorIs(t, err, ErrTokenInvalid)
}

func TestSnapshotDerivedValues(t *testing.T) {
	a, _ := newTestAuthenticator(t, Config{})
	_, err := a.Authenticate("cam_01", "smart_camera", Credentials{DeviceKey: "k"}, MethodJWT)
	require.NoError(t, err)
	_, err = a.Authenticate("plug_02", "smart_plug", Credentials{DeviceKey: "k"}, MethodJWT)
	require.NoError(t, err)
	_, err = a.Authenticate("bad", "smart_plug", Credentials{}, MethodJWT)
	require.Error(t, err)

	a.ContinuousCheck("cam_01", BehaviorSignal{AnomalyScore: 0.9})

	m := a.Snapshot()
	require.Equal(t, 2, m.ActiveSessions)
	require.Equal(t, uint64(3), m.AuthAttempts)
	require.Equal(t, uint64(2), m.AuthSuccess)
	require.Equal(t, uint64(1), m.AuthFailures)
	require.InDelta(t, 100.0*2/3, m.AuthSuccessRate, 1e-9)
	require.InDelta(t, 90.0, m.AvgTrustScore, 1e-9)
}

package ztauth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

var (
	// ErrNoSession means the device has no active authentication context.
	// It is a report, not a fault: the caller treats the device as
	// untrusted.
	ErrNoSession = errors.New("no active session")
	// ErrNotTrusted blocks refresh for devices below the trust threshold.
	ErrNotTrusted = errors.New("device not trusted")
	// ErrTokenExpired classifies a well-formed token past its expiry;
	// recoverable only through refresh while still trusted.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenInvalid classifies tampered or malformed tokens; never
	// recoverable, full re-authentication required.
	ErrTokenInvalid = errors.New("token invalid")
)

// Claims is the signed claim set carried by session tokens.
type Claims struct {
	DeviceID   string  `json:"device_id"`
	DeviceType string  `json:"device_type"`
	AuthMethod string  `json:"auth_method"`
	TrustScore float64 `json:"trust_score"`
	jwt.RegisteredClaims
}

// BehaviorSignal is one externally produced behavioral observation.
type BehaviorSignal struct {
	AnomalyScore float64 `json:"anomaly_score"`
}

// CheckResult is the outcome of a continuous authentication check.
type CheckResult struct {
	Trusted    bool    `json:"trusted"`
	TrustScore float64 `json:"trust_score"`
	Reason     string  `json:"reason,omitempty"`
}

// Reasons carried by CheckResult for an untrusted verdict.
const (
	// ReasonNoSession: the device never authenticated or was revoked.
	ReasonNoSession = "no active session"
	// ReasonSessionExpired: the session outlived its token lifetime.
	ReasonSessionExpired = "session expired"
	// ReasonTrustViolated: score below threshold or behavior abnormal;
	// callers treat this as grounds for quarantine.
	ReasonTrustViolated = "trust violated"
)

// Config carries the trust-evaluation parameters. Zero values take the
// documented defaults.
type Config struct {
	// SigningSecret is the HMAC key for session tokens. Generated at
	// random when empty, which makes tokens node-local.
	SigningSecret []byte
	TokenLifetime time.Duration // default 5m
	// TrustThreshold is the minimum score for a device to stay trusted.
	TrustThreshold float64 // default 70
	// DecayPerMinute is the linear trust decay applied on normal checks.
	DecayPerMinute float64 // default 0.1
	// AnomalyPenalty is subtracted when a signal crosses AnomalyThreshold.
	AnomalyPenalty   float64 // default 20
	AnomalyThreshold float64 // default 0.5
	// Secrets optionally binds jwt-method verification to a registry.
	Secrets SecretRegistry
	// Hasher must match the registry's salt when Secrets is set.
	Hasher SecretHasher
	// Chain verifies mtls certificate chains. Defaults to AcceptAllChains.
	Chain ChainVerifier
}

// Metrics is a snapshot of the authenticator counters plus derived values.
type Metrics struct {
	AuthAttempts      uint64  `json:"auth_attempts"`
	AuthSuccess       uint64  `json:"auth_success"`
	AuthFailures      uint64  `json:"auth_failures"`
	TokenRefreshes    uint64  `json:"token_refreshes"`
	TrustViolations   uint64  `json:"trust_violations"`
	MTLSVerifications uint64  `json:"mtls_verifications"`
	ContinuousChecks  uint64  `json:"continuous_auth_checks"`
	ActiveSessions    int     `json:"active_sessions"`
	AuthSuccessRate   float64 `json:"auth_success_rate"`
	AvgTrustScore     float64 `json:"avg_trust_score"`
}

type session struct {
	mu  sync.Mutex
	ctx AuthContext
}

// Authenticator issues, refreshes, and revokes device sessions and runs
// continuous trust evaluation over them. Mutations to the same device are
// serialized by a per-session lock; different devices proceed in parallel.
type Authenticator struct {
	logger zerolog.Logger

	signingSecret    []byte
	tokenLifetime    time.Duration
	trustThreshold   float64
	decayPerMinute   float64
	anomalyPenalty   float64
	anomalyThreshold float64
	secrets          SecretRegistry
	hasher           SecretHasher
	chain            ChainVerifier

	now func() time.Time

	mu       sync.RWMutex
	sessions map[string]*session

	authAttempts      atomic.Uint64
	authSuccess       atomic.Uint64
	authFailures      atomic.Uint64
	tokenRefreshes    atomic.Uint64
	trustViolations   atomic.Uint64
	mtlsVerifications atomic.Uint64
	continuousChecks  atomic.Uint64
}

// NewAuthenticator builds an authenticator, generating signing material
// when none is configured.
func NewAuthenticator(cfg Config, logger zerolog.Logger) (*Authenticator, error) {
	secret := cfg.SigningSecret
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generating signing secret: %w", err)
		}
	}

	a := &Authenticator{
		logger:           logger.With().Str("component", "ztauth").Logger(),
		signingSecret:    secret,
		tokenLifetime:    cfg.TokenLifetime,
		trustThreshold:   cfg.TrustThreshold,
		decayPerMinute:   cfg.DecayPerMinute,
		anomalyPenalty:   cfg.AnomalyPenalty,
		anomalyThreshold: cfg.AnomalyThreshold,
		secrets:          cfg.Secrets,
		hasher:           cfg.Hasher,
		chain:            cfg.Chain,
		now:              time.Now,
		sessions:         make(map[string]*session),
	}
	if a.tokenLifetime <= 0 {
		a.tokenLifetime = 5 * time.Minute
	}
	if a.trustThreshold <= 0 {
		a.trustThreshold = 70
	}
	if a.decayPerMinute <= 0 {
		a.decayPerMinute = 0.1
	}
	if a.anomalyPenalty <= 0 {
		a.anomalyPenalty = 20
	}
	if a.anomalyThreshold <= 0 {
		a.anomalyThreshold = 0.5
	}
	if a.chain == nil {
		a.chain = AcceptAllChains{}
	}
	return a, nil
}

// Authenticate verifies the presented credentials and, on success, replaces
// any existing session for the device with a fresh one at full trust,
// returning a signed token. On failure no state is created or modified.
func (a *Authenticator) Authenticate(deviceID, deviceType string, creds Credentials, method Method) (string, error) {
	a.authAttempts.Add(1)

	var err error
	switch method {
	case MethodJWT:
		err = a.verifyDeviceKey(deviceID, creds)
	case MethodMTLS:
		err = a.verifyCertificate(creds.CertificatePEM, a.now())
	case MethodOAuth:
		err = a.verifyOAuthToken(creds.OAuthToken)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
	if err != nil {
		a.authFailures.Add(1)
		a.logger.Warn().Str("device", deviceID).Str("method", string(method)).Err(err).Msg("authentication failed")
		return "", err
	}

	now := a.now()
	ctx := AuthContext{
		DeviceID:         deviceID,
		DeviceType:       deviceType,
		Method:           method,
		AuthTime:         now,
		ExpiresAt:        now.Add(a.tokenLifetime),
		TrustScore:       100,
		BehaviorNormal:   true,
		LocationVerified: true,
		CertificateValid: true,
	}

	token, err := a.signToken(ctx)
	if err != nil {
		a.authFailures.Add(1)
		return "", fmt.Errorf("signing token: %w", err)
	}

	a.mu.Lock()
	a.sessions[deviceID] = &session{ctx: ctx}
	a.mu.Unlock()

	a.authSuccess.Add(1)
	a.logger.Info().Str("device", deviceID).Str("method", string(method)).Time("expires_at", ctx.ExpiresAt).Msg("device authenticated")
	return token, nil
}

func (a *Authenticator) signToken(ctx AuthContext) (string, error) {
	claims := Claims{
		DeviceID:   ctx.DeviceID,
		DeviceType: ctx.DeviceType,
		AuthMethod: string(ctx.Method),
		TrustScore: ctx.TrustScore,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(ctx.AuthTime),
			ExpiresAt: jwt.NewNumericDate(ctx.ExpiresAt),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.signingSecret)
}

// VerifyToken checks integrity and expiry of a session token. The two
// failure classes stay distinguishable: ErrTokenExpired for a genuine but
// stale token, ErrTokenInvalid for anything tampered or malformed.
func (a *Authenticator) VerifyToken(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return a.signingSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(a.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// ContinuousCheck folds one behavioral signal into the device's trust
// state. An anomalous signal takes the fixed penalty and marks behavior
// abnormal; a normal one applies linear decay against the session age.
func (a *Authenticator) ContinuousCheck(deviceID string, signal BehaviorSignal) CheckResult {
	a.continuousChecks.Add(1)

	a.mu.RLock()
	s := a.sessions[deviceID]
	a.mu.RUnlock()
	if s == nil {
		a.logger.Warn().Str("device", deviceID).Msg("continuous check without active session")
		return CheckResult{Trusted: false, Reason: ReasonNoSession}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := a.now()
	if s.ctx.IsExpired(now) {
		a.trustViolations.Add(1)
		a.logger.Warn().Str("device", deviceID).Time("expired_at", s.ctx.ExpiresAt).Msg("session expired")
		return CheckResult{Trusted: false, TrustScore: s.ctx.TrustScore, Reason: ReasonSessionExpired}
	}

	if signal.AnomalyScore > a.anomalyThreshold {
		s.ctx.TrustScore -= a.anomalyPenalty
		s.ctx.BehaviorNormal = false
		a.logger.Warn().
			Str("device", deviceID).
			Float64("anomaly_score", signal.AnomalyScore).
			Float64("trust_score", s.ctx.TrustScore).
			Msg("anomalous behavior, trust penalized")
	} else {
		elapsed := now.Sub(s.ctx.AuthTime).Minutes()
		s.ctx.TrustScore -= a.decayPerMinute * elapsed
	}
	s.ctx.TrustScore = clamp(s.ctx.TrustScore, 0, 100)

	if !s.ctx.IsTrusted(now, a.trustThreshold) {
		a.trustViolations.Add(1)
		a.logger.Warn().
			Str("device", deviceID).
			Float64("trust_score", s.ctx.TrustScore).
			Bool("behavior_normal", s.ctx.BehaviorNormal).
			Msg("trust violation")
		return CheckResult{Trusted: false, TrustScore: s.ctx.TrustScore, Reason: ReasonTrustViolated}
	}
	return CheckResult{Trusted: true, TrustScore: s.ctx.TrustScore}
}

// RefreshToken renews a session without resetting its trust: auth_time and
// expires_at move forward, the score is carried. Refusal to refresh an
// untrusted device is what distinguishes renewal from re-authentication.
func (a *Authenticator) RefreshToken(deviceID string) (string, error) {
	a.mu.RLock()
	s := a.sessions[deviceID]
	a.mu.RUnlock()
	if s == nil {
		return "", ErrNoSession
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := a.now()
	if !s.ctx.IsTrusted(now, a.trustThreshold) {
		return "", ErrNotTrusted
	}

	s.ctx.AuthTime = now
	s.ctx.ExpiresAt = now.Add(a.tokenLifetime)

	token, err := a.signToken(s.ctx)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}

	a.tokenRefreshes.Add(1)
	a.logger.Info().Str("device", deviceID).Float64("trust_score", s.ctx.TrustScore).Msg("token refreshed")
	return token, nil
}

// Revoke deletes the device's session. Subsequent checks report no active
// session.
func (a *Authenticator) Revoke(deviceID string) bool {
	a.mu.Lock()
	_, ok := a.sessions[deviceID]
	delete(a.sessions, deviceID)
	a.mu.Unlock()

	if ok {
		a.logger.Warn().Str("device", deviceID).Msg("authentication revoked")
	}
	return ok
}

// TrustScore returns the device's current score, if it has a session.
func (a *Authenticator) TrustScore(deviceID string) (float64, bool) {
	a.mu.RLock()
	s := a.sessions[deviceID]
	a.mu.RUnlock()
	if s == nil {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx.TrustScore, true
}

// Context returns a copy of the device's authentication context.
func (a *Authenticator) Context(deviceID string) (AuthContext, bool) {
	a.mu.RLock()
	s := a.sessions[deviceID]
	a.mu.RUnlock()
	if s == nil {
		return AuthContext{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx, true
}

// Snapshot returns the counters and derived session statistics.
func (a *Authenticator) Snapshot() Metrics {
	a.mu.RLock()
	active := len(a.sessions)
	var total float64
	for _, s := range a.sessions {
		s.mu.Lock()
		total += s.ctx.TrustScore
		s.mu.Unlock()
	}
	a.mu.RUnlock()

	attempts := a.authAttempts.Load()
	success := a.authSuccess.Load()
	rate := 0.0
	if attempts > 0 {
		rate = 100 * float64(success) / float64(attempts)
	}
	avg := 0.0
	if active > 0 {
		avg = total / float64(active)
	}

	return Metrics{
		AuthAttempts:      attempts,
		AuthSuccess:       success,
		AuthFailures:      a.authFailures.Load(),
		TokenRefreshes:    a.tokenRefreshes.Load(),
		TrustViolations:   a.trustViolations.Load(),
		MTLSVerifications: a.mtlsVerifications.Load(),
		ContinuousChecks:  a.continuousChecks.Load(),
		ActiveSessions:    active,
		AuthSuccessRate:   rate,
		AvgTrustScore:     avg,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

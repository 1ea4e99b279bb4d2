package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	serverURL   = flag.String("server", "http://localhost:8443", "Microseg server URL")
	deviceID    = flag.String("device", "", "Device identifier")
	deviceType  = flag.String("type", "generic", "Device type label")
	method      = flag.String("method", "jwt", "Authentication method: jwt, mtls or oauth")
	deviceKey   = flag.String("key", "", "Device key for jwt authentication")
	certFile    = flag.String("cert", "", "PEM certificate file for mtls authentication")
	oauthToken  = flag.String("oauth-token", "", "Bearer token for oauth authentication")
	interval    = flag.Duration("interval", 30*time.Second, "Continuous check interval")
	jitter      = flag.Duration("jitter", 5*time.Second, "Random delay added to each check")
	anomalyFeed = flag.String("anomaly-feed", "", "File holding the current anomaly score, one float per line")
	Version     = "dev"
)

// Agent drives one device through the zero-trust session lifecycle:
// authenticate, report behavior for continuous checks, refresh the
// token before it expires, and re-authenticate after revocation.
type Agent struct {
	serverURL  string
	deviceID   string
	deviceType string
	method     string

	client *http.Client
	retry  *retrier

	token     string
	expiresAt time.Time
}

func main() {
	flag.Parse()

	configureLogger()
	log.Info().Str("version", Version).Msg("Microseg agent starting")

	if *deviceID == "" {
		log.Fatal().Msg("-device is required")
	}

	agent := &Agent{
		serverURL:  strings.TrimRight(*serverURL, "/"),
		deviceID:   *deviceID,
		deviceType: *deviceType,
		method:     *method,
		client:     &http.Client{Timeout: 10 * time.Second},
		retry:      newRetrier(500*time.Millisecond, 8*time.Second, 5),
	}

	if err := agent.authenticate(); err != nil {
		log.Fatal().Err(err).Msg("Initial authentication failed")
	}
	log.Info().Str("device", agent.deviceID).Time("expires_at", agent.expiresAt).Msg("Authenticated")

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for range ticker.C {
		if *jitter > 0 {
			time.Sleep(time.Duration(rand.Int63n(int64(*jitter))))
		}
		agent.tick()
	}
}

func configureLogger() {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.DurationFieldUnit = time.Millisecond

	level := zerolog.InfoLevel
	if raw := strings.ToLower(strings.TrimSpace(os.Getenv("MICROSEG_AGENT_LOG_LEVEL"))); raw != "" {
		if parsed, err := zerolog.ParseLevel(raw); err == nil {
			level = parsed
		}
	}

	if strings.ToLower(strings.TrimSpace(os.Getenv("MICROSEG_AGENT_LOG_FORMAT"))) == "json" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	} else {
		writer := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		log.Logger = zerolog.New(writer).With().Timestamp().Logger().Level(level)
	}
	zerolog.SetGlobalLevel(level)
}

// tick runs one continuous-check cycle and keeps the token fresh.
func (a *Agent) tick() {
	trusted, err := a.reportBehavior()
	if err != nil {
		log.Error().Err(err).Msg("Continuous check failed")
		return
	}
	if !trusted {
		// Quarantined or revoked; the only way back is a fresh login.
		if err := a.authenticate(); err != nil {
			log.Error().Err(err).Msg("Re-authentication failed")
		}
		return
	}
	if time.Until(a.expiresAt) < *interval*2 {
		if err := a.refresh(); err != nil {
			log.Warn().Err(err).Msg("Refresh failed, re-authenticating")
			if err := a.authenticate(); err != nil {
				log.Error().Err(err).Msg("Re-authentication failed")
			}
		}
	}
}

type sessionResponse struct {
	Token      string    `json:"token"`
	ExpiresAt  time.Time `json:"expires_at"`
	TrustScore float64   `json:"trust_score"`
}

func (a *Agent) authenticate() error {
	creds := map[string]string{}
	switch a.method {
	case "jwt":
		creds["device_key"] = *deviceKey
	case "mtls":
		pem, err := os.ReadFile(*certFile)
		if err != nil {
			return fmt.Errorf("reading certificate: %w", err)
		}
		creds["certificate"] = string(pem)
	case "oauth":
		creds["token"] = *oauthToken
	default:
		return fmt.Errorf("unknown method %q", a.method)
	}

	body := map[string]any{
		"device_id":   a.deviceID,
		"device_type": a.deviceType,
		"method":      a.method,
		"credentials": creds,
	}

	var session sessionResponse
	err := a.retry.do("login", func() error {
		return a.postJSON("/v1/auth/login", body, &session)
	})
	if err != nil {
		return err
	}

	a.token = session.Token
	a.expiresAt = session.ExpiresAt
	log.Info().Float64("trust_score", session.TrustScore).Msg("Session established")
	return nil
}

// reportBehavior posts the current anomaly score and returns whether the
// server still trusts this device.
func (a *Agent) reportBehavior() (bool, error) {
	score := readAnomalyScore(*anomalyFeed)

	var result struct {
		Trusted     bool    `json:"trusted"`
		TrustScore  float64 `json:"trust_score"`
		Reason      string  `json:"reason"`
		Quarantined bool    `json:"quarantined"`
	}
	body := map[string]any{"device_id": a.deviceID, "anomaly_score": score}
	if err := a.postJSON("/v1/auth/check", body, &result); err != nil {
		return false, err
	}

	if result.Quarantined {
		log.Warn().Float64("trust_score", result.TrustScore).Str("reason", result.Reason).Msg("Device quarantined")
	} else if !result.Trusted {
		log.Warn().Float64("trust_score", result.TrustScore).Str("reason", result.Reason).Msg("Device no longer trusted")
	} else {
		log.Debug().Float64("trust_score", result.TrustScore).Msg("Check passed")
	}
	return result.Trusted, nil
}

func (a *Agent) refresh() error {
	var session sessionResponse
	body := map[string]string{"device_id": a.deviceID}
	if err := a.postJSON("/v1/auth/refresh", body, &session); err != nil {
		return err
	}
	a.token = session.Token
	a.expiresAt = session.ExpiresAt
	log.Info().Time("expires_at", session.ExpiresAt).Msg("Token refreshed")
	return nil
}

func (a *Agent) postJSON(path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, a.serverURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError{status: resp.StatusCode}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// readAnomalyScore returns the last float in the feed file, clamped to
// [0,1]. Missing or malformed feeds read as 0 so a broken detector does
// not strand the device.
func readAnomalyScore(path string) float64 {
	if path == "" {
		return 0
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Anomaly feed unreadable")
		return 0
	}

	var score float64
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parsed, err := strconv.ParseFloat(line, 64)
		if err != nil {
			log.Warn().Str("line", line).Msg("Skipping malformed anomaly score")
			continue
		}
		score = parsed
	}

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

package main

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/microseg-io/microseg/pkg/zones"
	"github.com/microseg-io/microseg/pkg/ztauth"
)

func (s *Server) registerAuthRoutes(r *gin.Engine) {
	r.POST("/v1/auth/login", s.handleLogin)
	r.POST("/v1/auth/check", s.handleCheck)
	r.POST("/v1/auth/refresh", s.handleRefresh)
	r.POST("/v1/auth/revoke", s.handleRevoke)
	r.POST("/v1/auth/verify", s.handleVerify)
}

type loginCredentials struct {
	DeviceKey   string `json:"device_key"`
	Certificate string `json:"certificate"`
	Token       string `json:"token"`
}

type loginRequest struct {
	DeviceID    string           `json:"device_id" binding:"required"`
	DeviceType  string           `json:"device_type" binding:"required"`
	Method      string           `json:"method" binding:"required"`
	Credentials loginCredentials `json:"credentials"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}

	if !s.rateLimiter.Allow(req.DeviceID, s.cfg.Server.LoginRateLimit, time.Duration(s.cfg.Server.LoginRateWindowS)*time.Second) {
		respondError(c, http.StatusTooManyRequests, "too many authentication attempts", s.logger)
		return
	}

	method, err := ztauth.ParseMethod(req.Method)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}

	creds := ztauth.Credentials{
		DeviceKey:      req.Credentials.DeviceKey,
		CertificatePEM: []byte(req.Credentials.Certificate),
		OAuthToken:     req.Credentials.Token,
	}

	token, err := s.auth.Authenticate(req.DeviceID, req.DeviceType, creds, method)
	if err != nil {
		s.recordAuthEvent(req.DeviceID, "login_failed", req.Method, 0)
		respondError(c, http.StatusUnauthorized, "authentication failed", s.logger)
		return
	}

	ctx, _ := s.auth.Context(req.DeviceID)
	s.recordAuthEvent(req.DeviceID, "login", req.Method, ctx.TrustScore)

	c.JSON(http.StatusOK, gin.H{
		"token":       token,
		"expires_at":  ctx.ExpiresAt,
		"trust_score": ctx.TrustScore,
	})
}

type checkRequest struct {
	DeviceID     string  `json:"device_id" binding:"required"`
	AnomalyScore float64 `json:"anomaly_score" binding:"min=0,max=1"`
}

// handleCheck runs a continuous authentication check. A trust violation
// quarantines the device: the two subsystems only meet here.
func (s *Server) handleCheck(c *gin.Context) {
	var req checkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}

	result := s.auth.ContinuousCheck(req.DeviceID, ztauth.BehaviorSignal{AnomalyScore: req.AnomalyScore})

	quarantined := false
	if !result.Trusted && result.Reason == ztauth.ReasonTrustViolated {
		s.engine.QuarantineDevice(req.DeviceID)
		s.persistZone(req.DeviceID, zones.IoTQuarantine)
		s.recordAuthEvent(req.DeviceID, "trust_violation", "", result.TrustScore)
		quarantined = true
	}

	c.JSON(http.StatusOK, gin.H{
		"trusted":     result.Trusted,
		"trust_score": result.TrustScore,
		"reason":      result.Reason,
		"quarantined": quarantined,
	})
}

type deviceRequest struct {
	DeviceID string `json:"device_id" binding:"required"`
}

func (s *Server) handleRefresh(c *gin.Context) {
	var req deviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}

	token, err := s.auth.RefreshToken(req.DeviceID)
	switch {
	case errors.Is(err, ztauth.ErrNoSession):
		respondError(c, http.StatusUnauthorized, "no active session", s.logger)
		return
	case errors.Is(err, ztauth.ErrNotTrusted):
		respondError(c, http.StatusForbidden, "device not trusted, re-authentication required", s.logger)
		return
	case err != nil:
		respondError(c, http.StatusInternalServerError, "token refresh failed", s.logger)
		return
	}

	ctx, _ := s.auth.Context(req.DeviceID)
	s.recordAuthEvent(req.DeviceID, "refresh", string(ctx.Method), ctx.TrustScore)

	c.JSON(http.StatusOK, gin.H{
		"token":       token,
		"expires_at":  ctx.ExpiresAt,
		"trust_score": ctx.TrustScore,
	})
}

func (s *Server) handleRevoke(c *gin.Context) {
	var req deviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}

	revoked := s.auth.Revoke(req.DeviceID)
	if revoked {
		s.recordAuthEvent(req.DeviceID, "revoke", "", 0)
	}
	c.JSON(http.StatusOK, gin.H{"revoked": revoked})
}

type verifyRequest struct {
	Token string `json:"token" binding:"required"`
}

func (s *Server) handleVerify(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}

	claims, err := s.auth.VerifyToken(req.Token)
	switch {
	case errors.Is(err, ztauth.ErrTokenExpired):
		respondError(c, http.StatusUnauthorized, "token expired", s.logger)
		return
	case errors.Is(err, ztauth.ErrTokenInvalid):
		respondError(c, http.StatusUnauthorized, "token invalid", s.logger)
		return
	case err != nil:
		respondError(c, http.StatusInternalServerError, "token verification failed", s.logger)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"device_id":   claims.DeviceID,
		"device_type": claims.DeviceType,
		"auth_method": claims.AuthMethod,
		"trust_score": claims.TrustScore,
		"issued_at":   claims.IssuedAt.Time,
		"expires_at":  claims.ExpiresAt.Time,
	})
}

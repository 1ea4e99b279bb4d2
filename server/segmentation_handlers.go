package main

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/microseg-io/microseg/pkg/health"
	"github.com/microseg-io/microseg/pkg/segmentation"
	"github.com/microseg-io/microseg/pkg/zones"
)

func (s *Server) registerSegmentationRoutes(r *gin.Engine) {
	r.POST("/v1/traffic/evaluate", s.handleEvaluate)
	r.GET("/v1/traffic/log", s.handleTrafficLog)

	r.POST("/v1/zones/assign", s.handleAssignZone)
	r.POST("/v1/zones/quarantine", s.handleQuarantine)
	r.POST("/v1/zones/restore", s.handleRestore)
	r.GET("/v1/zones", s.handleListZones)
	r.GET("/v1/zones/:device", s.handleDeviceZone)

	r.GET("/v1/policies", s.handleListPolicies)
	r.POST("/v1/policies", s.handleAddPolicy)
	r.DELETE("/v1/policies/:name", s.handleRemovePolicy)

	r.GET("/v1/metrics", s.handleMetrics)
	r.GET("/v1/health", s.handleHealth)
}

type evaluateRequest struct {
	SrcDevice string `json:"src_device" binding:"required"`
	DstDevice string `json:"dst_device" binding:"required"`
	Protocol  string `json:"protocol" binding:"required"`
	Port      int    `json:"port" binding:"min=0,max=65535"`
}

func (s *Server) handleEvaluate(c *gin.Context) {
	var req evaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}

	decision := s.engine.EvaluateTraffic(req.SrcDevice, req.DstDevice, req.Protocol, req.Port)
	c.JSON(http.StatusOK, decision)
}

func (s *Server) handleTrafficLog(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			respondError(c, http.StatusBadRequest, "invalid limit", s.logger)
			return
		}
		limit = parsed
	}
	c.JSON(http.StatusOK, s.engine.TrafficLog(limit))
}

type assignRequest struct {
	DeviceID string `json:"device_id" binding:"required"`
	Zone     string `json:"zone" binding:"required"`
}

func (s *Server) handleAssignZone(c *gin.Context) {
	var req assignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}

	zone, err := zones.Parse(req.Zone)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	if err := s.engine.AssignDeviceZone(req.DeviceID, zone); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	s.persistZone(req.DeviceID, zone)

	c.JSON(http.StatusOK, gin.H{"device_id": req.DeviceID, "zone": zone})
}

func (s *Server) handleQuarantine(c *gin.Context) {
	var req deviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}

	s.engine.QuarantineDevice(req.DeviceID)
	s.persistZone(req.DeviceID, zones.IoTQuarantine)

	c.JSON(http.StatusOK, gin.H{"device_id": req.DeviceID, "zone": zones.IoTQuarantine})
}

type restoreRequest struct {
	DeviceID string `json:"device_id" binding:"required"`
	Zone     string `json:"zone"`
}

func (s *Server) handleRestore(c *gin.Context) {
	var req restoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}

	target := s.restoreZone
	if req.Zone != "" {
		parsed, err := zones.Parse(req.Zone)
		if err != nil {
			respondError(c, http.StatusBadRequest, err.Error(), s.logger)
			return
		}
		target = parsed
	}

	restored, err := s.engine.RestoreDevice(req.DeviceID, target)
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	if restored {
		s.persistZone(req.DeviceID, target)
	}

	zone, _ := s.engine.DeviceZone(req.DeviceID)
	c.JSON(http.StatusOK, gin.H{"device_id": req.DeviceID, "restored": restored, "zone": zone})
}

func (s *Server) handleListZones(c *gin.Context) {
	out := make(map[string][]string, len(zones.All()))
	for _, zone := range zones.All() {
		out[string(zone)] = s.engine.ZoneDevices(zone)
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleDeviceZone(c *gin.Context) {
	deviceID := c.Param("device")
	zone, ok := s.engine.DeviceZone(deviceID)
	if !ok {
		respondError(c, http.StatusNotFound, "device has no zone assignment", s.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"device_id": deviceID, "zone": zone})
}

func (s *Server) handleListPolicies(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Policies())
}

type policyRequest struct {
	Name       string   `json:"name" binding:"required"`
	SourceZone string   `json:"source_zone" binding:"required"`
	DestZone   string   `json:"dest_zone" binding:"required"`
	Protocols  []string `json:"protocols" binding:"required"`
	Ports      []int    `json:"ports" binding:"required"`
	Action     string   `json:"action" binding:"required,oneof=allow deny"`
	Priority   int      `json:"priority"`
	Enabled    *bool    `json:"enabled"`
}

func (s *Server) handleAddPolicy(c *gin.Context) {
	var req policyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	p := segmentation.Policy{
		Name:       req.Name,
		SourceZone: zones.Zone(req.SourceZone),
		DestZone:   zones.Zone(req.DestZone),
		Protocols:  req.Protocols,
		Ports:      req.Ports,
		Action:     segmentation.Action(req.Action),
		Priority:   req.Priority,
		Enabled:    enabled,
	}
	if err := s.engine.AddPolicy(p); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (s *Server) handleRemovePolicy(c *gin.Context) {
	name := c.Param("name")
	removed := s.engine.RemovePolicy(name)
	if removed == 0 {
		respondError(c, http.StatusNotFound, "policy not found", s.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": name, "removed": removed})
}

func (s *Server) handleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"segmentation": s.engine.Snapshot(),
		"auth":         s.auth.Snapshot(),
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	status := health.Check(s.db, s.signingLoaded, len(s.engine.Policies()))
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

package health

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Status summarizes the enforcement node's readiness.
type Status struct {
	DatabaseOK    bool      `json:"database_ok"`
	SigningLoaded bool      `json:"signing_loaded"`
	PolicyCount   int       `json:"policy_count"`
	CheckedAt     time.Time `json:"checked_at"`
	Healthy       bool      `json:"healthy"`
	Issues        []string  `json:"issues,omitempty"`
}

// Check runs the server-side health checks: audit database reachable,
// signing material loaded, and a non-empty policy table.
func Check(db *gorm.DB, signingLoaded bool, policyCount int) *Status {
	status := &Status{
		SigningLoaded: signingLoaded,
		PolicyCount:   policyCount,
		CheckedAt:     time.Now().UTC(),
		Healthy:       true,
		Issues:        []string{},
	}

	status.DatabaseOK = pingDatabase(db)
	if !status.DatabaseOK {
		status.Healthy = false
		status.Issues = append(status.Issues, "audit database unreachable")
	}

	if !signingLoaded {
		status.Healthy = false
		status.Issues = append(status.Issues, "token signing material not loaded")
	}

	if policyCount == 0 {
		status.Healthy = false
		status.Issues = append(status.Issues, fmt.Sprintf("policy table empty (%d rules)", policyCount))
	}

	return status
}

func pingDatabase(db *gorm.DB) bool {
	if db == nil {
		return false
	}
	sqlDB, err := db.DB()
	if err != nil {
		return false
	}
	return sqlDB.Ping() == nil
}

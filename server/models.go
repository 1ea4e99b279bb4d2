package main

import "time"

// TrafficRecord persists one evaluated flow for audit.
type TrafficRecord struct {
	ID        uint      `gorm:"primaryKey"`
	Time      time.Time `gorm:"index"`
	SrcDevice string    `gorm:"index"`
	DstDevice string
	SrcZone   string
	DstZone   string
	Protocol  string
	Port      int
	Policy    string
	Allowed   bool
	Reason    string `gorm:"index"`
}

// ZoneRecord persists device→zone assignments so quarantine survives a
// restart. Exactly one row per device.
type ZoneRecord struct {
	ID        uint   `gorm:"primaryKey"`
	DeviceID  string `gorm:"uniqueIndex"`
	Zone      string
	UpdatedAt time.Time
}

// AuthEvent records authentication lifecycle outcomes for audit.
type AuthEvent struct {
	ID         uint   `gorm:"primaryKey"`
	DeviceID   string `gorm:"index"`
	Event      string `gorm:"index"` // login, login_failed, refresh, revoke, trust_violation
	Method     string
	TrustScore float64
	CreatedAt  time.Time
}

package main

import (
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/microseg-io/microseg/pkg/segmentation"
	"github.com/microseg-io/microseg/pkg/zones"
)

// AuditWriter drains traffic log entries to the database off the
// evaluation path. The engine requires its audit hook not to block.
type AuditWriter struct {
	db      *gorm.DB
	logger  zerolog.Logger
	entries chan segmentation.TrafficLogEntry
	done    chan struct{}
}

func NewAuditWriter(db *gorm.DB, logger zerolog.Logger) *AuditWriter {
	w := &AuditWriter{
		db:      db,
		logger:  logger.With().Str("component", "audit").Logger(),
		entries: make(chan segmentation.TrafficLogEntry, 1024),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

// RecordTraffic implements segmentation.AuditRecorder. Entries are dropped
// rather than blocking evaluation when the writer falls behind.
func (w *AuditWriter) RecordTraffic(entry segmentation.TrafficLogEntry) {
	select {
	case w.entries <- entry:
	default:
		w.logger.Warn().Msg("audit buffer full, dropping traffic record")
	}
}

func (w *AuditWriter) run() {
	defer close(w.done)
	for entry := range w.entries {
		record := TrafficRecord{
			Time:      entry.Time,
			SrcDevice: entry.SrcDevice,
			DstDevice: entry.DstDevice,
			SrcZone:   string(entry.SrcZone),
			DstZone:   string(entry.DstZone),
			Protocol:  entry.Protocol,
			Port:      entry.Port,
			Policy:    entry.Policy,
			Allowed:   entry.Allowed,
			Reason:    string(entry.Reason),
		}
		if err := w.db.Create(&record).Error; err != nil {
			w.logger.Error().Err(err).Msg("failed to persist traffic record")
		}
	}
}

// Close flushes buffered entries and stops the writer.
func (w *AuditWriter) Close() {
	close(w.entries)
	<-w.done
}

// persistZone upserts the device's zone row.
func (s *Server) persistZone(deviceID string, zone zones.Zone) {
	record := ZoneRecord{DeviceID: deviceID, Zone: string(zone), UpdatedAt: time.Now().UTC()}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"zone", "updated_at"}),
	}).Create(&record).Error
	if err != nil {
		s.logger.Error().Err(err).Str("device", deviceID).Msg("failed to persist zone assignment")
	}
}

// restoreZones replays persisted assignments into the engine at boot.
func (s *Server) restoreZones() error {
	var records []ZoneRecord
	if err := s.db.Find(&records).Error; err != nil {
		return err
	}
	for _, r := range records {
		zone, err := zones.Parse(r.Zone)
		if err != nil {
			s.logger.Warn().Str("device", r.DeviceID).Str("zone", r.Zone).Msg("skipping persisted assignment with unknown zone")
			continue
		}
		if err := s.engine.AssignDeviceZone(r.DeviceID, zone); err != nil {
			return err
		}
	}
	if len(records) > 0 {
		s.logger.Info().Int("devices", len(records)).Msg("restored zone assignments")
	}
	return nil
}

func (s *Server) recordAuthEvent(deviceID, event, method string, trustScore float64) {
	record := AuthEvent{
		DeviceID:   deviceID,
		Event:      event,
		Method:     method,
		TrustScore: trustScore,
	}
	if err := s.db.Create(&record).Error; err != nil {
		s.logger.Error().Err(err).Str("device", deviceID).Msg("failed to persist auth event")
	}
}

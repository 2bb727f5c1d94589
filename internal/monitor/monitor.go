// Package monitor persists evicted flow records and aggregate request
// statistics in SQLite. Request and response bodies are never stored.
package monitor

import (
	"log"
	"sync/atomic"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// FlowRecord is the per-request trace. In-memory copies live in the
// orchestrator's ring; evicted records land here.
type FlowRecord struct {
	ID             string `gorm:"primaryKey" json:"id"`
	StartedAt      int64  `gorm:"index" json:"started_at"` // unix millis
	ClientProtocol string `gorm:"index" json:"client_protocol"`
	ModelRequested string `json:"model_requested"`
	ModelActual    string `gorm:"index" json:"model_actual"`
	AccountID      string `gorm:"index" json:"account_id,omitempty"`
	Status         int    `json:"status"`
	DurationMs     int64  `json:"duration_ms"`
	BytesIn        int64  `json:"bytes_in"`
	BytesOut       int64  `json:"bytes_out"`
	FirstByteMs    int64  `json:"first_byte_ms,omitempty"`
	ErrorKind      string `json:"error_kind,omitempty"`
	Note           string `json:"note,omitempty"`
	Bookmarked     bool   `json:"bookmarked"`
}

// Stats aggregates request outcomes.
type Stats struct {
	TotalRequests int64 `json:"total_requests"`
	SuccessCount  int64 `json:"success_count"`
	ErrorCount    int64 `json:"error_count"`
}

// Monitor owns the SQLite flow archive and the running counters.
type Monitor struct {
	db *gorm.DB

	totalRequests atomic.Int64
	successCount  atomic.Int64
	errorCount    atomic.Int64
}

// Open initializes the SQLite database and runs migrations.
func Open(dbPath string) (*Monitor, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&FlowRecord{}); err != nil {
		return nil, err
	}

	m := &Monitor{db: db}
	m.loadStats()
	return m, nil
}

// Record counts a finished request and asynchronously archives its record.
func (m *Monitor) Record(rec FlowRecord) {
	m.totalRequests.Add(1)
	if rec.Status >= 200 && rec.Status < 400 {
		m.successCount.Add(1)
	} else {
		m.errorCount.Add(1)
	}
	go func(entry FlowRecord) {
		if err := m.db.Create(&entry).Error; err != nil {
			log.Printf("[Monitor] Failed to archive flow %s: %v", entry.ID, err)
		}
	}(rec)
}

// Archive stores evicted flow records in bulk. Records were already
// inserted on completion, so this upserts to capture their final state
// (bookmarks set after the fact).
func (m *Monitor) Archive(recs []FlowRecord) {
	if len(recs) == 0 {
		return
	}
	go func(entries []FlowRecord) {
		err := m.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&entries).Error
		if err != nil {
			log.Printf("[Monitor] Failed to archive %d flows: %v", len(entries), err)
		}
	}(recs)
}

// Recent returns archived flows ordered newest first.
func (m *Monitor) Recent(limit int, sinceMinutes int) []FlowRecord {
	if limit <= 0 {
		limit = 100
	}
	query := m.db.Order("started_at DESC").Limit(limit)
	if sinceMinutes > 0 {
		since := time.Now().Add(-time.Duration(sinceMinutes) * time.Minute).UnixMilli()
		query = query.Where("started_at >= ?", since)
	}
	var recs []FlowRecord
	if err := query.Find(&recs).Error; err != nil {
		log.Printf("[Monitor] Failed to query flows: %v", err)
		return nil
	}
	return recs
}

// Stats returns aggregate request statistics.
func (m *Monitor) Stats() Stats {
	return Stats{
		TotalRequests: m.totalRequests.Load(),
		SuccessCount:  m.successCount.Load(),
		ErrorCount:    m.errorCount.Load(),
	}
}

// DetailedStats groups archived counts per model and protocol.
func (m *Monitor) DetailedStats() map[string]interface{} {
	type bucket struct {
		Key   string
		Count int64
	}
	byModel := make(map[string]int64)
	var modelRows []bucket
	if err := m.db.Model(&FlowRecord{}).
		Select("model_actual as key, count(*) as count").
		Group("model_actual").Scan(&modelRows).Error; err == nil {
		for _, row := range modelRows {
			byModel[row.Key] = row.Count
		}
	}

	byProtocol := make(map[string]int64)
	var protoRows []bucket
	if err := m.db.Model(&FlowRecord{}).
		Select("client_protocol as key, count(*) as count").
		Group("client_protocol").Scan(&protoRows).Error; err == nil {
		for _, row := range protoRows {
			byProtocol[row.Key] = row.Count
		}
	}

	return map[string]interface{}{
		"totals":      m.Stats(),
		"by_model":    byModel,
		"by_protocol": byProtocol,
	}
}

func (m *Monitor) loadStats() {
	var total, success, errs int64
	m.db.Model(&FlowRecord{}).Count(&total)
	m.db.Model(&FlowRecord{}).Where("status >= 200 AND status < 400").Count(&success)
	m.db.Model(&FlowRecord{}).Where("status < 200 OR status >= 400").Count(&errs)

	m.totalRequests.Store(total)
	m.successCount.Store(success)
	m.errorCount.Store(errs)
	log.Printf("[Monitor] Loaded stats: total=%d, success=%d, errors=%d", total, success, errs)
}

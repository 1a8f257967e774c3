package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
)

var errMissingDatabase = errors.New("audit: database handle is required")

// EventRecord is the persisted form of an Event.
type EventRecord struct {
	EventID      string `gorm:"column:event_id;primaryKey;size:64"`
	Kind         string `gorm:"column:kind;size:64;not null;index"`
	Collection   string `gorm:"column:collection;size:190;not null;default:''"`
	RecordID     string `gorm:"column:record_id;size:190;not null;default:''"`
	Source       string `gorm:"column:source;size:32;not null;default:''"`
	Target       string `gorm:"column:target;size:32;not null;default:''"`
	Status       string `gorm:"column:status;size:32;not null"`
	AtMillis     int64  `gorm:"column:at_ms;not null;index"`
	DetailsJSON  string `gorm:"column:details_json;type:text"`
	ErrorMessage string `gorm:"column:error_message;type:text"`
}

// TableName provides the explicit table binding for GORM.
func (EventRecord) TableName() string {
	return "sync_events"
}

// GormSink writes events into the sync_events table.
type GormSink struct {
	db *gorm.DB
}

// NewGormSink constructs a sink on the provided database.
func NewGormSink(db *gorm.DB) (*GormSink, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &GormSink{db: db}, nil
}

// Write inserts the event.
func (s *GormSink) Write(ctx context.Context, event Event) error {
	record := EventRecord{
		EventID:      event.ID,
		Kind:         string(event.Kind),
		Collection:   event.Collection,
		RecordID:     event.RecordID,
		Source:       event.Source,
		Target:       event.Target,
		Status:       string(event.Status),
		AtMillis:     event.At.UTC().UnixMilli(),
		ErrorMessage: event.Error,
	}
	if len(event.Details) > 0 {
		encoded, err := json.Marshal(event.Details)
		if err != nil {
			return err
		}
		record.DetailsJSON = string(encoded)
	}
	return s.db.WithContext(ctx).Create(&record).Error
}

// Recent loads up to limit of the newest persisted events, oldest first.
func (s *GormSink) Recent(ctx context.Context, limit int) ([]Event, error) {
	var rows []EventRecord
	query := s.db.WithContext(ctx).Order("at_ms DESC, event_id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(rows))
	for index := len(rows) - 1; index >= 0; index-- {
		row := rows[index]
		event := Event{
			ID:         row.EventID,
			Kind:       Kind(row.Kind),
			Collection: row.Collection,
			RecordID:   row.RecordID,
			Source:     row.Source,
			Target:     row.Target,
			Status:     Status(row.Status),
			At:         time.UnixMilli(row.AtMillis).UTC(),
			Error:      row.ErrorMessage,
		}
		if row.DetailsJSON != "" {
			details := map[string]any{}
			if err := json.Unmarshal([]byte(row.DetailsJSON), &details); err == nil {
				event.Details = details
			}
		}
		events = append(events, event)
	}
	return events, nil
}

// Package replica persists the local twin in SQLite through GORM.
package replica

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/twinsync/internal/ids"
	"github.com/MarcoPoloResearchLab/twinsync/internal/records"
	"github.com/MarcoPoloResearchLab/twinsync/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opCreate = "replica.create"
	opRead   = "replica.read"
	opList   = "replica.list"
	opUpdate = "replica.update"
	opDelete = "replica.delete"
	opQuery  = "replica.query"

	queryCollectionRecord = "collection = ? AND record_id = ?"
	queryCollection       = "collection = ?"
	orderInsertion        = "created_at_s ASC, record_id ASC"

	fieldCollection = "collection"
	fieldRecordID   = "record_id"
)

var errMissingDatabase = errors.New("replica: database handle is required")

// Record is the persisted row backing one replicated record.
type Record struct {
	Collection       string `gorm:"column:collection;primaryKey;size:190;not null;index:idx_replica_collection_updated,priority:1"`
	RecordID         string `gorm:"column:record_id;primaryKey;size:190;not null"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null"`
	Checksum         string `gorm:"column:checksum;size:64;not null;default:''"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;index:idx_replica_collection_updated,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "replica_records"
}

// Config describes the dependencies of the replica store.
type Config struct {
	Database    *gorm.DB
	Keys        records.KeySpec
	Checksummer records.Checksummer
	Clock       func() time.Time
	IDProvider  ids.Provider
	Logger      *zap.Logger
}

// Store implements store.Store on top of the replica_records table.
type Store struct {
	db          *gorm.DB
	keys        records.KeySpec
	checksummer records.Checksummer
	clock       func() time.Time
	idProvider  ids.Provider
	logger      *zap.Logger
}

// New constructs a replica Store.
func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = ids.NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	checksummer := cfg.Checksummer
	if !checksummer.Configured() {
		checksummer = records.DefaultChecksummer()
	}
	return &Store{
		db:          cfg.Database,
		keys:        cfg.Keys,
		checksummer: checksummer,
		clock:       clock,
		idProvider:  idProvider,
		logger:      logger,
	}, nil
}

// Create inserts a record, assigning a UUIDv7 key when the payload has none.
func (s *Store) Create(ctx context.Context, collection string, record records.Record) (records.Record, error) {
	name, err := records.ValidateCollection(collection)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidRecord, err)
	}
	payload := record.Clone()
	if payload == nil {
		payload = records.Record{}
	}
	key, keyErr := s.keys.Key(name, payload)
	if keyErr != nil {
		key, err = s.idProvider.NewID()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
		}
		payload[s.keys.Field(name)] = key
	}
	for field, value := range payload {
		if value == nil {
			delete(payload, field)
		}
	}

	row, err := s.encode(name, key, payload)
	if err != nil {
		return nil, err
	}
	now := s.clock().UTC().Unix()
	row.CreatedAtSeconds = now
	row.UpdatedAtSeconds = now

	createErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Record
		lookupErr := tx.Where(queryCollectionRecord, name, key).Take(&existing).Error
		if lookupErr == nil {
			return fmt.Errorf("%w: duplicate key %s/%s", store.ErrInvalidRecord, name, key)
		}
		if !errors.Is(lookupErr, gorm.ErrRecordNotFound) {
			return lookupErr
		}
		return tx.Create(&row).Error
	})
	if errors.Is(createErr, store.ErrInvalidRecord) {
		return nil, createErr
	}
	if createErr != nil {
		s.logError(opCreate, createErr, zap.String(fieldCollection, name), zap.String(fieldRecordID, key))
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, createErr)
	}
	return payload, nil
}

// Read returns the record stored under id.
func (s *Store) Read(ctx context.Context, collection, id string) (records.Record, error) {
	var row Record
	err := s.db.WithContext(ctx).Where(queryCollectionRecord, collection, id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", store.ErrNotFound, collection, id)
	}
	if err != nil {
		s.logError(opRead, err, zap.String(fieldCollection, collection), zap.String(fieldRecordID, id))
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return decode(row)
}

// List returns every record of the collection in insertion order.
func (s *Store) List(ctx context.Context, collection string) ([]records.Record, error) {
	var rows []Record
	if err := s.db.WithContext(ctx).
		Where(queryCollection, collection).
		Order(orderInsertion).
		Find(&rows).Error; err != nil {
		s.logError(opList, err, zap.String(fieldCollection, collection))
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	items := make([]records.Record, 0, len(rows))
	for _, row := range rows {
		item, err := decode(row)
		if err != nil {
			s.logError(opList, err, zap.String(fieldCollection, collection), zap.String(fieldRecordID, row.RecordID))
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// Update merges a partial record into the stored payload.
func (s *Store) Update(ctx context.Context, collection, id string, partial records.Record) error {
	keyField := s.keys.Field(collection)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row Record
		lookupErr := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryCollectionRecord, collection, id).
			Take(&row).Error
		if errors.Is(lookupErr, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s/%s", store.ErrNotFound, collection, id)
		}
		if lookupErr != nil {
			return lookupErr
		}
		current, decodeErr := decode(row)
		if decodeErr != nil {
			return decodeErr
		}
		for field, value := range partial {
			if field == keyField {
				continue
			}
			if value == nil {
				delete(current, field)
				continue
			}
			current[field] = records.CloneValue(value)
		}
		updated, encodeErr := s.encode(collection, id, current)
		if encodeErr != nil {
			return encodeErr
		}
		row.PayloadJSON = updated.PayloadJSON
		row.Checksum = updated.Checksum
		row.UpdatedAtSeconds = s.clock().UTC().Unix()
		return tx.Save(&row).Error
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrInvalidRecord) {
		return err
	}
	s.logError(opUpdate, err, zap.String(fieldCollection, collection), zap.String(fieldRecordID, id))
	return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
}

// Delete removes the record stored under id.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	result := s.db.WithContext(ctx).Where(queryCollectionRecord, collection, id).Delete(&Record{})
	if result.Error != nil {
		s.logError(opDelete, result.Error, zap.String(fieldCollection, collection), zap.String(fieldRecordID, id))
		return fmt.Errorf("%w: %v", store.ErrUnavailable, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s/%s", store.ErrNotFound, collection, id)
	}
	return nil
}

// Query evaluates the query over the collection. An equality filter on the
// primary key is answered with a single-row lookup.
func (s *Store) Query(ctx context.Context, collection string, query records.Query) ([]records.Record, error) {
	if err := query.Validate(); err != nil {
		return nil, err
	}
	keyField := s.keys.Field(collection)
	for _, filter := range query.Filters {
		if filter.Field != keyField || filter.Operator != records.OperatorEqual {
			continue
		}
		item, err := s.Read(ctx, collection, filter.Value)
		if errors.Is(err, store.ErrNotFound) {
			return []records.Record{}, nil
		}
		if err != nil {
			s.logError(opQuery, err, zap.String(fieldCollection, collection))
			return nil, err
		}
		return records.Apply([]records.Record{item}, query)
	}
	items, err := s.List(ctx, collection)
	if err != nil {
		return nil, err
	}
	return records.Apply(items, query)
}

func (s *Store) encode(collection, id string, payload records.Record) (Record, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", store.ErrInvalidRecord, err)
	}
	checksum, err := s.checksummer.Sum(payload)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", store.ErrInvalidRecord, err)
	}
	return Record{
		Collection:  collection,
		RecordID:    id,
		PayloadJSON: string(encoded),
		Checksum:    checksum,
	}, nil
}

func decode(row Record) (records.Record, error) {
	payload := records.Record{}
	if row.PayloadJSON == "" {
		return payload, nil
	}
	if err := json.Unmarshal([]byte(row.PayloadJSON), &payload); err != nil {
		return nil, fmt.Errorf("%w: decode %s/%s: %v", store.ErrInvalidRecord, row.Collection, row.RecordID, err)
	}
	return payload, nil
}

func (s *Store) logError(operation string, err error, fields ...zap.Field) {
	attrs := []zap.Field{zap.String("operation", operation)}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("replica store error", attrs...)
}

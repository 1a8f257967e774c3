package database

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/twinsync/internal/records"
	"github.com/MarcoPoloResearchLab/twinsync/internal/store/replica"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillReplicaChecksums = "2026-09-14_backfill_replica_checksums"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillReplicaChecksums, apply: backfillReplicaChecksums},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return fmt.Errorf("migration %s: %w", migration.name, err)
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillReplicaChecksums computes checksums for replica rows written before
// the column existed. Rows whose payload cannot be decoded keep an empty checksum.
func backfillReplicaChecksums(db *gorm.DB) error {
	checksummer := records.DefaultChecksummer()
	var rows []replica.Record
	if err := db.Where("checksum = ?", "").Find(&rows).Error; err != nil {
		return err
	}
	for _, row := range rows {
		payload := records.Record{}
		if err := json.Unmarshal([]byte(row.PayloadJSON), &payload); err != nil {
			continue
		}
		checksum, err := checksummer.Sum(payload)
		if err != nil {
			continue
		}
		if err := db.Model(&replica.Record{}).
			Where("collection = ? AND record_id = ?", row.Collection, row.RecordID).
			Update("checksum", checksum).Error; err != nil {
			return err
		}
	}
	return nil
}

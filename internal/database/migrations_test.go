package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/twinsync/internal/records"
	"github.com/MarcoPoloResearchLab/twinsync/internal/store/replica"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsBackfillsReplicaChecksums(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&replica.Record{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	legacy := replica.Record{
		Collection:       "accounts",
		RecordID:         "A1",
		PayloadJSON:      `{"accountid":"A1","name":"Acme"}`,
		CreatedAtSeconds: 1,
		UpdatedAtSeconds: 1,
	}
	broken := replica.Record{
		Collection:       "accounts",
		RecordID:         "A2",
		PayloadJSON:      `{not json`,
		CreatedAtSeconds: 1,
		UpdatedAtSeconds: 1,
	}
	if err := database.Create(&[]replica.Record{legacy, broken}).Error; err != nil {
		testContext.Fatalf("failed to insert legacy rows: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	expected, err := records.DefaultChecksummer().Sum(records.Record{"accountid": "A1", "name": "Acme"})
	if err != nil {
		testContext.Fatalf("failed to compute checksum: %v", err)
	}
	var stored replica.Record
	if err := database.Where("collection = ? AND record_id = ?", "accounts", "A1").Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload row: %v", err)
	}
	if stored.Checksum != expected {
		testContext.Fatalf("expected checksum %q, got %q", expected, stored.Checksum)
	}
	var storedBroken replica.Record
	if err := database.Where("collection = ? AND record_id = ?", "accounts", "A2").Take(&storedBroken).Error; err != nil {
		testContext.Fatalf("failed to reload broken row: %v", err)
	}
	if storedBroken.Checksum != "" {
		testContext.Fatalf("expected undecodable row to keep an empty checksum, got %q", storedBroken.Checksum)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationBackfillReplicaChecksums).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("expected second run to be a no-op: %v", err)
	}
}

func TestOpenSQLiteCreatesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "twinsync.db")

	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql handle: %v", err)
	}
	defer sqlDB.Close()

	for _, table := range []string{"replica_records", "sync_events", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s to exist", table)
		}
	}

	if _, err := OpenSQLite("", nil); err == nil {
		testContext.Fatalf("expected empty path to be rejected")
	}
}

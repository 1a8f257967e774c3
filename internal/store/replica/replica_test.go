package replica

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/twinsync/internal/records"
	"github.com/MarcoPoloResearchLab/twinsync/internal/store"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func mustReplicaStore(testContext *testing.T) *Store {
	testContext.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(testContext.Name())
	database, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&Record{}); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}
	replicaStore, err := New(Config{
		Database: database,
		Keys:     records.KeySpec{"accounts": "accountid"},
		Clock:    func() time.Time { return time.Unix(1700000000, 0) },
	})
	if err != nil {
		testContext.Fatalf("failed to build replica store: %v", err)
	}
	return replicaStore
}

func TestReplicaStoreRoundTrip(testContext *testing.T) {
	replicaStore := mustReplicaStore(testContext)
	ctx := context.Background()

	created, err := replicaStore.Create(ctx, "accounts", records.Record{"accountid": "A1", "name": "Acme", "employees": 12})
	if err != nil {
		testContext.Fatalf("create failed: %v", err)
	}
	if created["accountid"] != "A1" {
		testContext.Fatalf("unexpected created record %#v", created)
	}

	stored, err := replicaStore.Read(ctx, "accounts", "A1")
	if err != nil {
		testContext.Fatalf("read failed: %v", err)
	}
	if stored["name"] != "Acme" || stored["employees"] != float64(12) {
		testContext.Fatalf("unexpected stored record %#v", stored)
	}

	if err := replicaStore.Update(ctx, "accounts", "A1", records.Record{"name": "Acme Corp", "employees": nil}); err != nil {
		testContext.Fatalf("update failed: %v", err)
	}
	stored, err = replicaStore.Read(ctx, "accounts", "A1")
	if err != nil {
		testContext.Fatalf("read after update failed: %v", err)
	}
	if stored["name"] != "Acme Corp" {
		testContext.Fatalf("expected updated name, got %#v", stored["name"])
	}
	if _, ok := stored["employees"]; ok {
		testContext.Fatalf("expected employees to be cleared")
	}

	var row Record
	if err := replicaStore.db.Where(queryCollectionRecord, "accounts", "A1").Take(&row).Error; err != nil {
		testContext.Fatalf("failed to load row: %v", err)
	}
	expectedChecksum, _ := records.DefaultChecksummer().Sum(stored)
	if row.Checksum != expectedChecksum {
		testContext.Fatalf("expected stored checksum %s, got %s", expectedChecksum, row.Checksum)
	}

	if err := replicaStore.Delete(ctx, "accounts", "A1"); err != nil {
		testContext.Fatalf("delete failed: %v", err)
	}
	if _, err := replicaStore.Read(ctx, "accounts", "A1"); !errors.Is(err, store.ErrNotFound) {
		testContext.Fatalf("expected not found after delete, got %v", err)
	}
	if err := replicaStore.Delete(ctx, "accounts", "A1"); !errors.Is(err, store.ErrNotFound) {
		testContext.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestReplicaStoreGeneratesKeys(testContext *testing.T) {
	replicaStore := mustReplicaStore(testContext)
	created, err := replicaStore.Create(context.Background(), "contacts", records.Record{"name": "Ada"})
	if err != nil {
		testContext.Fatalf("create failed: %v", err)
	}
	identifier, ok := created["id"].(string)
	if !ok || identifier == "" {
		testContext.Fatalf("expected generated id, got %#v", created)
	}
}

func TestReplicaStoreRejectsDuplicates(testContext *testing.T) {
	replicaStore := mustReplicaStore(testContext)
	ctx := context.Background()
	if _, err := replicaStore.Create(ctx, "accounts", records.Record{"accountid": "A1"}); err != nil {
		testContext.Fatalf("create failed: %v", err)
	}
	if _, err := replicaStore.Create(ctx, "accounts", records.Record{"accountid": "A1"}); !errors.Is(err, store.ErrInvalidRecord) {
		testContext.Fatalf("expected duplicate rejection, got %v", err)
	}
}

func TestReplicaStoreQuery(testContext *testing.T) {
	replicaStore := mustReplicaStore(testContext)
	ctx := context.Background()
	for _, item := range []records.Record{
		{"accountid": "A1", "name": "Acme", "employees": 50},
		{"accountid": "A2", "name": "Globex", "employees": 10},
		{"accountid": "A3", "name": "Acme Labs", "employees": 200},
	} {
		if _, err := replicaStore.Create(ctx, "accounts", item); err != nil {
			testContext.Fatalf("seed failed: %v", err)
		}
	}

	items, err := replicaStore.Query(ctx, "accounts", records.Query{
		Filters: []records.Filter{{Field: "name", Operator: records.OperatorContains, Value: "acme"}},
		OrderBy: "employees",
	})
	if err != nil {
		testContext.Fatalf("query failed: %v", err)
	}
	if len(items) != 2 || items[0]["accountid"] != "A1" || items[1]["accountid"] != "A3" {
		testContext.Fatalf("unexpected query result %#v", items)
	}

	byKey, err := replicaStore.Query(ctx, "accounts", records.Query{
		Filters: []records.Filter{{Field: "accountid", Operator: records.OperatorEqual, Value: "A2"}},
	})
	if err != nil {
		testContext.Fatalf("key query failed: %v", err)
	}
	if len(byKey) != 1 || byKey[0]["name"] != "Globex" {
		testContext.Fatalf("unexpected key query result %#v", byKey)
	}

	missing, err := replicaStore.Query(ctx, "accounts", records.Query{
		Filters: []records.Filter{{Field: "accountid", Operator: records.OperatorEqual, Value: "nope"}},
	})
	if err != nil || len(missing) != 0 {
		testContext.Fatalf("expected empty result, got %#v (%v)", missing, err)
	}
}

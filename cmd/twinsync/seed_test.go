package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/twinsync/internal/drift"
	"github.com/MarcoPoloResearchLab/twinsync/internal/records"
	"github.com/MarcoPoloResearchLab/twinsync/internal/store"
)

const sampleFixture = `
accounts:
  - accountid: A1
    name: Acme
    employees: 40
  - accountid: A2
    name: Globex
contacts:
  - name: Hank
`

func TestSeedStoreLoadsFixture(t *testing.T) {
	keys := records.KeySpec{"accounts": "accountid"}
	target := store.NewMemoryStore(keys)

	data, err := loadFixture(strings.NewReader(sampleFixture))
	if err != nil {
		t.Fatalf("failed to load fixture: %v", err)
	}
	summary, err := seedStore(context.Background(), target, keys, data)
	if err != nil {
		t.Fatalf("failed to seed: %v", err)
	}
	if summary["accounts"] != 2 || summary["contacts"] != 1 {
		t.Fatalf("unexpected summary %v", summary)
	}

	record, err := target.Read(context.Background(), "accounts", "A1")
	if err != nil {
		t.Fatalf("failed to read seeded record: %v", err)
	}
	if record["name"] != "Acme" {
		t.Fatalf("unexpected record %v", record)
	}

	if _, err := seedStore(context.Background(), target, keys, data); err != nil {
		t.Fatalf("expected reseeding keyed records to upsert: %v", err)
	}
	items, err := target.List(context.Background(), "accounts")
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected two accounts after reseed, got %d", len(items))
	}
}

func TestLoadFixtureRejectsMalformedInput(t *testing.T) {
	if _, err := loadFixture(strings.NewReader("accounts: [unterminated")); err == nil {
		t.Fatalf("expected malformed fixture to fail")
	}
	empty, err := loadFixture(strings.NewReader(""))
	if err != nil {
		t.Fatalf("expected empty fixture to load: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected empty fixture, got %v", empty)
	}
}

func TestWriteReportFormats(t *testing.T) {
	report := drift.Report{OverallDriftPct: 12.5, Summary: "minor drift"}

	var yamlOut bytes.Buffer
	if err := writeReport(&yamlOut, "yaml", report); err != nil {
		t.Fatalf("yaml output failed: %v", err)
	}
	if !strings.Contains(yamlOut.String(), "overall_drift_pct: 12.5") {
		t.Fatalf("unexpected yaml output %q", yamlOut.String())
	}

	var jsonOut bytes.Buffer
	if err := writeReport(&jsonOut, "json", report); err != nil {
		t.Fatalf("json output failed: %v", err)
	}
	if !strings.Contains(jsonOut.String(), `"overall_drift_pct": 12.5`) {
		t.Fatalf("unexpected json output %q", jsonOut.String())
	}

	if err := writeReport(&jsonOut, "xml", report); err == nil {
		t.Fatalf("expected unknown format to fail")
	}
}

package drift

import (
	"context"
	"fmt"
	"testing"

	"github.com/MarcoPoloResearchLab/twinsync/internal/records"
	"github.com/MarcoPoloResearchLab/twinsync/internal/store"
	"github.com/MarcoPoloResearchLab/twinsync/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKeys = records.KeySpec{"accounts": "accountid"}

func newDetector(t *testing.T, local, remote store.Store, sample int) *Detector {
	t.Helper()
	detector, err := New(Config{Stores: store.Pair{Local: local, Remote: remote}, Keys: testKeys, SampleSize: sample})
	require.NoError(t, err)
	return detector
}

func seed(t *testing.T, target store.Store, items ...records.Record) {
	t.Helper()
	for _, item := range items {
		_, err := target.Create(context.Background(), "accounts", item)
		require.NoError(t, err)
	}
}

func TestBand(t *testing.T) {
	assert.Equal(t, "in sync", Band(0))
	assert.Equal(t, "minor drift, within limits", Band(4.99))
	assert.Equal(t, "moderate, sync recommended", Band(5))
	assert.Equal(t, "moderate, sync recommended", Band(19.9))
	assert.Equal(t, "significant, immediate sync required", Band(20))
}

func TestCalculateClassifiesRecords(t *testing.T) {
	local := store.NewMemoryStore(testKeys)
	remote := store.NewMemoryStore(testKeys)
	seed(t, local,
		records.Record{"accountid": "A1", "name": "Acme", "modifiedon": "2024-01-01T00:00:00Z"},
		records.Record{"accountid": "A2", "name": "Globex"},
		records.Record{"accountid": "L1", "name": "Local only"},
	)
	seed(t, remote,
		records.Record{"accountid": "A1", "name": "Acme", "modifiedon": "2024-03-01T00:00:00Z"},
		records.Record{"accountid": "A2", "name": "Globex Corp"},
		records.Record{"accountid": "R1", "name": "Remote only"},
	)
	detector := newDetector(t, local, remote, 0)

	report, err := detector.Calculate(context.Background(), []string{"accounts"})
	require.NoError(t, err)
	require.Len(t, report.Collections, 1)
	entry := report.Collections[0]
	assert.Equal(t, 4, entry.Total)
	assert.Equal(t, 3, entry.Drifted)
	assert.Equal(t, 1, entry.LocalOnly)
	assert.Equal(t, 1, entry.RemoteOnly)
	assert.Equal(t, 1, entry.FieldDifferences)
	assert.InDelta(t, 75.0, entry.DriftPct, 0.001)
	assert.Equal(t, []string{"A2", "L1", "R1"}, entry.DriftedRecordIDs)
	assert.Equal(t, "significant, immediate sync required", report.Summary)
	assert.True(t, report.Complete())
}

func TestCalculateEmptyIsInSync(t *testing.T) {
	detector := newDetector(t, store.NewMemoryStore(testKeys), store.NewMemoryStore(testKeys), 0)
	report, err := detector.Calculate(context.Background(), []string{"accounts"})
	require.NoError(t, err)
	assert.Equal(t, 0.0, report.OverallDriftPct)
	assert.Equal(t, "in sync", report.Summary)
}

func TestDriftIsMonotonicInLocalOnlyRecords(t *testing.T) {
	local := store.NewMemoryStore(testKeys)
	remote := store.NewMemoryStore(testKeys)
	for index := 0; index < 5; index++ {
		item := records.Record{"accountid": fmt.Sprintf("S%d", index)}
		seed(t, local, item)
		seed(t, remote, item)
	}
	detector := newDetector(t, local, remote, 0)

	previous := -1.0
	for index := 0; index < 5; index++ {
		report, err := detector.Calculate(context.Background(), []string{"accounts"})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, report.OverallDriftPct, previous)
		previous = report.OverallDriftPct
		seed(t, local, records.Record{"accountid": fmt.Sprintf("L%d", index)})
	}
	assert.Greater(t, previous, 0.0)
}

func TestSampleIsCapped(t *testing.T) {
	local := store.NewMemoryStore(testKeys)
	for index := 0; index < 10; index++ {
		seed(t, local, records.Record{"accountid": fmt.Sprintf("L%02d", index)})
	}
	detector := newDetector(t, local, store.NewMemoryStore(testKeys), 3)
	report, err := detector.Calculate(context.Background(), []string{"accounts"})
	require.NoError(t, err)
	assert.Equal(t, 10, report.Collections[0].Drifted)
	assert.Len(t, report.Collections[0].DriftedRecordIDs, 3)
}

func TestUnreachableSideIsReported(t *testing.T) {
	remote := storetest.NewFlakyStore(store.NewMemoryStore(testKeys))
	remote.SetDown(true)
	detector := newDetector(t, store.NewMemoryStore(testKeys), remote, 0)

	report, err := detector.Calculate(context.Background(), []string{"accounts", "contacts"})
	require.NoError(t, err)
	assert.True(t, report.LocalReachable)
	assert.False(t, report.RemoteReachable)
	assert.False(t, report.Complete())
	require.Len(t, report.Collections, 2)
	assert.NotEmpty(t, report.Collections[0].Error)
}

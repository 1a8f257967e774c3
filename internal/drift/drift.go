// Package drift compares full snapshots of both sides to measure disagreement
// independently of the change tracker's baseline.
package drift

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/twinsync/internal/records"
	"github.com/MarcoPoloResearchLab/twinsync/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultSampleSize caps drifted_record_ids per collection.
	DefaultSampleSize = 100

	// SignificantThreshold is the drift percentage from which a sync is urgent.
	SignificantThreshold = 20.0
	moderateThreshold    = 5.0

	summaryInSync      = "in sync"
	summaryMinor       = "minor drift, within limits"
	summaryModerate    = "moderate, sync recommended"
	summarySignificant = "significant, immediate sync required"
)

// CollectionReport describes the drift of one collection.
type CollectionReport struct {
	Collection       string   `json:"collection" yaml:"collection"`
	Total            int      `json:"total" yaml:"total"`
	Drifted          int      `json:"drifted" yaml:"drifted"`
	LocalOnly        int      `json:"local_only" yaml:"local_only"`
	RemoteOnly       int      `json:"remote_only" yaml:"remote_only"`
	FieldDifferences int      `json:"field_differences" yaml:"field_differences"`
	DriftPct         float64  `json:"drift_pct" yaml:"drift_pct"`
	DriftedRecordIDs []string `json:"drifted_record_ids" yaml:"drifted_record_ids"`
	Error            string   `json:"error,omitempty" yaml:"error,omitempty"`
}

// Report is a fresh two-sided comparison.
type Report struct {
	At              time.Time          `json:"at" yaml:"at"`
	Collections     []CollectionReport `json:"collections" yaml:"collections"`
	OverallDriftPct float64            `json:"overall_drift_pct" yaml:"overall_drift_pct"`
	Summary         string             `json:"summary" yaml:"summary"`
	LocalReachable  bool               `json:"local_reachable" yaml:"local_reachable"`
	RemoteReachable bool               `json:"remote_reachable" yaml:"remote_reachable"`
}

// Complete reports whether every collection could be compared.
func (r Report) Complete() bool {
	for _, collection := range r.Collections {
		if collection.Error != "" {
			return false
		}
	}
	return true
}

// Config describes the detector dependencies.
type Config struct {
	Stores      store.Pair
	Keys        records.KeySpec
	Checksummer records.Checksummer
	SampleSize  int
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Detector computes drift reports.
type Detector struct {
	stores      store.Pair
	keys        records.KeySpec
	checksummer records.Checksummer
	sampleSize  int
	clock       func() time.Time
	logger      *zap.Logger
}

// New constructs a Detector.
func New(cfg Config) (*Detector, error) {
	if err := cfg.Stores.Validate(); err != nil {
		return nil, err
	}
	detector := &Detector{
		stores:      cfg.Stores,
		keys:        cfg.Keys,
		checksummer: cfg.Checksummer,
		sampleSize:  cfg.SampleSize,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
	}
	if !detector.checksummer.Configured() {
		detector.checksummer = records.DefaultChecksummer()
	}
	if detector.sampleSize <= 0 {
		detector.sampleSize = DefaultSampleSize
	}
	if detector.clock == nil {
		detector.clock = time.Now
	}
	if detector.logger == nil {
		detector.logger = zap.NewNop()
	}
	return detector, nil
}

// Band maps a drift percentage to its severity summary.
func Band(pct float64) string {
	switch {
	case pct <= 0:
		return summaryInSync
	case pct < moderateThreshold:
		return summaryMinor
	case pct < SignificantThreshold:
		return summaryModerate
	default:
		return summarySignificant
	}
}

// Calculate fetches both sides of every collection and classifies each record id
// as local-only, remote-only, or present on both with differing content.
// Per-collection fetch failures are reported in the collection entry; the error
// return is reserved for invalid input.
func (d *Detector) Calculate(ctx context.Context, collections []string) (Report, error) {
	names := make([]string, 0, len(collections))
	for _, raw := range collections {
		name, err := records.ValidateCollection(raw)
		if err != nil {
			return Report{}, err
		}
		names = append(names, name)
	}

	type sideSnapshot struct {
		items []records.Record
		err   error
	}
	snapshots := make([][2]sideSnapshot, len(names))
	var group errgroup.Group
	for index, name := range names {
		for sideIndex, side := range store.Sides {
			group.Go(func() error {
				items, err := d.stores.Side(side).List(ctx, name)
				snapshots[index][sideIndex] = sideSnapshot{items: items, err: err}
				return nil
			})
		}
	}
	_ = group.Wait()

	report := Report{
		At:              d.clock().UTC(),
		Collections:     make([]CollectionReport, 0, len(names)),
		LocalReachable:  true,
		RemoteReachable: true,
	}
	totalRecords, totalDrifted := 0, 0
	for index, name := range names {
		local, remote := snapshots[index][0], snapshots[index][1]
		if local.err != nil || remote.err != nil {
			if local.err != nil {
				report.LocalReachable = false
			}
			if remote.err != nil {
				report.RemoteReachable = false
			}
			fetchErr := errors.Join(sideError(store.SideLocal, local.err), sideError(store.SideRemote, remote.err))
			d.logger.Warn("drift snapshot failed",
				zap.String("operation", "drift.calculate"),
				zap.String("collection", name),
				zap.Error(fetchErr),
			)
			report.Collections = append(report.Collections, CollectionReport{
				Collection:       name,
				DriftedRecordIDs: []string{},
				Error:            fetchErr.Error(),
			})
			continue
		}
		entry := d.compare(name, local.items, remote.items)
		totalRecords += entry.Total
		totalDrifted += entry.Drifted
		report.Collections = append(report.Collections, entry)
	}
	report.OverallDriftPct = percentage(totalDrifted, totalRecords)
	report.Summary = Band(report.OverallDriftPct)
	return report, nil
}

func (d *Detector) compare(collection string, localItems, remoteItems []records.Record) CollectionReport {
	local, _ := d.keys.Index(collection, localItems)
	remote, _ := d.keys.Index(collection, remoteItems)

	drifted := make([]string, 0)
	entry := CollectionReport{Collection: collection}
	for recordID, localRecord := range local {
		remoteRecord, ok := remote[recordID]
		switch {
		case !ok:
			entry.LocalOnly++
			drifted = append(drifted, recordID)
		case !d.checksummer.Equal(localRecord, remoteRecord):
			entry.FieldDifferences++
			drifted = append(drifted, recordID)
		}
	}
	for recordID := range remote {
		if _, ok := local[recordID]; !ok {
			entry.RemoteOnly++
			drifted = append(drifted, recordID)
		}
	}
	sort.Strings(drifted)

	entry.Total = len(local) + entry.RemoteOnly
	entry.Drifted = len(drifted)
	entry.DriftPct = percentage(entry.Drifted, entry.Total)
	if len(drifted) > d.sampleSize {
		drifted = drifted[:d.sampleSize]
	}
	entry.DriftedRecordIDs = drifted
	return entry
}

func percentage(part, whole int) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) / float64(whole) * 100
}

func sideError(side store.Side, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", side, err)
}

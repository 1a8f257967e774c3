package resolver

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/twinsync/internal/records"
	"github.com/MarcoPoloResearchLab/twinsync/internal/store"
	"github.com/MarcoPoloResearchLab/twinsync/internal/tracker"
)

// Strategy names a conflict resolution policy.
type Strategy string

const (
	StrategyRemoteWins Strategy = "remote_wins"
	StrategyLocalWins  Strategy = "local_wins"
	StrategyNewestWins Strategy = "newest_wins"
	StrategyMerge      Strategy = "merge"
	StrategyManual     Strategy = "manual"
	StrategySkip       Strategy = "skip"
)

// ErrInvalidStrategy indicates an unknown strategy name.
var ErrInvalidStrategy = errors.New("resolver: invalid strategy")

// Strategies lists every supported strategy.
func Strategies() []Strategy {
	return []Strategy{StrategyRemoteWins, StrategyLocalWins, StrategyNewestWins, StrategyMerge, StrategyManual, StrategySkip}
}

// ParseStrategy accepts snake_case, kebab-case or CamelCase names.
func ParseStrategy(raw string) (Strategy, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	normalized = strings.NewReplacer("-", "", "_", "", " ", "").Replace(normalized)
	for _, candidate := range Strategies() {
		if strings.ReplaceAll(string(candidate), "_", "") == normalized {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStrategy, raw)
}

// Valid reports whether the strategy is supported.
func (s Strategy) Valid() bool {
	for _, candidate := range Strategies() {
		if candidate == s {
			return true
		}
	}
	return false
}

// FieldConflict records a field whose values differed between the sides during a merge.
type FieldConflict struct {
	Field  string     `json:"field"`
	Local  any        `json:"local"`
	Remote any        `json:"remote"`
	Chosen store.Side `json:"chosen"`
}

// Action describes what a resolution did.
type Action string

const (
	ActionAppliedRemote Action = "applied_remote"
	ActionAppliedLocal  Action = "applied_local"
	ActionMerged        Action = "merged"
	ActionQueuedManual  Action = "queued_manual"
	ActionSkipped       Action = "skipped"
	ActionFailed        Action = "failed"
	ActionSuperseded    Action = "superseded"
)

// Outcome is the result of one resolution attempt.
type Outcome struct {
	Action         Action          `json:"action"`
	Winner         store.Side      `json:"winner,omitempty"`
	Written        []store.Side    `json:"written,omitempty"`
	FieldConflicts []FieldConflict `json:"field_conflicts,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// newer returns the side whose change carries the later modification time.
// Payload timestamps win over observation time; ties go to the local side.
func newer(local, remote tracker.Change) store.Side {
	localAt := changeTime(local)
	remoteAt := changeTime(remote)
	if remoteAt.After(localAt) {
		return store.SideRemote
	}
	return store.SideLocal
}

func changeTime(change tracker.Change) time.Time {
	if at, ok := records.ModifiedAt(change.Payload); ok {
		return at
	}
	return change.ObservedAt
}

// mergePayloads unions both payloads. Differing non-volatile values are taken from
// the preferred side and reported as field conflicts.
func mergePayloads(checksummer records.Checksummer, local, remote records.Record, preferred store.Side) (records.Record, []FieldConflict) {
	fields := make(map[string]struct{}, len(local)+len(remote))
	for field := range local {
		fields[field] = struct{}{}
	}
	for field := range remote {
		fields[field] = struct{}{}
	}
	names := make([]string, 0, len(fields))
	for field := range fields {
		names = append(names, field)
	}
	sort.Strings(names)

	merged := make(records.Record, len(names))
	conflicts := make([]FieldConflict, 0)
	for _, field := range names {
		localValue := local[field]
		remoteValue := remote[field]
		switch {
		case localValue == nil && remoteValue == nil:
			continue
		case remoteValue == nil:
			merged[field] = records.CloneValue(localValue)
		case localValue == nil:
			merged[field] = records.CloneValue(remoteValue)
		case records.ValueEqual(localValue, remoteValue):
			merged[field] = records.CloneValue(localValue)
		default:
			chosen := localValue
			if preferred == store.SideRemote {
				chosen = remoteValue
			}
			merged[field] = records.CloneValue(chosen)
			if !checksummer.Ignored(field) {
				conflicts = append(conflicts, FieldConflict{
					Field:  field,
					Local:  records.CloneValue(localValue),
					Remote: records.CloneValue(remoteValue),
					Chosen: preferred,
				})
			}
		}
	}
	return merged, conflicts
}

package rules

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// ObservationKey identifies one observed (symbol, metric) pair.
type ObservationKey struct {
	Symbol string `json:"symbol"`
	Metric Metric `json:"metric"`
}

// Observation is the last known value of a key.
type Observation struct {
	ObservationKey
	Value      decimal.Decimal `json:"value"`
	ObservedAt time.Time       `json:"observed_at"`
}

// ObservationState holds the latest observation per key for one monitor.
// It is not safe for concurrent use; the owning actor serialises access.
type ObservationState struct {
	entries map[ObservationKey]Observation
}

// NewObservationState restores state from a persisted snapshot.
func NewObservationState(snapshot []Observation) *ObservationState {
	s := &ObservationState{entries: make(map[ObservationKey]Observation, len(snapshot))}
	for _, obs := range snapshot {
		s.Update(obs)
	}
	return s
}

// Get returns the last value for key.
func (s *ObservationState) Get(key ObservationKey) (decimal.Decimal, bool) {
	obs, ok := s.entries[key]
	if !ok {
		return decimal.Decimal{}, false
	}
	return obs.Value, true
}

// Update stores obs unless a newer observation for the same key is already held.
func (s *ObservationState) Update(obs Observation) bool {
	if existing, ok := s.entries[obs.ObservationKey]; ok && obs.ObservedAt.Before(existing.ObservedAt) {
		return false
	}
	s.entries[obs.ObservationKey] = obs
	return true
}

// Len reports the number of tracked keys.
func (s *ObservationState) Len() int {
	return len(s.entries)
}

// Trim keeps only entries for which keep returns true and reports how many were dropped.
func (s *ObservationState) Trim(keep func(Observation) bool) int {
	dropped := 0
	for key, obs := range s.entries {
		if !keep(obs) {
			delete(s.entries, key)
			dropped++
		}
	}
	return dropped
}

// Snapshot returns the entries ordered by symbol then metric.
func (s *ObservationState) Snapshot() []Observation {
	out := make([]Observation, 0, len(s.entries))
	for _, obs := range s.entries {
		out = append(out, obs)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Metric < out[j].Metric
	})
	return out
}

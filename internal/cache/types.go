// Package cache holds the persisted contact and messaging-capability
// index: the data model plus a file-backed store with atomic snapshot
// replacement. The refresh daemon is the only writer; everything else
// loads a read-only copy.
package cache

import (
	"strings"
	"time"
)

// Classification describes how a number can be messaged.
type Classification string

const (
	ClassificationIMessage Classification = "imessage"
	ClassificationSMS      Classification = "sms"
	ClassificationUnknown  Classification = "unknown"
)

// Confidence values are deterministic per classification. Tunable, but
// defaults are preserved from long-standing behavior; do not re-derive.
var classificationConfidence = map[Classification]float64{
	ClassificationIMessage: 0.9,
	ClassificationSMS:      0.8,
	ClassificationUnknown:  0.3,
}

// ProbeErrorConfidence marks records whose probe itself failed.
const ProbeErrorConfidence = 0.1

// HeuristicConfidence marks records classified by the country-code
// heuristic rather than a confirmed service association.
const HeuristicConfidence = 0.3

// NewHeuristicRecord classifies a number that had no service
// association: +1 numbers are optimistically treated as
// iMessage-capable at low confidence, everything else as SMS.
func NewHeuristicRecord(number string, now time.Time) CapabilityRecord {
	if strings.HasPrefix(number, "+1") {
		return CapabilityRecord{
			CanonicalNumber: number,
			Classification:  ClassificationIMessage,
			Confidence:      HeuristicConfidence,
			LastTested:      now,
		}
	}
	return NewCapabilityRecord(number, ClassificationSMS, now)
}

// Confidence returns the fixed confidence for a classification.
// Unrecognized values score as unknown.
func (c Classification) Confidence() float64 {
	if v, ok := classificationConfidence[c]; ok {
		return v
	}
	return classificationConfidence[ClassificationUnknown]
}

// ContactEntry is one directory entry. Entries are created whole on
// each extraction run and never partially mutated. Every persisted
// entry has at least one phone number; the pipeline drops the rest.
type ContactEntry struct {
	Name         string    `json:"name"`
	PhoneNumbers []string  `json:"phoneNumbers"`
	Emails       []string  `json:"emails,omitempty"`
	LastUpdated  time.Time `json:"lastUpdated"`
}

// Key returns the lookup key for the entry: its lowercased name.
func (e ContactEntry) Key() string {
	return lowerKey(e.Name)
}

// CapabilityRecord is the messaging classification for one canonical
// number. One record per number, replaced wholesale each extraction.
type CapabilityRecord struct {
	CanonicalNumber string         `json:"canonicalNumber"`
	Classification  Classification `json:"classification"`
	Confidence      float64        `json:"confidence"`
	LastTested      time.Time      `json:"lastTested"`
}

// NewCapabilityRecord builds a record with the fixed confidence for
// its classification.
func NewCapabilityRecord(number string, cls Classification, now time.Time) CapabilityRecord {
	return CapabilityRecord{
		CanonicalNumber: number,
		Classification:  cls,
		Confidence:      cls.Confidence(),
		LastTested:      now,
	}
}

// NewFailedProbeRecord records a number whose probe errored: unknown,
// at the low probe-error confidence rather than the unknown default.
func NewFailedProbeRecord(number string, now time.Time) CapabilityRecord {
	return CapabilityRecord{
		CanonicalNumber: number,
		Classification:  ClassificationUnknown,
		Confidence:      ProbeErrorConfidence,
		LastTested:      now,
	}
}

// Metadata describes a full snapshot.
type Metadata struct {
	SchemaVersion  int       `json:"schemaVersion"`
	LastFullUpdate time.Time `json:"lastFullUpdate"`
	ContactCount   int       `json:"contactCount"`
	NumberCount    int       `json:"numberCount"`
}

// Snapshot pairs the contact index with the capability index. Contacts
// are keyed by lowercased display name, capabilities by canonical
// number.
type Snapshot struct {
	Contacts     map[string]ContactEntry     `json:"contacts"`
	Capabilities map[string]CapabilityRecord `json:"capabilities"`
	Meta         Metadata                    `json:"meta"`
}

// NewSnapshot returns an empty snapshot at the current schema version.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Contacts:     make(map[string]ContactEntry),
		Capabilities: make(map[string]CapabilityRecord),
		Meta:         Metadata{SchemaVersion: SchemaVersion},
	}
}

// BuildSnapshot indexes extraction output into a snapshot. Duplicate
// names collapse last-write-wins; stale capability records for numbers
// no longer extracted are simply not carried over.
func BuildSnapshot(entries []ContactEntry, records []CapabilityRecord, now time.Time) *Snapshot {
	snap := NewSnapshot()
	for _, e := range entries {
		snap.Contacts[e.Key()] = e
	}
	for _, r := range records {
		snap.Capabilities[r.CanonicalNumber] = r
	}
	snap.Meta.LastFullUpdate = now
	snap.Meta.ContactCount = len(snap.Contacts)
	snap.Meta.NumberCount = len(snap.Capabilities)
	return snap
}

// Age reports how long ago the last full update completed. An empty
// snapshot reports the age of the zero time, i.e. effectively infinite.
func (s *Snapshot) Age() time.Duration {
	return time.Since(s.Meta.LastFullUpdate)
}

// IsStale reports whether the snapshot is older than maxAge.
func (s *Snapshot) IsStale(maxAge time.Duration) bool {
	return s.Age() > maxAge
}

func lowerKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

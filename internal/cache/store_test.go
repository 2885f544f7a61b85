package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingSnapshotIsEmptyNotError(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "never-created"))
	snap, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(snap.Contacts) != 0 || len(snap.Capabilities) != 0 {
		t.Fatalf("snapshot not empty: %+v", snap)
	}
	if !snap.IsStale(24 * time.Hour) {
		t.Fatal("empty snapshot should report stale")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	snap := BuildSnapshot(
		[]ContactEntry{
			{Name: "Ana Samat", PhoneNumbers: []string{"+34618823793"}, Emails: []string{"ana@example.com"}, LastUpdated: now},
		},
		[]CapabilityRecord{
			NewCapabilityRecord("+34618823793", ClassificationIMessage, now),
		},
		now,
	)
	if err := store.Save(snap); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, ok := loaded.Contacts["ana samat"]
	if !ok || got.Name != "Ana Samat" || len(got.PhoneNumbers) != 1 {
		t.Fatalf("contact round trip: %+v", loaded.Contacts)
	}
	rec, ok := loaded.Capabilities["+34618823793"]
	if !ok || rec.Classification != ClassificationIMessage || rec.Confidence != 0.9 {
		t.Fatalf("capability round trip: %+v", loaded.Capabilities)
	}
	if !loaded.Meta.LastFullUpdate.Equal(now) || loaded.Meta.ContactCount != 1 || loaded.Meta.NumberCount != 1 {
		t.Fatalf("metadata round trip: %+v", loaded.Meta)
	}
	if loaded.Meta.SchemaVersion != SchemaVersion {
		t.Fatalf("schema version %d", loaded.Meta.SchemaVersion)
	}
}

// Identical input with identical timestamps must serialize to
// identical bytes: map keys sort deterministically in encoding/json.
func TestSaveIsDeterministic(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	entries := []ContactEntry{
		{Name: "Ana Samat", PhoneNumbers: []string{"+34618823793"}, LastUpdated: now},
		{Name: "Jon Postel", PhoneNumbers: []string{"+15550000004"}, LastUpdated: now},
	}
	records := []CapabilityRecord{
		NewCapabilityRecord("+34618823793", ClassificationSMS, now),
		NewCapabilityRecord("+15550000004", ClassificationIMessage, now),
	}

	dirA, dirB := t.TempDir(), t.TempDir()
	if err := NewStore(dirA).Save(BuildSnapshot(entries, records, now)); err != nil {
		t.Fatal(err)
	}
	if err := NewStore(dirB).Save(BuildSnapshot(entries, records, now)); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{contactsFile, capabilitiesFile, metadataFile} {
		a, err := os.ReadFile(filepath.Join(dirA, name))
		if err != nil {
			t.Fatal(err)
		}
		b, err := os.ReadFile(filepath.Join(dirB, name))
		if err != nil {
			t.Fatal(err)
		}
		if string(a) != string(b) {
			t.Fatalf("%s differs between identical runs", name)
		}
	}
}

// No temp files survive a save: readers only ever see complete files.
func TestSaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	now := time.Now()
	if err := store.Save(BuildSnapshot(nil, nil, now)); err != nil {
		t.Fatal(err)
	}
	files, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range files {
		switch f.Name() {
		case contactsFile, capabilitiesFile, metadataFile:
		default:
			t.Fatalf("unexpected file %q", f.Name())
		}
	}
}

func TestBuildSnapshotLastWriteWins(t *testing.T) {
	now := time.Now()
	snap := BuildSnapshot([]ContactEntry{
		{Name: "Ana Samat", PhoneNumbers: []string{"+1"}, LastUpdated: now},
		{Name: "ANA SAMAT", PhoneNumbers: []string{"+2"}, LastUpdated: now},
	}, nil, now)
	if len(snap.Contacts) != 1 {
		t.Fatalf("contacts=%v", snap.Contacts)
	}
	if got := snap.Contacts["ana samat"].PhoneNumbers[0]; got != "+2" {
		t.Fatalf("last write did not win: %q", got)
	}
	if snap.Meta.ContactCount != 1 {
		t.Fatalf("count=%d", snap.Meta.ContactCount)
	}
}

func TestConfidenceTable(t *testing.T) {
	cases := map[Classification]float64{
		ClassificationIMessage: 0.9,
		ClassificationSMS:      0.8,
		ClassificationUnknown:  0.3,
		Classification("junk"): 0.3,
	}
	for cls, want := range cases {
		if got := cls.Confidence(); got != want {
			t.Fatalf("Confidence(%s)=%v want %v", cls, got, want)
		}
	}
	rec := NewFailedProbeRecord("+15550000004", time.Now())
	if rec.Classification != ClassificationUnknown || rec.Confidence != ProbeErrorConfidence {
		t.Fatalf("failed probe record: %+v", rec)
	}
}

func TestHeuristicRecord(t *testing.T) {
	now := time.Now()
	if rec := NewHeuristicRecord("+14155552671", now); rec.Classification != ClassificationIMessage || rec.Confidence != HeuristicConfidence {
		t.Fatalf("domestic heuristic: %+v", rec)
	}
	if rec := NewHeuristicRecord("+34618823793", now); rec.Classification != ClassificationSMS || rec.Confidence != 0.8 {
		t.Fatalf("international heuristic: %+v", rec)
	}
}

func TestAgeAndStaleness(t *testing.T) {
	snap := NewSnapshot()
	snap.Meta.LastFullUpdate = time.Now().Add(-2 * time.Hour)
	if snap.IsStale(3 * time.Hour) {
		t.Fatal("fresh snapshot reported stale")
	}
	if !snap.IsStale(time.Hour) {
		t.Fatal("old snapshot reported fresh")
	}
	if snap.Age() < 2*time.Hour-time.Minute {
		t.Fatalf("age=%v", snap.Age())
	}
}

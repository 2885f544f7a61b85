package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// SchemaVersion is bumped whenever the persisted layout changes.
const SchemaVersion = 1

const (
	contactsFile     = "contacts.json"
	capabilitiesFile = "capabilities.json"
	metadataFile     = "metadata.json"
)

// Store persists snapshots as three JSON files under one directory:
// the contact index, the capability index, and the metadata. Each file
// is replaced atomically (temp file + rename) so concurrent readers
// never observe a half-written snapshot. Metadata is written last; a
// reader that sees new metadata sees the new indexes too.
type Store struct {
	dir string
}

// NewStore returns a store rooted at dir. The directory is created on
// first save.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the snapshot directory.
func (s *Store) Dir() string { return s.dir }

// Load reads the persisted snapshot. A snapshot that has never been
// saved is not an error: Load returns an empty snapshot whose age
// reports it as stale.
func (s *Store) Load() (*Snapshot, error) {
	snap := NewSnapshot()

	if ok, err := readJSON(filepath.Join(s.dir, contactsFile), &snap.Contacts); err != nil {
		return nil, fmt.Errorf("load contact index: %w", err)
	} else if !ok {
		return snap, nil
	}
	if _, err := readJSON(filepath.Join(s.dir, capabilitiesFile), &snap.Capabilities); err != nil {
		return nil, fmt.Errorf("load capability index: %w", err)
	}
	if _, err := readJSON(filepath.Join(s.dir, metadataFile), &snap.Meta); err != nil {
		return nil, fmt.Errorf("load cache metadata: %w", err)
	}
	if snap.Contacts == nil {
		snap.Contacts = make(map[string]ContactEntry)
	}
	if snap.Capabilities == nil {
		snap.Capabilities = make(map[string]CapabilityRecord)
	}
	return snap, nil
}

// Save persists a full snapshot. There are no partial-field updates:
// every write replaces all three files.
func (s *Store) Save(snap *Snapshot) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}
	if err := writeJSONAtomic(filepath.Join(s.dir, contactsFile), snap.Contacts); err != nil {
		return fmt.Errorf("save contact index: %w", err)
	}
	if err := writeJSONAtomic(filepath.Join(s.dir, capabilitiesFile), snap.Capabilities); err != nil {
		return fmt.Errorf("save capability index: %w", err)
	}
	if err := writeJSONAtomic(filepath.Join(s.dir, metadataFile), snap.Meta); err != nil {
		return fmt.Errorf("save cache metadata: %w", err)
	}
	return nil
}

// readJSON reports ok=false when the file does not exist yet.
func readJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

// writeJSONAtomic writes content to a temp file in the destination
// directory, fsyncs, then renames over the target.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".cache-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	success = true
	return nil
}

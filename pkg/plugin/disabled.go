package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// DisabledSet holds the IDs of plugins the user turned off.
type DisabledSet map[string]struct{}

// NewDisabledSet builds a set from ids.
func NewDisabledSet(ids ...string) DisabledSet {
	s := make(DisabledSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s DisabledSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

func (s DisabledSet) Add(id string) {
	s[id] = struct{}{}
}

func (s DisabledSet) Remove(id string) {
	delete(s, id)
}

// Sorted returns the IDs in lexical order.
func (s DisabledSet) Sorted() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s DisabledSet) clone() DisabledSet {
	c := make(DisabledSet, len(s))
	for id := range s {
		c[id] = struct{}{}
	}
	return c
}

func (s *ManifestStore) disabledPath() string {
	return filepath.Join(s.root, DisabledSetFileName)
}

// LoadDisabledSet reads the disabled set. A missing or malformed file yields
// an empty set; a malformed file is logged.
func (s *ManifestStore) LoadDisabledSet() DisabledSet {
	data, err := os.ReadFile(s.disabledPath())
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Msg("Failed to read disabled plugins file")
		}
		return NewDisabledSet()
	}

	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		s.logger.Warn().Err(err).Msg("Malformed disabled plugins file, treating all plugins as enabled")
		return NewDisabledSet()
	}
	return NewDisabledSet(ids...)
}

// SaveDisabledSet persists the set. Failures are logged, not returned.
func (s *ManifestStore) SaveDisabledSet(set DisabledSet) {
	if err := s.writeDisabledSet(set); err != nil {
		s.logger.Error().Err(err).Msg("Failed to persist disabled plugins")
	}
}

func (s *ManifestStore) writeDisabledSet(set DisabledSet) error {
	data, err := json.MarshalIndent(set.Sorted(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode disabled set: %w", err)
	}
	return writeFileAtomic(s.disabledPath(), append(data, '\n'))
}

// writeFileAtomic writes data to a temp file next to path and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

package execution

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nineking424/nificdc-sub004/internal/logger"
)

// Store persists execution snapshots as JSON files, one per execution, so
// runs can be inspected and resumed across process restarts.
type Store struct {
	baseDir string
}

// NewStore creates a store rooted at baseDir. The directory is created on
// first save.
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// path returns the snapshot file path for an execution id. The id is
// reduced to its base name so a crafted id cannot escape the store
// directory.
func (s *Store) path(executionID string) string {
	name := filepath.Base(strings.TrimSpace(executionID))
	return filepath.Join(s.baseDir, name+".json")
}

// Save writes the execution's snapshot atomically: the JSON is written to a
// temp file in the same directory and renamed over the target.
func (s *Store) Save(c *Context) error {
	if c == nil {
		return fmt.Errorf("cannot save nil execution")
	}
	snap := c.Snapshot()
	if snap.Meta.ExecutionID == "" {
		return fmt.Errorf("cannot save execution without id")
	}

	if err := os.MkdirAll(s.baseDir, 0700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal execution state: %w", err)
	}

	target := s.path(snap.Meta.ExecutionID)
	tmp, err := os.CreateTemp(s.baseDir, ".exec-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write execution state: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to set state file mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace state file: %w", err)
	}

	logger.Logger.Debug("execution state saved",
		"execution_id", snap.Meta.ExecutionID,
		"state", string(snap.State),
		"path", target)
	return nil
}

// Load reads a persisted snapshot. A missing file returns (nil, nil).
func (s *Store) Load(executionID string) (*Snapshot, error) {
	data, err := os.ReadFile(s.path(executionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read execution state: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse execution state: %w", err)
	}
	return &snap, nil
}

// Exists reports whether a snapshot is persisted for the execution id.
func (s *Store) Exists(executionID string) bool {
	info, err := os.Stat(s.path(executionID))
	return err == nil && !info.IsDir()
}

// Delete removes a persisted snapshot. Deleting a missing snapshot is not
// an error.
func (s *Store) Delete(executionID string) error {
	err := os.Remove(s.path(executionID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete execution state: %w", err)
	}
	return nil
}

// List returns the ids of all persisted executions, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read state directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// Package artifact persists binary files produced by pipeline stages. Each
// record gets one directory; filenames embed the producing run's step id, so
// generation replacement is a prefix match.
package artifact

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Info describes one stored artifact.
type Info struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Store writes artifacts under a root directory.
type Store struct {
	dir    string
	logger *slog.Logger
}

// NewStore creates the artifact root directory if needed.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &Store{dir: dir, logger: logger}, nil
}

// Save writes an artifact for a record under the name {stepID}_{role} and
// returns that name.
func (s *Store) Save(recordID, stepID, role string, data []byte) (string, error) {
	recordDir := filepath.Join(s.dir, recordID)
	if err := os.MkdirAll(recordDir, 0o755); err != nil {
		return "", fmt.Errorf("create record dir: %w", err)
	}

	name := stepID + "_" + role
	if err := os.WriteFile(filepath.Join(recordDir, name), data, 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}

	s.logger.Info("artifact saved", "record_id", recordID, "name", name, "bytes", len(data))
	return name, nil
}

// RemoveGeneration deletes every artifact of a record belonging to the given
// step-id prefix. Called before a successful run writes its own files,
// bounding storage to one generation per stage per record. Individual delete
// failures are logged and skipped; a leftover stale file is preferable to
// failing the commit.
func (s *Store) RemoveGeneration(recordID, prefix string) error {
	recordDir := filepath.Join(s.dir, recordID)
	entries, err := os.ReadDir(recordDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read record dir: %w", err)
	}

	// Step ids continue the prefix with "-NNN"; anchoring the match on the
	// separator keeps a stage whose prefix merely extends another's (S2T vs
	// S2T2) out of the blast radius.
	gen := prefix + "-"
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), gen) {
			continue
		}
		if err := os.Remove(filepath.Join(recordDir, e.Name())); err != nil {
			s.logger.Warn("failed to remove superseded artifact",
				"record_id", recordID, "name", e.Name(), "error", err)
			continue
		}
		s.logger.Info("superseded artifact removed", "record_id", recordID, "name", e.Name())
	}
	return nil
}

// List returns all artifacts stored for a record.
func (s *Store) List(recordID string) ([]Info, error) {
	recordDir := filepath.Join(s.dir, recordID)
	entries, err := os.ReadDir(recordDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read record dir: %w", err)
	}

	var infos []Info
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("stat artifact: %w", err)
		}
		infos = append(infos, Info{Name: e.Name(), Size: fi.Size(), ModTime: fi.ModTime()})
	}
	return infos, nil
}

// Read returns the contents of one stored artifact.
func (s *Store) Read(recordID, name string) ([]byte, error) {
	// Reject path traversal in client-supplied names.
	if name != filepath.Base(name) {
		return nil, fmt.Errorf("invalid artifact name %q", name)
	}
	data, err := os.ReadFile(filepath.Join(s.dir, recordID, name))
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return data, nil
}

package pipeline

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/dyhe/quotevault/internal/domain"
)

// Journal persists the latest ProgressSnapshot as a single document on
// disk. Saves are whole-file replaces via write-to-temp plus atomic rename,
// so a crash mid-write leaves either the old snapshot or the new one,
// never a torn file.
type Journal struct {
	path string
	log  zerolog.Logger
}

// NewJournal creates a journal at path.
func NewJournal(path string, log zerolog.Logger) *Journal {
	return &Journal{
		path: path,
		log:  log.With().Str("component", "journal").Logger(),
	}
}

// Save replaces the journal with the given snapshot.
func (j *Journal) Save(snapshot *domain.ProgressSnapshot) error {
	if err := os.MkdirAll(filepath.Dir(j.path), 0755); err != nil {
		return fmt.Errorf("failed to create journal directory: %w", err)
	}

	data, err := msgpack.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode progress snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(j.path), ".journal-*")
	if err != nil {
		return fmt.Errorf("failed to create journal temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write journal temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync journal temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close journal temp file: %w", err)
	}

	if err := os.Rename(tmpPath, j.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace journal: %w", err)
	}
	return nil
}

// Load reads the stored snapshot. Returns nil when no journal exists.
func (j *Journal) Load() (*domain.ProgressSnapshot, error) {
	data, err := os.ReadFile(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}

	var snapshot domain.ProgressSnapshot
	if err := msgpack.Unmarshal(data, &snapshot); err != nil {
		// A corrupt journal only costs resume efficiency, never data.
		j.log.Warn().Err(err).Str("path", j.path).Msg("Discarding unreadable progress journal")
		return nil, nil
	}
	return &snapshot, nil
}

// Clear removes the journal after a run completes.
func (j *Journal) Clear() error {
	if err := os.Remove(j.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove journal: %w", err)
	}
	return nil
}

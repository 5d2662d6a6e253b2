package bootstrap

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// Checkpoint records backfill progress for one concept type. PageNum is
// the next page to fetch, so a run interrupted mid-stream resumes where
// it stopped instead of starting over.
type Checkpoint struct {
	ConceptType string    `json:"concept-type"`
	PageNum     int       `json:"page-num"`
	Enqueued    int       `json:"enqueued"`
	UpdatedAt   time.Time `json:"updated-at"`
}

// CheckpointStore persists backfill progress.
type CheckpointStore interface {
	// Load returns the checkpoint for conceptType, or nil when none exists.
	Load(conceptType string) (*Checkpoint, error)
	Save(checkpoint *Checkpoint) error
	Clear(conceptType string) error
}

// FileCheckpointStore keeps one JSON file per concept type under a
// directory. Saves go through a temp file and rename so an interrupted
// write never leaves a torn checkpoint.
type FileCheckpointStore struct {
	dir string
}

// NewFileCheckpointStore creates the directory if needed.
func NewFileCheckpointStore(dir string) (*FileCheckpointStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create checkpoint directory")
	}
	return &FileCheckpointStore{dir: dir}, nil
}

func (s *FileCheckpointStore) path(conceptType string) string {
	return filepath.Join(s.dir, conceptType+".json")
}

func (s *FileCheckpointStore) Load(conceptType string) (*Checkpoint, error) {
	data, err := os.ReadFile(s.path(conceptType))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read checkpoint")
	}

	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, errors.Wrap(err, "failed to parse checkpoint")
	}
	return &checkpoint, nil
}

func (s *FileCheckpointStore) Save(checkpoint *Checkpoint) error {
	checkpoint.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path(checkpoint.ConceptType) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, "failed to write checkpoint")
	}
	return errors.Wrap(os.Rename(tmp, s.path(checkpoint.ConceptType)), "failed to commit checkpoint")
}

func (s *FileCheckpointStore) Clear(conceptType string) error {
	err := os.Remove(s.path(conceptType))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

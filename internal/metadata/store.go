// Package metadata persists the per-position visit history of an
// experiment. Each position has one document,
// <root>/<position>/position_metadata.yaml, replaced atomically on every
// append.
package metadata

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/drew-sinha/rpc-scope/internal/lock"
	"github.com/drew-sinha/rpc-scope/internal/logging"
	"github.com/drew-sinha/rpc-scope/internal/model"
	yamlutil "github.com/drew-sinha/rpc-scope/internal/yaml"
)

const FileName = "position_metadata.yaml"

// ErrInvalidPosition is returned for names that cannot be used as a
// directory under the experiment root.
var ErrInvalidPosition = errors.New("invalid position name")

type Store struct {
	root   string
	locks  *lock.MutexMap
	logger *logging.Logger
}

func NewStore(root string, logger *logging.Logger) *Store {
	return &Store{
		root:   root,
		locks:  lock.NewMutexMap(),
		logger: logger.With("metadata"),
	}
}

func (s *Store) Path(position string) string {
	return filepath.Join(s.root, position, FileName)
}

// Load returns the stored history of position. A missing file is an empty
// history. A corrupted file is quarantined and replaced by its backup; when
// no valid backup exists the error is returned rather than an empty history.
func (s *Store) Load(position string) (model.PositionMetadata, error) {
	if !model.ValidPositionName(position) {
		return model.PositionMetadata{}, fmt.Errorf("%w: %q", ErrInvalidPosition, position)
	}
	s.locks.Lock(position)
	defer s.locks.Unlock(position)
	return s.load(position)
}

// Append adds rec to the history of position and writes the document
// atomically. On failure the previous document is left intact.
func (s *Store) Append(position string, rec model.VisitRecord) error {
	if !model.ValidPositionName(position) {
		return fmt.Errorf("%w: %q", ErrInvalidPosition, position)
	}
	s.locks.Lock(position)
	defer s.locks.Unlock(position)

	md, err := s.load(position)
	if err != nil {
		return err
	}
	md.Records = append(md.Records, rec.Clone())
	if err := yamlutil.AtomicWrite(s.Path(position), md); err != nil {
		return fmt.Errorf("write %s metadata: %w", position, err)
	}
	s.logger.Debugf("appended record position=%s timepoint=%s visits=%d total=%d",
		position, rec.Timepoint, rec.Visit, len(md.Records))
	return nil
}

func (s *Store) load(position string) (model.PositionMetadata, error) {
	path := s.Path(position)
	md := model.NewPositionMetadata(position)

	err := yamlutil.ReadDocument(path, yamlutil.FileTypePositionMetadata, &md)
	if errors.Is(err, os.ErrNotExist) {
		return model.NewPositionMetadata(position), nil
	}
	if err == nil {
		return normalise(md, position), nil
	}

	s.logger.Warnf("corrupted metadata position=%s: %v; quarantining", position, err)
	rec, rerr := yamlutil.RecoverCorruptedFile(s.root, path, yamlutil.FileTypePositionMetadata, false)
	if rerr != nil {
		return model.PositionMetadata{}, fmt.Errorf("recover %s metadata: %w", position, rerr)
	}
	s.logger.Warnf("restored metadata position=%s from %s", position, rec)

	md = model.NewPositionMetadata(position)
	if err := yamlutil.ReadDocument(path, yamlutil.FileTypePositionMetadata, &md); err != nil {
		return model.PositionMetadata{}, fmt.Errorf("reload %s metadata: %w", position, err)
	}
	return normalise(md, position), nil
}

func normalise(md model.PositionMetadata, position string) model.PositionMetadata {
	if md.Records == nil {
		md.Records = []model.VisitRecord{}
	}
	if md.Position == "" {
		md.Position = position
	}
	return md
}

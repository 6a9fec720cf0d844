// Package statestore snapshots the committed portfolio and plasticity state
// to disk so a restart resumes from the last commit instead of the initial
// configuration.
package statestore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/coordinator/internal/domain"
)

// Snapshot is the on-disk unit: both states plus the save timestamp.
type Snapshot struct {
	SavedAt   time.Time               `msgpack:"saved_at"`
	Portfolio *domain.PortfolioState  `msgpack:"portfolio"`
	Trust     *domain.PlasticityState `msgpack:"trust"`
}

// Store persists snapshots as msgpack at a fixed path.
type Store struct {
	path string
	log  zerolog.Logger
}

// NewStore creates a state store writing to the given file path.
func NewStore(path string, log zerolog.Logger) *Store {
	return &Store{
		path: path,
		log:  log.With().Str("component", "state_store").Logger(),
	}
}

// Save writes an atomic snapshot: marshal to a temp file, fsync, rename.
func (s *Store) Save(portfolio *domain.PortfolioState, trust *domain.PlasticityState) error {
	payload, err := msgpack.Marshal(&Snapshot{
		SavedAt:   time.Now().UTC(),
		Portfolio: portfolio,
		Trust:     trust,
	})
	if err != nil {
		return fmt.Errorf("marshal state snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create snapshot temp file: %w", err)
	}
	if _, err := f.Write(payload); err != nil {
		_ = f.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}

	s.log.Debug().Str("path", s.path).Int("bytes", len(payload)).Msg("State snapshot saved")
	return nil
}

// Load reads the latest snapshot. A missing file returns (nil, nil): the
// caller falls back to the initial state.
func (s *Store) Load() (*Snapshot, error) {
	payload, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state snapshot: %w", err)
	}

	var snap Snapshot
	if err := msgpack.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal state snapshot: %w", err)
	}
	return &snap, nil
}

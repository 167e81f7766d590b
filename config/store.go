package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/kstaniek/go-can-controller/internal/logging"
	"github.com/kstaniek/go-can-controller/internal/metrics"
)

// Store persists the record as a fixed-size blob at Path. Missing or
// malformed blobs yield the default record rather than an error, so a fresh
// or corrupted host still starts with a usable configuration.
type Store struct {
	Path string
}

func NewStore(path string) *Store { return &Store{Path: path} }

// Load reads the stored record, substituting defaults for a missing file,
// a wrong-size blob, or an unsupported bitrate.
func (s *Store) Load() Record {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logging.L().Info("config_not_found", "path", s.Path, "used", "defaults")
		} else {
			metrics.IncError(metrics.ErrConfigLoad)
			logging.L().Warn("config_read_error", "path", s.Path, "error", err)
		}
		return Default()
	}
	var rec Record
	if err := rec.UnmarshalBinary(data); err != nil {
		metrics.IncError(metrics.ErrConfigLoad)
		logging.L().Warn("config_invalid_size", "path", s.Path, "size", len(data))
		return Default()
	}
	if was := rec.Bitrate; rec.Normalize() {
		logging.L().Warn("config_invalid_bitrate", "got", was, "used", rec.Bitrate)
	}
	logging.L().Info("config_loaded", "path", s.Path,
		"mode", rec.Mode.String(), "ids", len(rec.IDs), "bitrate", rec.Bitrate)
	return rec
}

// Save validates and writes the record.
func (s *Store) Save(rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	data, err := rec.MarshalBinary()
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.Path, data, 0o644); err != nil {
		metrics.IncError(metrics.ErrConfigSave)
		return fmt.Errorf("config: save: %w", err)
	}
	logging.L().Info("config_saved", "path", s.Path)
	return nil
}

// Clear removes the stored record; missing files are not an error.
func (s *Store) Clear() error {
	if err := os.Remove(s.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config: clear: %w", err)
	}
	return nil
}

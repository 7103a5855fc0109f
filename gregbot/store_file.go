package gregbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
)

// RecordStore persists one opaque JSON record per guild. Implementations
// must write records atomically: a Load never observes a partial Save.
type RecordStore interface {
	// Load returns the record for the given guild, or ErrConfigMissing
	Load(ctx context.Context, guildID string) ([]byte, error)

	// Save durably writes the record before returning
	Save(ctx context.Context, guildID string, data []byte) error

	// Remove deletes the record. Removing a missing record isn't an error.
	Remove(ctx context.Context, guildID string) error
}

// FileRecordStore keeps each guild's record in its own file,
// `<dir>/<guild_id>.json`.
type FileRecordStore struct {
	dir    string
	logger *slog.Logger
}

// NewFileRecordStore returns a FileRecordStore rooted at dir, creating the
// directory if needed.
func NewFileRecordStore(dir string, logger *slog.Logger) (*FileRecordStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("error creating config directory: %w", err)
	}
	return &FileRecordStore{
		dir:    dir,
		logger: logger.With(loggerNameKey, "file_record_store"),
	}, nil
}

// path returns the file used for the given guild. Creation and removal
// both go through here, so they always address the same file.
func (s *FileRecordStore) path(guildID string) (string, error) {
	if _, err := strconv.ParseUint(guildID, 10, 64); err != nil {
		return "", fmt.Errorf("invalid guild id %q", guildID)
	}
	return filepath.Join(s.dir, guildID+".json"), nil
}

func (s *FileRecordStore) Load(ctx context.Context, guildID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.path(guildID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrConfigMissing
		}
		return nil, err
	}
	return data, nil
}

func (s *FileRecordStore) Save(ctx context.Context, guildID string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.path(guildID)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, guildID+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmpName, p); err != nil {
		return err
	}
	if err = syncDir(s.dir); err != nil {
		return fmt.Errorf("error syncing %s: %w", s.dir, err)
	}
	s.logger.DebugContext(ctx, "saved guild config", "guild_id", guildID, "path", p)
	return nil
}

// syncDir flushes the directory entry, so a rename into dir survives a crash
func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (s *FileRecordStore) Remove(ctx context.Context, guildID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.path(guildID)
	if err != nil {
		return err
	}
	if err = os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	s.logger.DebugContext(ctx, "removed guild config", "guild_id", guildID, "path", p)
	return nil
}

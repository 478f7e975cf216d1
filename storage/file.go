package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ruteri/confidential-contract-engine/interfaces"
)

// FileBackend stores content on the local file system, one directory per
// content type.
type FileBackend struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// NewFileBackend creates a file backend rooted at baseDir, creating the
// per-type directories when missing.
func NewFileBackend(baseDir string, log *slog.Logger) (*FileBackend, error) {
	if log == nil {
		log = slog.Default()
	}

	for _, ct := range []interfaces.ContentType{interfaces.CodeType, interfaces.SealedSeedType} {
		if err := os.MkdirAll(filepath.Join(baseDir, ct.String()), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", ct, err)
		}
	}

	return &FileBackend{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

// Fetch reads the content stored under id. Returns ErrContentNotFound if the
// file does not exist.
func (b *FileBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	filePath := b.getFilePath(id, contentType)

	data, err := os.ReadFile(filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, interfaces.ErrContentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	// Files on disk can be replaced behind our back.
	if interfaces.ComputeID(data) != id {
		b.log.Warn("Content hash mismatch on disk", slog.String("path", filePath))
		return nil, fmt.Errorf("%w: content of %s does not match its id", interfaces.ErrContentNotFound, filePath)
	}

	b.log.Debug("Fetched content from file",
		slog.String("path", filePath),
		slog.Int("size", len(data)))

	return data, nil
}

// Store writes data under its SHA-256 content ID. The write goes through a
// temporary file and a rename so readers never observe partial content.
func (b *FileBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)
	filePath := b.getFilePath(id, contentType)

	tmp, err := os.CreateTemp(filepath.Dir(filePath), ".tmp-*")
	if err != nil {
		return id, fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return id, fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return id, fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filePath); err != nil {
		return id, fmt.Errorf("failed to move file into place: %w", err)
	}

	b.log.Debug("Stored content in file",
		slog.String("path", filePath),
		slog.String("content_type", contentType.String()),
		slog.Int("size", len(data)))

	return id, nil
}

// Available checks that the base directory still exists.
func (b *FileBackend) Available(ctx context.Context) bool {
	info, err := os.Stat(b.baseDir)
	return err == nil && info.IsDir()
}

func (b *FileBackend) Name() string {
	return "file-" + filepath.Base(b.baseDir)
}

func (b *FileBackend) LocationURI() string {
	return b.locationURI
}

func (b *FileBackend) getFilePath(id interfaces.ContentID, contentType interfaces.ContentType) string {
	return filepath.Join(b.baseDir, contentType.String(), id.String())
}

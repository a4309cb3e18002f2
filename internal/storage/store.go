// Package storage keeps uploaded images in a scoped directory.
package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/fundus-screen/backend/internal/logger"
	"github.com/fundus-screen/backend/internal/models"
)

// ErrNotFound is returned when an id does not map to a tracked upload whose
// image is still on disk.
var ErrNotFound = errors.New("upload not found")

// sidecarExt marks the msgpack metadata file stored next to each image.
const sidecarExt = ".meta"

// Store defines the interface for upload storage.
type Store interface {
	Save(name, mimeType string, r io.Reader) (*models.UploadedImage, error)
	Get(id string) (*models.UploadedImage, error)
	GetFilePath(id string) (string, error)
	Delete(id string) error
	SaveResult(result *models.PredictionResult) error
	GetResult(id string) (*models.PredictionResult, error)
}

// record is the sidecar payload. It lets a restarted process re-track uploads
// that the janitor has not purged yet.
type record struct {
	Image  models.UploadedImage     `msgpack:"image"`
	Result *models.PredictionResult `msgpack:"result,omitempty"`
}

// LocalStore implements Store on a single scoped directory. Files are named by
// server generated UUIDs only.
type LocalStore struct {
	mu        sync.RWMutex
	uploadDir string
	files     map[string]*record
	log       *zap.Logger
	now       func() time.Time
}

// NewLocalStore creates a new LocalStore and re-tracks any uploads left from a
// previous run.
func NewLocalStore(uploadDir string, log *zap.Logger) (*LocalStore, error) {
	if err := os.MkdirAll(uploadDir, 0755); err != nil {
		return nil, fmt.Errorf("creating upload directory: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}

	s := &LocalStore{
		uploadDir: uploadDir,
		files:     make(map[string]*record),
		log:       log,
		now:       time.Now,
	}
	s.scanExisting()
	return s, nil
}

// Dir returns the scoped upload directory.
func (s *LocalStore) Dir() string {
	return s.uploadDir
}

// scanExisting loads sidecars whose images are still present.
func (s *LocalStore) scanExisting() {
	entries, err := os.ReadDir(s.uploadDir)
	if err != nil {
		s.log.Warn("failed to scan upload directory", zap.Error(err))
		return
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != sidecarExt {
			continue
		}
		id := strings.TrimSuffix(name, sidecarExt)
		if _, err := uuid.Parse(id); err != nil {
			continue
		}
		rec, err := s.readSidecar(id)
		if err != nil {
			s.log.Warn("skipping unreadable sidecar", zap.String("id", logger.ShortID(id)), zap.Error(err))
			continue
		}
		if _, err := os.Stat(s.imagePath(id)); err != nil {
			continue
		}
		s.files[id] = rec
	}

	s.log.Info("scanned upload directory", zap.Int("tracked", len(s.files)))
}

func (s *LocalStore) imagePath(id string) string {
	return filepath.Join(s.uploadDir, id)
}

func (s *LocalStore) sidecarPath(id string) string {
	return filepath.Join(s.uploadDir, id+sidecarExt)
}

// Save streams r into a fresh file. On a read or write error nothing is left on disk.
func (s *LocalStore) Save(name, mimeType string, r io.Reader) (*models.UploadedImage, error) {
	id := uuid.New().String()
	path := s.imagePath(id)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("creating file: %w", err)
	}

	size, err := io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("writing file: %w", err)
	}

	rec := &record{Image: models.UploadedImage{
		ID:           id,
		OriginalName: name,
		MIMEType:     mimeType,
		SizeBytes:    size,
		StoredPath:   path,
		CreatedAt:    s.now(),
	}}

	if err := s.writeSidecar(rec); err != nil {
		os.Remove(path)
		return nil, err
	}

	s.mu.Lock()
	s.files[id] = rec
	s.mu.Unlock()

	img := rec.Image
	return &img, nil
}

// lookup returns the tracked record for id after confirming the image file
// still exists. Records whose files were purged are dropped.
func (s *LocalStore) lookup(id string) (*record, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	s.mu.RLock()
	rec, ok := s.files[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if _, err := os.Stat(rec.Image.StoredPath); err != nil {
		s.forget(id)
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, nil
}

// forget untracks id and removes a leftover sidecar.
func (s *LocalStore) forget(id string) {
	s.mu.Lock()
	delete(s.files, id)
	s.mu.Unlock()
	if err := os.Remove(s.sidecarPath(id)); err != nil && !os.IsNotExist(err) {
		s.log.Warn("failed to remove sidecar", zap.String("id", logger.ShortID(id)), zap.Error(err))
	}
}

// Get retrieves upload metadata by ID.
func (s *LocalStore) Get(id string) (*models.UploadedImage, error) {
	rec, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	img := rec.Image
	return &img, nil
}

// GetFilePath returns the path of the stored image.
func (s *LocalStore) GetFilePath(id string) (string, error) {
	rec, err := s.lookup(id)
	if err != nil {
		return "", err
	}
	return rec.Image.StoredPath, nil
}

// Delete removes an upload and its sidecar.
func (s *LocalStore) Delete(id string) error {
	s.mu.Lock()
	rec, ok := s.files[id]
	delete(s.files, id)
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if err := os.Remove(rec.Image.StoredPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting file: %w", err)
	}
	if err := os.Remove(s.sidecarPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting sidecar: %w", err)
	}

	return nil
}

// SaveResult attaches a prediction to its upload. A result is written once;
// later writes for the same image are rejected.
func (s *LocalStore) SaveResult(result *models.PredictionResult) error {
	if _, err := s.lookup(result.ImageID); err != nil {
		return err
	}

	s.mu.Lock()
	cur, ok := s.files[result.ImageID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, result.ImageID)
	}
	if cur.Result != nil {
		s.mu.Unlock()
		return fmt.Errorf("result already recorded for %s", result.ImageID)
	}
	res := *result
	updated := &record{Image: cur.Image, Result: &res}
	s.files[result.ImageID] = updated
	s.mu.Unlock()

	if err := s.writeSidecar(updated); err != nil {
		return err
	}

	// The image may have been purged while the sidecar was rewritten.
	info, err := os.Stat(updated.Image.StoredPath)
	if err != nil {
		s.forget(result.ImageID)
		return fmt.Errorf("%w: %s", ErrNotFound, result.ImageID)
	}
	// The sidecar ages with its image so both expire in the same sweep.
	mtime := info.ModTime()
	if err := os.Chtimes(s.sidecarPath(result.ImageID), mtime, mtime); err != nil {
		s.log.Warn("failed to align sidecar mtime", zap.String("id", logger.ShortID(result.ImageID)), zap.Error(err))
	}
	return nil
}

// GetResult returns the prediction recorded for id.
func (s *LocalStore) GetResult(id string) (*models.PredictionResult, error) {
	rec, err := s.lookup(id)
	if err != nil {
		return nil, err
	}

	// Records are replaced, never mutated, so rec.Result is stable here.
	if rec.Result == nil {
		return nil, fmt.Errorf("%w: no result for %s", ErrNotFound, id)
	}
	res := *rec.Result
	return &res, nil
}

func (s *LocalStore) writeSidecar(rec *record) error {
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding sidecar: %w", err)
	}

	// Write to a temp name first so a concurrent scan never sees a torn file.
	tmp := s.sidecarPath(rec.Image.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing sidecar: %w", err)
	}
	if err := os.Rename(tmp, s.sidecarPath(rec.Image.ID)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("writing sidecar: %w", err)
	}
	return nil
}

func (s *LocalStore) readSidecar(id string) (*record, error) {
	data, err := os.ReadFile(s.sidecarPath(id))
	if err != nil {
		return nil, err
	}

	var rec record
	if err := msgpack.NewDecoder(bytes.NewReader(data)).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decoding sidecar: %w", err)
	}
	if rec.Image.ID != id {
		return nil, fmt.Errorf("sidecar id mismatch: %s", rec.Image.ID)
	}
	rec.Image.StoredPath = s.imagePath(id)
	// msgpack decodes timestamps in the local zone.
	rec.Image.CreatedAt = rec.Image.CreatedAt.UTC()
	if rec.Result != nil {
		rec.Result.ComputedAt = rec.Result.ComputedAt.UTC()
	}
	return &rec, nil
}

// mock_store.go - In-memory storage.Store for testing
package testutil

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fundus-screen/backend/internal/models"
	"github.com/fundus-screen/backend/internal/storage"
)

// MockStore implements storage.Store in memory.
type MockStore struct {
	mu      sync.RWMutex
	images  map[string]*models.UploadedImage
	data    map[string][]byte
	results map[string]*models.PredictionResult

	// SaveErr, when set, is returned by Save after the body has been drained.
	SaveErr error
	saves   int
}

// NewMockStore creates an empty mock store.
func NewMockStore() *MockStore {
	return &MockStore{
		images:  make(map[string]*models.UploadedImage),
		data:    make(map[string][]byte),
		results: make(map[string]*models.PredictionResult),
	}
}

func (m *MockStore) Save(name, mimeType string, r io.Reader) (*models.UploadedImage, error) {
	m.mu.Lock()
	m.saves++
	m.mu.Unlock()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("writing file: %w", err)
	}
	if m.SaveErr != nil {
		return nil, m.SaveErr
	}

	id := uuid.New().String()
	img := &models.UploadedImage{
		ID:           id,
		OriginalName: name,
		MIMEType:     mimeType,
		SizeBytes:    int64(len(data)),
		StoredPath:   "mem://" + id,
		CreatedAt:    time.Now(),
	}

	m.mu.Lock()
	m.images[id] = img
	m.data[id] = data
	m.mu.Unlock()

	out := *img
	return &out, nil
}

func (m *MockStore) Get(id string) (*models.UploadedImage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	img, ok := m.images[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	out := *img
	return &out, nil
}

func (m *MockStore) GetFilePath(id string) (string, error) {
	img, err := m.Get(id)
	if err != nil {
		return "", err
	}
	return img.StoredPath, nil
}

func (m *MockStore) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.images[id]; !ok {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	delete(m.images, id)
	delete(m.data, id)
	delete(m.results, id)
	return nil
}

func (m *MockStore) SaveResult(result *models.PredictionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.images[result.ImageID]; !ok {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, result.ImageID)
	}
	if _, ok := m.results[result.ImageID]; ok {
		return errors.New("result already recorded")
	}
	res := *result
	m.results[result.ImageID] = &res
	return nil
}

func (m *MockStore) GetResult(id string) (*models.PredictionResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res, ok := m.results[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	out := *res
	return &out, nil
}

// Data returns the stored bytes for id.
func (m *MockStore) Data(id string) []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data[id]
}

// Saves reports how many times Save was called.
func (m *MockStore) Saves() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}

// Len reports how many uploads are tracked.
func (m *MockStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.images)
}

var _ storage.Store = (*MockStore)(nil)

package channel

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// stagedPhoto is an uploaded photo held until the platform sends it.
type stagedPhoto struct {
	name string
	data []byte
}

// photoStage backs UploadPhoto on platforms that upload at send time: the
// file is read into memory under a fresh reference which SendAttachment
// redeems exactly once.
type photoStage struct {
	mu     sync.Mutex
	photos map[string]stagedPhoto
}

func newPhotoStage() *photoStage {
	return &photoStage{photos: make(map[string]stagedPhoto)}
}

func (s *photoStage) put(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("stage photo: %w", err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("stage photo: %s is empty", path)
	}
	ref := uuid.NewString()
	s.mu.Lock()
	s.photos[ref] = stagedPhoto{name: filepath.Base(path), data: data}
	s.mu.Unlock()
	return ref, nil
}

func (s *photoStage) take(ref string) (stagedPhoto, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.photos[ref]
	if !ok {
		return stagedPhoto{}, fmt.Errorf("unknown attachment %q", ref)
	}
	delete(s.photos, ref)
	return p, nil
}

func (s *photoStage) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.photos)
}

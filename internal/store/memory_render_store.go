package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dunamismax/scenecast/internal/domain"
)

type MemoryRenderStore struct {
	mu      sync.RWMutex
	records map[string]domain.RenderRecord
	now     func() time.Time
}

func NewMemoryRenderStore() *MemoryRenderStore {
	return &MemoryRenderStore{
		records: make(map[string]domain.RenderRecord),
		now:     time.Now,
	}
}

func (s *MemoryRenderStore) Create(_ context.Context, record domain.RenderRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[record.Job.ID]; exists {
		return fmt.Errorf("render job %s already exists", record.Job.ID)
	}
	s.records[record.Job.ID] = record
	return nil
}

func (s *MemoryRenderStore) Get(_ context.Context, id string) (domain.RenderRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[id]
	return record, ok, nil
}

func (s *MemoryRenderStore) UpdateStatus(_ context.Context, id string, status domain.JobStatus) (domain.RenderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok {
		return domain.RenderRecord{}, ErrRenderNotFound
	}
	if record.Status.Terminal() {
		return record, nil
	}

	if !status.Terminal() {
		status.Progress = max(status.Progress, record.Status.Progress)
	}
	record.Status = status
	record.UpdatedAt = s.now().UTC()
	s.records[id] = record
	return record, nil
}

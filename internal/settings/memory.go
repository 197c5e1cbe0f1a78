package settings

import (
	"context"
	"errors"
	"maps"
	"sort"
	"sync"

	"rrcstim/internal/model"
)

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	records     map[string]model.SettingsRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.records = make(map[string]model.SettingsRecord)
	return nil
}

func (s *MemoryStore) Save(_ context.Context, record model.SettingsRecord) error {
	if err := validateRecord(record); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errors.New("store is not initialized")
	}
	s.records[record.Name] = copyRecord(record)
	return nil
}

func (s *MemoryStore) Load(_ context.Context, name string) (model.SettingsRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[name]
	if !ok {
		return model.SettingsRecord{}, false, nil
	}
	return copyRecord(record), true, nil
}

func (s *MemoryStore) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.records))
	for name := range s.records {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, name)
	return nil
}

func copyRecord(record model.SettingsRecord) model.SettingsRecord {
	record.Values = maps.Clone(record.Values)
	return record
}

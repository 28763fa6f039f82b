package memory

import (
	"context"
	"sort"
	"sync"

	"chime/internal/domain"
)

type recordKey struct {
	owner string
	id    string
}

// Storage keeps job records and audit entries in process memory.
type Storage struct {
	mu      sync.RWMutex
	records map[recordKey]*domain.JobRecord
	audit   []domain.AuditEntry
}

func NewStorage() *Storage {
	return &Storage{records: make(map[recordKey]*domain.JobRecord)}
}

func (s *Storage) Get(_ context.Context, ownerService, jobID string) (*domain.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[recordKey{ownerService, jobID}]
	if !ok {
		return nil, nil
	}
	return cloneRecord(r), nil
}

func (s *Storage) Upsert(_ context.Context, record *domain.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey{record.OwnerService, record.JobID}
	if existing, ok := s.records[key]; ok && !existing.Active {
		return domain.ErrJobInactive
	}
	s.records[key] = cloneRecord(record)
	return nil
}

func (s *Storage) Update(_ context.Context, record *domain.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey{record.OwnerService, record.JobID}
	existing, ok := s.records[key]
	if !ok {
		return domain.ErrJobNotFound
	}
	cp := cloneRecord(record)
	cp.Active = existing.Active && record.Active
	s.records[key] = cp
	return nil
}

func (s *Storage) ListByOwner(_ context.Context, ownerService string) ([]*domain.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.JobRecord
	for key, r := range s.records {
		if key.owner == ownerService {
			out = append(out, cloneRecord(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].JobID < out[j].JobID
	})
	return out, nil
}

func (s *Storage) Append(_ context.Context, entry domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, entry)
	return nil
}

func (s *Storage) AuditEntries() []domain.AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.AuditEntry(nil), s.audit...)
}

func (s *Storage) Close() error {
	return nil
}

func cloneRecord(r *domain.JobRecord) *domain.JobRecord {
	cp := *r
	cp.Comments = append([]string(nil), r.Comments...)
	return &cp
}

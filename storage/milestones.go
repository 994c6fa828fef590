package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Milestone is a named, durable snapshot of a document's history, per §3's
// "Milestone" glossary entry.
type Milestone struct {
	ID         string
	DocumentID string
	Name       string
	CreatedAt  time.Time
	Snapshot   []byte
}

// MilestoneStore is the milestone half of §4.C's storage surface, keyed
// separately from Engine because a milestone's content (a frozen document
// snapshot) is immutable once created, unlike a document's live content.
type MilestoneStore interface {
	List(ctx context.Context, documentID string) ([]*Milestone, error)
	Get(ctx context.Context, documentID, milestoneID string) (*Milestone, error)
	Create(ctx context.Context, documentID, name string, snapshot []byte) (*Milestone, error)
	UpdateName(ctx context.Context, documentID, milestoneID, name string) (*Milestone, error)
	Delete(ctx context.Context, documentID, milestoneID string) error
}

// MemoryMilestoneStore is the reference in-memory MilestoneStore.
type MemoryMilestoneStore struct {
	mu         sync.RWMutex
	byDocument map[string]map[string]*Milestone
}

// NewMemoryMilestoneStore constructs an empty MemoryMilestoneStore.
func NewMemoryMilestoneStore() *MemoryMilestoneStore {
	return &MemoryMilestoneStore{byDocument: make(map[string]map[string]*Milestone)}
}

func (s *MemoryMilestoneStore) List(ctx context.Context, documentID string) ([]*Milestone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Milestone
	for _, m := range s.byDocument[documentID] {
		var cp = *m
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryMilestoneStore) Get(ctx context.Context, documentID, milestoneID string) (*Milestone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byDocument[documentID][milestoneID]
	if !ok {
		return nil, ErrNotFound
	}
	var cp = *m
	return &cp, nil
}

func (s *MemoryMilestoneStore) Create(ctx context.Context, documentID, name string, snapshot []byte) (*Milestone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byDocument[documentID] == nil {
		s.byDocument[documentID] = make(map[string]*Milestone)
	}
	var m = &Milestone{
		ID:         uuid.NewString(),
		DocumentID: documentID,
		Name:       name,
		CreatedAt:  time.Now(),
		Snapshot:   append([]byte(nil), snapshot...),
	}
	s.byDocument[documentID][m.ID] = m
	var cp = *m
	return &cp, nil
}

func (s *MemoryMilestoneStore) UpdateName(ctx context.Context, documentID, milestoneID, name string) (*Milestone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byDocument[documentID][milestoneID]
	if !ok {
		return nil, ErrNotFound
	}
	m.Name = name
	var cp = *m
	return &cp, nil
}

func (s *MemoryMilestoneStore) Delete(ctx context.Context, documentID, milestoneID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byDocument[documentID][milestoneID]; !ok {
		return ErrNotFound
	}
	delete(s.byDocument[documentID], milestoneID)
	return nil
}

var _ MilestoneStore = (*MemoryMilestoneStore)(nil)

package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/foxseedlab/aiscribe/internal/repository"
	"github.com/google/uuid"
)

type memoryRecord struct {
	session repository.Session
	token   repository.OwnerToken
}

// MemoryStore keeps sessions in process memory. It is meant for development
// and tests; nothing survives a restart.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memoryRecord
	patients map[string]repository.Patient
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*memoryRecord),
		patients: make(map[string]repository.Patient),
		now:      time.Now,
	}
}

func (s *MemoryStore) Create(_ context.Context, userID string, input repository.CreateSessionInput) (*repository.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if input.PatientID != "" {
		if p, ok := s.patients[input.PatientID]; !ok || p.UserID != userID {
			return nil, repository.ErrInvalidPatient
		}
	}
	now := s.now()
	rec := &memoryRecord{session: repository.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     input.Title,
		PatientID: input.PatientID,
		Status:    repository.SessionStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}}
	s.sessions[rec.session.ID] = rec
	return cloneSession(rec.session), nil
}

func (s *MemoryStore) lookup(userID, sessionID string) (*memoryRecord, error) {
	rec, ok := s.sessions[sessionID]
	if !ok || rec.session.UserID != userID {
		return nil, repository.ErrNotFound
	}
	return rec, nil
}

func (r *memoryRecord) ownership() ownership {
	return ownership{status: r.session.Status, version: r.session.Version, token: r.token}
}

func (s *MemoryStore) Claim(_ context.Context, userID, sessionID string) (repository.OwnerToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.lookup(userID, sessionID)
	if err != nil {
		return "", err
	}
	if err := rec.ownership().claimable(); err != nil {
		return "", err
	}
	rec.token = newOwnerToken()
	return rec.token, nil
}

func (s *MemoryStore) Checkpoint(_ context.Context, sessionID string, token repository.OwnerToken, snap repository.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return repository.ErrNotFound
	}
	apply, err := rec.ownership().acceptCheckpoint(token, snap)
	if err != nil || !apply {
		return err
	}
	sess := &rec.session
	sess.Version = snap.Version
	sess.Status = snap.Status
	sess.Title = snap.Title
	sess.Segments = repository.CloneSegments(snap.Segments)
	sess.Summary = snap.Summary
	sess.AudioRef = snap.AudioRef
	sess.Duration = snap.Duration
	sess.StartedAt = copyTime(snap.StartedAt)
	sess.FinishedAt = copyTime(snap.FinishedAt)
	sess.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) Release(_ context.Context, sessionID string, token repository.OwnerToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.sessions[sessionID]; ok && rec.token == token {
		rec.token = ""
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, userID, sessionID string) (*repository.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, err := s.lookup(userID, sessionID)
	if err != nil {
		return nil, err
	}
	return cloneSession(rec.session), nil
}

func (s *MemoryStore) List(_ context.Context, userID string) ([]repository.SessionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := make([]repository.SessionSummary, 0)
	for _, rec := range s.sessions {
		if rec.session.UserID != userID {
			continue
		}
		list = append(list, repository.Summarize(&rec.session))
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
	return list, nil
}

func (s *MemoryStore) Delete(_ context.Context, userID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.lookup(userID, sessionID); err != nil {
		return err
	}
	delete(s.sessions, sessionID)
	return nil
}

func (s *MemoryStore) RecoverOrphans(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for _, rec := range s.sessions {
		if rec.token == "" || rec.session.Status != repository.SessionStatusActive {
			continue
		}
		rec.token = ""
		rec.session.Status = repository.SessionStatusFailed
		rec.session.FinishedAt = &now
		rec.session.Version++
		rec.session.UpdatedAt = now
		n++
	}
	return n, nil
}

func (s *MemoryStore) CreatePatient(_ context.Context, userID string, input repository.CreatePatientInput) (*repository.Patient, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p := repository.Patient{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      input.Name,
		Age:       input.Age,
		Gender:    input.Gender,
		Number:    input.Number,
		CreatedAt: s.now(),
	}
	s.patients[p.ID] = p
	return &p, nil
}

func (s *MemoryStore) GetPatient(_ context.Context, userID, patientID string) (*repository.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patients[patientID]
	if !ok || p.UserID != userID {
		return nil, repository.ErrPatientNotFound
	}
	return &p, nil
}

func (s *MemoryStore) ListPatients(_ context.Context, userID string) ([]repository.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := make([]repository.Patient, 0)
	for _, p := range s.patients {
		if p.UserID == userID {
			list = append(list, p)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
	return list, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func cloneSession(s repository.Session) *repository.Session {
	s.Segments = repository.CloneSegments(s.Segments)
	s.StartedAt = copyTime(s.StartedAt)
	s.FinishedAt = copyTime(s.FinishedAt)
	return &s
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

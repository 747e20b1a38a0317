package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// MemoryStore is an in-memory implementation of the store interfaces. It
// mirrors the dedup and ordering semantics of the SQLite store and exists
// for tests and ephemeral runs where durability is not required.
type MemoryStore struct {
	mu          sync.Mutex
	policy      MergePolicy
	sessions    map[string]Session
	checkpoints map[string]Checkpoint
	records     []Record // insertion order across all sessions
	bySession   map[string][]int
	byExternal  map[string]int
}

var (
	_ CheckpointStore = &MemoryStore{}
	_ RecordWriter    = &MemoryStore{}
	_ RecordReader    = &MemoryStore{}
	_ SessionStore    = &MemoryStore{}
)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(policy MergePolicy) *MemoryStore {
	if policy == "" {
		policy = MergeSkip
	}
	return &MemoryStore{
		policy:      policy,
		sessions:    map[string]Session{},
		checkpoints: map[string]Checkpoint{},
		bySession:   map[string][]int{},
		byExternal:  map[string]int{},
	}
}

func (s *MemoryStore) StartSession(_ context.Context, sessionID string, startedAt time.Time) error {
	if sessionID == "" {
		return errors.New("memory store: empty session id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		sess = Session{ID: sessionID, StartedAt: startedAt}
	}
	sess.Outcome = OutcomeRunning
	sess.EndedAt = nil
	s.sessions[sessionID] = sess
	return nil
}

func (s *MemoryStore) FinishSession(_ context.Context, sessionID string, outcome SessionOutcome, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return errors.Errorf("memory store: finish session: unknown session %q", sessionID)
	}
	sess.Outcome = outcome
	sess.EndedAt = &endedAt
	s.sessions[sessionID] = sess
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	out := sess
	return &out, nil
}

func (s *MemoryStore) Load(_ context.Context, sessionID string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[sessionID]
	if !ok {
		return nil, nil
	}
	out := cp
	return &out, nil
}

func (s *MemoryStore) Commit(_ context.Context, sessionID string, cp Checkpoint) error {
	if cp.LastCommittedAt.IsZero() {
		cp.LastCommittedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[sessionID] = cp
	return nil
}

func (s *MemoryStore) WriteBatch(_ context.Context, sessionID string, recs []Record) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate before mutating so a bad record leaves nothing half-written.
	for _, rec := range recs {
		if rec.ExternalID == "" {
			return 0, errors.New("memory store: record with empty external id")
		}
	}

	inserted := 0
	for _, rec := range recs {
		if len(rec.Payload) == 0 {
			rec.Payload = json.RawMessage(`{}`)
		}
		if rec.CollectedAt.IsZero() {
			rec.CollectedAt = time.Now()
		}
		if idx, ok := s.byExternal[rec.ExternalID]; ok {
			if s.policy == MergeOverwrite {
				prev := s.records[idx]
				prev.ParentID = rec.ParentID
				prev.Payload = rec.Payload
				s.records[idx] = prev
			}
			continue
		}
		s.records = append(s.records, rec)
		idx := len(s.records) - 1
		s.byExternal[rec.ExternalID] = idx
		s.bySession[sessionID] = append(s.bySession[sessionID], idx)
		inserted++
	}
	return inserted, nil
}

func (s *MemoryStore) RecordsForSession(_ context.Context, sessionID string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idxs := s.bySession[sessionID]
	out := make([]Record, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, s.records[i])
	}
	return out, nil
}

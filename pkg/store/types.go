// Package store defines the persistent model of the collection pipeline:
// sessions, pagination checkpoints, and deduplicated conversation records.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// SessionOutcome is the terminal (or current) state of a collection run.
type SessionOutcome string

const (
	// OutcomeRunning indicates the session is still collecting.
	OutcomeRunning SessionOutcome = "running"

	// OutcomeSucceeded indicates the session exhausted the source.
	OutcomeSucceeded SessionOutcome = "succeeded"

	// OutcomeAborted indicates the session stopped early. The checkpoint
	// remains valid, so an aborted session can be resumed later.
	OutcomeAborted SessionOutcome = "aborted"
)

// CheckpointStatus describes pagination progress for a session.
type CheckpointStatus string

const (
	// StatusInProgress means further pages remain.
	StatusInProgress CheckpointStatus = "in_progress"

	// StatusComplete means the source reported exhaustion.
	StatusComplete CheckpointStatus = "complete"

	// StatusFailed means the last run aborted on a fatal error at this
	// cursor. The cursor is still valid; a later run resumes from it.
	StatusFailed CheckpointStatus = "failed"
)

// MergePolicy controls what the writer does when a record's external ID
// has already been persisted.
type MergePolicy string

const (
	// MergeSkip keeps the first-seen record and ignores redeliveries.
	MergeSkip MergePolicy = "skip"

	// MergeOverwrite replaces the payload of an existing record. Useful
	// when a later delivery is known to be more complete.
	MergeOverwrite MergePolicy = "overwrite"
)

// Valid reports whether p is a known merge policy.
func (p MergePolicy) Valid() bool {
	return p == MergeSkip || p == MergeOverwrite
}

// Record is one collected conversation unit. A record is written once on
// first sight of its external ID and never duplicated, regardless of how
// often the source redelivers it.
type Record struct {
	// ExternalID is the stable source identifier. Unique across all runs.
	ExternalID string `json:"external_id"`

	// ParentID optionally links the record into a thread.
	ParentID string `json:"parent_id,omitempty"`

	// Payload is the opaque source object. Identity and dedup never look
	// inside it.
	Payload json.RawMessage `json:"payload"`

	// CollectedAt is when this record was first persisted.
	CollectedAt time.Time `json:"collected_at"`
}

// Checkpoint is the durable pagination position of a session.
type Checkpoint struct {
	// Cursor is the opaque token to resume fetching from. Empty means
	// "start from the beginning" for a fresh checkpoint.
	Cursor string `json:"cursor"`

	Status CheckpointStatus `json:"status"`

	LastCommittedAt time.Time `json:"last_committed_at"`
}

// Session groups one end-to-end collection run.
type Session struct {
	ID        string         `json:"session_id"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
	Outcome   SessionOutcome `json:"outcome"`
}

// ErrCheckpointCorrupt is returned by Load when a stored checkpoint cannot
// be interpreted. Callers decide whether this is fatal or a destructive
// fresh start (see config allow_checkpoint_reset).
var ErrCheckpointCorrupt = errors.New("checkpoint corrupt")

// CheckpointStore durably persists pagination progress per session.
type CheckpointStore interface {
	// Load returns the most recently committed checkpoint for a session,
	// or nil if none exists. A checkpoint that exists but cannot be
	// interpreted yields ErrCheckpointCorrupt.
	Load(ctx context.Context, sessionID string) (*Checkpoint, error)

	// Commit atomically replaces the stored checkpoint for a session.
	// A crash mid-commit leaves either the old or the new checkpoint
	// visible, never a mix.
	Commit(ctx context.Context, sessionID string, cp Checkpoint) error
}

// RecordWriter persists records idempotently under repeated delivery.
type RecordWriter interface {
	// WriteBatch persists a batch all-or-nothing and returns the number
	// of newly inserted records. Records whose external ID is already
	// stored are skipped or overwritten per the configured merge policy
	// and are never counted as inserted.
	WriteBatch(ctx context.Context, sessionID string, recs []Record) (int, error)
}

// RecordReader exposes persisted records for export.
type RecordReader interface {
	// RecordsForSession returns a session's records in insertion order.
	RecordsForSession(ctx context.Context, sessionID string) ([]Record, error)
}

// SessionStore tracks collection runs.
type SessionStore interface {
	// StartSession creates a session, or reopens an existing one as
	// running (resume after abort).
	StartSession(ctx context.Context, sessionID string, startedAt time.Time) error

	// FinishSession records the terminal outcome of a session.
	FinishSession(ctx context.Context, sessionID string, outcome SessionOutcome, endedAt time.Time) error

	// GetSession returns a session, or nil if it does not exist.
	GetSession(ctx context.Context, sessionID string) (*Session, error)
}

package core

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared across the sync pipeline.
var (
	// ErrValidation marks malformed input rejected synchronously and
	// never queued.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound marks a lookup for an unknown core or update id.
	ErrNotFound = errors.New("not found")
)

// UpdateStatus is the lifecycle state of a queued update.
//
// Transitions: pending -> processing -> completed, or
// processing -> pending (transient failure, retried with backoff), or
// processing -> abandoned (retry budget exhausted; terminal, reported).
type UpdateStatus string

const (
	StatusPending    UpdateStatus = "pending"
	StatusProcessing UpdateStatus = "processing"
	StatusCompleted  UpdateStatus = "completed"
	StatusFailed     UpdateStatus = "failed"
	StatusAbandoned  UpdateStatus = "abandoned"
)

// Valid reports whether the status is one of the known values.
func (s UpdateStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusAbandoned:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed.
func (s UpdateStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusAbandoned
}

// UpdatePayload carries the mutation content for one core. LevelDelta is
// the analysis engine's contribution; Level is the target snapshot level
// after the delta was applied optimistically.
type UpdatePayload struct {
	Level      float64 `json:"level"`
	LevelDelta float64 `json:"level_delta"`
	TrendHint  Trend   `json:"trend_hint,omitempty"`
	Insight    string  `json:"insight,omitempty"`
}

// QueuedUpdate is a durable record of a pending core mutation awaiting
// batch processing. Timestamp is authoritative for conflict resolution.
type QueuedUpdate struct {
	ID            string        `json:"id"`
	CoreID        string        `json:"core_id"`
	Payload       UpdatePayload `json:"payload"`
	Timestamp     time.Time     `json:"timestamp"`
	Priority      int           `json:"priority"`
	RetryCount    int           `json:"retry_count"`
	Status        UpdateStatus  `json:"status"`
	NextAttemptAt time.Time     `json:"next_attempt_at,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
	SchemaVersion int           `json:"schema_version"`
}

// NewQueuedUpdate builds a pending update for a core with the given
// payload and priority. The id embeds the core id and creation time so
// ordering stays legible in logs and the database.
func NewQueuedUpdate(coreID string, payload UpdatePayload, priority int) *QueuedUpdate {
	now := time.Now().UTC()
	return &QueuedUpdate{
		ID:            fmt.Sprintf("%s-%d", coreID, now.UnixNano()),
		CoreID:        coreID,
		Payload:       payload,
		Timestamp:     now,
		Priority:      priority,
		Status:        StatusPending,
		SchemaVersion: SchemaVersion,
	}
}

// Validate checks the update's field values. Invalid updates are rejected
// at enqueue time, not retried.
func (u *QueuedUpdate) Validate() error {
	if u == nil {
		return fmt.Errorf("%w: update is nil", ErrValidation)
	}
	if u.ID == "" {
		return fmt.Errorf("%w: id is required", ErrValidation)
	}
	if u.CoreID == "" {
		return fmt.Errorf("%w: core_id is required", ErrValidation)
	}
	if u.Payload.Level < 0.0 || u.Payload.Level > 1.0 {
		return fmt.Errorf("%w: payload level must be within [0.0, 1.0] (got %v)", ErrValidation, u.Payload.Level)
	}
	if u.Payload.TrendHint != "" && !u.Payload.TrendHint.Valid() {
		return fmt.Errorf("%w: unknown trend hint %q", ErrValidation, u.Payload.TrendHint)
	}
	if u.Priority < 0 {
		return fmt.Errorf("%w: priority must be >= 0 (got %d)", ErrValidation, u.Priority)
	}
	if u.RetryCount < 0 {
		return fmt.Errorf("%w: retry_count must be >= 0 (got %d)", ErrValidation, u.RetryCount)
	}
	if u.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrValidation)
	}
	if u.Status != "" && !u.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrValidation, u.Status)
	}
	return nil
}

// CanTransition reports whether moving from the current status to next is
// a legal lifecycle transition.
func (u *QueuedUpdate) CanTransition(next UpdateStatus) bool {
	switch u.Status {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed ||
			next == StatusPending || next == StatusAbandoned
	case StatusFailed:
		return next == StatusPending || next == StatusAbandoned
	default:
		return false
	}
}

// Package window turns logical history requests ("the last 24 hours",
// "everything still retained") into concrete half-open time intervals and
// bounded, prompt-ready message slices.
//
// The engine only reads; it never mutates the store. Windows are derived
// views produced on demand and never persisted.
package window

import (
	"context"
	"fmt"
	"time"

	"github.com/bdobrica/Kiroku/internal/kiroku/store"
)

const (
	// DefaultRetentionPeriod is the maximum age a message may reach before
	// it becomes eligible for deletion.
	DefaultRetentionPeriod = 14 * 24 * time.Hour

	// DefaultMaxMessages caps the number of messages in a single window.
	// Sized to exceed realistic daily volume for a busy group room.
	DefaultMaxMessages = 5000

	// dailySpan is the fixed extent of a report window. The report covers
	// the trailing 24 hours relative to when it actually runs, not "since
	// the last report", so a missed scheduler tick does not shift
	// subsequent windows.
	dailySpan = 24 * time.Hour
)

// RetentionPolicy is the process-wide retention configuration. It is built
// once at startup and passed explicitly rather than read from ambient
// globals, so tests can exercise multiple policies in one run.
type RetentionPolicy struct {
	Period time.Duration
}

// DefaultRetentionPolicy returns the 14-day default.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{Period: DefaultRetentionPeriod}
}

// Cutoff returns the deletion cutoff for a prune run starting at now.
// Computed once per run, never re-evaluated per row.
func (p RetentionPolicy) Cutoff(now time.Time) time.Time {
	return now.Add(-p.Period)
}

// Window is a bounded, time-sliced, ordered view over retained messages.
// Messages satisfy Start <= CreatedAt < End and are ordered by
// (CreatedAt, ID) ascending.
type Window struct {
	RoomID   string
	Start    time.Time
	End      time.Time
	Messages []store.Message

	// Truncated is set when the message cap dropped older messages from
	// the interval. The remaining entries are the most recent ones.
	Truncated bool
}

// Empty reports whether the window holds no messages.
func (w *Window) Empty() bool {
	return len(w.Messages) == 0
}

// Engine resolves window requests against the message store.
type Engine struct {
	store       *store.Store
	policy      RetentionPolicy
	maxMessages int
}

// NewEngine creates a window engine. A non-positive maxMessages selects
// DefaultMaxMessages; a zero policy period selects the 14-day default.
func NewEngine(s *store.Store, policy RetentionPolicy, maxMessages int) *Engine {
	if policy.Period <= 0 {
		policy.Period = DefaultRetentionPeriod
	}
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	return &Engine{store: s, policy: policy, maxMessages: maxMessages}
}

// Policy returns the engine's retention policy.
func (e *Engine) Policy() RetentionPolicy {
	return e.policy
}

// DailyWindow returns the fixed trailing 24-hour slice ending at reportTime.
func (e *Engine) DailyWindow(ctx context.Context, roomID string, reportTime time.Time) (*Window, error) {
	return e.query(ctx, roomID, reportTime.Add(-dailySpan), reportTime)
}

// QAWindow returns the entire currently retained history for roomID, ending
// at now. Questions may reference "this week", so the lookback is bounded by
// retention rather than the daily span.
func (e *Engine) QAWindow(ctx context.Context, roomID string, now time.Time) (*Window, error) {
	return e.query(ctx, roomID, now.Add(-e.policy.Period), now)
}

func (e *Engine) query(ctx context.Context, roomID string, start, end time.Time) (*Window, error) {
	start, end = start.UTC(), end.UTC()

	// Request one row beyond the cap so an interval holding exactly
	// maxMessages rows is not falsely reported as truncated.
	msgs, err := e.store.QueryWindow(ctx, roomID, start, end, e.maxMessages+1)
	if err != nil {
		return nil, fmt.Errorf("window [%s, %s) for %s: %w", start.Format(time.RFC3339), end.Format(time.RFC3339), roomID, err)
	}

	truncated := false
	if len(msgs) > e.maxMessages {
		msgs = msgs[1:] // rows are ascending; the extra row is the oldest
		truncated = true
	}

	return &Window{
		RoomID:    roomID,
		Start:     start,
		End:       end,
		Messages:  msgs,
		Truncated: truncated,
	}, nil
}

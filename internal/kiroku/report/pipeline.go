// Package report builds bounded prompts from message windows, invokes the
// completion provider, and shapes the result for delivery.
//
// A single request moves through fixed stages: fetch window → build prompt →
// request completion → format result. Empty windows short-circuit before the
// completion call; completion failures degrade to a fixed user-facing
// fallback instead of surfacing raw errors to the room.
package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdobrica/Kiroku/common/retry"
	"github.com/bdobrica/Kiroku/internal/kiroku/llm"
	"github.com/bdobrica/Kiroku/internal/kiroku/store"
	"github.com/bdobrica/Kiroku/internal/kiroku/window"
)

// ErrEmptyWindow marks the recognized "nothing to report or answer from"
// condition. It is never retried and never shown raw to a room — the
// pipeline maps it to a fixed response.
var ErrEmptyWindow = errors.New("report: empty window")

const (
	// NoActivityReport is the fixed report for a day with no messages.
	// Returned without calling the completion provider.
	NoActivityReport = "📊 **Daily Report**\n\nNo messages were recorded in the last 24 hours."

	// NoHistoryAnswer is the fixed reply to a question asked before any
	// history has accumulated.
	NoHistoryAnswer = "I don't have any message history yet. Start chatting and ask me again later!"

	// ReportFallback is the degraded result after completion retries are
	// exhausted during report generation.
	ReportFallback = "❌ The daily report could not be generated right now. It will be retried at the next scheduled run."

	// AnswerFallback is the degraded result after completion retries are
	// exhausted during Q&A.
	AnswerFallback = "❌ I couldn't process your question right now. Please try again in a few minutes."

	reportTitle = "📊 **Daily Analytics Report**\n\n"
)

// DefaultJobTimeout bounds a single report or Q&A attempt end to end,
// including all retries. No pipeline run is allowed to hang unbounded.
const DefaultJobTimeout = 2 * time.Minute

// defaultRetry gives two retries after the initial attempt for transient
// storage and completion failures.
var defaultRetry = retry.Config{
	MaxAttempts:  3,
	InitialDelay: time.Second,
	MaxDelay:     15 * time.Second,
}

// Pipeline turns windows into report and answer text.
type Pipeline struct {
	engine     *window.Engine
	provider   llm.Provider
	retryCfg   retry.Config
	jobTimeout time.Duration
	logger     *slog.Logger
}

// Option adjusts pipeline construction.
type Option func(*Pipeline)

// WithRetry overrides the transient-failure retry policy.
func WithRetry(cfg retry.Config) Option {
	return func(p *Pipeline) { p.retryCfg = cfg }
}

// WithJobTimeout overrides the per-run timeout.
func WithJobTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.jobTimeout = d }
}

// New creates a report pipeline over the given window engine and completion
// provider.
func New(engine *window.Engine, provider llm.Provider, opts ...Option) *Pipeline {
	p := &Pipeline{
		engine:     engine,
		provider:   provider,
		retryCfg:   defaultRetry,
		jobTimeout: DefaultJobTimeout,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.retryCfg.ShouldRetry = transient
	return p
}

// BuildReport generates the daily analytics report for the trailing 24 hours
// ending at reportTime.
//
// The returned text is always deliverable to the room: on an empty window it
// is the fixed no-activity report, and after exhausted retries it is the
// degraded fallback. A non-nil error carries the underlying cause for
// logging only — it never needs to reach the room.
func (p *Pipeline) BuildReport(ctx context.Context, roomID string, reportTime time.Time) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.jobTimeout)
	defer cancel()

	w, err := p.fetchDaily(ctx, roomID, reportTime)
	if err != nil {
		return ReportFallback, fmt.Errorf("fetch daily window: %w", err)
	}
	if w.Empty() {
		p.logger.Info("no activity in report window", "room", roomID, "end", reportTime)
		return NoActivityReport, nil
	}

	prompt := buildReportPrompt(w)
	text, err := p.complete(ctx, prompt)
	if err != nil {
		return ReportFallback, fmt.Errorf("report completion for %s: %w", roomID, err)
	}
	return reportTitle + text, nil
}

// AnswerQuestion answers an ad-hoc question against the entire retained
// history for roomID as of now.
//
// An empty window rejects fast with ErrEmptyWindow and the fixed no-history
// reply — there is nothing to answer from, so no completion call is made.
// As with BuildReport, the returned text is always deliverable.
func (p *Pipeline) AnswerQuestion(ctx context.Context, roomID, question string, now time.Time) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.jobTimeout)
	defer cancel()

	w, err := p.fetchQA(ctx, roomID, now)
	if err != nil {
		return AnswerFallback, fmt.Errorf("fetch qa window: %w", err)
	}
	if w.Empty() {
		return NoHistoryAnswer, ErrEmptyWindow
	}

	prompt := buildQuestionPrompt(w, question)
	text, err := p.complete(ctx, prompt)
	if err != nil {
		return AnswerFallback, fmt.Errorf("answer completion for %s: %w", roomID, err)
	}
	return text, nil
}

// fetchDaily retrieves the daily window, retrying transient storage errors.
func (p *Pipeline) fetchDaily(ctx context.Context, roomID string, reportTime time.Time) (*window.Window, error) {
	var w *window.Window
	err := retry.Do(ctx, p.retryCfg, func() error {
		var err error
		w, err = p.engine.DailyWindow(ctx, roomID, reportTime)
		return err
	})
	return w, err
}

// fetchQA retrieves the retained-history window, retrying transient storage
// errors.
func (p *Pipeline) fetchQA(ctx context.Context, roomID string, now time.Time) (*window.Window, error) {
	var w *window.Window
	err := retry.Do(ctx, p.retryCfg, func() error {
		var err error
		w, err = p.engine.QAWindow(ctx, roomID, now)
		return err
	})
	return w, err
}

// complete invokes the provider with bounded retries on transient failures.
func (p *Pipeline) complete(ctx context.Context, prompt string) (string, error) {
	var text string
	err := retry.Do(ctx, p.retryCfg, func() error {
		var err error
		text, err = p.provider.Complete(ctx, prompt)
		return err
	})
	return text, err
}

// transient is the shared retry predicate for storage and completion calls.
func transient(err error) bool {
	return store.IsTransient(err) || llm.IsTransient(err)
}

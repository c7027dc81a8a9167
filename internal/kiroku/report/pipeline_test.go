package report_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/bdobrica/Kiroku/common/retry"
	"github.com/bdobrica/Kiroku/internal/kiroku/llm"
	"github.com/bdobrica/Kiroku/internal/kiroku/report"
	"github.com/bdobrica/Kiroku/internal/kiroku/store"
	"github.com/bdobrica/Kiroku/internal/kiroku/window"
)

// stubProvider plays back a script of errors before succeeding, recording
// every prompt it receives.
type stubProvider struct {
	failures []error
	reply    string
	calls    int
	prompts  []string
}

func (p *stubProvider) Complete(_ context.Context, prompt string) (string, error) {
	p.calls++
	p.prompts = append(p.prompts, prompt)
	if len(p.failures) > 0 {
		err := p.failures[0]
		p.failures = p.failures[1:]
		return "", err
	}
	return p.reply, nil
}

// fastRetry keeps retry backoff out of test wall time.
var fastRetry = retry.Config{
	MaxAttempts:  3,
	InitialDelay: time.Millisecond,
	MaxDelay:     time.Millisecond,
}

func newTestEngine(t *testing.T) (*store.Store, *window.Engine) {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "kiroku-report-test-*.db")
	if err != nil {
		t.Fatalf("create temp db file: %v", err)
	}
	f.Close()

	s, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, window.NewEngine(s, window.DefaultRetentionPolicy(), 0)
}

func seed(t *testing.T, s *store.Store, room, sender, body string, at time.Time) {
	t.Helper()
	err := s.AppendMessage(context.Background(), &store.Message{
		RoomID:     room,
		SenderID:   sender,
		SenderName: strings.TrimPrefix(strings.SplitN(sender, ":", 2)[0], "@"),
		Body:       body,
		CreatedAt:  at,
	})
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
}

func TestBuildReportEmptyWindow(t *testing.T) {
	_, engine := newTestEngine(t)
	provider := &stubProvider{reply: "should not be called"}
	p := report.New(engine, provider, report.WithRetry(fastRetry))

	text, err := p.BuildReport(context.Background(), "!quiet:hs", time.Now().UTC())
	if err != nil {
		t.Fatalf("BuildReport: %v", err)
	}
	if text != report.NoActivityReport {
		t.Errorf("got %q, want the fixed no-activity report", text)
	}
	if provider.calls != 0 {
		t.Errorf("provider called %d times for an empty window", provider.calls)
	}
}

func TestAnswerQuestionEmptyWindow(t *testing.T) {
	_, engine := newTestEngine(t)
	provider := &stubProvider{reply: "should not be called"}
	p := report.New(engine, provider, report.WithRetry(fastRetry))

	text, err := p.AnswerQuestion(context.Background(), "!quiet:hs", "what happened?", time.Now().UTC())
	if !errors.Is(err, report.ErrEmptyWindow) {
		t.Fatalf("expected ErrEmptyWindow, got %v", err)
	}
	if text != report.NoHistoryAnswer {
		t.Errorf("got %q, want the fixed no-history answer", text)
	}
	if provider.calls != 0 {
		t.Errorf("provider called %d times for an empty window", provider.calls)
	}
}

func TestBuildReportSuccess(t *testing.T) {
	s, engine := newTestEngine(t)
	reportTime := time.Date(2026, 8, 21, 23, 59, 0, 0, time.UTC)
	seed(t, s, "!r:hs", "@alice:hs", "shipped the release", reportTime.Add(-2*time.Hour))
	seed(t, s, "!r:hs", "@bob:hs", "nice work", reportTime.Add(-time.Hour))

	provider := &stubProvider{reply: "Summary of the day."}
	p := report.New(engine, provider, report.WithRetry(fastRetry))

	text, err := p.BuildReport(context.Background(), "!r:hs", reportTime)
	if err != nil {
		t.Fatalf("BuildReport: %v", err)
	}
	if !strings.HasSuffix(text, "Summary of the day.") {
		t.Errorf("report does not end with the completion text: %q", text)
	}
	if !strings.Contains(text, "Daily Analytics Report") {
		t.Errorf("report missing title: %q", text)
	}
	if provider.calls != 1 {
		t.Errorf("provider called %d times, want 1", provider.calls)
	}

	prompt := provider.prompts[0]
	if !strings.Contains(prompt, "alice: shipped the release") {
		t.Errorf("prompt missing transcript line:\n%s", prompt)
	}
	if !strings.Contains(prompt, "bob") {
		t.Errorf("prompt missing participant bob:\n%s", prompt)
	}
}

func TestAnswerQuestionIncludesQuestion(t *testing.T) {
	s, engine := newTestEngine(t)
	now := time.Date(2026, 8, 21, 12, 0, 0, 0, time.UTC)
	seed(t, s, "!r:hs", "@alice:hs", "the deploy is on friday", now.Add(-time.Hour))

	provider := &stubProvider{reply: "The deploy is scheduled for Friday."}
	p := report.New(engine, provider, report.WithRetry(fastRetry))

	text, err := p.AnswerQuestion(context.Background(), "!r:hs", "when is the deploy?", now)
	if err != nil {
		t.Fatalf("AnswerQuestion: %v", err)
	}
	if text != "The deploy is scheduled for Friday." {
		t.Errorf("got %q", text)
	}
	if !strings.Contains(provider.prompts[0], "when is the deploy?") {
		t.Errorf("prompt missing the question:\n%s", provider.prompts[0])
	}
}

// TestTransientFailuresRetried drives two transient completion failures and
// verifies the third attempt succeeds.
func TestTransientFailuresRetried(t *testing.T) {
	s, engine := newTestEngine(t)
	reportTime := time.Date(2026, 8, 21, 23, 59, 0, 0, time.UTC)
	seed(t, s, "!r:hs", "@alice:hs", "hello", reportTime.Add(-time.Hour))

	provider := &stubProvider{
		failures: []error{llm.ErrRateLimit, &llm.APIError{StatusCode: 503, Message: "overloaded"}},
		reply:    "Recovered.",
	}
	p := report.New(engine, provider, report.WithRetry(fastRetry))

	text, err := p.BuildReport(context.Background(), "!r:hs", reportTime)
	if err != nil {
		t.Fatalf("BuildReport after transient failures: %v", err)
	}
	if !strings.HasSuffix(text, "Recovered.") {
		t.Errorf("got %q", text)
	}
	if provider.calls != 3 {
		t.Errorf("provider called %d times, want 3", provider.calls)
	}
}

func TestReportFallbackAfterExhaustion(t *testing.T) {
	s, engine := newTestEngine(t)
	reportTime := time.Date(2026, 8, 21, 23, 59, 0, 0, time.UTC)
	seed(t, s, "!r:hs", "@alice:hs", "hello", reportTime.Add(-time.Hour))

	provider := &stubProvider{
		failures: []error{llm.ErrRateLimit, llm.ErrRateLimit, llm.ErrRateLimit},
	}
	p := report.New(engine, provider, report.WithRetry(fastRetry))

	text, err := p.BuildReport(context.Background(), "!r:hs", reportTime)
	if err == nil {
		t.Fatal("expected an error after exhausted retries")
	}
	if !errors.Is(err, llm.ErrRateLimit) {
		t.Errorf("error does not wrap the cause: %v", err)
	}
	if text != report.ReportFallback {
		t.Errorf("got %q, want the report fallback", text)
	}
	if provider.calls != 3 {
		t.Errorf("provider called %d times, want 3", provider.calls)
	}
}

func TestFatalCompletionErrorNotRetried(t *testing.T) {
	s, engine := newTestEngine(t)
	now := time.Date(2026, 8, 21, 12, 0, 0, 0, time.UTC)
	seed(t, s, "!r:hs", "@alice:hs", "hello", now.Add(-time.Hour))

	apiErr := &llm.APIError{StatusCode: 401, Message: "invalid api key"}
	provider := &stubProvider{failures: []error{apiErr, apiErr, apiErr}}
	p := report.New(engine, provider, report.WithRetry(fastRetry))

	text, err := p.AnswerQuestion(context.Background(), "!r:hs", "anything?", now)
	if err == nil {
		t.Fatal("expected an error for a fatal completion failure")
	}
	if text != report.AnswerFallback {
		t.Errorf("got %q, want the answer fallback", text)
	}
	if provider.calls != 1 {
		t.Errorf("provider called %d times for a fatal error, want 1", provider.calls)
	}
}

// TestPromptDeterministic builds the same window twice and verifies the
// prompts are byte-identical.
func TestPromptDeterministic(t *testing.T) {
	s, engine := newTestEngine(t)
	reportTime := time.Date(2026, 8, 21, 23, 59, 0, 0, time.UTC)
	seed(t, s, "!r:hs", "@alice:hs", "first", reportTime.Add(-2*time.Hour))
	seed(t, s, "!r:hs", "@bob:hs", "second", reportTime.Add(-time.Hour))

	provider := &stubProvider{reply: "ok"}
	p := report.New(engine, provider, report.WithRetry(fastRetry))

	for i := 0; i < 2; i++ {
		if _, err := p.BuildReport(context.Background(), "!r:hs", reportTime); err != nil {
			t.Fatalf("BuildReport run %d: %v", i, err)
		}
	}
	if provider.prompts[0] != provider.prompts[1] {
		t.Error("identical windows produced different prompts")
	}
}

// Package app provides the main Kiroku application
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"maunium.net/go/mautrix/event"

	"github.com/bdobrica/Kiroku/common/retry"
	"github.com/bdobrica/Kiroku/common/trace"
	"github.com/bdobrica/Kiroku/internal/kiroku/llm"
	"github.com/bdobrica/Kiroku/internal/kiroku/matrix"
	"github.com/bdobrica/Kiroku/internal/kiroku/report"
	"github.com/bdobrica/Kiroku/internal/kiroku/schedule"
	"github.com/bdobrica/Kiroku/internal/kiroku/store"
	"github.com/bdobrica/Kiroku/internal/kiroku/window"
)

// commandPrefix is the in-room command marker.
const commandPrefix = "!kiroku"

// reportWorkers bounds how many per-room report pipelines run concurrently
// during the scheduled fan-out.
const reportWorkers = 4

// typingTimeout is how long the typing indicator stays up while a report or
// answer is being generated.
const typingTimeout = 30 * time.Second

// cleanupTimeout bounds a full cleanup run, retries included. Pruning is a
// single indexed DELETE, so a minute is generous.
const cleanupTimeout = time.Minute

const helpText = `**Kiroku** — room chronicle & analytics

- ` + "`!kiroku report`" + ` — analytics report for the last 24 hours
- ` + "`!kiroku ask <question>`" + ` — answer a question from retained history
- ` + "`!kiroku help`" + ` — this message

Messages are retained for a limited period and summarized daily.`

// Config holds application configuration
type Config struct {
	DatabasePath string
	Matrix       matrix.Config

	// Retention is the process-wide retention policy.
	Retention window.RetentionPolicy

	// ReportAt and CleanupAt are the local times of day for the two daily
	// triggers. Cleanup should land after the report in the daily cycle so
	// a day's messages are summarized before any of them age out.
	ReportAt  schedule.TimeOfDay
	CleanupAt schedule.TimeOfDay

	// MaxWindowMessages caps the number of messages per window.
	MaxWindowMessages int

	// LLM configures the completion provider. Ignored when Provider is set.
	LLM llm.Config

	// Provider is an optional pre-constructed completion provider. When
	// non-nil it is used directly; intended for tests and custom wiring.
	Provider llm.Provider

	// HTTPAddr is the TCP address for the optional health/status HTTP
	// server (e.g. ":8080"). When empty the server is disabled.
	HTTPAddr string
}

// roomSender is the outbound surface the command handlers and scheduled jobs
// need from the Matrix client.
type roomSender interface {
	SendFormattedMessage(roomID, html, plaintext string) error
	ReplyToMessage(roomID, eventID, message string) error
	SetTyping(roomID string, typing bool, timeout time.Duration) error
	DisplayName(ctx context.Context, userID string) string
}

// App is the main Kiroku application
type App struct {
	config       *Config
	store        *store.Store
	matrix       *matrix.Client
	sender       roomSender
	engine       *window.Engine
	pipeline     *report.Pipeline
	scheduler    *schedule.Scheduler
	healthServer *HealthServer
}

// New creates a new Kiroku application
func New(config *Config) (*App, error) {
	slog.Info("opening database", "path", config.DatabasePath)
	st, err := store.New(config.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// Inject the DB so the Matrix client can persist the sync token across
	// restarts.
	matrixCfg := config.Matrix
	matrixCfg.DB = st.DB()
	slog.Info("connecting to Matrix", "homeserver", matrixCfg.Homeserver)
	matrixClient, err := matrix.New(&matrixCfg)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialize Matrix client: %w", err)
	}

	provider := config.Provider
	if provider == nil {
		provider = llm.New(config.LLM)
	}

	engine := window.NewEngine(st, config.Retention, config.MaxWindowMessages)
	pipeline := report.New(engine, provider)

	app := &App{
		config:   config,
		store:    st,
		matrix:   matrixClient,
		sender:   matrixClient,
		engine:   engine,
		pipeline: pipeline,
	}

	scheduler := schedule.New()
	scheduler.Add("daily-report", config.ReportAt, app.runDailyReports)
	scheduler.Add("cleanup", config.CleanupAt, app.runCleanup)
	app.scheduler = scheduler
	slog.Info("scheduler configured",
		"report_at", config.ReportAt, "cleanup_at", config.CleanupAt,
		"retention", engine.Policy().Period)

	if config.HTTPAddr != "" {
		app.healthServer = NewHealthServer(config.HTTPAddr, st)
		slog.Info("health server configured", "addr", config.HTTPAddr)
	}

	return app, nil
}

// Run starts the Kiroku application and blocks until an interrupt signal.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if a.healthServer != nil {
		if err := a.healthServer.Start(ctx); err != nil {
			slog.Warn("health server failed to start; continuing without it", "err", err)
		}
	}

	slog.Info("starting Matrix sync")
	if err := a.matrix.Start(ctx, a.handleMessage); err != nil {
		return fmt.Errorf("failed to start Matrix client: %w", err)
	}

	// Enforce retention once at startup so a long-stopped instance does not
	// hold stale history until the next scheduled cleanup.
	a.runCleanup(ctx, time.Now())

	go a.scheduler.Run(ctx)

	slog.Info("Kiroku is running; press Ctrl+C to stop",
		"rooms", len(a.config.Matrix.Rooms))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down")
	return nil
}

// Stop stops the Kiroku application
func (a *App) Stop() {
	slog.Info("stopping Matrix client")
	a.matrix.Stop()

	if a.healthServer != nil {
		slog.Info("stopping health server")
		a.healthServer.Stop()
	}

	slog.Info("closing database")
	a.store.Close()
}

// handleMessage processes incoming Matrix messages: commands are dispatched,
// everything else is ingested into the message store.
func (a *App) handleMessage(ctx context.Context, evt *event.Event) {
	msgContent := evt.Content.AsMessage()
	if msgContent == nil {
		return
	}
	text := msgContent.Body
	roomID := evt.RoomID.String()

	if strings.HasPrefix(text, commandPrefix) {
		a.handleCommand(ctx, roomID, evt.ID.String(), text)
		return
	}

	// Skip other bots' commands; only plain conversation is retained.
	if strings.HasPrefix(text, "!") || strings.HasPrefix(text, "/") {
		return
	}

	a.ingest(ctx, evt, text)
}

// ingest appends one inbound message. Failures are logged and the message is
// dropped — ingestion availability is prioritized over completeness.
func (a *App) ingest(ctx context.Context, evt *event.Event, text string) {
	senderID := evt.Sender.String()

	nameCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	senderName := a.sender.DisplayName(nameCtx, senderID)
	cancel()

	msg := &store.Message{
		RoomID:     evt.RoomID.String(),
		SenderID:   senderID,
		SenderName: senderName,
		Body:       text,
		CreatedAt:  time.UnixMilli(evt.Timestamp),
	}

	appendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := a.store.AppendMessage(appendCtx, msg); err != nil {
		slog.Error("failed to store message; dropping",
			"room", msg.RoomID, "sender", senderID, "err", err)
		return
	}
	slog.Debug("stored message", "room", msg.RoomID, "sender", senderID, "id", msg.ID)
}

// handleCommand dispatches a !kiroku command.
func (a *App) handleCommand(ctx context.Context, roomID, eventID, text string) {
	args := strings.Fields(strings.TrimPrefix(text, commandPrefix))
	sub := ""
	if len(args) > 0 {
		sub = args[0]
	}

	switch sub {
	case "report":
		a.handleReportCommand(ctx, roomID)
	case "ask":
		// Slice the question out of the raw text after the "ask" token so
		// internal whitespace in the question survives verbatim.
		rest := strings.TrimPrefix(text, commandPrefix)
		question := strings.TrimSpace(rest[strings.Index(rest, "ask")+len("ask"):])
		if question == "" {
			a.sender.ReplyToMessage(roomID, eventID,
				"Please provide a question after `!kiroku ask`.\nExample: `!kiroku ask What were the main topics this week?`")
			return
		}
		a.handleAskCommand(ctx, roomID, eventID, question)
	case "help", "":
		a.sendMarkdown(roomID, helpText)
	default:
		a.sender.ReplyToMessage(roomID, eventID,
			fmt.Sprintf("Unknown command %q. Try `!kiroku help`.", sub))
	}
}

// handleReportCommand generates an on-demand 24-hour report for one room.
func (a *App) handleReportCommand(ctx context.Context, roomID string) {
	ctx = trace.WithTraceID(ctx, trace.GenerateID())
	a.sender.SetTyping(roomID, true, typingTimeout)
	defer a.sender.SetTyping(roomID, false, 0)

	text, err := a.pipeline.BuildReport(ctx, roomID, time.Now())
	if err != nil {
		slog.Error("on-demand report failed; sending fallback",
			"room", roomID, "trace", trace.FromContext(ctx), "err", err)
	}
	if err := a.sendMarkdown(roomID, text); err != nil {
		slog.Error("failed to send report", "room", roomID, "err", err)
	}
}

// handleAskCommand answers a question against retained history.
func (a *App) handleAskCommand(ctx context.Context, roomID, eventID, question string) {
	ctx = trace.WithTraceID(ctx, trace.GenerateID())
	a.sender.SetTyping(roomID, true, typingTimeout)
	defer a.sender.SetTyping(roomID, false, 0)

	text, err := a.pipeline.AnswerQuestion(ctx, roomID, question, time.Now())
	if err != nil && !errors.Is(err, report.ErrEmptyWindow) {
		slog.Error("question failed; sending fallback",
			"room", roomID, "trace", trace.FromContext(ctx), "err", err)
	}
	if err := a.sender.ReplyToMessage(roomID, eventID, text); err != nil {
		slog.Error("failed to send answer", "room", roomID, "err", err)
	}
}

// runDailyReports is the scheduled report job: it fans out over the tracked
// rooms with a bounded worker pool. Every run is tagged with a job ID, and
// each room's pipeline run is independent — one room's failure never cancels
// the others.
func (a *App) runDailyReports(ctx context.Context, fireTime time.Time) {
	jobID := uuid.New().String()
	logger := slog.With("job", "daily-report", "run_id", jobID)
	logger.Info("daily report run starting", "rooms", len(a.config.Matrix.Rooms))

	// Rooms with at least one message in the report window get the full
	// pipeline; the rest get the fixed no-activity notice without burning a
	// completion call.
	activeSet := make(map[string]bool)
	active, err := a.store.ActiveRooms(ctx, fireTime.Add(-24*time.Hour), fireTime)
	if err != nil {
		logger.Warn("could not list active rooms; treating all tracked rooms as active", "err", err)
		for _, roomID := range a.config.Matrix.Rooms {
			activeSet[roomID] = true
		}
	} else {
		for _, roomID := range active {
			activeSet[roomID] = true
		}
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, reportWorkers)
	for _, roomID := range a.config.Matrix.Rooms {
		if !activeSet[roomID] {
			if err := a.sendMarkdown(roomID, report.NoActivityReport); err != nil {
				logger.Warn("failed to deliver no-activity report", "room", roomID, "err", err)
			}
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(roomID string) {
			defer wg.Done()
			defer func() { <-sem }()

			text, err := a.pipeline.BuildReport(ctx, roomID, fireTime)
			if err != nil {
				logger.Error("report generation degraded", "room", roomID, "err", err)
			}
			if err := a.sendMarkdown(roomID, text); err != nil {
				logger.Error("failed to deliver report", "room", roomID, "err", err)
				return
			}
			logger.Info("report delivered", "room", roomID)
		}(roomID)
	}
	wg.Wait()
	logger.Info("daily report run finished")
}

// runCleanup is the scheduled retention job. The deletion cutoff is computed
// once from the fire time, so messages arriving mid-run are never eligible.
func (a *App) runCleanup(ctx context.Context, fireTime time.Time) {
	ctx, cancel := context.WithTimeout(ctx, cleanupTimeout)
	defer cancel()

	jobID := uuid.New().String()
	cutoff := a.engine.Policy().Cutoff(fireTime)

	var deleted int64
	err := retry.Do(ctx, retry.Config{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		ShouldRetry:  store.IsTransient,
	}, func() error {
		var err error
		deleted, err = a.store.PruneMessages(ctx, cutoff)
		return err
	})
	if err != nil {
		slog.Error("cleanup failed", "job", "cleanup", "run_id", jobID, "err", err)
		return
	}
	slog.Info("cleanup completed", "job", "cleanup", "run_id", jobID,
		"deleted", deleted, "cutoff", cutoff)
}

// sendMarkdown renders md for Matrix clients that support HTML messages,
// with the raw Markdown as the plaintext fallback.
func (a *App) sendMarkdown(roomID, md string) error {
	return a.sender.SendFormattedMessage(roomID, markdownToHTML(md), md)
}

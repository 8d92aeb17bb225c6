// Package engine is the periodic triage driver: it fetches new mail,
// routes each message through the classification ladder, persists
// suggestions, tracks API degradation, and sweeps the backlog after
// recovery.
package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"outlook-organiser/internal/classifier"
	"outlook-organiser/internal/config"
	"outlook-organiser/internal/database"
	"outlook-organiser/internal/graph"
	"outlook-organiser/internal/llm"
	"outlook-organiser/internal/mail"
	"outlook-organiser/internal/snippet"
	"outlook-organiser/internal/triage"
)

// CycleStats summarises one triage cycle.
type CycleStats struct {
	CycleID         string        `json:"cycle_id"`
	StartedAt       time.Time     `json:"started_at"`
	Duration        time.Duration `json:"duration"`
	Fetched         int           `json:"fetched"`
	Processed       int           `json:"processed"`
	Skipped         int           `json:"skipped"`
	AutoRules       int           `json:"auto_rules"`
	Classified      int           `json:"classified"`
	PendingDegraded int           `json:"pending_degraded"`
	Failed          int           `json:"failed"`
	Errors          int           `json:"errors"`
	Backlog         int           `json:"backlog"`
	FolderFailures  int           `json:"folder_failures"`
	Cancelled       bool          `json:"cancelled,omitempty"`
}

// CycleInfo is the status view of the most recent cycle, derived from
// agent state.
type CycleInfo struct {
	LastCycleAt time.Time `json:"last_cycle_at"`
	LastCycleID string    `json:"last_cycle_id"`
}

// Engine drives triage cycles. At most one cycle runs at a time; timer
// fires and manual triggers that arrive mid-cycle collapse into at most
// one pending cycle.
type Engine struct {
	db          *database.DB
	graph       graph.Client
	llmRec      *recordingLLM
	classifier  *classifier.Classifier
	learner     *classifier.Learner
	assembler   *triage.Assembler
	cleaner     *snippet.Cleaner
	sent        *mail.SentCache
	fetcher     *mail.Fetcher
	degradation *DegradationState
	logger      *slog.Logger

	mu  sync.RWMutex
	cfg *config.Config

	// recoveryBudget allows one LLM call per cycle while degraded by
	// Claude, so a restored API clears degradation and unlocks the
	// backlog sweep. Touched only from within a cycle; cycles never
	// overlap.
	recoveryBudget int

	trigger chan struct{}
}

// spendRecoveryCall consumes the cycle's single recovery call. Reports
// false once it has been used.
func (e *Engine) spendRecoveryCall() bool {
	if e.recoveryBudget == 0 {
		return false
	}
	e.recoveryBudget--
	return true
}

// New creates an engine over its collaborators.
func New(db *database.DB, graphClient graph.Client, llmClient llm.Client, cfg *config.Config, logger *slog.Logger) *Engine {
	e := &Engine{
		db:          db,
		graph:       graphClient,
		degradation: NewDegradationState(),
		logger:      logger,
		trigger:     make(chan struct{}, 1),
	}
	e.llmRec = newRecordingLLM(llmClient, db.Audit, cfg.LLMLogging, logger)
	e.sent = mail.NewSentCache(graphClient, logger, 2*cfg.LookbackWindow())
	e.assembler = triage.NewAssembler(db, graphClient, e.sent, logger.With("component", "assembler"))
	e.applyConfig(cfg)
	return e
}

// UpdateConfig swaps in a new validated configuration snapshot. The next
// cycle picks it up; the current cycle keeps its own snapshot.
func (e *Engine) UpdateConfig(cfg *config.Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.applyConfigLocked(cfg)
	e.logger.Info("engine configuration updated")
}

func (e *Engine) applyConfig(cfg *config.Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.applyConfigLocked(cfg)
}

func (e *Engine) applyConfigLocked(cfg *config.Config) {
	e.cfg = cfg
	e.sent.SetWindow(2 * cfg.LookbackWindow())
	e.cleaner = snippet.NewCleaner(cfg.Snippet.MaxLength)
	e.fetcher = mail.NewFetcher(e.graph, e.db.State, e.logger.With("component", "fetcher"), cfg.LookbackWindow(), 500)
	e.classifier = classifier.New(e.llmRec, cfg.Models.Triage, e.logger.With("component", "classifier"))
	e.learner = classifier.NewLearner(e.db, e.llmRec, cfg.Models.Triage, cfg.Learning, e.logger.With("component", "learner"))
	e.db.Emails.SetSnippetLimit(cfg.Snippet.MaxLength)
	e.llmRec.setConfig(cfg.LLMLogging)
}

func (e *Engine) currentConfig() *config.Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Degradation exposes the degradation tracker to the status surface.
func (e *Engine) Degradation() *DegradationState {
	return e.degradation
}

// LastCycle returns the status view of the most recent completed cycle.
func (e *Engine) LastCycle() (*CycleInfo, error) {
	info := &CycleInfo{}
	if raw, ok, err := e.db.State.Get(database.StateKeyLastTriageCycle); err != nil {
		return nil, err
	} else if ok {
		info.LastCycleAt, _ = time.Parse(time.RFC3339, raw)
	}
	if id, ok, err := e.db.State.Get(database.StateKeyLastTriageCycleID); err != nil {
		return nil, err
	} else if ok {
		info.LastCycleID = id
	}
	return info, nil
}

// TriggerCycle requests an extra cycle. At most one request is held; a
// trigger during a running cycle runs once afterwards, never in parallel.
func (e *Engine) TriggerCycle() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Run executes cycles until the context is cancelled. One cycle runs
// immediately, then on every interval tick or manual trigger.
func (e *Engine) Run(ctx context.Context) {
	interval := e.currentConfig().Interval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("triage engine started", "interval", interval)
	e.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("triage engine stopped")
			return
		case <-ticker.C:
		case <-e.trigger:
		}
		if ctx.Err() != nil {
			return
		}
		e.RunCycle(ctx)
	}
}

// RunCycle executes one full triage cycle and returns its counters.
func (e *Engine) RunCycle(ctx context.Context) *CycleStats {
	cfg := e.currentConfig()
	cycleID := uuid.NewString()
	stats := &CycleStats{CycleID: cycleID, StartedAt: time.Now()}
	logger := e.logger.With("cycle_id", cycleID)
	e.recoveryBudget = 1

	prefs, _, err := e.db.State.Get(database.StateKeyPreferences)
	if err != nil {
		logger.Warn("preference load failed, classifying without preferences", "error", err)
	}
	prompts := classifier.NewPromptBuilder(cfg, prefs)
	systemPrompt := prompts.SystemPrompt()
	e.llmRec.setCycle(cycleID, "classify")

	if err := e.sent.Refresh(ctx); err != nil {
		logger.Warn("sent cache refresh failed", "error", err)
	}

	fetch, err := e.fetcher.FetchCycle(ctx, cfg.Triage.WatchFolders)
	if err != nil {
		stats.Cancelled = true
		return stats
	}
	stats.Fetched = len(fetch.Messages)
	stats.FolderFailures = fetch.FolderFailures
	for i := 0; i < fetch.FolderFailures; i++ {
		if e.degradation.RecordGraphFailure() {
			logger.Warn("entering degraded mode", "reason", e.degradation.Snapshot().Reason)
		}
	}
	if fetch.FolderFailures == 0 {
		e.degradation.RecordGraphSuccess()
	}

	// Same-conversation messages must be classified oldest first so the
	// inheritance gate sees earlier suggestions; delta pages and multiple
	// folders give no ordering on their own.
	sort.SliceStable(fetch.Messages, func(i, j int) bool {
		return fetch.Messages[i].ReceivedAt.Before(fetch.Messages[j].ReceivedAt)
	})

	var newest time.Time
	for i, fm := range fetch.Messages {
		if ctx.Err() != nil {
			stats.Cancelled = true
			break
		}
		// Messages past the batch budget are saved as pending and
		// finished by a later backlog sweep.
		llmAllowed := i < cfg.Triage.BatchSize
		switch e.processMessage(ctx, cycleID, fm, cfg, prompts, systemPrompt, llmAllowed) {
		case outcomeSkipped:
			stats.Skipped++
		case outcomeAutoRule:
			stats.AutoRules++
			stats.Processed++
		case outcomeClassified:
			stats.Classified++
			stats.Processed++
		case outcomePendingDegraded:
			stats.PendingDegraded++
			stats.Processed++
		case outcomeFailed:
			stats.Failed++
			stats.Processed++
		case outcomeError:
			stats.Errors++
		}
		if fm.ReceivedAt.After(newest) {
			newest = fm.ReceivedAt
		}
	}

	e.updateCycleState(cycleID, newest, logger)
	e.runMaintenance(cfg, logger)

	// The sweep runs after a healthy cycle that proved the LLM works, or
	// as the recovery path when degradation suspended it and no new
	// message spent the recovery call already.
	sweep := !e.degradation.IsDegraded() && stats.Classified > 0
	if e.degradation.DegradedByClaude() && e.recoveryBudget > 0 {
		sweep = true
	}
	if sweep {
		e.llmRec.setCycle(cycleID, "backlog")
		stats.Backlog = e.processBacklog(ctx, cycleID, cfg, prompts, systemPrompt)
	}

	e.llmRec.setCycle(cycleID, "learn")
	if _, err := e.learner.MaybeLearn(ctx); err != nil {
		logger.Warn("preference learning pass failed", "error", err)
	}

	stats.Duration = time.Since(stats.StartedAt)
	logger.Info("triage cycle complete",
		"duration", stats.Duration,
		"fetched", stats.Fetched,
		"processed", stats.Processed,
		"skipped", stats.Skipped,
		"auto_rules", stats.AutoRules,
		"classified", stats.Classified,
		"pending_degraded", stats.PendingDegraded,
		"failed", stats.Failed,
		"errors", stats.Errors,
		"backlog", stats.Backlog,
		"folder_failures", stats.FolderFailures,
		"degraded", e.degradation.IsDegraded())
	return stats
}

func (e *Engine) updateCycleState(cycleID string, newest time.Time, logger *slog.Logger) {
	if !newest.IsZero() {
		if err := e.db.State.Set(database.StateKeyLastProcessedTimestamp, newest.UTC().Format(time.RFC3339)); err != nil {
			logger.Warn("state update failed", "key", database.StateKeyLastProcessedTimestamp, "error", err)
		}
	}
	if err := e.db.State.Set(database.StateKeyLastTriageCycle, time.Now().UTC().Format(time.RFC3339)); err != nil {
		logger.Warn("state update failed", "key", database.StateKeyLastTriageCycle, "error", err)
	}
	if err := e.db.State.Set(database.StateKeyLastTriageCycleID, cycleID); err != nil {
		logger.Warn("state update failed", "key", database.StateKeyLastTriageCycleID, "error", err)
	}
}

// runMaintenance expires stale suggestions and prunes old LLM logs.
// Failures are logged and never abort the cycle.
func (e *Engine) runMaintenance(cfg *config.Config, logger *slog.Logger) {
	expired, err := e.db.Suggestions.ExpireOld(cfg.SuggestionQueue.ExpireAfterDays)
	if err != nil {
		logger.Warn("suggestion expiry failed", "error", err)
	} else if expired > 0 {
		logger.Info("expired stale suggestions", "count", expired)
	}

	if cfg.LLMLogging.Enabled {
		pruned, err := e.db.Audit.PruneLLMLogs(cfg.LLMLogging.RetentionDays)
		if err != nil {
			logger.Warn("llm log pruning failed", "error", err)
		} else if pruned > 0 {
			logger.Info("pruned llm logs", "count", pruned)
		}
	}
}

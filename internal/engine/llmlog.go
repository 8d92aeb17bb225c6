package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"outlook-organiser/internal/config"
	"outlook-organiser/internal/database"
	"outlook-organiser/internal/llm"
)

// recordingLLM decorates the LLM capability with llm_log audit rows tagged
// with the current cycle id. Recording failures never fail the call.
type recordingLLM struct {
	inner  llm.Client
	audit  *database.AuditStore
	logger *slog.Logger

	mu      sync.RWMutex
	cfg     config.LLMLoggingConfig
	cycleID string
	purpose string
}

func newRecordingLLM(inner llm.Client, audit *database.AuditStore, cfg config.LLMLoggingConfig, logger *slog.Logger) *recordingLLM {
	return &recordingLLM{inner: inner, audit: audit, cfg: cfg, logger: logger}
}

// setCycle tags subsequent calls with a cycle id and purpose.
func (r *recordingLLM) setCycle(cycleID, purpose string) {
	r.mu.Lock()
	r.cycleID = cycleID
	r.purpose = purpose
	r.mu.Unlock()
}

func (r *recordingLLM) setConfig(cfg config.LLMLoggingConfig) {
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

func (r *recordingLLM) CallTool(ctx context.Context, req *llm.Request) (*llm.ToolCall, error) {
	start := time.Now()
	call, err := r.inner.CallTool(ctx, req)

	r.mu.RLock()
	cfg, cycleID, purpose := r.cfg, r.cycleID, r.purpose
	r.mu.RUnlock()

	if !cfg.Enabled {
		return call, err
	}

	entry := &database.LLMLogEntry{
		CycleID:    cycleID,
		Purpose:    purpose,
		Model:      req.Model,
		DurationMs: time.Since(start).Milliseconds(),
		Success:    err == nil,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if cfg.LogPrompts && len(req.Messages) > 0 {
		entry.Prompt = req.Messages[len(req.Messages)-1].Content
	}
	if cfg.LogResponses && call != nil {
		entry.Response = string(call.Input)
	}

	if logErr := r.audit.LogLLMRequest(entry); logErr != nil {
		r.logger.Warn("llm log write failed", "error", logErr)
	}
	return call, err
}

// Package ingest turns the stream-json output of one agent run into log events and statistics.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/common/logger"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/run/models"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/pkg/claudecode"
)

// DefaultFlushInterval bounds how often statistics reach storage.
const DefaultFlushInterval = 500 * time.Millisecond

// Store is the part of the run repository the Ingestor writes to.
type Store interface {
	AppendLogEvent(ctx context.Context, event *models.LogEvent) error
	UpdateToolEventStatus(ctx context.Context, runID, toolUseID string, status models.EventStatus) error
	SaveRunProgress(ctx context.Context, id string, status models.RunStatus, reason models.StopReason, stats models.Stats) (models.RunStatus, error)
}

// Options configures an Ingestor.
type Options struct {
	Policy        CompletionPolicy
	FlushInterval time.Duration
	// OnEvent is called after every persisted event, in order.
	OnEvent func(ev *models.LogEvent)
	Now     func() time.Time
}

// Ingestor is the per-run parser. All methods are safe for concurrent use;
// lines are expected from a single reader and are applied in call order.
type Ingestor struct {
	run    *models.Run
	store  Store
	logger *logger.Logger
	policy CompletionPolicy
	every  time.Duration
	now    func() time.Time
	notify func(ev *models.LogEvent)

	mu         sync.Mutex
	seq        int
	stats      models.Stats
	status     models.RunStatus
	reason     models.StopReason
	lastBlock  BlockKind
	toolNames  map[string]string // tool_use_id -> tool name
	usage      map[string]claudecode.Usage
	started    time.Time
	resultSeen bool
	finalized  bool
	dirty      bool
	timer      *time.Timer
}

// New creates the Ingestor of run.
func New(run *models.Run, store Store, log *logger.Logger, opts Options) *Ingestor {
	if opts.Policy == nil {
		opts.Policy = DefaultPolicy()
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Ingestor{
		run:       run,
		store:     store,
		logger:    log.ForRun(run.TaskID, run.ModelID, run.ID),
		policy:    opts.Policy,
		every:     opts.FlushInterval,
		now:       opts.Now,
		notify:    opts.OnEvent,
		stats:     models.Stats{ToolCounts: map[string]int{}},
		status:    models.RunStatusRunning,
		toolNames: make(map[string]string),
		usage:     make(map[string]claudecode.Usage),
		started:   opts.Now(),
	}
}

// ProcessLine consumes one line of agent output. Parse failures are logged and skipped.
func (i *Ingestor) ProcessLine(ctx context.Context, line string) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("panic while ingesting line", zap.Any("panic", r))
		}
	}()

	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.finalized {
		return
	}

	for _, segment := range splitSegments(line) {
		var msg claudecode.CLIMessage
		if err := json.Unmarshal([]byte(segment), &msg); err != nil {
			i.logger.Debug("skipping malformed segment", zap.Error(err))
			continue
		}
		i.handle(ctx, &msg, segment)
		if i.finalized {
			return
		}
	}
	i.stats.DurationMS = max(i.stats.DurationMS, i.now().Sub(i.started).Milliseconds())
	i.dirty = true
	i.scheduleFlushLocked()
}

func (i *Ingestor) handle(ctx context.Context, msg *claudecode.CLIMessage, raw string) {
	if errText := msg.ErrorMessage(); errText != "" || msg.Type == claudecode.MessageTypeError {
		if errText == "" {
			errText = "agent reported an error"
		}
		i.appendLocked(ctx, &models.LogEvent{
			Type:    models.EventTypeError,
			Preview: truncate(errText),
			Status:  models.EventStatusError,
			Raw:     raw,
		})
		if msg.Type != claudecode.MessageTypeResult {
			return
		}
	}

	switch msg.Type {
	case claudecode.MessageTypeSystem:
		i.appendLocked(ctx, &models.LogEvent{
			Type:    models.EventTypeSystem,
			Preview: truncate(strings.TrimSpace(msg.Subtype + " " + msg.Model)),
			Status:  models.EventStatusNeutral,
			Hidden:  true,
			Raw:     raw,
		})
	case claudecode.MessageTypeAssistant:
		i.handleAssistant(ctx, msg)
	case claudecode.MessageTypeUser:
		i.handleUser(ctx, msg)
	case claudecode.MessageTypeResult:
		i.handleResult(ctx, msg, raw)
	default:
		i.logger.Debug("ignoring message", zap.String("type", msg.Type))
	}
}

func (i *Ingestor) handleAssistant(ctx context.Context, msg *claudecode.CLIMessage) {
	if msg.Message == nil {
		return
	}
	i.trackUsage(msg.Message)

	for _, block := range msg.Message.GetContentBlocks() {
		switch block.Type {
		case claudecode.BlockText:
			text := strings.TrimSpace(block.Text)
			if text == "" || text == noContent {
				i.lastBlock = BlockEmpty
				continue
			}
			i.lastBlock = BlockText
			i.appendLocked(ctx, &models.LogEvent{
				Type:    models.EventTypeText,
				Preview: truncate(text),
				Status:  models.EventStatusNeutral,
				Raw:     string(block.Raw),
			})
		case claudecode.BlockThinking:
			if strings.TrimSpace(block.Thinking) == "" {
				continue
			}
			i.appendLocked(ctx, &models.LogEvent{
				Type:    models.EventTypeThinking,
				Preview: truncate(block.Thinking),
				Status:  models.EventStatusNeutral,
				Raw:     string(block.Raw),
			})
		case claudecode.BlockToolUse:
			i.lastBlock = BlockToolUse
			i.toolNames[block.ID] = block.Name
			i.stats.ToolCounts[block.Name]++
			i.appendLocked(ctx, &models.LogEvent{
				Type:      models.EventTypeToolUse,
				ToolName:  block.Name,
				ToolUseID: block.ID,
				Preview:   toolPreview(block.Name, block.Input),
				Status:    models.EventStatusNeutral,
				Raw:       string(block.Raw),
			})
		}
	}
}

// trackUsage counts one turn per assistant message id. The runtime repeats a
// message once per content block, so usage is keyed by id, not summed per line.
func (i *Ingestor) trackUsage(m *claudecode.Message) {
	id := m.ID
	if id == "" {
		id = fmt.Sprintf("anon-%d", len(i.usage))
	}
	if _, seen := i.usage[id]; !seen {
		i.stats.Turns++
	}
	if m.Usage != nil {
		i.usage[id] = *m.Usage
	} else if _, seen := i.usage[id]; !seen {
		i.usage[id] = claudecode.Usage{}
	}

	var total claudecode.Usage
	for _, u := range i.usage {
		total.InputTokens += u.InputTokens
		total.OutputTokens += u.OutputTokens
		total.CacheReadInputTokens += u.CacheReadInputTokens
		total.CacheCreationInputTokens += u.CacheCreationInputTokens
	}
	i.applyUsage(total)
}

func (i *Ingestor) applyUsage(u claudecode.Usage) {
	i.stats.InputTokens = max(i.stats.InputTokens, u.InputTokens)
	i.stats.OutputTokens = max(i.stats.OutputTokens, u.OutputTokens)
	i.stats.CacheReadTokens = max(i.stats.CacheReadTokens, u.CacheReadInputTokens)
	i.stats.CacheCreationTokens = max(i.stats.CacheCreationTokens, u.CacheCreationInputTokens)
}

func (i *Ingestor) handleUser(ctx context.Context, msg *claudecode.CLIMessage) {
	if msg.Message == nil {
		return
	}
	for _, block := range msg.Message.GetContentBlocks() {
		if block.Type != claudecode.BlockToolResult || block.ToolUseID == "" {
			continue
		}
		text := block.ResultText()
		name := i.toolNames[block.ToolUseID]
		status := classifyToolResult(name, block.IsError, text)

		// hidden linkage record, then the in-place update of the invocation
		i.appendLocked(ctx, &models.LogEvent{
			Type:      models.EventTypeToolResult,
			ToolName:  name,
			ToolUseID: block.ToolUseID,
			Preview:   truncate(text),
			Status:    status,
			Hidden:    true,
			Raw:       string(block.Raw),
		})
		if err := i.store.UpdateToolEventStatus(ctx, i.run.ID, block.ToolUseID, status); err != nil {
			i.logger.Warn("failed to update tool event status",
				zap.String("tool_use_id", block.ToolUseID), zap.Error(err))
		}
	}
}

func (i *Ingestor) handleResult(ctx context.Context, msg *claudecode.CLIMessage, raw string) {
	i.resultSeen = true
	if msg.NumTurns > 0 {
		i.stats.Turns = max(i.stats.Turns, msg.NumTurns)
	}
	if msg.DurationMS > 0 {
		i.stats.DurationMS = max(i.stats.DurationMS, msg.DurationMS)
	}
	if msg.Usage != nil {
		i.applyUsage(*msg.Usage)
	}
	i.stats.CostUSD = max(i.stats.CostUSD, msg.Cost())

	i.status, i.reason = i.policy.Decide(Completion{
		HadResult: true,
		IsError:   msg.IsError,
		LastBlock: i.lastBlock,
	})

	preview := msg.GetResultString()
	if data := msg.GetResultData(); data != nil {
		preview = data.Text
	}
	status := models.EventStatusSuccess
	if i.status != models.RunStatusCompleted {
		status = models.EventStatusError
	}
	i.appendLocked(ctx, &models.LogEvent{
		Type:    models.EventTypeResult,
		Preview: truncate(preview),
		Status:  status,
		Raw:     raw,
	})

	i.logger.Info("session reported result",
		zap.String("status", string(i.status)),
		zap.String("stop_reason", string(i.reason)),
		zap.String("last_block", i.lastBlock.String()))

	i.finalized = true
	i.flushLocked(ctx)
}

// RecordError appends an error event, e.g. for a spawn failure.
func (i *Ingestor) RecordError(ctx context.Context, message string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.appendLocked(ctx, &models.LogEvent{
		Type:    models.EventTypeError,
		Preview: truncate(message),
		Status:  models.EventStatusError,
	})
}

// Finish is called once the process has exited. A session that never reported
// a result ends stopped; a nonzero exit carries no stop reason. It returns the
// persisted status.
func (i *Ingestor) Finish(ctx context.Context, exitCode int) models.RunStatus {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.finalized {
		if exitCode != 0 {
			i.status, i.reason = models.RunStatusStopped, models.StopReasonNone
		} else {
			i.status, i.reason = i.policy.Decide(Completion{HadResult: false, LastBlock: i.lastBlock})
		}
		i.finalized = true
		i.logger.Info("agent exited without result",
			zap.Int("exit_code", exitCode),
			zap.String("status", string(i.status)))
	}
	i.stats.DurationMS = max(i.stats.DurationMS, i.now().Sub(i.started).Milliseconds())
	return i.flushLocked(ctx)
}

// Abort force-finalizes the run as stopped with reason, flushing pending statistics.
// Later lines and Finish keep the stopped status.
func (i *Ingestor) Abort(ctx context.Context, reason models.StopReason) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.finalized && i.status == models.RunStatusStopped {
		return
	}
	i.status, i.reason = models.RunStatusStopped, reason
	i.finalized = true
	i.flushLocked(ctx)
}

// Stats returns a copy of the current statistics.
func (i *Ingestor) Stats() models.Stats {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.stats.Clone()
}

// Status returns the locally computed status and reason.
func (i *Ingestor) Status() (models.RunStatus, models.StopReason) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status, i.reason
}

// ResultSeen reports whether the session reported a result.
func (i *Ingestor) ResultSeen() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.resultSeen
}

func (i *Ingestor) appendLocked(ctx context.Context, ev *models.LogEvent) {
	i.seq++
	ev.RunID = i.run.ID
	ev.Seq = i.seq
	ev.CreatedAt = i.now().UTC()
	if err := i.store.AppendLogEvent(ctx, ev); err != nil {
		i.logger.Warn("failed to persist log event", zap.Int("seq", ev.Seq), zap.Error(err))
		return
	}
	if i.notify != nil {
		i.notify(ev)
	}
}

// scheduleFlushLocked coalesces writes: at most one flush per interval.
func (i *Ingestor) scheduleFlushLocked() {
	if i.timer != nil {
		return
	}
	i.timer = time.AfterFunc(i.every, func() {
		i.mu.Lock()
		defer i.mu.Unlock()
		i.timer = nil
		if i.dirty && !i.finalized {
			i.flushLocked(context.Background())
		}
	})
}

// flushLocked writes stats and status. The repository keeps a stopped status
// set elsewhere, and the effective status is adopted locally.
func (i *Ingestor) flushLocked(ctx context.Context) models.RunStatus {
	if i.finalized && i.timer != nil {
		i.timer.Stop()
		i.timer = nil
	}
	effective, err := i.store.SaveRunProgress(ctx, i.run.ID, i.status, i.reason, i.stats.Clone())
	if err != nil {
		i.logger.Warn("failed to flush run progress", zap.Error(err))
		return i.status
	}
	i.dirty = false
	if effective != i.status {
		i.logger.Debug("run was stopped externally, keeping stopped status")
		i.status = effective
	}
	return effective
}

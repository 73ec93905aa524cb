package ingest

import (
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/run/models"
)

// BlockKind is the kind of the last non-thinking content block the model emitted.
type BlockKind int

const (
	BlockNone BlockKind = iota
	BlockText
	BlockToolUse
	BlockEmpty // empty text or the "(no content)" sentinel
)

func (k BlockKind) String() string {
	switch k {
	case BlockText:
		return "text"
	case BlockToolUse:
		return "tool_use"
	case BlockEmpty:
		return "empty"
	default:
		return "none"
	}
}

// Completion describes how a session ended.
type Completion struct {
	HadResult bool
	IsError   bool
	LastBlock BlockKind
}

// CompletionPolicy decides the terminal status of a session that reported a result.
type CompletionPolicy interface {
	Decide(c Completion) (models.RunStatus, models.StopReason)
}

// PolicyFunc adapts a function to CompletionPolicy.
type PolicyFunc func(c Completion) (models.RunStatus, models.StopReason)

// Decide implements CompletionPolicy.
func (f PolicyFunc) Decide(c Completion) (models.RunStatus, models.StopReason) {
	return f(c)
}

// TrailingTextPolicy treats a session that did not end with a text reply as
// abnormal: the runtime stopped mid tool call instead of finishing its turn.
type TrailingTextPolicy struct {
	RequireTrailingText bool
}

// Decide implements CompletionPolicy.
func (p TrailingTextPolicy) Decide(c Completion) (models.RunStatus, models.StopReason) {
	if c.IsError {
		return models.RunStatusStopped, models.StopReasonIsError
	}
	if !c.HadResult {
		return models.RunStatusStopped, models.StopReasonAbnormalCompletion
	}
	if p.RequireTrailingText && c.LastBlock != BlockText {
		return models.RunStatusStopped, models.StopReasonAbnormalCompletion
	}
	return models.RunStatusCompleted, models.StopReasonNone
}

// DefaultPolicy requires a trailing text block.
func DefaultPolicy() CompletionPolicy {
	return TrailingTextPolicy{RequireTrailingText: true}
}

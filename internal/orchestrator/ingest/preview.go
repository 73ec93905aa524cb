package ingest

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/run/models"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/pkg/claudecode"
)

const (
	maxPreviewRunes = 200
	noContent       = "(no content)"
)

// Idempotent tools whose results are always a success, whatever their text says.
var forcedSuccessTools = map[string]bool{
	claudecode.ToolRead:         true,
	claudecode.ToolGlob:         true,
	claudecode.ToolGrep:         true,
	claudecode.ToolLS:           true,
	claudecode.ToolTodoWrite:    true,
	claudecode.ToolWebSearch:    true,
	claudecode.ToolWebFetch:     true,
	claudecode.ToolNotebookRead: true,
}

var successMarkers = []string{"successfully", "has been updated"}

// classifyToolResult maps a tool result to the status of its invocation.
func classifyToolResult(toolName string, isError *bool, text string) models.EventStatus {
	if forcedSuccessTools[toolName] {
		return models.EventStatusSuccess
	}
	if isError != nil {
		if *isError {
			return models.EventStatusError
		}
		return models.EventStatusSuccess
	}
	lower := strings.ToLower(text)
	for _, marker := range successMarkers {
		if strings.Contains(lower, marker) {
			return models.EventStatusSuccess
		}
	}
	return models.EventStatusNeutral
}

// toolPreview builds the one-line summary shown for a tool invocation.
func toolPreview(name string, input json.RawMessage) string {
	var args map[string]any
	_ = json.Unmarshal(input, &args)
	str := func(key string) string {
		s, _ := args[key].(string)
		return s
	}

	switch name {
	case claudecode.ToolBash:
		if cmd := str("command"); cmd != "" {
			return truncate(cmd)
		}
	case claudecode.ToolRead, claudecode.ToolWrite, claudecode.ToolEdit, claudecode.ToolMultiEdit:
		if p := str("file_path"); p != "" {
			return filepath.Base(p)
		}
	case claudecode.ToolNotebookEdit, claudecode.ToolNotebookRead:
		if p := str("notebook_path"); p != "" {
			return filepath.Base(p)
		}
	case claudecode.ToolLS:
		if p := str("path"); p != "" {
			return filepath.Base(p)
		}
	case claudecode.ToolGlob, claudecode.ToolGrep:
		if p := str("pattern"); p != "" {
			return truncate(p)
		}
	case claudecode.ToolTodoWrite:
		if todos, ok := args["todos"].([]any); ok {
			done := 0
			for _, t := range todos {
				if m, ok := t.(map[string]any); ok && m["status"] == "completed" {
					done++
				}
			}
			return fmt.Sprintf("%d/%d completed", done, len(todos))
		}
	case claudecode.ToolAskUserQuestion:
		if qs, ok := args["questions"].([]any); ok && len(qs) > 0 {
			if q, ok := qs[0].(map[string]any); ok {
				if text, ok := q["question"].(string); ok {
					return truncate(text)
				}
			}
		}
		if q := str("question"); q != "" {
			return truncate(q)
		}
	}
	return truncate(strings.TrimSpace(string(input)))
}

// truncate cuts s to maxPreviewRunes runes on a single line.
func truncate(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= maxPreviewRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxPreviewRunes-1]) + "…"
}

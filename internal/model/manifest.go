package model

import "time"

// TurnStatus is the manifest's lifecycle field.
type TurnStatus string

const (
	TurnInProgress TurnStatus = "in_progress"
	TurnCompleted  TurnStatus = "completed"
	TurnError      TurnStatus = "error"
)

// Manifest records everything a turn directory produced and referenced.
// It is persisted after every mutation (see internal/turn).
type Manifest struct {
	TurnID        string            `json:"turn_id"`
	SessionID     string            `json:"session_id"`
	TraceID       string            `json:"trace_id"`
	Mode          string            `json:"mode"` // chat | code
	DocsCreated   []string          `json:"docs_created"`
	DocsReferenced []string         `json:"docs_referenced"`
	TokensByPhase map[string]TokenUsage `json:"tokens_by_phase"`
	CacheHits     int               `json:"cache_hits"`
	Status        TurnStatus        `json:"status"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	ArchivedAt    *time.Time        `json:"archived_at,omitempty"`
}

// TokenUsage is a prompt/completion pair recorded per phase.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

const (
	ModeChat = "chat"
	ModeCode = "code"
)

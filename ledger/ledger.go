// Package ledger defines the budget ledger contract: it grants a session and
// remaining-budget figure before a turn starts (preflight) and durably
// commits token usage and transcript once a turn ends (record) or is
// abandoned (abort). The ledger owns all persistence of usage; the
// orchestrator never mutates budget state directly.
//
// Reservation settlement is linearizable: a given reservation id is settled
// exactly once, by either Record or Abort, never both.
package ledger

import (
	"context"
	"time"

	"github.com/rlcoach/coachd/core"
)

// Budget constants mirroring the production billing policy.
const (
	// MonthlyTokenBudget is the per-user monthly allowance.
	MonthlyTokenBudget = 150_000
	// FreePreviewBudget is the allowance for non-billed preview users.
	FreePreviewBudget = 10_000
	// WarningThreshold is the usage fraction at which clients are warned.
	WarningThreshold = 0.80
	// ReservationTTL bounds how long an in-flight reservation may stay open
	// before an expiry sweep releases it.
	ReservationTTL = 5 * time.Minute
)

// PreflightRequest asks the ledger to admit a new turn. UserID is the
// authenticated caller; SessionID continues an existing conversation when
// set; ScopeID optionally scopes the conversation to a domain object.
type PreflightRequest struct {
	UserID    string
	Message   string
	SessionID string
	ScopeID   string
}

// Grant is a successful preflight: a session, a budget hold and the context
// needed to run the turn. The reservation must be consumed by exactly one
// terminal call.
type Grant struct {
	SessionID       string
	ReservationID   string
	BudgetRemaining int
	IsFreePreview   bool
	EstimatedTokens int
	History         []core.Message
	SystemPrompt    string
}

// Record settles a reservation on the success path with the full transcript
// and provider-measured usage.
type Record struct {
	UserID          string
	SessionID       string
	ReservationID   string
	Messages        []core.Message
	TokensUsed      int
	EstimatedTokens int
	IsFreePreview   bool
}

// Abort settles a reservation on any failure path, restoring the estimated
// hold and persisting whatever transcript was accumulated (possibly none).
type Abort struct {
	UserID          string
	SessionID       string
	ReservationID   string
	PartialMessages []core.Message
}

// BudgetLedger is the orchestrator's view of budget persistence.
type BudgetLedger interface {
	Preflight(ctx context.Context, req PreflightRequest) (*Grant, error)
	Record(ctx context.Context, rec Record) error
	Abort(ctx context.Context, ab Abort) error
}

// BudgetStatus reports a user's current standing.
type BudgetStatus struct {
	Used      int       `json:"used"`
	Remaining int       `json:"remaining"`
	Total     int       `json:"total"`
	UsagePct  float64   `json:"usage_pct"`
	ResetDate time.Time `json:"reset_date"`
	Warning   bool      `json:"warning"`
	Exhausted bool      `json:"exhausted"`
}

// SessionInfo summarizes a stored conversation.
type SessionInfo struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	ScopeID      string    `json:"scope_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
	TotalTokens  int       `json:"total_tokens"`
}

// Note is a coaching note persisted across sessions; notes inform the system
// prompt of future turns.
type Note struct {
	ID          string    `json:"id"`
	Content     string    `json:"content"`
	Category    string    `json:"category"`
	ScopeID     string    `json:"scope_id,omitempty"`
	AIGenerated bool      `json:"ai_generated"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store is the full persistence surface used by the HTTP layer: the turn
// contract plus session browsing, notes and budget reporting.
type Store interface {
	BudgetLedger

	BudgetStatus(ctx context.Context, userID string) (*BudgetStatus, error)

	ListSessions(ctx context.Context, userID string, limit, offset int) ([]SessionInfo, error)
	SessionMessages(ctx context.Context, userID, sessionID string) ([]core.Message, error)
	DeleteSession(ctx context.Context, userID, sessionID string) error

	CreateNote(ctx context.Context, userID string, note Note) (Note, error)
	ListNotes(ctx context.Context, userID, scopeID string) ([]Note, error)
	DeleteNote(ctx context.Context, userID, noteID string) error
}

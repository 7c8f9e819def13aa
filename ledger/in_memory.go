package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rlcoach/coachd/core"
	"github.com/rlcoach/coachd/internal/util"
)

// InMemoryStore is a non-durable Store implementation for development and
// tests. All operations are serialized by a single mutex, which also gives
// the exactly-once reservation settlement its linearizability.
type InMemoryStore struct {
	mu           sync.Mutex
	users        map[string]*memUser
	sessions     map[string]*memSession
	reservations map[string]*memReservation
	notes        map[string]Note
	noteOwner    map[string]string

	systemPrompt func(notes []string) string
	now          func() time.Time
}

type memUser struct {
	plan    string // "pro" or "free"
	used    int
	resetAt time.Time
}

type memSession struct {
	userID      string
	title       string
	scopeID     string
	messages    []core.Message
	totalTokens int
	createdAt   time.Time
	updatedAt   time.Time
}

type memReservation struct {
	userID    string
	sessionID string
	estimated int
	expiresAt time.Time
	preview   bool
}

// InMemoryOption customizes an InMemoryStore.
type InMemoryOption func(*InMemoryStore)

// WithSystemPromptBuilder overrides how the preflight system prompt is built
// from the user's stored notes.
func WithSystemPromptBuilder(fn func(notes []string) string) InMemoryOption {
	return func(s *InMemoryStore) { s.systemPrompt = fn }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) InMemoryOption {
	return func(s *InMemoryStore) { s.now = now }
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore(opts ...InMemoryOption) *InMemoryStore {
	s := &InMemoryStore{
		users:        make(map[string]*memUser),
		sessions:     make(map[string]*memSession),
		reservations: make(map[string]*memReservation),
		notes:        make(map[string]Note),
		noteOwner:    make(map[string]string),
		systemPrompt: defaultSystemPrompt,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddUser registers a user with the given plan ("pro" or "free"). Unknown
// users are treated as free-preview users on first contact.
func (s *InMemoryStore) AddUser(userID, plan string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userID] = &memUser{plan: plan, resetAt: s.now()}
}

func (s *InMemoryStore) user(userID string) *memUser {
	u, ok := s.users[userID]
	if !ok {
		u = &memUser{plan: "free", resetAt: s.now()}
		s.users[userID] = u
	}
	return u
}

// budgetFor returns the monthly allowance for a user's plan.
func budgetFor(u *memUser) int {
	if u.plan == "pro" {
		return MonthlyTokenBudget
	}
	return FreePreviewBudget
}

// maybeReset zeroes usage when a new billing period has started.
func (s *InMemoryStore) maybeReset(u *memUser) {
	if s.now().After(u.resetAt.AddDate(0, 1, 0)) {
		u.used = 0
		u.resetAt = s.now()
	}
}

// releaseExpired restores holds from reservations past their TTL.
func (s *InMemoryStore) releaseExpired(userID string) {
	now := s.now()
	for id, r := range s.reservations {
		if r.userID != userID || r.expiresAt.After(now) {
			continue
		}
		if u, ok := s.users[r.userID]; ok && !r.preview {
			u.used = max(0, u.used-r.estimated)
		}
		delete(s.reservations, id)
	}
}

// Preflight implements BudgetLedger.
func (s *InMemoryStore) Preflight(ctx context.Context, req PreflightRequest) (*Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.user(req.UserID)
	s.maybeReset(u)
	s.releaseExpired(req.UserID)

	total := budgetFor(u)
	remaining := max(0, total-u.used)
	if remaining <= 0 {
		return nil, ErrBudgetExhausted
	}

	var sess *memSession
	sessionID := req.SessionID
	if sessionID != "" {
		existing, ok := s.sessions[sessionID]
		if !ok || existing.userID != req.UserID {
			return nil, ErrSessionNotFound
		}
		sess = existing
	} else {
		sessionID = core.NewID()
		sess = &memSession{
			userID:    req.UserID,
			title:     sessionTitle(req.Message),
			scopeID:   req.ScopeID,
			createdAt: s.now(),
			updatedAt: s.now(),
		}
		s.sessions[sessionID] = sess
	}

	estimated := EstimateTokens(len(req.Message), len(sess.messages), true)
	if estimated > remaining {
		return nil, fmt.Errorf("%w: %d tokens remaining", ErrBudgetExhausted, remaining)
	}

	preview := u.plan != "pro"
	if !preview {
		u.used += estimated
	}

	reservationID := core.NewID()
	s.reservations[reservationID] = &memReservation{
		userID:    req.UserID,
		sessionID: sessionID,
		estimated: estimated,
		expiresAt: s.now().Add(ReservationTTL),
		preview:   preview,
	}

	history := make([]core.Message, len(sess.messages))
	copy(history, sess.messages)

	return &Grant{
		SessionID:       sessionID,
		ReservationID:   reservationID,
		BudgetRemaining: remaining,
		IsFreePreview:   preview,
		EstimatedTokens: estimated,
		History:         history,
		SystemPrompt:    s.systemPrompt(s.noteContents(req.UserID)),
	}, nil
}

// Record implements BudgetLedger.
func (s *InMemoryStore) Record(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[rec.ReservationID]
	if !ok {
		return ErrReservationSettled
	}
	delete(s.reservations, rec.ReservationID)

	if u, ok := s.users[r.userID]; ok && !r.preview {
		// Reconcile the held estimate against measured usage.
		u.used = max(0, u.used+rec.TokensUsed-r.estimated)
	}

	if sess, ok := s.sessions[r.sessionID]; ok {
		sess.messages = append([]core.Message(nil), rec.Messages...)
		sess.totalTokens += rec.TokensUsed
		sess.updatedAt = s.now()
	}
	return nil
}

// Abort implements BudgetLedger.
func (s *InMemoryStore) Abort(ctx context.Context, ab Abort) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[ab.ReservationID]
	if !ok {
		return ErrReservationSettled
	}
	delete(s.reservations, ab.ReservationID)

	if u, ok := s.users[r.userID]; ok && !r.preview {
		u.used = max(0, u.used-r.estimated)
	}

	if sess, ok := s.sessions[r.sessionID]; ok && len(ab.PartialMessages) > 0 {
		sess.messages = append([]core.Message(nil), ab.PartialMessages...)
		sess.updatedAt = s.now()
	}
	return nil
}

// BudgetStatus implements Store.
func (s *InMemoryStore) BudgetStatus(ctx context.Context, userID string) (*BudgetStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.user(userID)
	s.maybeReset(u)

	total := budgetFor(u)
	remaining := max(0, total-u.used)
	pct := 0.0
	if total > 0 {
		pct = float64(u.used) / float64(total) * 100
	}
	return &BudgetStatus{
		Used:      u.used,
		Remaining: remaining,
		Total:     total,
		UsagePct:  pct,
		ResetDate: u.resetAt.AddDate(0, 1, 0),
		Warning:   pct >= WarningThreshold*100,
		Exhausted: remaining <= 0,
	}, nil
}

// ListSessions implements Store.
func (s *InMemoryStore) ListSessions(ctx context.Context, userID string, limit, offset int) ([]SessionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var infos []SessionInfo
	for id, sess := range s.sessions {
		if sess.userID != userID {
			continue
		}
		infos = append(infos, SessionInfo{
			ID:           id,
			Title:        sess.title,
			ScopeID:      sess.scopeID,
			CreatedAt:    sess.createdAt,
			UpdatedAt:    sess.updatedAt,
			MessageCount: len(sess.messages),
			TotalTokens:  sess.totalTokens,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].UpdatedAt.After(infos[j].UpdatedAt) })

	if offset >= len(infos) {
		return nil, nil
	}
	infos = infos[offset:]
	if limit > 0 && limit < len(infos) {
		infos = infos[:limit]
	}
	return infos, nil
}

// SessionMessages implements Store.
func (s *InMemoryStore) SessionMessages(ctx context.Context, userID, sessionID string) ([]core.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok || sess.userID != userID {
		return nil, ErrSessionNotFound
	}
	out := make([]core.Message, len(sess.messages))
	copy(out, sess.messages)
	return out, nil
}

// DeleteSession implements Store.
func (s *InMemoryStore) DeleteSession(ctx context.Context, userID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok || sess.userID != userID {
		return ErrSessionNotFound
	}
	delete(s.sessions, sessionID)
	return nil
}

// CreateNote implements Store.
func (s *InMemoryStore) CreateNote(ctx context.Context, userID string, note Note) (Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	note.ID = core.NewID()
	note.CreatedAt = s.now()
	s.notes[note.ID] = note
	s.noteOwner[note.ID] = userID
	return note, nil
}

// ListNotes implements Store.
func (s *InMemoryStore) ListNotes(ctx context.Context, userID, scopeID string) ([]Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var notes []Note
	for id, n := range s.notes {
		if s.noteOwner[id] != userID {
			continue
		}
		if scopeID != "" && n.ScopeID != scopeID {
			continue
		}
		notes = append(notes, n)
	}
	sort.Slice(notes, func(i, j int) bool { return notes[i].CreatedAt.After(notes[j].CreatedAt) })
	return notes, nil
}

// DeleteNote implements Store.
func (s *InMemoryStore) DeleteNote(ctx context.Context, userID, noteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.noteOwner[noteID] != userID {
		return ErrNoteNotFound
	}
	delete(s.notes, noteID)
	delete(s.noteOwner, noteID)
	return nil
}

func (s *InMemoryStore) noteContents(userID string) []string {
	var out []string
	for id, n := range s.notes {
		if s.noteOwner[id] == userID {
			out = append(out, n.Content)
		}
	}
	sort.Strings(out)
	return out
}

// sessionTitle derives a session title from the first user message.
func sessionTitle(message string) string {
	title := strings.TrimSpace(message)
	if title == "" {
		return "New Session"
	}
	return util.TruncateString(title, 100)
}

func defaultSystemPrompt([]string) string { return "" }

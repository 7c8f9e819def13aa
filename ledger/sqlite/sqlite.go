// Package sqlite implements the durable ledger store on an embedded SQLite
// database. One store owns the full persistence surface: user budgets with
// monthly reset, token reservations with TTL, transcripts, sessions and
// coaching notes.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rlcoach/coachd/core"
	"github.com/rlcoach/coachd/internal/util"
	"github.com/rlcoach/coachd/ledger"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id           TEXT PRIMARY KEY,
	plan         TEXT NOT NULL DEFAULT 'free',
	budget_used  INTEGER NOT NULL DEFAULT 0,
	budget_reset_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	title        TEXT,
	scope_id     TEXT,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, updated_at);

CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	body       TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	UNIQUE(session_id, seq)
);

CREATE TABLE IF NOT EXISTS reservations (
	id               TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL,
	session_id       TEXT NOT NULL,
	estimated_tokens INTEGER NOT NULL,
	is_preview       INTEGER NOT NULL DEFAULT 0,
	expires_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reservations_user ON reservations(user_id, expires_at);

CREATE TABLE IF NOT EXISTS notes (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	content      TEXT NOT NULL,
	category     TEXT NOT NULL DEFAULT 'observation',
	scope_id     TEXT,
	ai_generated INTEGER NOT NULL DEFAULT 0,
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notes_user ON notes(user_id, created_at);
`

// Options configures the sqlite store.
type Options struct {
	// SystemPrompt builds the preflight system prompt from the user's note
	// contents. Defaults to an empty prompt.
	SystemPrompt func(notes []string) string
	// Clock overrides the time source, for tests.
	Clock func() time.Time
}

// Store is a durable ledger.Store backed by SQLite.
type Store struct {
	db   *sql.DB
	opts Options
}

// Open opens (or creates) the database at path and applies the schema.
// Use ":memory:" for an ephemeral store.
func Open(path string, optFns ...func(o *Options)) (*Store, error) {
	opts := Options{
		SystemPrompt: func([]string) string { return "" },
		Clock:        time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Serialized access keeps reservation settlement linearizable.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db, opts: opts}, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// AddUser registers a user with the given plan ("pro" or "free").
func (s *Store) AddUser(ctx context.Context, userID, plan string) error {
	now := s.opts.Clock().Unix()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, plan, budget_reset_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET plan = excluded.plan`,
		userID, plan, now)
	return err
}

type userRow struct {
	plan    string
	used    int
	resetAt time.Time
}

func (s *Store) loadUser(ctx context.Context, tx *sql.Tx, userID string) (*userRow, error) {
	var (
		u       userRow
		resetAt int64
	)
	err := tx.QueryRowContext(ctx,
		`SELECT plan, budget_used, budget_reset_at FROM users WHERE id = ?`, userID,
	).Scan(&u.plan, &u.used, &resetAt)
	if errors.Is(err, sql.ErrNoRows) {
		now := s.opts.Clock()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO users (id, plan, budget_reset_at) VALUES (?, 'free', ?)`,
			userID, now.Unix()); err != nil {
			return nil, err
		}
		return &userRow{plan: "free", resetAt: now}, nil
	}
	if err != nil {
		return nil, err
	}
	u.resetAt = time.Unix(resetAt, 0).UTC()
	return &u, nil
}

func budgetFor(plan string) int {
	if plan == "pro" {
		return ledger.MonthlyTokenBudget
	}
	return ledger.FreePreviewBudget
}

// maybeReset zeroes usage when a new billing period has started.
func (s *Store) maybeReset(ctx context.Context, tx *sql.Tx, userID string, u *userRow) error {
	now := s.opts.Clock()
	if !now.After(u.resetAt.AddDate(0, 1, 0)) {
		return nil
	}
	u.used = 0
	u.resetAt = now
	_, err := tx.ExecContext(ctx,
		`UPDATE users SET budget_used = 0, budget_reset_at = ? WHERE id = ?`,
		now.Unix(), userID)
	return err
}

// releaseExpired restores holds from reservations past their TTL.
func (s *Store) releaseExpired(ctx context.Context, tx *sql.Tx, userID string) error {
	now := s.opts.Clock().Unix()
	rows, err := tx.QueryContext(ctx,
		`SELECT id, estimated_tokens, is_preview FROM reservations
		 WHERE user_id = ? AND expires_at <= ?`, userID, now)
	if err != nil {
		return err
	}
	type expired struct {
		id        string
		estimated int
		preview   bool
	}
	var found []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.id, &e.estimated, &e.preview); err != nil {
			rows.Close()
			return err
		}
		found = append(found, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, e := range found {
		if !e.preview {
			if _, err := tx.ExecContext(ctx,
				`UPDATE users SET budget_used = MAX(0, budget_used - ?) WHERE id = ?`,
				e.estimated, userID); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM reservations WHERE id = ?`, e.id); err != nil {
			return err
		}
	}
	return nil
}

// Preflight implements ledger.BudgetLedger.
func (s *Store) Preflight(ctx context.Context, req ledger.PreflightRequest) (*ledger.Grant, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	u, err := s.loadUser(ctx, tx, req.UserID)
	if err != nil {
		return nil, err
	}
	if err := s.maybeReset(ctx, tx, req.UserID, u); err != nil {
		return nil, err
	}
	if err := s.releaseExpired(ctx, tx, req.UserID); err != nil {
		return nil, err
	}

	total := budgetFor(u.plan)
	remaining := total - u.used
	if remaining <= 0 {
		return nil, ledger.ErrBudgetExhausted
	}

	now := s.opts.Clock()
	sessionID := req.SessionID
	var history []core.Message
	if sessionID != "" {
		var owner string
		err := tx.QueryRowContext(ctx,
			`SELECT user_id FROM sessions WHERE id = ?`, sessionID).Scan(&owner)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && owner != req.UserID) {
			return nil, ledger.ErrSessionNotFound
		}
		if err != nil {
			return nil, err
		}
		history, err = s.messagesTx(ctx, tx, sessionID)
		if err != nil {
			return nil, err
		}
	} else {
		sessionID = core.NewID()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (id, user_id, title, scope_id, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			sessionID, req.UserID, sessionTitle(req.Message), req.ScopeID, now.Unix(), now.Unix()); err != nil {
			return nil, err
		}
	}

	estimated := ledger.EstimateTokens(len(req.Message), len(history), true)
	if estimated > remaining {
		return nil, fmt.Errorf("%w: %d tokens remaining", ledger.ErrBudgetExhausted, remaining)
	}

	preview := u.plan != "pro"
	if !preview {
		if _, err := tx.ExecContext(ctx,
			`UPDATE users SET budget_used = budget_used + ? WHERE id = ?`,
			estimated, req.UserID); err != nil {
			return nil, err
		}
	}

	reservationID := core.NewID()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO reservations (id, user_id, session_id, estimated_tokens, is_preview, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		reservationID, req.UserID, sessionID, estimated, preview,
		now.Add(ledger.ReservationTTL).Unix()); err != nil {
		return nil, err
	}

	notes, err := s.noteContentsTx(ctx, tx, req.UserID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &ledger.Grant{
		SessionID:       sessionID,
		ReservationID:   reservationID,
		BudgetRemaining: remaining,
		IsFreePreview:   preview,
		EstimatedTokens: estimated,
		History:         history,
		SystemPrompt:    s.opts.SystemPrompt(notes),
	}, nil
}

// settleReservation deletes the reservation row, reporting whether it was
// still open. The single-connection pool makes check-then-delete atomic.
func (s *Store) settleReservation(ctx context.Context, tx *sql.Tx, reservationID string) (estimated int, preview bool, userID, sessionID string, err error) {
	err = tx.QueryRowContext(ctx,
		`SELECT estimated_tokens, is_preview, user_id, session_id FROM reservations WHERE id = ?`,
		reservationID).Scan(&estimated, &preview, &userID, &sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, "", "", ledger.ErrReservationSettled
	}
	if err != nil {
		return 0, false, "", "", err
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM reservations WHERE id = ?`, reservationID)
	return estimated, preview, userID, sessionID, err
}

// Record implements ledger.BudgetLedger.
func (s *Store) Record(ctx context.Context, rec ledger.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	estimated, preview, userID, sessionID, err := s.settleReservation(ctx, tx, rec.ReservationID)
	if err != nil {
		return err
	}

	if !preview {
		if _, err := tx.ExecContext(ctx,
			`UPDATE users SET budget_used = MAX(0, budget_used + ? - ?) WHERE id = ?`,
			rec.TokensUsed, estimated, userID); err != nil {
			return err
		}
	}

	if err := s.replaceMessagesTx(ctx, tx, sessionID, rec.Messages); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET total_tokens = total_tokens + ?, updated_at = ? WHERE id = ?`,
		rec.TokensUsed, s.opts.Clock().Unix(), sessionID); err != nil {
		return err
	}

	return tx.Commit()
}

// Abort implements ledger.BudgetLedger.
func (s *Store) Abort(ctx context.Context, ab ledger.Abort) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	estimated, preview, userID, sessionID, err := s.settleReservation(ctx, tx, ab.ReservationID)
	if err != nil {
		return err
	}

	if !preview {
		if _, err := tx.ExecContext(ctx,
			`UPDATE users SET budget_used = MAX(0, budget_used - ?) WHERE id = ?`,
			estimated, userID); err != nil {
			return err
		}
	}

	if len(ab.PartialMessages) > 0 {
		if err := s.replaceMessagesTx(ctx, tx, sessionID, ab.PartialMessages); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET updated_at = ? WHERE id = ?`,
			s.opts.Clock().Unix(), sessionID); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// replaceMessagesTx stores the transcript for a session, replacing any prior
// rows: the caller always supplies the full conversation-ordered transcript.
func (s *Store) replaceMessagesTx(ctx context.Context, tx *sql.Tx, sessionID string, msgs []core.Message) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	now := s.opts.Clock().Unix()
	for i, m := range msgs {
		body, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal message %d: %w", i, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, session_id, seq, body, created_at) VALUES (?, ?, ?, ?, ?)`,
			core.NewID(), sessionID, i, string(body), now); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) messagesTx(ctx context.Context, tx *sql.Tx, sessionID string) ([]core.Message, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT body FROM messages WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []core.Message
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var m core.Message
		if err := json.Unmarshal([]byte(body), &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// BudgetStatus implements ledger.Store.
func (s *Store) BudgetStatus(ctx context.Context, userID string) (*ledger.BudgetStatus, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	u, err := s.loadUser(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if err := s.maybeReset(ctx, tx, userID, u); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	total := budgetFor(u.plan)
	remaining := total - u.used
	if remaining < 0 {
		remaining = 0
	}
	pct := 0.0
	if total > 0 {
		pct = float64(u.used) / float64(total) * 100
	}
	return &ledger.BudgetStatus{
		Used:      u.used,
		Remaining: remaining,
		Total:     total,
		UsagePct:  pct,
		ResetDate: u.resetAt.AddDate(0, 1, 0),
		Warning:   pct >= ledger.WarningThreshold*100,
		Exhausted: remaining <= 0,
	}, nil
}

// ListSessions implements ledger.Store.
func (s *Store) ListSessions(ctx context.Context, userID string, limit, offset int) ([]ledger.SessionInfo, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, COALESCE(s.title, ''), COALESCE(s.scope_id, ''), s.total_tokens,
		        s.created_at, s.updated_at,
		        (SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id)
		 FROM sessions s WHERE s.user_id = ?
		 ORDER BY s.updated_at DESC LIMIT ? OFFSET ?`,
		userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var infos []ledger.SessionInfo
	for rows.Next() {
		var (
			info               ledger.SessionInfo
			createdAt, updated int64
		)
		if err := rows.Scan(&info.ID, &info.Title, &info.ScopeID, &info.TotalTokens,
			&createdAt, &updated, &info.MessageCount); err != nil {
			return nil, err
		}
		info.CreatedAt = time.Unix(createdAt, 0).UTC()
		info.UpdatedAt = time.Unix(updated, 0).UTC()
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// SessionMessages implements ledger.Store.
func (s *Store) SessionMessages(ctx context.Context, userID, sessionID string) ([]core.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var owner string
	err = tx.QueryRowContext(ctx, `SELECT user_id FROM sessions WHERE id = ?`, sessionID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && owner != userID) {
		return nil, ledger.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}

	msgs, err := s.messagesTx(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}
	return msgs, tx.Commit()
}

// DeleteSession implements ledger.Store.
func (s *Store) DeleteSession(ctx context.Context, userID, sessionID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE id = ? AND user_id = ?`, sessionID, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrSessionNotFound
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID)
	return err
}

// CreateNote implements ledger.Store.
func (s *Store) CreateNote(ctx context.Context, userID string, note ledger.Note) (ledger.Note, error) {
	note.ID = core.NewID()
	note.CreatedAt = s.opts.Clock().UTC()
	if note.Category == "" {
		note.Category = "observation"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notes (id, user_id, content, category, scope_id, ai_generated, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		note.ID, userID, note.Content, note.Category, note.ScopeID, note.AIGenerated,
		note.CreatedAt.Unix())
	if err != nil {
		return ledger.Note{}, err
	}
	return note, nil
}

// ListNotes implements ledger.Store.
func (s *Store) ListNotes(ctx context.Context, userID, scopeID string) ([]ledger.Note, error) {
	query := `SELECT id, content, category, COALESCE(scope_id, ''), ai_generated, created_at
	          FROM notes WHERE user_id = ?`
	args := []any{userID}
	if scopeID != "" {
		query += ` AND scope_id = ?`
		args = append(args, scopeID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notes []ledger.Note
	for rows.Next() {
		var (
			n         ledger.Note
			createdAt int64
		)
		if err := rows.Scan(&n.ID, &n.Content, &n.Category, &n.ScopeID, &n.AIGenerated, &createdAt); err != nil {
			return nil, err
		}
		n.CreatedAt = time.Unix(createdAt, 0).UTC()
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// DeleteNote implements ledger.Store.
func (s *Store) DeleteNote(ctx context.Context, userID, noteID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM notes WHERE id = ? AND user_id = ?`, noteID, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrNoteNotFound
	}
	return nil
}

func (s *Store) noteContentsTx(ctx context.Context, tx *sql.Tx, userID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT content FROM notes WHERE user_id = ? ORDER BY created_at DESC LIMIT 50`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notes []string
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return nil, err
		}
		notes = append(notes, content)
	}
	return notes, rows.Err()
}

// sessionTitle derives a session title from the first user message.
func sessionTitle(message string) string {
	if message == "" {
		return "New Session"
	}
	return util.TruncateString(message, 100)
}

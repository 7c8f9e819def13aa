package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rlcoach/coachd/core"
)

func newTestStore(clock *fakeClock) *InMemoryStore {
	return NewInMemoryStore(WithClock(clock.Now))
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestEstimateTokens(t *testing.T) {
	// 400 chars of message, 3 history messages, tools included.
	got := EstimateTokens(400, 3, true)
	assert.Equal(t, 400/4+3*200+2000+500, got)

	// Without tools the overhead drops.
	assert.Equal(t, 100+500+500, EstimateTokens(400, 0, false))
}

func TestPreflightGrantsAndCharges(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	s := newTestStore(clock)
	s.AddUser("u1", "pro")

	grant, err := s.Preflight(context.Background(), PreflightRequest{UserID: "u1", Message: "hello coach"})
	require.NoError(t, err)
	assert.NotEmpty(t, grant.SessionID)
	assert.NotEmpty(t, grant.ReservationID)
	assert.False(t, grant.IsFreePreview)
	assert.Equal(t, MonthlyTokenBudget, grant.BudgetRemaining)
	assert.Empty(t, grant.History)

	// The estimate is held against the budget until settlement.
	status, err := s.BudgetStatus(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, grant.EstimatedTokens, status.Used)
}

func TestPreflightBudgetExhausted(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	s := newTestStore(clock)
	s.AddUser("u1", "pro")

	// Burn the whole budget with one recorded turn.
	grant, err := s.Preflight(context.Background(), PreflightRequest{UserID: "u1", Message: "hi"})
	require.NoError(t, err)
	require.NoError(t, s.Record(context.Background(), Record{
		UserID:        "u1",
		SessionID:     grant.SessionID,
		ReservationID: grant.ReservationID,
		TokensUsed:    MonthlyTokenBudget,
	}))

	_, err = s.Preflight(context.Background(), PreflightRequest{UserID: "u1", Message: "hi again"})
	assert.ErrorIs(t, err, ErrBudgetExhausted)
}

func TestRecordReconcilesEstimate(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	s := newTestStore(clock)
	s.AddUser("u1", "pro")

	grant, err := s.Preflight(context.Background(), PreflightRequest{UserID: "u1", Message: "hello"})
	require.NoError(t, err)

	msgs := []core.Message{
		core.NewUserMessage("hello"),
		core.NewAssistantMessage(core.TextBlock{Text: "hi there"}),
	}
	require.NoError(t, s.Record(context.Background(), Record{
		UserID:        "u1",
		SessionID:     grant.SessionID,
		ReservationID: grant.ReservationID,
		Messages:      msgs,
		TokensUsed:    1234,
	}))

	status, err := s.BudgetStatus(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1234, status.Used, "the held estimate is replaced by measured usage")

	stored, err := s.SessionMessages(context.Background(), "u1", grant.SessionID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "hi there", stored[1].Text())
}

func TestAbortRestoresHold(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	s := newTestStore(clock)
	s.AddUser("u1", "pro")

	grant, err := s.Preflight(context.Background(), PreflightRequest{UserID: "u1", Message: "hello"})
	require.NoError(t, err)

	require.NoError(t, s.Abort(context.Background(), Abort{
		UserID:        "u1",
		ReservationID: grant.ReservationID,
	}))

	status, err := s.BudgetStatus(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, status.Used)
}

func TestReservationSettledExactlyOnce(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	s := newTestStore(clock)
	s.AddUser("u1", "pro")

	grant, err := s.Preflight(context.Background(), PreflightRequest{UserID: "u1", Message: "hello"})
	require.NoError(t, err)

	require.NoError(t, s.Record(context.Background(), Record{UserID: "u1", ReservationID: grant.ReservationID}))

	err = s.Record(context.Background(), Record{UserID: "u1", ReservationID: grant.ReservationID})
	assert.ErrorIs(t, err, ErrReservationSettled)

	err = s.Abort(context.Background(), Abort{UserID: "u1", ReservationID: grant.ReservationID})
	assert.ErrorIs(t, err, ErrReservationSettled)
}

func TestFreePreviewIsNotCharged(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	s := newTestStore(clock)

	// Unknown users default to the free plan.
	grant, err := s.Preflight(context.Background(), PreflightRequest{UserID: "u2", Message: "hello"})
	require.NoError(t, err)
	assert.True(t, grant.IsFreePreview)

	require.NoError(t, s.Record(context.Background(), Record{
		UserID:        "u2",
		ReservationID: grant.ReservationID,
		TokensUsed:    5000,
		IsFreePreview: true,
	}))

	status, err := s.BudgetStatus(context.Background(), "u2")
	require.NoError(t, err)
	assert.Equal(t, 0, status.Used, "preview usage is recorded but not billed")
}

func TestExpiredReservationsAreReleased(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	s := newTestStore(clock)
	s.AddUser("u1", "pro")

	grant, err := s.Preflight(context.Background(), PreflightRequest{UserID: "u1", Message: "hello"})
	require.NoError(t, err)

	clock.Advance(ReservationTTL + time.Minute)

	// The sweep on the next preflight releases the stale hold.
	_, err = s.Preflight(context.Background(), PreflightRequest{UserID: "u1", Message: "again"})
	require.NoError(t, err)

	err = s.Record(context.Background(), Record{UserID: "u1", ReservationID: grant.ReservationID})
	assert.ErrorIs(t, err, ErrReservationSettled, "an expired reservation can no longer settle")
}

func TestMonthlyReset(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	s := newTestStore(clock)
	s.AddUser("u1", "pro")

	grant, err := s.Preflight(context.Background(), PreflightRequest{UserID: "u1", Message: "hello"})
	require.NoError(t, err)
	require.NoError(t, s.Record(context.Background(), Record{
		UserID:        "u1",
		ReservationID: grant.ReservationID,
		TokensUsed:    100_000,
	}))

	clock.Advance(32 * 24 * time.Hour)

	status, err := s.BudgetStatus(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, status.Used)
	assert.False(t, status.Exhausted)
}

func TestBudgetWarningThreshold(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	s := newTestStore(clock)
	s.AddUser("u1", "pro")

	grant, err := s.Preflight(context.Background(), PreflightRequest{UserID: "u1", Message: "hello"})
	require.NoError(t, err)
	require.NoError(t, s.Record(context.Background(), Record{
		UserID:        "u1",
		ReservationID: grant.ReservationID,
		TokensUsed:    int(float64(MonthlyTokenBudget) * 0.85),
	}))

	status, err := s.BudgetStatus(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, status.Warning)
	assert.False(t, status.Exhausted)
}

func TestSessionContinuationCarriesHistory(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	s := newTestStore(clock)
	s.AddUser("u1", "pro")

	first, err := s.Preflight(context.Background(), PreflightRequest{UserID: "u1", Message: "hello"})
	require.NoError(t, err)
	require.NoError(t, s.Record(context.Background(), Record{
		UserID:        "u1",
		ReservationID: first.ReservationID,
		Messages: []core.Message{
			core.NewUserMessage("hello"),
			core.NewAssistantMessage(core.TextBlock{Text: "hi"}),
		},
	}))

	second, err := s.Preflight(context.Background(), PreflightRequest{
		UserID:    "u1",
		Message:   "follow up",
		SessionID: first.SessionID,
	})
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)
	require.Len(t, second.History, 2)
	assert.Equal(t, "hello", second.History[0].Text())
}

func TestPreflightRejectsForeignSession(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	s := newTestStore(clock)
	s.AddUser("u1", "pro")
	s.AddUser("u2", "pro")

	grant, err := s.Preflight(context.Background(), PreflightRequest{UserID: "u1", Message: "hello"})
	require.NoError(t, err)

	_, err = s.Preflight(context.Background(), PreflightRequest{
		UserID:    "u2",
		Message:   "sneaky",
		SessionID: grant.SessionID,
	})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionListingAndDeletion(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	s := newTestStore(clock)
	s.AddUser("u1", "pro")

	g1, err := s.Preflight(context.Background(), PreflightRequest{UserID: "u1", Message: "first session about rotation"})
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = s.Preflight(context.Background(), PreflightRequest{UserID: "u1", Message: "second session"})
	require.NoError(t, err)

	sessions, err := s.ListSessions(context.Background(), "u1", 10, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "second session", sessions[0].Title, "newest first")

	require.NoError(t, s.DeleteSession(context.Background(), "u1", g1.SessionID))
	assert.ErrorIs(t, s.DeleteSession(context.Background(), "u1", g1.SessionID), ErrSessionNotFound)
}

func TestNotesLifecycle(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	s := newTestStore(clock)

	note, err := s.CreateNote(context.Background(), "u1", Note{Content: "works on aerials", Category: "goal"})
	require.NoError(t, err)
	assert.NotEmpty(t, note.ID)

	notes, err := s.ListNotes(context.Background(), "u1", "")
	require.NoError(t, err)
	require.Len(t, notes, 1)

	// Another user cannot see or delete the note.
	other, err := s.ListNotes(context.Background(), "u2", "")
	require.NoError(t, err)
	assert.Empty(t, other)
	assert.ErrorIs(t, s.DeleteNote(context.Background(), "u2", note.ID), ErrNoteNotFound)

	require.NoError(t, s.DeleteNote(context.Background(), "u1", note.ID))
	notes, err = s.ListNotes(context.Background(), "u1", "")
	require.NoError(t, err)
	assert.Empty(t, notes)
}

package testutil

import (
	"context"
	"sync"

	"github.com/rlcoach/coachd/ledger"
)

// FakeLedger is a BudgetLedger that records settlement calls so tests can
// assert the exactly-one-settlement property.
type FakeLedger struct {
	mu sync.Mutex

	// Grant is returned by Preflight unless PreflightErr is set.
	Grant        ledger.Grant
	PreflightErr error
	RecordErr    error
	AbortErr     error

	preflights int
	records    []ledger.Record
	aborts     []ledger.Abort
}

// NewFakeLedger builds a fake granting the given session and reservation with
// a comfortable remaining budget.
func NewFakeLedger(sessionID, reservationID string) *FakeLedger {
	return &FakeLedger{
		Grant: ledger.Grant{
			SessionID:       sessionID,
			ReservationID:   reservationID,
			BudgetRemaining: 100_000,
			EstimatedTokens: 3000,
		},
	}
}

// Preflight implements ledger.BudgetLedger.
func (f *FakeLedger) Preflight(ctx context.Context, req ledger.PreflightRequest) (*ledger.Grant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.preflights++
	if f.PreflightErr != nil {
		return nil, f.PreflightErr
	}
	g := f.Grant
	return &g, nil
}

// Record implements ledger.BudgetLedger.
func (f *FakeLedger) Record(ctx context.Context, rec ledger.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return f.RecordErr
}

// Abort implements ledger.BudgetLedger.
func (f *FakeLedger) Abort(ctx context.Context, ab ledger.Abort) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborts = append(f.aborts, ab)
	return f.AbortErr
}

// Preflights returns how many preflight calls were made.
func (f *FakeLedger) Preflights() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.preflights
}

// Records returns a copy of recorded settlements.
func (f *FakeLedger) Records() []ledger.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ledger.Record, len(f.records))
	copy(out, f.records)
	return out
}

// Aborts returns a copy of abort settlements.
func (f *FakeLedger) Aborts() []ledger.Abort {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ledger.Abort, len(f.aborts))
	copy(out, f.aborts)
	return out
}

// Settlements returns the total number of terminal ledger calls.
func (f *FakeLedger) Settlements() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records) + len(f.aborts)
}

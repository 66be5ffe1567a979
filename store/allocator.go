package store

import "presenced/journal"

// Allocator is the monotonic id generator: every step must be journaled
// before the value it produces is consumed by a NEW_MESSAGE or a login.
type Allocator struct {
	current uint32
	journal *journal.Journal
}

// NewAllocator seeds the allocator at current, the value of the last
// UPDATE_ID record replayed during bootstrap (or 0).
func NewAllocator(j *journal.Journal, current uint32) *Allocator {
	return &Allocator{current: current, journal: j}
}

func (a *Allocator) Current() uint32 { return a.current }

// Next allocates a single id: for LOGIN sessions and single-user
// SEND_MESSAGE.
func (a *Allocator) Next() (uint32, error) {
	return a.advance(1)
}

// NextN allocates n consecutive ids for a group fan-out send and returns the
// first. Exactly one UPDATE_ID record is journaled, carrying the *last*
// (highest) id in the batch — see SPEC_FULL.md §4.C for why this is the
// chosen resolution of the fan-out/allocator interleaving the source leaves
// fragile, and bootstrap.Load for the matching replay arithmetic.
func (a *Allocator) NextN(n int) (uint32, error) {
	if n < 1 {
		n = 1
	}
	last, err := a.advance(uint32(n))
	first := last - uint32(n) + 1
	return first, err
}

// advance always moves current forward and returns the new value even if
// the journal commit failed: per the allocator's contract, a poisoned
// journal costs durability, never monotonicity.
func (a *Allocator) advance(n uint32) (uint32, error) {
	next := a.current + n
	err := a.journal.Commit(journal.UpdateID{ID: next})
	a.current = next
	return next, err
}

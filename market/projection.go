/*
projection.go - Read projections over the record set

PURPOSE:
  "All jobs" and "open jobs" are pure functions of the full record set.
  Nothing stores an authoritative open list: any cached open index must be
  reconstructible with OpenJobs(AllJobs(records)).

ESCROW ACCOUNTING:
  SummarizeEscrow derives custody totals from record dispositions. For any
  history of transitions:

    Held + Released + Refunded == Locked

  i.e. no amount leaves escrow twice and none appears from nowhere.
*/
package market

import "sort"

// AllJobs returns records sorted by ascending JobID.
func AllJobs(records []JobRecord) []JobRecord {
	out := make([]JobRecord, len(records))
	copy(out, records)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OpenJobs returns the Open records sorted by ascending JobID.
func OpenJobs(records []JobRecord) []JobRecord {
	var out []JobRecord
	for _, r := range AllJobs(records) {
		if r.Status == StatusOpen {
			out = append(out, r)
		}
	}
	return out
}

// EscrowSummary totals custody across a record set.
type EscrowSummary struct {
	Locked   Money
	Held     Money
	Released Money
	Refunded Money

	// Credited is what each counterparty received out of escrow.
	Credited map[Actor]Money
}

// Balanced reports whether held, released and refunded add up to locked.
func (s EscrowSummary) Balanced() bool {
	return s.Held.Add(s.Released).Add(s.Refunded).Equal(s.Locked)
}

// SummarizeEscrow derives the custody totals from record dispositions.
func SummarizeEscrow(records []JobRecord) EscrowSummary {
	s := EscrowSummary{Credited: make(map[Actor]Money)}
	for _, r := range records {
		s.Locked = s.Locked.Add(r.Amount)
		switch r.Disposition() {
		case DispositionHeld:
			s.Held = s.Held.Add(r.Amount)
		case DispositionReleased:
			s.Released = s.Released.Add(r.Amount)
			s.Credited[r.Worker] = s.Credited[r.Worker].Add(r.Amount)
		case DispositionRefunded:
			s.Refunded = s.Refunded.Add(r.Amount)
			s.Credited[r.Poster] = s.Credited[r.Poster].Add(r.Amount)
		}
	}
	return s
}

// SummarizeMovements totals custody from the movement log. It must agree
// with SummarizeEscrow over the same ledger.
func SummarizeMovements(moves []EscrowMovement) EscrowSummary {
	s := EscrowSummary{Credited: make(map[Actor]Money)}
	for _, m := range moves {
		switch m.Kind {
		case MovementLock:
			s.Locked = s.Locked.Add(m.Amount)
		case MovementRelease:
			s.Released = s.Released.Add(m.Amount)
			s.Credited[m.Counterparty] = s.Credited[m.Counterparty].Add(m.Amount)
		case MovementRefund:
			s.Refunded = s.Refunded.Add(m.Amount)
			s.Credited[m.Counterparty] = s.Credited[m.Counterparty].Add(m.Amount)
		}
	}
	out := s.Released.Add(s.Refunded)
	held, err := s.Locked.Sub(out)
	if err != nil {
		// More left escrow than entered it; report zero held and let
		// Balanced() flag it.
		held = Zero
	}
	s.Held = held
	return s
}

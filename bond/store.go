package bond

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/user/bluecore/bt"
	"github.com/user/bluecore/logger"
)

var (
	// ErrAnotherBonding is returned when a different address holds the
	// outgoing bonding slot.
	ErrAnotherBonding = errors.New("another outgoing bond is in progress")
	// ErrAlreadyBonding is returned when the address is not eligible to start
	// a new bond (already bonding or bonded).
	ErrAlreadyBonding = errors.New("device is already bonding or bonded")
	// ErrNotBonding is returned when cancelling a device that is not bonding.
	ErrNotBonding = errors.New("device is not bonding")
)

// Record is the bonding bookkeeping for one remote device.
type Record struct {
	Address         bt.Address
	State           bt.BondState
	PendingOutgoing bool
	Attempts        int
	LastFailure     bt.Outcome
}

// Store tracks bond state for every known remote address. The zero state of
// an unknown address is NONE.
type Store struct {
	mu             sync.RWMutex
	records        map[bt.Address]*Record
	pending        bt.Address
	autoPairFailed map[bt.Address]bool
}

// NewStore creates an empty bond store
func NewStore() *Store {
	return &Store{
		records:        make(map[bt.Address]*Record),
		autoPairFailed: make(map[bt.Address]bool),
	}
}

func (s *Store) record(addr bt.Address) *Record {
	r, ok := s.records[addr]
	if !ok {
		r = &Record{Address: addr, State: bt.BondNone}
		s.records[addr] = r
	}
	return r
}

// setPending claims the single outgoing slot. Must be called with lock held.
func (s *Store) setPending(addr bt.Address) {
	if s.pending != "" && s.pending != addr {
		panic(fmt.Sprintf("bond: pending outgoing slot held by %s, refusing %s", s.pending, addr))
	}
	s.pending = addr
	s.record(addr).PendingOutgoing = true
}

// clearPending must be called with lock held.
func (s *Store) clearPending(addr bt.Address) {
	if s.pending == addr {
		s.pending = ""
	}
	if r, ok := s.records[addr]; ok {
		r.PendingOutgoing = false
	}
}

// CanBegin reports why BeginBonding would fail, or nil.
func (s *Store) CanBegin(addr bt.Address) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.canBegin(addr)
}

func (s *Store) canBegin(addr bt.Address) error {
	if s.pending != "" && s.pending != addr {
		return ErrAnotherBonding
	}
	r, ok := s.records[addr]
	if !ok {
		return nil
	}
	// A retry of an automatic PIN attempt re-enters while still BONDING.
	if r.State != bt.BondNone && r.Attempts == 0 {
		return ErrAlreadyBonding
	}
	if r.State == bt.BondBonded {
		return ErrAlreadyBonding
	}
	return nil
}

// BeginBonding marks addr BONDING with the outgoing pending flag.
func (s *Store) BeginBonding(addr bt.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.canBegin(addr); err != nil {
		return err
	}
	s.setPending(addr)
	r := s.record(addr)
	r.State = bt.BondBonding
	logger.Debug("bond", "%s -> BONDING (outgoing, attempts=%d)", addr, r.Attempts)
	return nil
}

// CompleteBonding records a terminal bond result and returns the previous state.
func (s *Store) CompleteBonding(addr bt.Address, outcome bt.Outcome) bt.BondState {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.record(addr)
	prev := r.State
	s.clearPending(addr)
	r.Attempts = 0
	if outcome == bt.OutcomeSuccess {
		r.State = bt.BondBonded
		r.LastFailure = bt.OutcomeSuccess
	} else {
		r.State = bt.BondNone
		r.LastFailure = outcome
	}
	logger.Debug("bond", "%s %s -> %s (%s)", addr, prev, r.State, outcome)
	return prev
}

// CancelBonding moves a BONDING device back to NONE.
func (s *Store) CancelBonding(addr bt.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[addr]
	if !ok || r.State != bt.BondBonding {
		return ErrNotBonding
	}
	s.clearPending(addr)
	r.State = bt.BondNone
	r.Attempts = 0
	r.LastFailure = bt.OutcomeCanceled
	return nil
}

// SetState records a state learned from the radio (incoming pairing,
// pairing done elsewhere, removal). It never touches the outgoing slot
// except to release it when leaving BONDING.
func (s *Store) SetState(addr bt.Address, state bt.BondState, reason bt.Outcome) bt.BondState {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.record(addr)
	prev := r.State
	r.State = state
	if state != bt.BondBonding {
		s.clearPending(addr)
		r.Attempts = 0
	}
	if state == bt.BondNone {
		r.LastFailure = reason
	}
	return prev
}

// State returns the bond state of addr, NONE when unknown.
func (s *Store) State(addr bt.Address) bt.BondState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.records[addr]; ok {
		return r.State
	}
	return bt.BondNone
}

// Record returns a copy of the bookkeeping for addr.
func (s *Store) Record(addr bt.Address) Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.records[addr]; ok {
		return *r
	}
	return Record{Address: addr, State: bt.BondNone}
}

// Pending returns the address holding the outgoing slot.
func (s *Store) Pending() (bt.Address, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pending, s.pending != ""
}

// IsPendingOutgoing reports whether addr holds the outgoing slot.
func (s *Store) IsPendingOutgoing(addr bt.Address) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pending != "" && s.pending == addr
}

// Attempt increments and returns the automatic PIN attempt count.
func (s *Store) Attempt(addr bt.Address) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.record(addr)
	r.Attempts++
	return r.Attempts
}

// Attempts returns the automatic PIN attempt count.
func (s *Store) Attempts(addr bt.Address) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.records[addr]; ok {
		return r.Attempts
	}
	return 0
}

// AddAutoPairFailure remembers that the default PIN failed for addr.
func (s *Store) AddAutoPairFailure(addr bt.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoPairFailed[addr] = true
}

// AutoPairFailed reports whether the default PIN already failed for addr.
func (s *Store) AutoPairFailed(addr bt.Address) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.autoPairFailed[addr]
}

// InState lists addresses currently in state, sorted.
func (s *Store) InState(state bt.BondState) []bt.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []bt.Address
	for addr, r := range s.records {
		if r.State == state {
			out = append(out, addr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

package keeper

import (
	"math/big"
	"sync"
	"time"

	"AgentFuel/internal/journal"
)

// CycleState accumulates across cycles and survives individual failures. It
// is read concurrently by the status endpoint.
type CycleState struct {
	mu sync.Mutex

	cycles    uint64
	succeeded uint64
	skipped   uint64
	failed    uint64

	totalClaimedWei *big.Int
	totalPurchased  *big.Rat

	lastOutcome journal.Outcome
	lastError   string
	lastTier    string
	lastCycleAt time.Time
}

// NewCycleState returns zeroed state.
func NewCycleState() *CycleState {
	return &CycleState{
		totalClaimedWei: new(big.Int),
		totalPurchased:  new(big.Rat),
	}
}

// begin reserves the next cycle number.
func (s *CycleState) begin() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycles++
	return s.cycles
}

func (s *CycleState) addClaimed(wei *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalClaimedWei.Add(s.totalClaimedWei, wei)
}

func (s *CycleState) addPurchased(amount *big.Rat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalPurchased.Add(s.totalPurchased, amount)
}

// complete folds a finished report into the totals.
func (s *CycleState) complete(report Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch report.Outcome {
	case journal.OutcomeSuccess:
		s.succeeded++
	case journal.OutcomeSkipped:
		s.skipped++
	case journal.OutcomeFailure:
		s.failed++
	}
	s.lastOutcome = report.Outcome
	s.lastCycleAt = report.StartedAt
	if report.Tier != "" {
		s.lastTier = report.Tier
	}
	if report.Err != nil {
		s.lastError = report.Err.Error()
	} else {
		s.lastError = ""
	}
}

// TotalClaimedWei returns a copy of the cumulative claimed fees.
func (s *CycleState) TotalClaimedWei() *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return new(big.Int).Set(s.totalClaimedWei)
}

// TotalPurchased returns a copy of the cumulative purchased credits.
func (s *CycleState) TotalPurchased() *big.Rat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return new(big.Rat).Set(s.totalPurchased)
}

// Status is a point-in-time view for the status endpoint.
type Status struct {
	Cycles          uint64    `json:"cycles"`
	Succeeded       uint64    `json:"succeeded"`
	Skipped         uint64    `json:"skipped"`
	Failed          uint64    `json:"failed"`
	TotalClaimedWei string    `json:"total_claimed_wei"`
	TotalPurchased  string    `json:"total_purchased"`
	LastOutcome     string    `json:"last_outcome,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
	Tier            string    `json:"tier,omitempty"`
	LastCycleAt     time.Time `json:"last_cycle_at,omitzero"`
}

// Snapshot returns the current totals.
func (s *CycleState) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Cycles:          s.cycles,
		Succeeded:       s.succeeded,
		Skipped:         s.skipped,
		Failed:          s.failed,
		TotalClaimedWei: s.totalClaimedWei.String(),
		TotalPurchased:  s.totalPurchased.FloatString(6),
		LastOutcome:     string(s.lastOutcome),
		LastError:       s.lastError,
		Tier:            s.lastTier,
		LastCycleAt:     s.lastCycleAt,
	}
}

// Package journal persists one record per completed keeper cycle so operators
// can reconstruct what the agent did and why.
package journal

import (
	"context"
	"time"
)

// Outcome classifies how a cycle ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailure Outcome = "failure"
)

// Record is one cycle's result. String fields hold decimal amounts so the
// store does not need arbitrary-precision types.
type Record struct {
	ID          string
	Cycle       uint64
	StartedAt   time.Time
	Duration    time.Duration
	Outcome     Outcome
	FeesWei     string
	ClaimTx     string
	Credits     string
	Purchased   string
	PurchaseTx  string
	ErrorCode   string
	ErrorDetail string
}

// Store persists cycle records.
type Store interface {
	Append(ctx context.Context, record Record) error
	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]Record, error)
	Close() error
}

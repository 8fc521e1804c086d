// Package ledger abstracts read and write access to the public chain. Higher
// layers describe calls in terms of packed calldata; the client owns RPC
// transport, signing, nonce ordering and receipt confirmation.
package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ReadCall names a single eth_call for batching and diagnostics.
type ReadCall struct {
	Name string
	To   common.Address
	Data []byte
}

// SubmitRequest describes a mutating call to sign, send and confirm.
type SubmitRequest struct {
	// Op names the operation for logs and error context.
	Op    string
	To    common.Address
	Value *big.Int
	Data  []byte
	// GasLimit of zero means estimate before sending.
	GasLimit uint64
}

// SubmitResult reports a confirmed transaction.
type SubmitResult struct {
	TxHash      common.Hash
	GasUsed     uint64
	BlockNumber uint64
}

// Client is the narrow ledger surface the keeper depends on. Implementations
// must serialise Submit calls for a single account: the keeper relies on
// strict transaction-sequence ordering.
type Client interface {
	// BatchRead executes several reads in one RPC round trip, returning the
	// raw outputs in call order.
	BatchRead(ctx context.Context, calls []ReadCall) ([][]byte, error)
	// Read executes a single eth_call.
	Read(ctx context.Context, call ReadCall) ([]byte, error)
	// SuggestGasPrice returns the current network fee price in wei.
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	// BalanceAt returns the spendable native balance of an account in wei.
	BalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
	// EstimateGas estimates the gas cost of a submit request.
	EstimateGas(ctx context.Context, req SubmitRequest) (uint64, error)
	// Submit signs, sends and waits for confirmation, mapping failures to
	// structured reasons (reverted, underpriced, insufficient balance).
	Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error)
	Close()
}

// Package oracle reads the external price feed and caches the result. The
// cache TTL bounds RPC cost; the staleness window bounds financial risk. Both
// are enforced here because the price sizes real transactions downstream.
package oracle

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentFuel/internal/errors"
	"AgentFuel/internal/ledger"
)

// aggregatorABI is the read surface of a Chainlink-style price feed.
const aggregatorABI = `[
  {"name":"latestRoundData","type":"function","stateMutability":"view","inputs":[],
   "outputs":[{"name":"roundId","type":"uint80"},{"name":"answer","type":"int256"},
              {"name":"startedAt","type":"uint256"},{"name":"updatedAt","type":"uint256"},
              {"name":"answeredInRound","type":"uint80"}]},
  {"name":"decimals","type":"function","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"uint8"}]}
]`

// amountPrecision is the fractional precision funding amounts are rounded to.
const amountPrecision = 6

// Snapshot is one validated oracle observation. Replaced wholesale on
// refresh; read-only to callers.
type Snapshot struct {
	// Value is the price in quote units per native unit, always positive.
	Value *big.Rat
	// ObservedAt is the feed's own report timestamp, not our fetch time.
	ObservedAt time.Time
	// Round identifies the feed round; monotonic per feed.
	Round *big.Int
}

// Feed caches reads of a single on-chain price feed.
type Feed struct {
	client    ledger.Client
	feed      common.Address
	abi       abi.ABI
	ttl       time.Duration
	staleness time.Duration
	now       func() time.Time

	mu     sync.Mutex
	cached *entry[Snapshot]
}

// Option adjusts optional Feed behaviour.
type Option func(*Feed)

// WithTTL overrides the cache TTL.
func WithTTL(ttl time.Duration) Option {
	return func(f *Feed) {
		if ttl > 0 {
			f.ttl = ttl
		}
	}
}

// WithStalenessWindow overrides the maximum trusted data age.
func WithStalenessWindow(window time.Duration) Option {
	return func(f *Feed) {
		if window > 0 {
			f.staleness = window
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(f *Feed) {
		if now != nil {
			f.now = now
		}
	}
}

// New constructs a Feed for the given aggregator address.
func New(client ledger.Client, feed common.Address, opts ...Option) (*Feed, error) {
	parsed, err := abi.JSON(strings.NewReader(aggregatorABI))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitialization, err, "parse aggregator ABI")
	}
	f := &Feed{
		client:    client,
		feed:      feed,
		abi:       parsed,
		ttl:       time.Minute,
		staleness: time.Hour,
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f, nil
}

// Price returns a live snapshot, fetching from the feed only when the cached
// one has expired. Data older than the staleness window fails the call; it is
// never silently served from the expired cache.
func (f *Feed) Price(ctx context.Context) (Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	if f.cached.live(now) {
		return f.cached.value, nil
	}

	snapshot, err := f.fetch(ctx, now)
	if err != nil {
		return Snapshot{}, err
	}
	f.cached = newEntry(snapshot, now, f.ttl)
	return snapshot, nil
}

// fetch reads latestRoundData and decimals in a single batch round trip.
func (f *Feed) fetch(ctx context.Context, now time.Time) (Snapshot, error) {
	roundCall, err := f.abi.Pack("latestRoundData")
	if err != nil {
		return Snapshot{}, xerrors.Wrap(xerrors.CodeUnknown, err, "pack latestRoundData")
	}
	decimalsCall, err := f.abi.Pack("decimals")
	if err != nil {
		return Snapshot{}, xerrors.Wrap(xerrors.CodeUnknown, err, "pack decimals")
	}

	outputs, err := f.client.BatchRead(ctx, []ledger.ReadCall{
		{Name: "latestRoundData", To: f.feed, Data: roundCall},
		{Name: "decimals", To: f.feed, Data: decimalsCall},
	})
	if err != nil {
		return Snapshot{}, err
	}

	round, err := f.abi.Unpack("latestRoundData", outputs[0])
	if err != nil || len(round) < 4 {
		return Snapshot{}, xerrors.Wrap(xerrors.CodeRPCFailure, err, "decode latestRoundData")
	}
	decoded, err := f.abi.Unpack("decimals", outputs[1])
	if err != nil || len(decoded) < 1 {
		return Snapshot{}, xerrors.Wrap(xerrors.CodeRPCFailure, err, "decode decimals")
	}

	roundID, _ := round[0].(*big.Int)
	answer, _ := round[1].(*big.Int)
	updatedAt, _ := round[3].(*big.Int)
	decimals, _ := decoded[0].(uint8)
	if answer == nil || answer.Sign() <= 0 {
		return Snapshot{}, xerrors.New(xerrors.CodeStalePrice, "feed reported a non-positive price")
	}

	observedAt := time.Unix(updatedAt.Int64(), 0)
	if age := now.Sub(observedAt); age > f.staleness {
		return Snapshot{}, xerrors.Newf(xerrors.CodeStalePrice,
			"feed data is %s old, staleness window is %s", age.Truncate(time.Second), f.staleness)
	}

	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	return Snapshot{
		Value:      new(big.Rat).SetFrac(new(big.Int).Set(answer), scale),
		ObservedAt: observedAt,
		Round:      new(big.Int).Set(roundID),
	}, nil
}

// AmountForTarget converts a target spend in quote units into the funding
// amount in native units, padded by the safety buffer:
// target * (1 + buffer/100) / price, rounded half-up to 6 decimal places.
func (f *Feed) AmountForTarget(ctx context.Context, target *big.Rat, bufferPercent int64) (*big.Rat, error) {
	if target == nil || target.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "target amount must be positive")
	}
	snapshot, err := f.Price(ctx)
	if err != nil {
		return nil, err
	}

	padded := new(big.Rat).Mul(target, big.NewRat(100+bufferPercent, 100))
	amount := padded.Quo(padded, snapshot.Value)
	return roundRat(amount, amountPrecision), nil
}

// roundRat rounds a positive rational half-up to the given number of decimal
// places, so funding sizes do not drift with floating error.
func roundRat(r *big.Rat, places int) *big.Rat {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(places)), nil)
	scaled := new(big.Rat).Mul(r, new(big.Rat).SetInt(scale))

	// floor((2a+b) / 2b) rounds a/b half-up for non-negative values.
	num := new(big.Int).Mul(scaled.Num(), big.NewInt(2))
	num.Add(num, scaled.Denom())
	den := new(big.Int).Mul(scaled.Denom(), big.NewInt(2))
	num.Div(num, den)

	return new(big.Rat).SetFrac(num, scale)
}

// Package credits talks to the service-credit provider: reading the current
// balance and requesting signed purchase intents that the ledger client can
// settle on-chain.
package credits

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"

	xerrors "AgentFuel/internal/errors"
	"AgentFuel/internal/ledger"
	"AgentFuel/internal/retry"
)

// Balance is the provider's view of an agent account.
type Balance struct {
	TotalGranted *big.Rat
	TotalUsed    *big.Rat
}

// Remaining is granted minus used, clamped at zero.
func (b Balance) Remaining() *big.Rat {
	remaining := new(big.Rat).Sub(b.TotalGranted, b.TotalUsed)
	if remaining.Sign() < 0 {
		return new(big.Rat)
	}
	return remaining
}

// Intent is a signed purchase authorisation from the provider. The payload
// and value are submitted verbatim; tampering invalidates the signature.
type Intent struct {
	ID        string
	Amount    *big.Rat
	Recipient common.Address
	ValueWei  *big.Int
	Payload   []byte
	ExpiresAt time.Time
}

// SubmitRequest converts the intent into a ledger submission.
func (i Intent) SubmitRequest() ledger.SubmitRequest {
	return ledger.SubmitRequest{
		Op:    "purchase " + i.ID,
		To:    i.Recipient,
		Value: i.ValueWei,
		Data:  i.Payload,
	}
}

// Config carries the provider endpoints and credentials.
type Config struct {
	BalanceURL  string
	PurchaseURL string
	APIKey      string
}

// Client is an HTTP client for the credit provider. Both calls retry per the
// shared policy; 4xx responses fail fast.
type Client struct {
	cfg    Config
	http   *http.Client
	policy retry.Policy
	now    func() time.Time
}

// NewClient constructs a provider client.
func NewClient(cfg Config, httpClient *http.Client, policy retry.Policy) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{cfg: cfg, http: httpClient, policy: policy, now: time.Now}
}

type balanceResponse struct {
	TotalGranted json.Number `json:"total_granted"`
	TotalUsed    json.Number `json:"total_used"`
}

// Balance reads the agent's current credit balance.
func (c *Client) Balance(ctx context.Context, agent common.Address) (Balance, error) {
	if c.cfg.BalanceURL == "" {
		return Balance{}, xerrors.New(xerrors.CodeInvalidArgument, "credit balance URL not configured")
	}
	url := fmt.Sprintf("%s?address=%s", c.cfg.BalanceURL, agent.Hex())
	body, err := retry.DoHTTP(ctx, "credit balance", c.policy, c.http, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		c.authorise(req)
		return req, nil
	})
	if err != nil {
		return Balance{}, err
	}

	var decoded balanceResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return Balance{}, xerrors.Wrap(xerrors.CodeHTTPServer, err, "decode balance response")
	}
	granted, err := parseDecimal(decoded.TotalGranted, "total_granted")
	if err != nil {
		return Balance{}, err
	}
	used, err := parseDecimal(decoded.TotalUsed, "total_used")
	if err != nil {
		return Balance{}, err
	}
	return Balance{TotalGranted: granted, TotalUsed: used}, nil
}

type intentRequest struct {
	Address        string `json:"address"`
	Amount         string `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
}

type intentResponse struct {
	ID        string      `json:"id"`
	Amount    json.Number `json:"amount"`
	Recipient string      `json:"recipient"`
	ValueWei  string      `json:"value_wei"`
	Payload   string      `json:"payload"`
	ExpiresAt int64       `json:"expires_at"`
}

// RequestIntent asks the provider to authorise a purchase of the given credit
// amount. Each call carries a fresh idempotency key so a retried request is
// deduplicated server-side instead of double-charging.
func (c *Client) RequestIntent(ctx context.Context, agent common.Address, amount *big.Rat) (Intent, error) {
	if c.cfg.PurchaseURL == "" {
		return Intent{}, xerrors.New(xerrors.CodeInvalidArgument, "credit purchase URL not configured")
	}
	if amount == nil || amount.Sign() <= 0 {
		return Intent{}, xerrors.New(xerrors.CodeInvalidArgument, "purchase amount must be positive")
	}

	payload, err := json.Marshal(intentRequest{
		Address:        agent.Hex(),
		Amount:         amount.FloatString(6),
		IdempotencyKey: uuid.NewString(),
	})
	if err != nil {
		return Intent{}, xerrors.Wrap(xerrors.CodeUnknown, err, "encode intent request")
	}

	body, err := retry.DoHTTP(ctx, "purchase intent", c.policy, c.http, func(ctx context.Context) (*http.Request, error) {
		req, err := newJSONPost(ctx, c.cfg.PurchaseURL, payload)
		if err != nil {
			return nil, err
		}
		c.authorise(req)
		return req, nil
	})
	if err != nil {
		return Intent{}, err
	}
	return c.decodeIntent(body)
}

func (c *Client) decodeIntent(body []byte) (Intent, error) {
	var decoded intentResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return Intent{}, xerrors.Wrap(xerrors.CodeHTTPServer, err, "decode intent response")
	}
	amount, err := parseDecimal(decoded.Amount, "amount")
	if err != nil {
		return Intent{}, err
	}
	value, ok := new(big.Int).SetString(decoded.ValueWei, 10)
	if !ok || value.Sign() < 0 {
		return Intent{}, xerrors.Newf(xerrors.CodeHTTPServer, "intent carries invalid value_wei %q", decoded.ValueWei)
	}
	data, err := hexutil.Decode(decoded.Payload)
	if err != nil {
		return Intent{}, xerrors.Wrap(xerrors.CodeHTTPServer, err, "decode intent payload")
	}
	if !common.IsHexAddress(decoded.Recipient) {
		return Intent{}, xerrors.Newf(xerrors.CodeHTTPServer, "intent carries invalid recipient %q", decoded.Recipient)
	}

	intent := Intent{
		ID:        decoded.ID,
		Amount:    amount,
		Recipient: common.HexToAddress(decoded.Recipient),
		ValueWei:  value,
		Payload:   data,
		ExpiresAt: time.Unix(decoded.ExpiresAt, 0),
	}
	if !intent.ExpiresAt.After(c.now()) {
		return Intent{}, xerrors.Newf(xerrors.CodeHTTPServer, "intent %s already expired at %s", intent.ID, intent.ExpiresAt)
	}
	return intent, nil
}

func (c *Client) authorise(req *http.Request) {
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
}

func newJSONPost(ctx context.Context, url string, payload []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func parseDecimal(value json.Number, field string) (*big.Rat, error) {
	parsed, ok := new(big.Rat).SetString(value.String())
	if !ok {
		return nil, xerrors.Newf(xerrors.CodeHTTPServer, "provider returned invalid %s %q", field, value)
	}
	return parsed, nil
}

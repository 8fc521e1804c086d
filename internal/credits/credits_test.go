package credits

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentFuel/internal/errors"
	"AgentFuel/internal/retry"
)

var testAgent = common.HexToAddress("0x1111111111111111111111111111111111111111")

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 2, InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond}
}

func TestBalanceParsesProviderResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("address"); got != testAgent.Hex() {
			t.Fatalf("unexpected address query %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Fatalf("missing bearer token, got %q", got)
		}
		fmt.Fprint(w, `{"total_granted":"100.5","total_used":"92.25"}`)
	}))
	defer server.Close()

	client := NewClient(Config{BalanceURL: server.URL, APIKey: "secret"}, server.Client(), fastPolicy())
	balance, err := client.Balance(context.Background(), testAgent)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if want := big.NewRat(33, 4); balance.Remaining().Cmp(want) != 0 {
		t.Fatalf("expected remaining 8.25, got %s", balance.Remaining().RatString())
	}
}

func TestBalanceRemainingClampsAtZero(t *testing.T) {
	balance := Balance{TotalGranted: big.NewRat(10, 1), TotalUsed: big.NewRat(12, 1)}
	if balance.Remaining().Sign() != 0 {
		t.Fatalf("overdrawn balance must clamp to zero, got %s", balance.Remaining().RatString())
	}
}

func TestBalanceRetriesServerErrors(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"total_granted":"5","total_used":"1"}`)
	}))
	defer server.Close()

	client := NewClient(Config{BalanceURL: server.URL}, server.Client(), fastPolicy())
	if _, err := client.Balance(context.Background(), testAgent); err != nil {
		t.Fatalf("balance should succeed after retry: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestRequestIntentCarriesFreshIdempotencyKeys(t *testing.T) {
	seen := map[string]bool{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Address        string `json:"address"`
			Amount         string `json:"amount"`
			IdempotencyKey string `json:"idempotency_key"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.IdempotencyKey == "" || seen[req.IdempotencyKey] {
			t.Fatalf("idempotency key missing or reused: %q", req.IdempotencyKey)
		}
		seen[req.IdempotencyKey] = true
		if req.Amount != "15.000000" {
			t.Fatalf("unexpected amount %q", req.Amount)
		}
		fmt.Fprintf(w, `{"id":"in_1","amount":"15","recipient":"%s","value_wei":"7500000000000000","payload":"0xdeadbeef","expires_at":%d}`,
			testAgent.Hex(), time.Now().Add(time.Hour).Unix())
	}))
	defer server.Close()

	client := NewClient(Config{PurchaseURL: server.URL}, server.Client(), fastPolicy())
	for i := 0; i < 2; i++ {
		intent, err := client.RequestIntent(context.Background(), testAgent, big.NewRat(15, 1))
		if err != nil {
			t.Fatalf("request intent: %v", err)
		}
		if intent.ValueWei.Cmp(big.NewInt(7500000000000000)) != 0 {
			t.Fatalf("unexpected value %s", intent.ValueWei)
		}
		submit := intent.SubmitRequest()
		if submit.To != testAgent || len(submit.Data) != 4 {
			t.Fatalf("submit request not built from intent: %+v", submit)
		}
	}
}

func TestRequestIntentRejectsExpiredIntent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"id":"in_2","amount":"1","recipient":"%s","value_wei":"1","payload":"0x00","expires_at":%d}`,
			testAgent.Hex(), time.Now().Add(-time.Minute).Unix())
	}))
	defer server.Close()

	client := NewClient(Config{PurchaseURL: server.URL}, server.Client(), fastPolicy())
	if _, err := client.RequestIntent(context.Background(), testAgent, big.NewRat(1, 1)); err == nil {
		t.Fatal("expired intent must be rejected")
	}
}

func TestRequestIntentFailsFastOnClientError(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	client := NewClient(Config{PurchaseURL: server.URL}, server.Client(), fastPolicy())
	_, err := client.RequestIntent(context.Background(), testAgent, big.NewRat(1, 1))
	if !xerrors.IsNonRetryable(err) {
		t.Fatalf("4xx must not be retried, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
}

func TestRequestIntentValidatesAmount(t *testing.T) {
	client := NewClient(Config{PurchaseURL: "http://unused"}, nil, fastPolicy())
	if _, err := client.RequestIntent(context.Background(), testAgent, big.NewRat(0, 1)); err == nil {
		t.Fatal("zero amount must be rejected before hitting the network")
	}
}

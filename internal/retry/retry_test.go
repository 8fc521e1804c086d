package retry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	xerrors "AgentFuel/internal/errors"
)

func fastPolicy(maxAttempts int) Policy {
	return Policy{
		MaxAttempts:  maxAttempts,
		InitialDelay: time.Millisecond,
		Multiplier:   2,
		MaxDelay:     10 * time.Millisecond,
	}
}

func TestDoExhaustsAttemptBudget(t *testing.T) {
	ctx := context.Background()
	calls := 0
	boom := errors.New("boom")

	_, err := Do(ctx, "always-fails", fastPolicy(3), func(ctx context.Context) (int, error) {
		calls++
		return 0, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected final error %v, got %v", boom, err)
	}
	if calls != 4 {
		t.Fatalf("expected 1 initial + 3 retries = 4 calls, got %d", calls)
	}
}

func TestDoReturnsFirstSuccess(t *testing.T) {
	ctx := context.Background()
	calls := 0

	got, err := Do(ctx, "flaky", fastPolicy(5), func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", xerrors.New(xerrors.CodeHTTPServer, "transient")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if got != "ok" || calls != 3 {
		t.Fatalf("expected success on call 3, got %q after %d calls", got, calls)
	}
}

func TestDoNonRetryableAbortsImmediately(t *testing.T) {
	ctx := context.Background()
	calls := 0

	_, err := Do(ctx, "bad-request", fastPolicy(5), func(ctx context.Context) (int, error) {
		calls++
		return 0, xerrors.New(xerrors.CodeHTTPClient, "malformed request")
	})
	if calls != 1 {
		t.Fatalf("non-retryable error must not consume retries, got %d calls", calls)
	}
	if xerrors.CodeOf(err) != xerrors.CodeHTTPClient {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBackoffDelaysIncreaseAndCap(t *testing.T) {
	policy := Policy{
		MaxAttempts:  6,
		InitialDelay: 100 * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     time.Second,
	}.normalised()

	prev := time.Duration(0)
	for k := 1; k <= 4; k++ {
		d := policy.delay(k)
		if d <= prev {
			t.Fatalf("delay for retry %d (%v) not greater than previous (%v)", k, d, prev)
		}
		prev = d
	}
	if policy.delay(1) != 100*time.Millisecond {
		t.Fatalf("first retry delay should equal InitialDelay, got %v", policy.delay(1))
	}
	if policy.delay(10) != time.Second {
		t.Fatalf("delay must cap at MaxDelay, got %v", policy.delay(10))
	}
}

func TestOnRetryObserverRunsAndCannotAbort(t *testing.T) {
	ctx := context.Background()
	observed := 0
	policy := fastPolicy(2)
	policy.OnRetry = func(err error, attempt int) {
		observed++
		panic("observer must not break the loop")
	}

	calls := 0
	_, err := Do(ctx, "observed", policy, func(ctx context.Context) (int, error) {
		calls++
		return 0, xerrors.New(xerrors.CodeHTTPServer, "transient")
	})
	if err == nil {
		t.Fatal("expected failure after budget")
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	if observed != 2 {
		t.Fatalf("observer should run before each backoff, got %d", observed)
	}
}

func TestDoStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	policy := Policy{MaxAttempts: 50, InitialDelay: 50 * time.Millisecond, Multiplier: 1, MaxDelay: 50 * time.Millisecond}
	_, err := Do(ctx, "cancelled", policy, func(ctx context.Context) (int, error) {
		calls++
		if calls == 2 {
			cancel()
		}
		return 0, xerrors.New(xerrors.CodeHTTPServer, "transient")
	})
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
	if calls > 3 {
		t.Fatalf("loop should stop shortly after cancel, got %d calls", calls)
	}
}

func TestDoHTTPClassifiesStatuses(t *testing.T) {
	t.Run("server errors retried", func(t *testing.T) {
		hits := 0
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits++
			if hits < 3 {
				http.Error(w, "try later", http.StatusServiceUnavailable)
				return
			}
			w.Write([]byte(`{"ok":true}`))
		}))
		defer srv.Close()

		body, err := DoHTTP(context.Background(), "credits", fastPolicy(5), srv.Client(), func(ctx context.Context) (*http.Request, error) {
			return http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
		})
		if err != nil {
			t.Fatalf("do http: %v", err)
		}
		if hits != 3 {
			t.Fatalf("expected 2 retried 503s then success, got %d hits", hits)
		}
		if string(body) != `{"ok":true}` {
			t.Fatalf("unexpected body %q", body)
		}
	})

	t.Run("client errors abort", func(t *testing.T) {
		hits := 0
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits++
			http.Error(w, "bad payload", http.StatusBadRequest)
		}))
		defer srv.Close()

		_, err := DoHTTP(context.Background(), "credits", fastPolicy(5), srv.Client(), func(ctx context.Context) (*http.Request, error) {
			return http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
		})
		if hits != 1 {
			t.Fatalf("4xx must not be retried, got %d hits", hits)
		}
		if !xerrors.IsNonRetryable(err) {
			t.Fatalf("expected non-retryable classification, got %v", err)
		}
	})
}

package quota

import (
	"bytes"
	"context"
	"net/http"

	xerrors "AgentFuel/internal/errors"
	"AgentFuel/internal/retry"
)

// identityHeader carries the caller identity to the quota gateway.
const identityHeader = "X-Agent-Address"

// Gateway invokes the remote quota-gateway endpoint. Request and response
// bodies are opaque beyond success or failure plus an optional payload.
type Gateway struct {
	url    string
	client *http.Client
	policy retry.Policy
}

// NewGateway constructs a gateway client.
func NewGateway(url string, client *http.Client, policy retry.Policy) *Gateway {
	if client == nil {
		client = http.DefaultClient
	}
	return &Gateway{url: url, client: client, policy: policy}
}

// Invoke posts the payload under the caller identity and returns the raw
// response body. Classification follows the HTTP retry rules: 5xx retried,
// 4xx failed fast.
func (g *Gateway) Invoke(ctx context.Context, identity string, payload []byte) ([]byte, error) {
	if g.url == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "quota gateway URL not configured")
	}
	return retry.DoHTTP(ctx, "quota gateway", g.policy, g.client, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(identityHeader, identity)
		return req, nil
	})
}

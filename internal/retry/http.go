package retry

import (
	"context"
	"io"
	"net/http"

	xerrors "AgentFuel/internal/errors"
)

// maxErrorBody bounds how much of an error response is kept for diagnostics.
const maxErrorBody = 512

// DoHTTP issues an HTTP request built by newRequest under the retry policy.
// Server-class statuses (5xx) are retried like any transient failure while
// client-class statuses (4xx) abort immediately as NonRetryable. The request
// is rebuilt per attempt so bodies are never replayed from a drained reader.
func DoHTTP(ctx context.Context, name string, policy Policy, client *http.Client, newRequest func(ctx context.Context) (*http.Request, error)) ([]byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	return Do(ctx, name, policy, func(ctx context.Context) ([]byte, error) {
		req, err := newRequest(ctx)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, name+" build request")
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeHTTPServer, err, name+" request failed")
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeHTTPServer, err, name+" read response")
		}
		if err := statusError(name, resp.StatusCode, body); err != nil {
			return nil, err
		}
		return body, nil
	})
}

func statusError(name string, status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	code := xerrors.CodeHTTPServer
	if status >= 400 && status < 500 {
		code = xerrors.CodeHTTPClient
	}
	return xerrors.Newf(code, "%s returned status %d: %s", name, status, string(body))
}

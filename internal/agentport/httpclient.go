package agentport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPPort dispatches a Request as a JSON POST to a single worker
// endpoint and decodes its response. No pack example wires a dedicated
// outbound HTTP client library (resty/retryablehttp appear only as
// transitive dependencies of something else, never imported directly),
// so this is deliberately built on net/http's client the way the
// pack's own services call out to each other.
type HTTPPort struct {
	url    string
	client *http.Client
}

// NewHTTPPort builds a Port that POSTs to url. The worker at url must
// answer with the JSON encoding of a Response.
func NewHTTPPort(url string, client *http.Client) *HTTPPort {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPPort{url: url, client: client}
}

func (p *HTTPPort) Invoke(ctx context.Context, req Request, deadline time.Time) (Response, error) {
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, &Error{Kind: "Internal", Message: fmt.Sprintf("encode request: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return Response{}, &Error{Kind: "Internal", Message: fmt.Sprintf("build request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return Response{}, &Error{Kind: "AgentRetryableFailure", Retryable: true, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return Response{}, &Error{Kind: "AgentRetryableFailure", Retryable: true, Message: fmt.Sprintf("worker returned %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return Response{}, &Error{Kind: "AgentPermanentFailure", Message: fmt.Sprintf("worker returned %d", resp.StatusCode)}
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Response{}, &Error{Kind: "AgentRetryableFailure", Retryable: true, Message: fmt.Sprintf("decode worker response: %v", err)}
	}
	return out, nil
}

package telemetry

import (
	"context"
	"io"
	"net/http"
	"time"
)

// InstrumentedTransport records upstream fetch metrics for every request it
// carries. The chain service routes all of its upstream traffic through one:
// JSON-RPC calls under the "rpc" upstream and FastNear token-list reads under
// "token_list", so per-upstream latency, volume, and rate-limit pressure show
// up without any instrumentation in the callers.
type InstrumentedTransport struct {
	base     http.RoundTripper
	upstream string
}

// NewInstrumentedTransport wraps base with fetch metrics attributed to the
// named upstream. A nil base uses http.DefaultTransport.
func NewInstrumentedTransport(base http.RoundTripper, upstream string) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base, upstream: upstream}
}

// RoundTrip implements http.RoundTripper. Byte counts are recorded when the
// response body is closed, so they reflect what the caller actually read.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		outcome := "error"
		if req.Context().Err() != nil {
			outcome = "canceled"
		}
		RecordUpstreamFetch(req.Context(), t.upstream, time.Since(start), 0, outcome)
		return nil, err
	}

	resp.Body = &instrumentedBody{
		ReadCloser: resp.Body,
		ctx:        req.Context(),
		upstream:   t.upstream,
		start:      start,
		outcome:    fetchOutcome(resp.StatusCode),
	}

	return resp, nil
}

// fetchOutcome classifies a response status for the upstream fetch counters.
// Rate limiting gets its own bucket: 429s from the RPC endpoints and the
// token-list API drive the retry and fallback paths, so they are worth
// watching separately from other client errors.
func fetchOutcome(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return "rate_limited"
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	default:
		return "success"
	}
}

// instrumentedBody defers the fetch record until the body is closed so the
// bytes-read counter covers the full payload.
type instrumentedBody struct {
	io.ReadCloser
	ctx      context.Context
	upstream string
	start    time.Time
	bytes    int64
	outcome  string
	recorded bool
}

func (b *instrumentedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.bytes += int64(n)
	return n, err
}

func (b *instrumentedBody) Close() error {
	if !b.recorded {
		b.recorded = true
		RecordUpstreamFetch(b.ctx, b.upstream, time.Since(b.start), b.bytes, b.outcome)
	}
	return b.ReadCloser.Close()
}

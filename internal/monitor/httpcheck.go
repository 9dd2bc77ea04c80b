package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"server-health/internal/config"
)

// ProbeError is a probe that got no usable response.
type ProbeError struct {
	Reason string
	Err    error
}

func (e *ProbeError) Error() string { return e.Reason }

func (e *ProbeError) Unwrap() error { return e.Err }

// HTTPProbe checks targets with a shared HTTP client.
type HTTPProbe struct {
	client *http.Client
}

func NewHTTPProbe(client *http.Client) *HTTPProbe {
	return &HTTPProbe{client: client}
}

// Check performs a single HTTP check for a target.
// - Bounded by the target timeout.
// - Validates expected status and optional keyword match.
// Returns an error only when no response was received.
func (p *HTTPProbe) Check(ctx context.Context, t config.Target) (Status, error) {
	if t.TimeoutDur > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.TimeoutDur)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, t.Method, t.URL, nil)
	if err != nil {
		return Status{}, &ProbeError{Reason: fmt.Sprintf("build request: %v", err), Err: err}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return Status{}, &ProbeError{Reason: classifyHTTPError(err), Err: err}
	}
	defer resp.Body.Close()

	res := Status{StatusCode: resp.StatusCode}

	// 1) Status code validation
	if t.ExpectedStatus != 0 && resp.StatusCode != t.ExpectedStatus {
		res.Validation = fmt.Sprintf("unexpected status: got %d want %d", resp.StatusCode, t.ExpectedStatus)
		return res, nil
	}

	// If no expected status provided, consider 2xx as UP.
	if t.ExpectedStatus == 0 && (resp.StatusCode < 200 || resp.StatusCode >= 300) {
		res.Validation = fmt.Sprintf("bad status: %d", resp.StatusCode)
		return res, nil
	}

	// 2) Keyword/content validation (GET only)
	if contains := strings.TrimSpace(t.Contains); contains != "" {
		maxBytes := t.MaxBodyBytes
		if maxBytes <= 0 {
			maxBytes = 64 * 1024
		}

		bodyBytes, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBytes))
		if readErr != nil {
			return res, &ProbeError{Reason: "read body: " + classifyHTTPError(readErr), Err: readErr}
		}
		if !strings.Contains(string(bodyBytes), contains) {
			res.Validation = fmt.Sprintf("keyword missing: %q", contains)
			return res, nil
		}
	}

	res.OK = true
	return res, nil
}

// classifyHTTPError produces a stable, human-readable reason.
func classifyHTTPError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return fmt.Sprintf("dns lookup failed for %s", dnsErr.Name)
	}
	return err.Error()
}

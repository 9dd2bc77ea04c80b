package action

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"server-health/internal/config"

	"github.com/gravitational/trace"
)

// Webhook triggers remediation through an HTTP endpoint.
type Webhook struct {
	spec   config.HTTPRequest
	client *http.Client
}

func (w *Webhook) Execute(ctx context.Context) (string, error) {
	if w.spec.TimeoutDur > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.spec.TimeoutDur)
		defer cancel()
	}

	var body io.Reader
	if w.spec.Body != "" {
		body = strings.NewReader(w.spec.Body)
	}
	req, err := http.NewRequestWithContext(ctx, w.spec.Method, w.spec.URL, body)
	if err != nil {
		return "", trace.Wrap(err, "build request")
	}
	for k, v := range w.spec.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return "", trace.ConnectionProblem(err, "webhook %v %v failed", w.spec.Method, w.spec.URL)
	}
	defer resp.Body.Close()

	b, readErr := io.ReadAll(io.LimitReader(resp.Body, maxOutput+1))
	out := truncate(fmt.Sprintf("%s\n%s", resp.Status, b))
	if readErr != nil {
		return out, trace.Wrap(readErr, "read webhook response")
	}

	if w.spec.ExpectedStatus != 0 {
		if resp.StatusCode != w.spec.ExpectedStatus {
			return out, trace.Errorf("webhook returned %d, want %d", resp.StatusCode, w.spec.ExpectedStatus)
		}
		return out, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return out, trace.Errorf("webhook returned %d", resp.StatusCode)
	}
	return out, nil
}

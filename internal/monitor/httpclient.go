package monitor

import (
	"net"
	"net/http"
	"time"

	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Client names the traffic an HTTP client carries, as reported in metrics.
const (
	ClientCheck  = "check"
	ClientAction = "action"
)

const defaultUserAgent = "server-health"

type HTTPClientConfig struct {
	// Client labels the outbound request metrics, see ClientCheck and ClientAction.
	Client string
	// UserAgent is sent unless the request sets its own.
	UserAgent string
	// Timeout caps a whole request. Per-target timeouts are applied through
	// the request context and are expected to be shorter.
	Timeout time.Duration
	// DisableKeepAlives opens a new connection for every request, so a
	// server that stopped accepting connections cannot hide behind a
	// pooled one.
	DisableKeepAlives bool
	MaxIdleConns      int
	IdleConnTimeout   time.Duration
}

func (c *HTTPClientConfig) checkAndSetDefaults() error {
	switch c.Client {
	case ClientCheck, ClientAction:
	case "":
		return trace.BadParameter("missing client name")
	default:
		return trace.BadParameter("unknown client %q", c.Client)
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Minute
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 100
	}
	if c.IdleConnTimeout <= 0 {
		c.IdleConnTimeout = 90 * time.Second
	}
	return nil
}

// NewHTTPClient returns a client for health checks or webhook actions.
// Requests are counted and timed under the configured client name.
func NewHTTPClient(cfg HTTPClientConfig) (*http.Client, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		DisableKeepAlives:     cfg.DisableKeepAlives,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   2,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	labels := prometheus.Labels{"client": cfg.Client}
	var rt http.RoundTripper = userAgentTransport{next: transport, userAgent: cfg.UserAgent}
	rt = promhttp.InstrumentRoundTripperDuration(httpRequestDuration.MustCurryWith(labels), rt)
	rt = promhttp.InstrumentRoundTripperCounter(httpRequests.MustCurryWith(labels), rt)

	return &http.Client{Transport: rt, Timeout: cfg.Timeout}, nil
}

type userAgentTransport struct {
	next      http.RoundTripper
	userAgent string
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.next.RoundTrip(req)
	}
	// RoundTrip must not modify the caller's request
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.userAgent)
	return t.next.RoundTrip(req)
}

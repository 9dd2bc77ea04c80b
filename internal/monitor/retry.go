package monitor

import (
	"context"
	"errors"
	"time"

	"server-health/internal/config"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// RetryingProbe decides target health with a fixed number of attempts.
type RetryingProbe struct {
	probe HealthProbe
	clock clockwork.Clock
	log   logrus.FieldLogger
}

func NewRetryingProbe(probe HealthProbe, clock clockwork.Clock) *RetryingProbe {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RetryingProbe{
		probe: probe,
		clock: clock,
		log:   logrus.WithField(trace.Component, "probe"),
	}
}

// Check probes t up to tries times and returns on the first healthy status.
// Attempts are separated by the target's wait_between_tries; there is no wait
// after the last one. When every attempt fails, only the last status is returned.
func (r *RetryingProbe) Check(ctx context.Context, t config.Target, tries int) ServerStatus {
	if tries < 1 {
		tries = 1
	}
	logger := r.log.WithField("target", t.Name)

	var st ServerStatus
	for attempt := 1; attempt <= tries; attempt++ {
		st = r.attempt(ctx, t)
		if st.OK {
			probeAttempts.WithLabelValues(t.Name, "ok").Inc()
			return st
		}
		probeAttempts.WithLabelValues(t.Name, "fail").Inc()
		logger.WithFields(logrus.Fields{
			"attempt": attempt,
			"tries":   tries,
			"code":    st.StatusCode,
			"error":   st.ExecError,
		}).Debug("Probe failed.")

		if attempt == tries {
			break
		}
		if err := sleep(ctx, r.clock, t.WaitBetweenTriesDur); err != nil {
			break
		}
	}
	return st
}

func (r *RetryingProbe) attempt(ctx context.Context, t config.Target) ServerStatus {
	res, err := r.probe.Check(ctx, t)
	if err != nil {
		return ServerStatus{StatusCode: res.StatusCode, ExecError: probeReason(err)}
	}
	return ServerStatus{StatusCode: res.StatusCode, OK: res.OK, ExecError: res.Validation}
}

func probeReason(err error) string {
	var probeErr *ProbeError
	if errors.As(err, &probeErr) {
		return probeErr.Reason
	}
	return err.Error()
}

// sleep waits for d on clock. It returns early with the context error.
func sleep(ctx context.Context, clock clockwork.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.Chan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

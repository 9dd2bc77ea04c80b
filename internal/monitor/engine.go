package monitor

import (
	"context"

	"server-health/internal/config"
	"server-health/internal/messages"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// EngineConfig defines the collaborators of the escalation engine.
type EngineConfig struct {
	Probe    HealthProbe
	Runner   ActionRunner
	Notifier Notifier
	// clock specifies the time implementation.
	// Overridden in tests
	clock clockwork.Clock
}

func (c *EngineConfig) checkAndSetDefaults() error {
	if c.Probe == nil {
		return trace.BadParameter("missing health probe")
	}
	if c.Runner == nil {
		return trace.BadParameter("missing action runner")
	}
	if c.Notifier == nil {
		return trace.BadParameter("missing notifier")
	}
	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}
	return nil
}

// Engine walks one target through probing and escalation for one cycle.
type Engine struct {
	probe    *RetryingProbe
	runner   ActionRunner
	notifier Notifier
	clock    clockwork.Clock
	log      logrus.FieldLogger
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Engine{
		probe:    NewRetryingProbe(cfg.Probe, cfg.clock),
		runner:   cfg.Runner,
		notifier: cfg.Notifier,
		clock:    cfg.clock,
		log:      logrus.WithField(trace.Component, "engine"),
	}, nil
}

// Run decides the health of t for this cycle, running remediation actions when
// it is unhealthy. knownUp is the outcome of the previous cycle; it only
// controls which notifications are sent:
//   - known up: one escalation notice per action attempted, then one
//     "actions exhausted" notice if nothing helped;
//   - known down: silent escalation, and one "recovered" notice once healthy.
func (e *Engine) Run(ctx context.Context, t config.Target, mail config.MailConfig, knownUp bool) Result {
	logger := e.log.WithField("target", t.Name)

	status := e.probe.Check(ctx, t, t.Tries())
	if status.OK {
		if !knownUp {
			logger.Info("Target recovered.")
			e.notify(ctx, logger, kindRecovered, mail, messages.Recovered(t), t.Recipients)
		}
		return Result{Up: true, Status: status}
	}

	logger.WithFields(logrus.Fields{
		"code":     status.StatusCode,
		"error":    status.ExecError,
		"known_up": knownUp,
	}).Warn("Target unhealthy.")

	res := Result{Status: status}
	var lastOutput string

escalation:
	for idx, a := range t.Actions {
		if ctx.Err() != nil {
			break
		}
		if knownUp {
			msg := messages.EscalationStart(t, idx, len(t.Actions), status.message(), lastOutput)
			e.notify(ctx, logger, kindEscalation, mail, msg, t.Recipients)
		}
		for rep := 1; rep <= a.RepeatTimes; rep++ {
			lastOutput = e.runAction(ctx, logger.WithField("repeat", rep), t, a)
			res.ActionsRun++
			if err := sleep(ctx, e.clock, a.WaitAfterwardsDur); err != nil {
				break escalation
			}
			status = e.probe.Check(ctx, t, t.TriesAfterAction())
			if status.OK {
				logger.WithField("action", a.Name).Info("Action restored health.")
				break escalation
			}
		}
	}
	res.Status = status

	if status.OK {
		res.Up = true
		if !knownUp {
			e.notify(ctx, logger, kindRecovered, mail, messages.Recovered(t), t.Recipients)
		}
		return res
	}
	if ctx.Err() != nil {
		// interrupted, not exhausted
		return res
	}
	if knownUp {
		logger.Warn("All actions exhausted.")
		e.notify(ctx, logger, kindExhausted, mail, messages.ActionsExhausted(t, status.message()), t.Recipients)
	}
	return res
}

// runAction executes a and returns the text to report in the next notification.
func (e *Engine) runAction(ctx context.Context, logger logrus.FieldLogger, t config.Target, a config.Action) string {
	logger = logger.WithField("action", a.Name)
	out, err := e.runner.Run(ctx, a)
	if err == nil {
		actionRuns.WithLabelValues(t.Name, a.Name, "ok").Inc()
		return out
	}
	actionRuns.WithLabelValues(t.Name, a.Name, "error").Inc()
	logger.WithError(err).Warn("Action execution failed.")
	failure := "execution failed: " + trace.UserMessage(err)
	if out == "" {
		return failure
	}
	return out + "\n" + failure
}

func (e *Engine) notify(ctx context.Context, logger logrus.FieldLogger, kind string, mail config.MailConfig, msg messages.Message, recipients []string) {
	if err := e.notifier.Notify(ctx, mail, msg, recipients); err != nil {
		notificationsSent.WithLabelValues(kind, "error").Inc()
		logger.WithError(err).WithField("kind", kind).Error("Failed to send notification.")
		return
	}
	notificationsSent.WithLabelValues(kind, "ok").Inc()
}

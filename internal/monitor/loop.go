package monitor

import (
	"context"
	"fmt"
	"time"

	"server-health/internal/config"
	"server-health/internal/messages"
	"server-health/internal/snapshot"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// Processor runs one target through one cycle. *Engine implements it.
type Processor interface {
	Run(ctx context.Context, t config.Target, mail config.MailConfig, knownUp bool) Result
}

// LoopConfig defines the monitor loop configuration.
type LoopConfig struct {
	// Source is re-read at the start of every cycle
	Source config.Source
	// Engine processes each target
	Engine Processor
	// Notifier delivers configuration error alerts to admins
	Notifier Notifier
	// Recorder optionally keeps a history of results
	Recorder Recorder
	// Snapshots optionally receives the status view after each target
	Snapshots *snapshot.Store
	// clock specifies the time implementation.
	// Overridden in tests
	clock clockwork.Clock
}

func (c *LoopConfig) checkAndSetDefaults() error {
	if c.Source == nil {
		return trace.BadParameter("missing configuration source")
	}
	if c.Engine == nil {
		return trace.BadParameter("missing engine")
	}
	if c.Notifier == nil {
		return trace.BadParameter("missing notifier")
	}
	if c.Recorder == nil {
		c.Recorder = nopRecorder{}
	}
	if c.Snapshots == nil {
		c.Snapshots = snapshot.New()
	}
	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}
	return nil
}

// Loop is the reload-tolerant monitor loop. It exclusively owns the
// known-down set and the last good configuration; both are only touched
// from the goroutine calling Run or RunCycle.
type Loop struct {
	config LoopConfig
	log    logrus.FieldLogger

	// knownDown holds the names of targets that ended their last completed cycle unhealthy
	knownDown map[string]struct{}
	lastGood  *config.Config
	agg       *aggregator
}

func NewLoop(cfg LoopConfig) (*Loop, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Loop{
		config:    cfg,
		log:       logrus.WithField(trace.Component, "loop"),
		knownDown: make(map[string]struct{}),
		agg:       newAggregator(),
	}, nil
}

// Run executes cycles until ctx is cancelled, sleeping the poll interval in between.
// It fails only when the very first configuration cannot be loaded.
func (l *Loop) Run(ctx context.Context) error {
	for {
		interval, err := l.RunCycle(ctx)
		if err != nil {
			return trace.Wrap(err)
		}
		if ctx.Err() != nil {
			return nil
		}
		l.log.WithField("interval", interval).Debug("Sleep until next cycle.")
		if err := sleep(ctx, l.config.clock, interval); err != nil {
			l.log.Info("Stop.")
			return nil
		}
	}
}

// RunCycle reloads the configuration and processes every target once.
// It returns the poll interval to wait before the next cycle.
func (l *Loop) RunCycle(ctx context.Context) (time.Duration, error) {
	cyclesTotal.Inc()

	cfg, err := l.config.Source.Load()
	if err != nil {
		if l.lastGood == nil {
			return 0, trace.Wrap(err, "failed to load initial configuration from %v", l.config.Source)
		}
		configReloadFailures.Inc()
		l.log.WithError(err).Error("Failed to reload configuration, keep the previous one and skip this cycle.")
		l.alertAdmins(ctx, err)
		return l.lastGood.PollIntervalDur, nil
	}

	if l.lastGood == nil {
		l.log.WithField("targets", len(cfg.Targets)).Info("Configuration loaded.")
	}
	l.lastGood = cfg
	l.process(ctx, cfg)
	return cfg.PollIntervalDur, nil
}

// KnownDown reports whether the target ended its last completed cycle unhealthy.
func (l *Loop) KnownDown(name string) bool {
	_, ok := l.knownDown[name]
	return ok
}

func (l *Loop) process(ctx context.Context, cfg *config.Config) {
	l.forget(cfg.Targets)

	for _, t := range cfg.Targets {
		if ctx.Err() != nil {
			return
		}
		knownUp := !l.KnownDown(t.Name)
		res := l.config.Engine.Run(ctx, t, cfg.Mail, knownUp)
		if ctx.Err() != nil {
			// an interrupted cycle is not a completed one
			return
		}

		now := l.config.clock.Now()
		if res.Up {
			delete(l.knownDown, t.Name)
			targetUp.WithLabelValues(t.Name).Set(1)
		} else {
			l.knownDown[t.Name] = struct{}{}
			targetUp.WithLabelValues(t.Name).Set(0)
		}

		l.agg.update(t, res, now)
		l.config.Snapshots.Publish(l.agg.snapshot())

		logger := l.log.WithField("target", t.Name)
		if err := l.config.Recorder.RecordCheck(ctx, t, res, now); err != nil {
			logger.WithError(err).Warn("Failed to record check result.")
		}
		if knownUp != res.Up {
			ev := Event{
				TargetName: t.Name,
				URL:        t.URL,
				From:       knownUp,
				To:         res.Up,
				At:         now,
				Reason:     res.Status.ExecError,
				StatusCode: res.Status.StatusCode,
			}
			if err := l.config.Recorder.RecordTransition(ctx, ev); err != nil {
				logger.WithError(err).Warn("Failed to record transition.")
			}
		}
	}
}

// forget drops state of targets that are no longer configured.
func (l *Loop) forget(targets []config.Target) {
	present := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		present[t.Name] = struct{}{}
	}
	for name := range l.knownDown {
		if _, ok := present[name]; !ok {
			l.log.WithField("target", name).Info("Target removed from configuration.")
			delete(l.knownDown, name)
		}
	}
	for name := range l.agg.state {
		if _, ok := present[name]; !ok {
			targetUp.DeleteLabelValues(name)
		}
	}
	l.agg.retain(targets)
}

func (l *Loop) alertAdmins(ctx context.Context, loadErr error) {
	if len(l.lastGood.Admins) == 0 {
		l.log.Warn("No admins configured, configuration error alert not sent.")
		return
	}
	msg := messages.ConfigError(fmt.Sprint(l.config.Source), loadErr)
	if err := l.config.Notifier.Notify(ctx, l.lastGood.Mail, msg, l.lastGood.Admins); err != nil {
		notificationsSent.WithLabelValues(kindConfig, "error").Inc()
		l.log.WithError(err).Error("Failed to send configuration error alert.")
		return
	}
	notificationsSent.WithLabelValues(kindConfig, "ok").Inc()
}

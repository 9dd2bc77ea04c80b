package monitor

import (
	"context"
	"time"

	"server-health/internal/config"
	"server-health/internal/snapshot"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	check "gopkg.in/check.v1"
)

type LoopSuite struct {
	clock    clockwork.FakeClock
	probe    *switchProbe
	runner   *fakeRunner
	notifier *fakeNotifier
	recorder *fakeRecorder
	snaps    *snapshot.Store
}

var _ = check.Suite(&LoopSuite{})

func (s *LoopSuite) SetUpTest(c *check.C) {
	s.clock = clockwork.NewFakeClock()
	s.probe = &switchProbe{healthy: make(map[string]bool)}
	s.runner = &fakeRunner{results: make(map[string]actionResult)}
	s.notifier = &fakeNotifier{}
	s.recorder = &fakeRecorder{}
	s.snaps = snapshot.New()
}

func (s *LoopSuite) newLoop(c *check.C, source config.Source) *Loop {
	engine, err := NewEngine(EngineConfig{
		Probe:    s.probe,
		Runner:   s.runner,
		Notifier: s.notifier,
		clock:    s.clock,
	})
	c.Assert(err, check.IsNil)
	loop, err := NewLoop(LoopConfig{
		Source:    source,
		Engine:    engine,
		Notifier:  s.notifier,
		Recorder:  s.recorder,
		Snapshots: s.snaps,
		clock:     s.clock,
	})
	c.Assert(err, check.IsNil)
	return loop
}

func staticSource(cfgs ...*config.Config) *fakeSource {
	source := &fakeSource{}
	for _, cfg := range cfgs {
		source.results = append(source.results, loadResult{cfg: cfg})
	}
	return source
}

func (s *LoopSuite) TestFirstLoadFailureIsFatal(c *check.C) {
	source := &fakeSource{results: []loadResult{{err: trace.BadParameter("missing send_mail.mail_address")}}}
	loop := s.newLoop(c, source)

	_, err := loop.RunCycle(context.Background())
	c.Assert(err, check.ErrorMatches, "(?s).*failed to load initial configuration.*")
	c.Assert(trace.IsBadParameter(err), check.Equals, true)

	err = loop.Run(context.Background())
	c.Assert(err, check.NotNil)
	c.Assert(s.notifier.Sent(), check.HasLen, 0)
}

func (s *LoopSuite) TestHealthyTargetNeverKnownDown(c *check.C) {
	s.probe.set("shop", true)
	loop := s.newLoop(c, staticSource(newConfig(newTarget("shop", 1, scriptAction("restart", 1)))))

	for i := 0; i < 3; i++ {
		interval, err := loop.RunCycle(context.Background())
		c.Assert(err, check.IsNil)
		c.Assert(interval, check.Equals, time.Minute)
		c.Assert(loop.KnownDown("shop"), check.Equals, false)
	}
	c.Assert(s.notifier.Sent(), check.HasLen, 0)
	c.Assert(s.runner.Runs(), check.HasLen, 0)
	c.Assert(s.recorder.transitions, check.HasLen, 0)
	c.Assert(s.recorder.checks, check.HasLen, 3)
}

func (s *LoopSuite) TestExhaustedSentOnce(c *check.C) {
	loop := s.newLoop(c, staticSource(newConfig(newTarget("shop", 0, scriptAction("restart", 1)))))

	for i := 0; i < 3; i++ {
		_, err := loop.RunCycle(context.Background())
		c.Assert(err, check.IsNil)
		c.Assert(loop.KnownDown("shop"), check.Equals, true)
	}
	c.Assert(s.notifier.count(exhaustedSubject), check.Equals, 1)
	c.Assert(s.notifier.count(escalationSubject), check.Equals, 1)
	// actions still run on every failing cycle
	c.Assert(s.runner.count("restart"), check.Equals, 3)
}

func (s *LoopSuite) TestRecoveredSentOnce(c *check.C) {
	loop := s.newLoop(c, staticSource(newConfig(newTarget("shop", 0))))

	_, err := loop.RunCycle(context.Background())
	c.Assert(err, check.IsNil)
	c.Assert(loop.KnownDown("shop"), check.Equals, true)

	s.probe.set("shop", true)
	for i := 0; i < 2; i++ {
		_, err = loop.RunCycle(context.Background())
		c.Assert(err, check.IsNil)
		c.Assert(loop.KnownDown("shop"), check.Equals, false)
	}
	c.Assert(s.notifier.count(recoveredSubject), check.Equals, 1)

	c.Assert(s.recorder.transitions, check.HasLen, 2)
	c.Assert(s.recorder.transitions[0].From, check.Equals, true)
	c.Assert(s.recorder.transitions[0].To, check.Equals, false)
	c.Assert(s.recorder.transitions[0].StatusCode, check.Equals, 503)
	c.Assert(s.recorder.transitions[1].From, check.Equals, false)
	c.Assert(s.recorder.transitions[1].To, check.Equals, true)
}

func (s *LoopSuite) TestReloadFailureKeepsPreviousState(c *check.C) {
	good := newConfig(newTarget("shop", 0))
	good.PollIntervalDur = 5 * time.Minute
	source := &fakeSource{results: []loadResult{
		{cfg: good},
		{err: trace.BadParameter("yaml: line 3: mapping values are not allowed")},
		{cfg: good},
	}}
	loop := s.newLoop(c, source)

	_, err := loop.RunCycle(context.Background())
	c.Assert(err, check.IsNil)
	c.Assert(loop.KnownDown("shop"), check.Equals, true)
	probes := s.probe.Calls()
	sentBefore := len(s.notifier.Sent())

	interval, err := loop.RunCycle(context.Background())
	c.Assert(err, check.IsNil)
	c.Assert(interval, check.Equals, 5*time.Minute)
	c.Assert(s.probe.Calls(), check.Equals, probes)
	sent := s.notifier.Sent()[sentBefore:]
	c.Assert(sent, check.HasLen, 1)
	c.Assert(sent[0].msg.Subject, check.Matches, ".*"+configSubject+".*")
	c.Assert(sent[0].msg.Body, check.Matches, "(?s).*/etc/server-health/config.yaml.*mapping values.*")
	c.Assert(sent[0].recipients, check.DeepEquals, []string{"ops@example.com"})
	c.Assert(loop.KnownDown("shop"), check.Equals, true)

	// the known-down set survived the failed reload
	s.probe.set("shop", true)
	_, err = loop.RunCycle(context.Background())
	c.Assert(err, check.IsNil)
	c.Assert(s.notifier.count(recoveredSubject), check.Equals, 1)
	c.Assert(s.notifier.count(exhaustedSubject), check.Equals, 1)
}

func (s *LoopSuite) TestConfigAlertOnEveryFailingCycle(c *check.C) {
	source := &fakeSource{results: []loadResult{
		{cfg: newConfig()},
		{err: trace.BadParameter("bad")},
	}}
	loop := s.newLoop(c, source)

	for i := 0; i < 3; i++ {
		_, err := loop.RunCycle(context.Background())
		c.Assert(err, check.IsNil)
	}
	c.Assert(s.notifier.count(configSubject), check.Equals, 2)
}

func (s *LoopSuite) TestReloadFailureWithoutAdmins(c *check.C) {
	cfg := newConfig(newTarget("shop", 0))
	cfg.Admins = nil
	source := &fakeSource{results: []loadResult{{cfg: cfg}, {err: trace.BadParameter("bad")}}}
	loop := s.newLoop(c, source)

	_, err := loop.RunCycle(context.Background())
	c.Assert(err, check.IsNil)
	_, err = loop.RunCycle(context.Background())
	c.Assert(err, check.IsNil)
	c.Assert(s.notifier.count(configSubject), check.Equals, 0)
}

func (s *LoopSuite) TestRemovedTargetIsForgotten(c *check.C) {
	both := newConfig(newTarget("shop", 0), newTarget("blog", 0))
	blogOnly := newConfig(newTarget("blog", 0))
	loop := s.newLoop(c, staticSource(both, blogOnly, both))

	_, err := loop.RunCycle(context.Background())
	c.Assert(err, check.IsNil)
	c.Assert(loop.KnownDown("shop"), check.Equals, true)
	c.Assert(loop.KnownDown("blog"), check.Equals, true)
	c.Assert(s.notifier.count(exhaustedSubject), check.Equals, 2)

	_, err = loop.RunCycle(context.Background())
	c.Assert(err, check.IsNil)
	c.Assert(loop.KnownDown("shop"), check.Equals, false)
	snap := s.snaps.Get()
	c.Assert(snap.All, check.HasLen, 1)
	c.Assert(snap.All[0].Name, check.Equals, "blog")

	// a re-added target starts known up again
	_, err = loop.RunCycle(context.Background())
	c.Assert(err, check.IsNil)
	c.Assert(s.notifier.count(exhaustedSubject), check.Equals, 3)
}

func (s *LoopSuite) TestStateFollowsNameNotPosition(c *check.C) {
	s.probe.set("blog", true)
	loop := s.newLoop(c, staticSource(
		newConfig(newTarget("shop", 0), newTarget("blog", 0)),
		newConfig(newTarget("blog", 0), newTarget("shop", 0)),
	))

	_, err := loop.RunCycle(context.Background())
	c.Assert(err, check.IsNil)
	_, err = loop.RunCycle(context.Background())
	c.Assert(err, check.IsNil)

	c.Assert(loop.KnownDown("shop"), check.Equals, true)
	c.Assert(loop.KnownDown("blog"), check.Equals, false)
	c.Assert(s.notifier.count(exhaustedSubject), check.Equals, 1)
	c.Assert(s.notifier.count(recoveredSubject), check.Equals, 0)

	snap := s.snaps.Get()
	c.Assert(snap.All, check.HasLen, 2)
	c.Assert(snap.All[0].Name, check.Equals, "blog")
	c.Assert(snap.All[1].Name, check.Equals, "shop")
}

func (s *LoopSuite) TestSnapshotKeepsConfiguredOrder(c *check.C) {
	s.probe.set("shop", true)
	s.probe.set("blog", true)
	blogOnly := newConfig(newTarget("blog", 0))
	shopFirst := newConfig(newTarget("shop", 0), newTarget("blog", 0))
	loop := s.newLoop(c, staticSource(blogOnly, shopFirst))

	_, err := loop.RunCycle(context.Background())
	c.Assert(err, check.IsNil)
	c.Assert(names(s.snaps.Get().All), check.DeepEquals, []string{"blog"})

	_, err = loop.RunCycle(context.Background())
	c.Assert(err, check.IsNil)
	c.Assert(names(s.snaps.Get().All), check.DeepEquals, []string{"shop", "blog"})
	c.Assert(s.snaps.Get().ByName["blog"].TotalChecks, check.Equals, 2)
}

func names(states []snapshot.StateDTO) []string {
	var out []string
	for _, st := range states {
		out = append(out, st.Name)
	}
	return out
}

func (s *LoopSuite) TestSnapshotPublished(c *check.C) {
	s.probe.set("blog", true)
	loop := s.newLoop(c, staticSource(newConfig(newTarget("shop", 0, scriptAction("restart", 2)), newTarget("blog", 0))))

	for i := 0; i < 2; i++ {
		_, err := loop.RunCycle(context.Background())
		c.Assert(err, check.IsNil)
	}

	snap := s.snaps.Get()
	shop := snap.ByName["shop"]
	c.Assert(shop.Up, check.Equals, false)
	c.Assert(shop.StatusCode, check.Equals, 503)
	c.Assert(shop.ConsecutiveFail, check.Equals, 2)
	c.Assert(shop.TotalChecks, check.Equals, 2)
	c.Assert(shop.ActionsRun, check.Equals, 4)
	c.Assert(shop.LastChecked, check.Equals, s.clock.Now().UTC().Format(time.RFC3339))

	blog := snap.ByName["blog"]
	c.Assert(blog.Up, check.Equals, true)
	c.Assert(blog.ConsecutiveSuccess, check.Equals, 2)
	c.Assert(blog.TotalFails, check.Equals, 0)
}

func (s *LoopSuite) TestRunSleepsPollInterval(c *check.C) {
	s.probe.set("shop", true)
	source := staticSource(newConfig(newTarget("shop", 0)))
	loop := s.newLoop(c, source)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	s.clock.BlockUntil(1)
	c.Assert(s.probe.Calls(), check.Equals, 1)
	s.clock.Advance(time.Minute)

	s.clock.BlockUntil(1)
	c.Assert(s.probe.Calls(), check.Equals, 2)
	cancel()

	select {
	case err := <-done:
		c.Assert(err, check.IsNil)
	case <-time.After(5 * time.Second):
		c.Fatal("loop did not stop after cancellation")
	}
}

func (s *LoopSuite) TestCancelledCycleIsNotCompleted(c *check.C) {
	loop := s.newLoop(c, staticSource(newConfig(newTarget("shop", 0))))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := loop.RunCycle(ctx)
	c.Assert(err, check.IsNil)
	c.Assert(loop.KnownDown("shop"), check.Equals, false)
	c.Assert(s.probe.Calls(), check.Equals, 0)
	c.Assert(s.notifier.Sent(), check.HasLen, 0)
}

func (s *LoopSuite) TestRequiresCollaborators(c *check.C) {
	_, err := NewLoop(LoopConfig{Engine: &Engine{}, Notifier: s.notifier})
	c.Assert(err, check.ErrorMatches, ".*missing configuration source.*")
	_, err = NewLoop(LoopConfig{Source: staticSource(newConfig()), Notifier: s.notifier})
	c.Assert(err, check.ErrorMatches, ".*missing engine.*")
}

package monitor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"server-health/internal/config"
	"server-health/internal/messages"
)

// fakeProbe answers with fn(call), call starting at 1.
type fakeProbe struct {
	mu    sync.Mutex
	calls int
	fn    func(call int) (Status, error)
}

func (p *fakeProbe) Check(context.Context, config.Target) (Status, error) {
	p.mu.Lock()
	p.calls++
	call, fn := p.calls, p.fn
	p.mu.Unlock()
	return fn(call)
}

func (p *fakeProbe) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// sequence replays results, repeating the last one.
func sequence(results ...probeResult) func(int) (Status, error) {
	return func(call int) (Status, error) {
		if call > len(results) {
			call = len(results)
		}
		r := results[call-1]
		return r.status, r.err
	}
}

type probeResult struct {
	status Status
	err    error
}

func ok() probeResult { return probeResult{status: Status{StatusCode: 200, OK: true}} }

func bad(code int) probeResult {
	return probeResult{status: Status{StatusCode: code, Validation: "bad status"}}
}

func probeErr(reason string) probeResult {
	return probeResult{err: &ProbeError{Reason: reason, Err: errors.New(reason)}}
}

func alwaysUp() *fakeProbe   { return &fakeProbe{fn: sequence(ok())} }
func alwaysDown() *fakeProbe { return &fakeProbe{fn: sequence(bad(503))} }

// switchProbe answers 200 for targets marked healthy and 503 otherwise.
type switchProbe struct {
	mu      sync.Mutex
	calls   int
	healthy map[string]bool
}

func (p *switchProbe) set(name string, healthy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthy[name] = healthy
}

func (p *switchProbe) Check(_ context.Context, t config.Target) (Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.healthy[t.Name] {
		return ok().status, nil
	}
	return bad(503).status, nil
}

func (p *switchProbe) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type actionResult struct {
	out string
	err error
}

type fakeRunner struct {
	mu      sync.Mutex
	runs    []string
	results map[string]actionResult
}

func (r *fakeRunner) Run(_ context.Context, a config.Action) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, a.Name)
	res := r.results[a.Name]
	return res.out, res.err
}

func (r *fakeRunner) Runs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.runs...)
}

func (r *fakeRunner) count(name string) int {
	n := 0
	for _, run := range r.Runs() {
		if run == name {
			n++
		}
	}
	return n
}

type sentMessage struct {
	msg        messages.Message
	recipients []string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (n *fakeNotifier) Notify(_ context.Context, _ config.MailConfig, msg messages.Message, recipients []string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentMessage{msg: msg, recipients: recipients})
	return n.err
}

func (n *fakeNotifier) Sent() []sentMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentMessage(nil), n.sent...)
}

func (n *fakeNotifier) count(subject string) int {
	c := 0
	for _, s := range n.Sent() {
		if strings.Contains(s.msg.Subject, subject) {
			c++
		}
	}
	return c
}

// subject fragments of the rendered messages
const (
	escalationSubject = "problem report"
	exhaustedSubject  = "STATUS DOWN"
	recoveredSubject  = "up and running again"
	configSubject     = "configuration error"
)

func newTarget(name string, retries int, actions ...config.Action) config.Target {
	return config.Target{
		Name:                 name,
		URL:                  "http://" + name + ".example.com/health",
		Method:               "GET",
		TimeoutDur:           time.Second,
		RetriesBeforeActions: retries,
		Recipients:           []string{"dev@example.com"},
		Actions:              actions,
	}
}

func scriptAction(name string, repeat int) config.Action {
	return config.Action{
		Name:        name,
		RepeatTimes: repeat,
		RunScript:   &config.RunScript{Path: "/usr/local/bin/" + name},
	}
}

var mailConfig = config.MailConfig{MailAddress: "watchdog@example.com", SMTPURL: "smtp.example.com", Port: 587}

func newConfig(targets ...config.Target) *config.Config {
	return &config.Config{
		Mail:            mailConfig,
		PollInterval:    "1m",
		PollIntervalDur: time.Minute,
		Admins:          []string{"ops@example.com"},
		Targets:         targets,
	}
}

type loadResult struct {
	cfg *config.Config
	err error
}

// fakeSource replays load results, repeating the last one.
type fakeSource struct {
	mu      sync.Mutex
	loads   int
	results []loadResult
}

func (s *fakeSource) Load() (*config.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.loads
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	s.loads++
	return s.results[i].cfg, s.results[i].err
}

func (s *fakeSource) String() string { return "/etc/server-health/config.yaml" }

type fakeRecorder struct {
	mu          sync.Mutex
	checks      []Result
	transitions []Event
}

func (r *fakeRecorder) RecordCheck(_ context.Context, _ config.Target, res Result, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks = append(r.checks, res)
	return nil
}

func (r *fakeRecorder) RecordTransition(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, ev)
	return nil
}

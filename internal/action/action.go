// Package action executes remediation actions. Each configured variant maps to an
// Executor; the runner treats the output as opaque text.
package action

import (
	"context"
	"net/http"
	"strings"
	"unicode/utf8"

	"server-health/internal/config"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// maxOutput bounds the text kept from one execution.
const maxOutput = 4 * 1024

// Executor produces the side effect of one remediation action.
type Executor interface {
	Execute(ctx context.Context) (string, error)
}

// New builds the executor for the variant set on a.
func New(a config.Action, client *http.Client) (Executor, error) {
	switch {
	case a.RunScript != nil:
		return &Script{spec: *a.RunScript}, nil
	case a.HTTPRequest != nil:
		return &Webhook{spec: *a.HTTPRequest, client: client}, nil
	}
	return nil, trace.BadParameter("action %q has no remediation variant", a.Name)
}

// Runner runs configured actions to completion.
type Runner struct {
	client *http.Client
	log    logrus.FieldLogger
}

func NewRunner(client *http.Client) *Runner {
	if client == nil {
		client = http.DefaultClient
	}
	return &Runner{
		client: client,
		log:    logrus.WithField(trace.Component, "action"),
	}
}

// Run executes a once and returns its captured output.
// Output and error may both be set.
func (r *Runner) Run(ctx context.Context, a config.Action) (string, error) {
	ex, err := New(a, r.client)
	if err != nil {
		return "", trace.Wrap(err)
	}
	logger := r.log.WithFields(logrus.Fields{"action": a.Name, "kind": a.Kind()})
	logger.Info("Execute action.")
	out, err := ex.Execute(ctx)
	if err != nil {
		logger.WithError(err).Warn("Action failed.")
		return out, trace.Wrap(err)
	}
	logger.Debug("Action finished.")
	return out, nil
}

func truncate(s string) string {
	s = strings.ToValidUTF8(s, string(utf8.RuneError))
	if len(s) <= maxOutput {
		return s
	}
	cut := maxOutput
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n[output truncated]"
}

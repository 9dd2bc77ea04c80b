// Package messages renders notification mails. Renderers are pure: no state, no I/O.
package messages

import (
	"fmt"
	"strings"

	"server-health/internal/config"
)

// Message is a rendered notification.
type Message struct {
	Subject string
	Body    string
}

// Status is the probe outcome shown in a message.
type Status struct {
	StatusCode int
	ExecError  string
}

func (s Status) describe() string {
	if s.ExecError == "" {
		return fmt.Sprintf("status code = %d", s.StatusCode)
	}
	return fmt.Sprintf("status code = %d, error: %s", s.StatusCode, s.ExecError)
}

// EscalationStart announces that remediation action actionIndex (zero based)
// of actionCount is about to run.
func EscalationStart(t config.Target, actionIndex, actionCount int, st Status, lastActionOutput string) Message {
	var report string
	if strings.TrimSpace(lastActionOutput) != "" {
		report = fmt.Sprintf("\nExecution of the previous action gave output:\n%s\n", lastActionOutput)
	}
	return Message{
		Subject: fmt.Sprintf("🌐 ⚠️ 🔄 server-health problem report for %s. No action required from you by now.", t.Name),
		Body: fmt.Sprintf("server-health found the status of target %s not OK (%s).\n%s\n"+
			"server-health will now start action %d of %d defined reactions to the outage. "+
			"You don't have to do anything at this point. "+
			"When all actions have been exhausted without success, you will receive a final note.",
			t.URL, st.describe(), report, actionIndex+1, actionCount),
	}
}

// ActionsExhausted is the final note once every action ran without recovery.
func ActionsExhausted(t config.Target, st Status) Message {
	return Message{
		Subject: fmt.Sprintf("🌐 ⚠️ ⛔️ server-health STATUS DOWN report for %s. ACTION REQUIRED FROM YOU.", t.Name),
		Body: fmt.Sprintf("server-health found the status of target %s not OK (%s). "+
			"This is the final note informing you that all %d defined actions have been carried out "+
			"and the server status is still not healthy.",
			t.URL, st.describe(), len(t.Actions)),
	}
}

func Recovered(t config.Target) Message {
	return Message{
		Subject: fmt.Sprintf("🌐 💚 🛫 server-health report: %s is up and running again", t.Name),
		Body:    fmt.Sprintf("server at %s is healthy again.", t.URL),
	}
}

// ConfigError tells admins that the configuration at path could not be loaded
// and the previous configuration stays in effect.
func ConfigError(path string, err error) Message {
	return Message{
		Subject: "🌐 ⚙️ server-health configuration error",
		Body: fmt.Sprintf("server-health could not load its configuration from %s:\n\n%v\n\n"+
			"The previous configuration stays in effect. No targets are checked until the file is fixed.",
			path, err),
	}
}

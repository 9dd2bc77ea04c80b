package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/gravitational/trace"
)

// PasswordEnv overrides send_mail.password when set.
const PasswordEnv = "SERVER_HEALTH_SMTP_PASSWORD"

type Config struct {
	Mail         MailConfig `yaml:"send_mail"`
	PollInterval string     `yaml:"poll_interval"` // e.g. "60s"
	Admins       []string   `yaml:"admins,omitempty"`
	Targets      []Target   `yaml:"targets"`

	// Parsed durations (filled after load)
	PollIntervalDur time.Duration `yaml:"-"`
}

type MailConfig struct {
	MailAddress string `yaml:"mail_address"`
	UserName    string `yaml:"user_name"`
	SMTPURL     string `yaml:"smtp_url"`
	Password    string `yaml:"password"`
	Port        int    `yaml:"port"`
}

type Target struct {
	Name                 string   `yaml:"informative_name"`
	URL                  string   `yaml:"watch_url"`
	Method               string   `yaml:"method,omitempty"`  // GET or HEAD
	Timeout              string   `yaml:"timeout,omitempty"` // e.g. "15s"
	RetriesBeforeActions int      `yaml:"retries_before_actions"`
	RetriesAfterAction   *int     `yaml:"retries_after_action,omitempty"`
	WaitBetweenTries     string   `yaml:"wait_between_tries,omitempty"`
	ExpectedStatus       int      `yaml:"expected_status,omitempty"`
	Contains             string   `yaml:"contains,omitempty"`
	MaxBodyBytes         int64    `yaml:"max_body_bytes,omitempty"`
	Recipients           []string `yaml:"recipients"`
	Actions              []Action `yaml:"actions"`

	// Parsed durations (filled after load)
	TimeoutDur          time.Duration `yaml:"-"`
	WaitBetweenTriesDur time.Duration `yaml:"-"`
}

// Action is one remediation step. Exactly one of the variant fields is set.
type Action struct {
	Name           string `yaml:"informative_name,omitempty"`
	WaitAfterwards string `yaml:"wait_afterwards,omitempty"`
	RepeatTimes    int    `yaml:"repeat_times,omitempty"`

	RunScript   *RunScript   `yaml:"run_script,omitempty"`
	HTTPRequest *HTTPRequest `yaml:"http_request,omitempty"`

	WaitAfterwardsDur time.Duration `yaml:"-"`
}

type RunScript struct {
	Path    string   `yaml:"path"`
	Args    []string `yaml:"args,omitempty"`
	Timeout string   `yaml:"timeout,omitempty"`

	TimeoutDur time.Duration `yaml:"-"`
}

type HTTPRequest struct {
	URL            string            `yaml:"url"`
	Method         string            `yaml:"method,omitempty"`
	Headers        map[string]string `yaml:"headers,omitempty"`
	Body           string            `yaml:"body,omitempty"`
	ExpectedStatus int               `yaml:"expected_status,omitempty"`
	Timeout        string            `yaml:"timeout,omitempty"`

	TimeoutDur time.Duration `yaml:"-"`
}

// Tries returns the probe budget for the baseline health check.
func (t Target) Tries() int {
	return t.RetriesBeforeActions + 1
}

// TriesAfterAction returns the probe budget used after each action execution.
func (t Target) TriesAfterAction() int {
	if t.RetriesAfterAction == nil {
		return t.Tries()
	}
	return *t.RetriesAfterAction + 1
}

// Kind names the remediation variant of the action.
func (a Action) Kind() string {
	switch {
	case a.RunScript != nil:
		return "run_script"
	case a.HTTPRequest != nil:
		return "http_request"
	}
	return ""
}

// Redacted returns a copy of the config safe for logging.
func (c Config) Redacted() Config {
	if c.Mail.Password != "" {
		c.Mail.Password = "********"
	}
	return c
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return Parse(b)
}

// Parse decodes and validates a YAML or JSON document.
func Parse(b []byte) (*Config, error) {
	var cfg Config
	if err := yaml.UnmarshalWithOptions(b, &cfg, yaml.Strict()); err != nil {
		return nil, trace.BadParameter("parse config: %v", err)
	}

	applyDefaults(&cfg)

	if pw := os.Getenv(PasswordEnv); pw != "" {
		cfg.Mail.Password = pw
	}

	if err := validateAndNormalize(&cfg); err != nil {
		return nil, trace.Wrap(err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.PollInterval) == "" {
		cfg.PollInterval = "60s"
	}
	if cfg.Mail.Port == 0 {
		cfg.Mail.Port = 587
	}

	for i := range cfg.Targets {
		t := &cfg.Targets[i]

		if strings.TrimSpace(t.Method) == "" {
			t.Method = "GET"
		}
		if strings.TrimSpace(t.Timeout) == "" {
			t.Timeout = "15s"
		}
		if strings.TrimSpace(t.WaitBetweenTries) == "" {
			t.WaitBetweenTries = "0s"
		}
		if t.MaxBodyBytes == 0 {
			t.MaxBodyBytes = 64 * 1024 // 64KB
		}

		for j := range t.Actions {
			a := &t.Actions[j]
			if strings.TrimSpace(a.Name) == "" {
				a.Name = fmt.Sprintf("action %d", j+1)
			}
			if strings.TrimSpace(a.WaitAfterwards) == "" {
				a.WaitAfterwards = "0s"
			}
			if a.RepeatTimes == 0 {
				a.RepeatTimes = 1
			}
			if s := a.RunScript; s != nil && strings.TrimSpace(s.Timeout) == "" {
				s.Timeout = "10m"
			}
			if h := a.HTTPRequest; h != nil {
				if strings.TrimSpace(h.Method) == "" {
					h.Method = "POST"
				}
				if strings.TrimSpace(h.Timeout) == "" {
					h.Timeout = "30s"
				}
			}
		}
	}
}

func validateAndNormalize(cfg *Config) error {
	if len(cfg.Targets) == 0 {
		return trace.BadParameter("config: no targets provided")
	}

	cfg.Mail.MailAddress = strings.TrimSpace(cfg.Mail.MailAddress)
	cfg.Mail.SMTPURL = strings.TrimSpace(cfg.Mail.SMTPURL)
	if cfg.Mail.MailAddress == "" {
		return trace.BadParameter("config: send_mail.mail_address is required")
	}
	if cfg.Mail.SMTPURL == "" {
		return trace.BadParameter("config: send_mail.smtp_url is required")
	}
	if cfg.Mail.Port < 1 || cfg.Mail.Port > 65535 {
		return trace.BadParameter("config: send_mail.port must be 1..65535")
	}

	d, err := positiveDuration(cfg.PollInterval)
	if err != nil {
		return trace.BadParameter("config: invalid poll_interval %q: %v", cfg.PollInterval, err)
	}
	cfg.PollIntervalDur = d

	seen := make(map[string]struct{}, len(cfg.Targets))

	for i := range cfg.Targets {
		t := &cfg.Targets[i]

		t.Name = strings.TrimSpace(t.Name)
		t.URL = strings.TrimSpace(t.URL)
		t.Method = strings.ToUpper(strings.TrimSpace(t.Method))

		if t.Name == "" {
			return trace.BadParameter("config: target[%d] missing informative_name", i)
		}
		if _, ok := seen[t.Name]; ok {
			return trace.BadParameter("config: duplicate target name %q", t.Name)
		}
		seen[t.Name] = struct{}{}

		if t.URL == "" {
			return trace.BadParameter("config: target %q missing watch_url", t.Name)
		}
		if !strings.HasPrefix(t.URL, "http://") && !strings.HasPrefix(t.URL, "https://") {
			return trace.BadParameter("config: target %q watch_url must start with http:// or https://", t.Name)
		}

		switch t.Method {
		case "GET", "HEAD":
		default:
			return trace.BadParameter("config: target %q invalid method %q (use GET or HEAD)", t.Name, t.Method)
		}

		if t.RetriesBeforeActions < 0 {
			return trace.BadParameter("config: target %q retries_before_actions cannot be negative", t.Name)
		}
		if t.RetriesAfterAction != nil && *t.RetriesAfterAction < 0 {
			return trace.BadParameter("config: target %q retries_after_action cannot be negative", t.Name)
		}

		if t.TimeoutDur, err = positiveDuration(t.Timeout); err != nil {
			return trace.BadParameter("config: target %q invalid timeout %q: %v", t.Name, t.Timeout, err)
		}
		if t.WaitBetweenTriesDur, err = nonNegativeDuration(t.WaitBetweenTries); err != nil {
			return trace.BadParameter("config: target %q invalid wait_between_tries %q: %v", t.Name, t.WaitBetweenTries, err)
		}

		if t.ExpectedStatus != 0 && (t.ExpectedStatus < 100 || t.ExpectedStatus > 599) {
			return trace.BadParameter("config: target %q expected_status must be 100..599", t.Name)
		}
		if t.MaxBodyBytes < 0 {
			return trace.BadParameter("config: target %q max_body_bytes cannot be negative", t.Name)
		}
		if t.Method == "HEAD" && strings.TrimSpace(t.Contains) != "" {
			return trace.BadParameter("config: target %q uses method HEAD but has contains check; use GET instead", t.Name)
		}

		for j := range t.Actions {
			if err := validateAction(t.Name, &t.Actions[j]); err != nil {
				return trace.Wrap(err)
			}
		}
	}

	return nil
}

func validateAction(target string, a *Action) error {
	a.Name = strings.TrimSpace(a.Name)

	variants := 0
	if a.RunScript != nil {
		variants++
	}
	if a.HTTPRequest != nil {
		variants++
	}
	if variants != 1 {
		return trace.BadParameter("config: target %q action %q must define exactly one of run_script, http_request", target, a.Name)
	}

	if a.RepeatTimes < 0 {
		return trace.BadParameter("config: target %q action %q repeat_times cannot be negative", target, a.Name)
	}

	var err error
	if a.WaitAfterwardsDur, err = nonNegativeDuration(a.WaitAfterwards); err != nil {
		return trace.BadParameter("config: target %q action %q invalid wait_afterwards %q: %v", target, a.Name, a.WaitAfterwards, err)
	}

	if s := a.RunScript; s != nil {
		s.Path = strings.TrimSpace(s.Path)
		if s.Path == "" {
			return trace.BadParameter("config: target %q action %q run_script.path is required", target, a.Name)
		}
		if s.TimeoutDur, err = positiveDuration(s.Timeout); err != nil {
			return trace.BadParameter("config: target %q action %q invalid run_script.timeout %q: %v", target, a.Name, s.Timeout, err)
		}
	}

	if h := a.HTTPRequest; h != nil {
		h.URL = strings.TrimSpace(h.URL)
		h.Method = strings.ToUpper(strings.TrimSpace(h.Method))
		if !strings.HasPrefix(h.URL, "http://") && !strings.HasPrefix(h.URL, "https://") {
			return trace.BadParameter("config: target %q action %q http_request.url must start with http:// or https://", target, a.Name)
		}
		if h.ExpectedStatus != 0 && (h.ExpectedStatus < 100 || h.ExpectedStatus > 599) {
			return trace.BadParameter("config: target %q action %q http_request.expected_status must be 100..599", target, a.Name)
		}
		if h.TimeoutDur, err = positiveDuration(h.Timeout); err != nil {
			return trace.BadParameter("config: target %q action %q invalid http_request.timeout %q: %v", target, a.Name, h.Timeout, err)
		}
	}

	return nil
}

func positiveDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, errors.New("must be > 0")
	}
	return d, nil
}

func nonNegativeDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, errors.New("cannot be negative")
	}
	return d, nil
}

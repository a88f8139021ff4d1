package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/validation"
)

// SocketNameReserve is the length of the longest socket file name created in
// ipc.socket_dir: "workflow_wf_<uuid>.sock".
const SocketNameReserve = 53

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validate validates the entire configuration.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, ValidationError{Field: "log_level", Message: err.Error()})
	}

	if s := c.Supervisor; s != nil {
		errs = append(errs, checkDuration("supervisor.check_interval", s.CheckInterval)...)
		errs = append(errs, checkDuration("supervisor.heartbeat_timeout", s.HeartbeatTimeout)...)
		errs = append(errs, checkDuration("supervisor.stop_grace_period", s.StopGracePeriod)...)
		errs = append(errs, checkDuration("supervisor.stats_interval", s.StatsInterval)...)
		if s.DefaultMaxRestarts < 0 {
			errs = append(errs, ValidationError{Field: "supervisor.default_max_restarts", Message: "must not be negative"})
		}
	}

	if i := c.IPC; i != nil {
		if i.Transport != "" {
			if err := validation.ValidateAllowlist(i.Transport, []string{"auto", "unix", "tcp"}); err != nil {
				errs = append(errs, ValidationError{Field: "ipc.transport", Message: err.Error()})
			}
		}
		if i.SocketDir != "" && i.Transport != "tcp" {
			if err := validation.ValidateSocketDir(i.SocketDir, SocketNameReserve); err != nil {
				errs = append(errs, ValidationError{Field: "ipc.socket_dir", Message: err.Error()})
			}
		}
		if err := validation.ValidatePortRange(i.PortMin, i.PortMax); err != nil {
			errs = append(errs, ValidationError{Field: "ipc.port_min", Message: err.Error()})
		}
	}

	if w := c.Workflow; w != nil {
		errs = append(errs, checkDuration("workflow.proxy_timeout", w.ProxyTimeout)...)
		errs = append(errs, checkDuration("workflow.heartbeat_interval", w.HeartbeatInterval)...)
	}

	if a := c.API; a != nil && a.Enabled && a.Listen != "" {
		if _, _, err := net.SplitHostPort(a.Listen); err != nil {
			errs = append(errs, ValidationError{Field: "api.listen", Message: err.Error()})
		}
	}
	if a := c.API; a != nil && a.TokenHash != "" {
		if _, err := bcrypt.Cost([]byte(a.TokenHash)); err != nil {
			errs = append(errs, ValidationError{Field: "api.token_hash", Message: "must be a bcrypt hash"})
		}
	}

	if a := c.API; a != nil && a.MaxConnections < 0 {
		errs = append(errs, ValidationError{Field: "api.max_connections", Message: "must not be negative"})
	}

	if a := c.API; a != nil && a.TLS != nil {
		if a.TLS.CertFile == "" || a.TLS.KeyFile == "" {
			errs = append(errs, ValidationError{Field: "api.tls", Message: "cert_file and key_file are required unless self_signed is set"})
		}
		if a.TLS.ValidDays < 0 {
			errs = append(errs, ValidationError{Field: "api.tls.valid_days", Message: "must not be negative"})
		}
	}

	errs = append(errs, c.validateNotify()...)

	errs = append(errs, c.validateProcesses()...)
	return errs
}

var notifyLevels = map[string]bool{"info": true, "warning": true, "critical": true}

func (c *Config) validateNotify() ValidationErrors {
	var errs ValidationErrors
	if c.Notify == nil {
		return errs
	}
	seen := make(map[string]bool)
	for _, ch := range c.Notify.Channels {
		field := fmt.Sprintf("notify.channel[%s]", ch.Name)
		if seen[ch.Name] {
			errs = append(errs, ValidationError{Field: field, Message: "duplicate channel name"})
		}
		seen[ch.Name] = true

		switch ch.Type {
		case "webhook", "slack", "discord", "ntfy":
		default:
			errs = append(errs, ValidationError{Field: field + ".type", Message: fmt.Sprintf("unknown channel type %q", ch.Type)})
		}
		if ch.Type == "ntfy" && ch.Topic == "" {
			errs = append(errs, ValidationError{Field: field + ".topic", Message: "required for ntfy"})
		}
		if u, err := url.Parse(ch.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, ValidationError{Field: field + ".url", Message: "must be an http(s) URL"})
		}
		if ch.Level != "" && !notifyLevels[ch.Level] {
			errs = append(errs, ValidationError{Field: field + ".level", Message: fmt.Sprintf("unknown level %q", ch.Level)})
		}
		for _, e := range ch.Events {
			if !strings.HasPrefix(e, "process.") && !strings.HasPrefix(e, "workflow.") {
				errs = append(errs, ValidationError{Field: field + ".events", Message: fmt.Sprintf("unknown event %q", e)})
			}
		}
	}
	return errs
}

func (c *Config) validateProcesses() ValidationErrors {
	var errs ValidationErrors
	seen := make(map[string]bool)

	for i, p := range c.Processes {
		field := fmt.Sprintf("process[%d]", i)
		if p.Name == "" {
			errs = append(errs, ValidationError{Field: field, Message: "name is required"})
		} else {
			field = fmt.Sprintf("process.%s", validation.SanitizeString(p.Name))
			if err := validation.ValidateName(p.Name); err != nil {
				errs = append(errs, ValidationError{Field: field, Message: err.Error()})
			}
		}
		if seen[p.Name] {
			errs = append(errs, ValidationError{Field: field, Message: "duplicate process name"})
		}
		seen[p.Name] = true

		if strings.TrimSpace(p.Command) == "" {
			errs = append(errs, ValidationError{Field: field + ".command", Message: "command is required"})
		}
		if p.MaxRestarts < 0 {
			errs = append(errs, ValidationError{Field: field + ".max_restarts", Message: "must not be negative"})
		}
		if b := p.Backoff; b != nil {
			errs = append(errs, checkDuration(field+".backoff.initial_delay", b.InitialDelay)...)
			errs = append(errs, checkDuration(field+".backoff.max_delay", b.MaxDelay)...)
			if b.Multiplier != 0 && b.Multiplier < 1 {
				errs = append(errs, ValidationError{Field: field + ".backoff.multiplier", Message: "must be >= 1"})
			}
		}
		if l := p.Limits; l != nil {
			errs = append(errs, checkDuration(field+".limits.max_runtime", l.MaxRuntime)...)
		}
	}
	return errs
}

func checkDuration(field, value string) ValidationErrors {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return ValidationErrors{{Field: field, Message: fmt.Sprintf("invalid duration %q", value)}}
	}
	if d < 0 {
		return ValidationErrors{{Field: field, Message: "must not be negative"}}
	}
	return nil
}

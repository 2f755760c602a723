// Package audit implements the optional audit log of subscribe/unsubscribe
// and command activity (§6 persisted-state section), plus a hook for
// forwarding a critical event to an external alerting channel.
package audit

import (
	"github.com/rs/zerolog"
)

// Level classifies an audited event for routing to an Alerter.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Alerter forwards a critical audit event to an external channel (Slack,
// PagerDuty, email, …). Implementations must not block the caller for
// long — Logger.Critical invokes Alert in its own goroutine regardless.
type Alerter interface {
	Alert(level Level, message string, metadata map[string]any)
}

// Logger records subscribe/unsubscribe/command activity to the structured
// logger, and optionally escalates critical events to an Alerter.
type Logger struct {
	logger  zerolog.Logger
	alerter Alerter
}

func New(logger zerolog.Logger, alerter Alerter) *Logger {
	return &Logger{
		logger:  logger.With().Str("component", "audit").Logger(),
		alerter: alerter,
	}
}

func (a *Logger) Subscribed(connID int64, principalID, topic string) {
	a.logger.Info().
		Int64("connection_id", connID).
		Str("principal_id", principalID).
		Str("topic", topic).
		Msg("subscribed")
}

func (a *Logger) Unsubscribed(connID int64, principalID, topic string) {
	a.logger.Info().
		Int64("connection_id", connID).
		Str("principal_id", principalID).
		Str("topic", topic).
		Msg("unsubscribed")
}

func (a *Logger) Command(connID int64, principalID, topic, action string, err error) {
	evt := a.logger.Info()
	if err != nil {
		evt = a.logger.Warn().Err(err)
	}
	evt.Int64("connection_id", connID).
		Str("principal_id", principalID).
		Str("topic", topic).
		Str("action", action).
		Msg("command")
}

// Critical logs at error level and, if an Alerter is configured, forwards
// the event asynchronously so a slow or down alerting channel never blocks
// the caller.
func (a *Logger) Critical(message string, metadata map[string]any) {
	evt := a.logger.Error()
	for k, v := range metadata {
		evt = evt.Interface(k, v)
	}
	evt.Msg(message)

	if a.alerter != nil {
		go a.alerter.Alert(LevelCritical, message, metadata)
	}
}

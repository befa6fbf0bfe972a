package notify

import (
	"context"

	"github.com/rs/zerolog"
)

// LogSender writes notifications to the structured log. It is the local
// channel used when no remote transport is configured.
type LogSender struct {
	logger zerolog.Logger
}

func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger.With().Str("component", "notify_log").Logger()}
}

func (s *LogSender) Name() string { return "log" }

func (s *LogSender) Send(_ context.Context, note Notification) error {
	s.logger.WithLevel(logLevel(note.Severity)).
		Str("monitor", note.MonitorKey).
		Str("rule_id", note.RuleID).
		Str("symbol", note.Symbol).
		Str("kind", note.Kind).
		Str("category", note.Category).
		Str("value", note.Value.String()).
		Str("threshold", note.Threshold.String()).
		Msg(note.Message)
	return nil
}

func logLevel(s Severity) zerolog.Level {
	switch s {
	case SeverityCritical:
		return zerolog.ErrorLevel
	case SeverityWarning:
		return zerolog.WarnLevel
	default:
		return zerolog.InfoLevel
	}
}

var _ Sender = (*LogSender)(nil)

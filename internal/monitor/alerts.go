package monitor

import (
	"go.uber.org/zap"

	"execution-core/internal/events"
)

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(alert events.RiskAlert) error
}

// LogSink writes alerts to the structured log at a level matching their
// severity.
type LogSink struct {
	Log *zap.Logger
}

func (s LogSink) Send(a events.RiskAlert) error {
	fields := []zap.Field{zap.String("source", a.Source), zap.Time("at", a.Time)}
	switch a.Level {
	case events.AlertCritical:
		s.Log.Error("ALERT: "+a.Message, fields...)
	case events.AlertWarning:
		s.Log.Warn("ALERT: "+a.Message, fields...)
	default:
		s.Log.Info("alert: "+a.Message, fields...)
	}
	return nil
}

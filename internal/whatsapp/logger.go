package whatsapp

import (
	waLog "go.mau.fi/whatsmeow/util/log"
	"go.uber.org/zap"
)

// zapLogger bridges whatsmeow's logger interface onto the global zap logger.
type zapLogger struct {
	s *zap.SugaredLogger
}

// NewLogger returns a whatsmeow logger writing through zap under the given module name.
func NewLogger(module string) waLog.Logger {
	return &zapLogger{s: zap.L().Sugar().Named("whatsmeow").Named(module)}
}

func (l *zapLogger) Debugf(msg string, args ...interface{}) { l.s.Debugf(msg, args...) }
func (l *zapLogger) Infof(msg string, args ...interface{})  { l.s.Infof(msg, args...) }
func (l *zapLogger) Warnf(msg string, args ...interface{})  { l.s.Warnf(msg, args...) }
func (l *zapLogger) Errorf(msg string, args ...interface{}) { l.s.Errorf(msg, args...) }

func (l *zapLogger) Sub(module string) waLog.Logger {
	return &zapLogger{s: l.s.Named(module)}
}

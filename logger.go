package btthermo

import "go.uber.org/zap"

// Logger denotes a generic logging interface used throughout this package
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// NewDefaultLogger instantiates a new default (zap based) logger, either
// with production or with development (debug) settings
func NewDefaultLogger(debug bool) Logger {
	zapCfg := zap.NewProductionConfig()
	if debug {
		zapCfg = zap.NewDevelopmentConfig()
	}

	logger, err := zapCfg.Build()
	if err != nil {
		return zap.NewNop().Sugar()
	}

	return logger.Sugar()
}

// NullLogger denotes a logger that does nothing (used as default)
type NullLogger struct{}

// Debugf does nothing
func (l *NullLogger) Debugf(format string, args ...interface{}) {}

// Infof does nothing
func (l *NullLogger) Infof(format string, args ...interface{}) {}

// Warnf does nothing
func (l *NullLogger) Warnf(format string, args ...interface{}) {}

// Errorf does nothing
func (l *NullLogger) Errorf(format string, args ...interface{}) {}

// Fatalf does nothing
func (l *NullLogger) Fatalf(format string, args ...interface{}) {}

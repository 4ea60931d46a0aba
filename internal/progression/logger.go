package progression

import "log"

type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

func defaultLogger(logger Logger) Logger {
	if logger == nil {
		return log.Default()
	}
	return logger
}

func logf(logger Logger, level, format string, args ...any) {
	if logger == nil {
		return
	}
	logger.Printf(level+" progression: "+format, args...)
}

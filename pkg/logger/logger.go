package logger

// LoggerInstance defines the interface for logging backends.
type LoggerInstance interface {
	Log(message string, keyvals ...any)
	Debug(message string, keyvals ...any)
	Info(message string, keyvals ...any)
	Warn(message string, keyvals ...any)
	Error(message string, keyvals ...any)
	Fatal(message string, keyvals ...any)
}

// Logger holds multiple logging backends and dispatches log calls to all of them.
//
// A nil *Logger is valid and discards everything, so components can accept
// an optional logger without guarding every call.
type Logger struct {
	instances []LoggerInstance
	keyvals   []any
}

// New creates a Logger that fans out to the given backends.
func New(instances ...LoggerInstance) *Logger {
	return &Logger{instances: instances}
}

// Nop returns a Logger without backends.
func Nop() *Logger {
	return &Logger{}
}

// With returns a derived Logger that prepends keyvals to every call.
func (l *Logger) With(keyvals ...any) *Logger {
	if l == nil {
		return nil
	}
	merged := make([]any, 0, len(l.keyvals)+len(keyvals))
	merged = append(merged, l.keyvals...)
	merged = append(merged, keyvals...)
	return &Logger{instances: l.instances, keyvals: merged}
}

func (l *Logger) merge(keyvals []any) []any {
	if len(l.keyvals) == 0 {
		return keyvals
	}
	out := make([]any, 0, len(l.keyvals)+len(keyvals))
	out = append(out, l.keyvals...)
	return append(out, keyvals...)
}

// Log writes a message at the default log level to all configured backends.
func (l *Logger) Log(message string, keyvals ...any) {
	if l == nil {
		return
	}
	kv := l.merge(keyvals)
	for _, instance := range l.instances {
		instance.Log(message, kv...)
	}
}

// Debug writes a message at DEBUG level to all configured backends.
func (l *Logger) Debug(message string, keyvals ...any) {
	if l == nil {
		return
	}
	kv := l.merge(keyvals)
	for _, instance := range l.instances {
		instance.Debug(message, kv...)
	}
}

// Info writes a message at INFO level to all configured backends.
func (l *Logger) Info(message string, keyvals ...any) {
	if l == nil {
		return
	}
	kv := l.merge(keyvals)
	for _, instance := range l.instances {
		instance.Info(message, kv...)
	}
}

// Warn writes a message at WARN level to all configured backends.
func (l *Logger) Warn(message string, keyvals ...any) {
	if l == nil {
		return
	}
	kv := l.merge(keyvals)
	for _, instance := range l.instances {
		instance.Warn(message, kv...)
	}
}

// Error writes a message at ERROR level to all configured backends.
func (l *Logger) Error(message string, keyvals ...any) {
	if l == nil {
		return
	}
	kv := l.merge(keyvals)
	for _, instance := range l.instances {
		instance.Error(message, kv...)
	}
}

// Fatal writes a message at FATAL level and terminates the program.
func (l *Logger) Fatal(message string, keyvals ...any) {
	if l == nil {
		return
	}
	kv := l.merge(keyvals)
	for _, instance := range l.instances {
		instance.Fatal(message, kv...)
	}
}

var singleton *Logger

// Init initializes the process-wide logger used by cmd/ wiring code.
// Engine packages take a *Logger at construction instead.
func Init(instances ...LoggerInstance) {
	singleton = New(instances...)
}

// Default returns the logger configured with Init, or nil.
func Default() *Logger {
	return singleton
}

// Log writes a message at the default log level using the process-wide logger.
func Log(message string, keyvals ...any) { singleton.Log(message, keyvals...) }

// Info writes a message at INFO level using the process-wide logger.
func Info(message string, keyvals ...any) { singleton.Info(message, keyvals...) }

// Warn writes a message at WARN level using the process-wide logger.
func Warn(message string, keyvals ...any) { singleton.Warn(message, keyvals...) }

// Error writes a message at ERROR level using the process-wide logger.
func Error(message string, keyvals ...any) { singleton.Error(message, keyvals...) }

// Debug writes a message at DEBUG level using the process-wide logger.
func Debug(message string, keyvals ...any) { singleton.Debug(message, keyvals...) }

// Fatal writes a message at FATAL level using the process-wide logger.
func Fatal(message string, keyvals ...any) { singleton.Fatal(message, keyvals...) }

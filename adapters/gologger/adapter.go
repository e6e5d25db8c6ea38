package gologger

import (
	"strings"

	job "github.com/goliatone/go-job"
	glog "github.com/goliatone/go-logger/glog"
)

// DefaultLoggerName is used when callers resolve without a name.
const DefaultLoggerName = "callbacks"

// Resolve uses deterministic precedence provider > logger > nop.
func Resolve(name string, provider glog.LoggerProvider, logger glog.Logger) (glog.LoggerProvider, glog.Logger) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultLoggerName
	}
	return glog.Resolve(name, provider, logger)
}

// ResolveForJob resolves the glog pair and the equivalent go-job bridges for
// delivery workers.
func ResolveForJob(
	name string,
	provider glog.LoggerProvider,
	logger glog.Logger,
) (glog.LoggerProvider, glog.Logger, job.LoggerProvider, job.Logger) {
	resolvedProvider, resolvedLogger := Resolve(name, provider, logger)
	var jobProvider job.LoggerProvider
	if resolvedProvider != nil {
		jobProvider = job.GoLoggerProvider(resolvedProvider)
	}
	var jobLogger job.Logger
	if resolvedLogger != nil {
		jobLogger = job.GoLogger(resolvedLogger)
	}
	return resolvedProvider, resolvedLogger, jobProvider, jobLogger
}

// WithFields attaches structured fields when the logger supports them and
// returns it unchanged otherwise.
func WithFields(logger glog.Logger, fields map[string]any) glog.Logger {
	logger = glog.Ensure(logger)
	if len(fields) == 0 {
		return logger
	}
	fieldsLogger, ok := logger.(glog.FieldsLogger)
	if !ok {
		return logger
	}
	copied := make(map[string]any, len(fields))
	for key, value := range fields {
		copied[key] = value
	}
	return fieldsLogger.WithFields(copied)
}

// ForCallback scopes logger to a named callback.
func ForCallback(logger glog.Logger, callbackName string) glog.Logger {
	callbackName = strings.TrimSpace(callbackName)
	if callbackName == "" {
		return glog.Ensure(logger)
	}
	return WithFields(logger, map[string]any{"callback": callbackName})
}

package logger

import (
	"context"
	"fmt"
	"time"

	"chime/internal/domain"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// AuditLogger writes operational events to zap and keeps a durable copy in
// an AuditSink, keyed by correlation id so a job's history can be traced.
type AuditLogger struct {
	source string
	log    *zap.SugaredLogger
	sink   domain.AuditSink
	now    func() time.Time
}

func NewAuditLogger(source string, sink domain.AuditSink, log *zap.SugaredLogger) *AuditLogger {
	if log == nil {
		log = ComponentLogger("audit")
	}
	return &AuditLogger{
		source: source,
		log:    log,
		sink:   sink,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (a *AuditLogger) Log(ctx context.Context, operation string, severity domain.Severity, correlationID, message, params string) {
	a.emit(severity, message,
		FieldOperation, operation,
		FieldCorrelationID, correlationID,
		FieldParameters, params,
	)
	a.append(ctx, domain.AuditEntry{
		Source:        a.source,
		Operation:     operation,
		Severity:      severity,
		CorrelationID: correlationID,
		Message:       message,
		Parameters:    params,
	})
}

// LogException records err with its root cause. The full chain, including
// stack traces captured by cockroachdb/errors, goes to the process log only.
func (a *AuditLogger) LogException(ctx context.Context, operation string, severity domain.Severity, correlationID string, err error, params string) {
	if err == nil {
		return
	}
	message := err.Error()
	if cause := errors.UnwrapAll(err); cause != nil && cause.Error() != message {
		message = fmt.Sprintf("%s (root cause: %s)", message, cause.Error())
	}
	a.emit(severity, message,
		FieldOperation, operation,
		FieldCorrelationID, correlationID,
		FieldParameters, params,
		FieldError, fmt.Sprintf("%+v", err),
	)
	a.append(ctx, domain.AuditEntry{
		Source:        a.source,
		Operation:     operation,
		Severity:      severity,
		CorrelationID: correlationID,
		Message:       message,
		Parameters:    params,
	})
}

func (a *AuditLogger) emit(severity domain.Severity, message string, kv ...interface{}) {
	switch severity {
	case domain.SeverityCritical, domain.SeverityError:
		a.log.Errorw(message, append(kv, FieldSeverity, severity.String())...)
	default:
		a.log.Debugw(message, kv...)
	}
}

func (a *AuditLogger) append(ctx context.Context, entry domain.AuditEntry) {
	if a.sink == nil {
		return
	}
	entry.LoggedAt = a.now()
	if err := a.sink.Append(context.WithoutCancel(ctx), entry); err != nil {
		a.log.Warnw("Failed to append audit entry", FieldOperation, entry.Operation, FieldError, err)
	}
}

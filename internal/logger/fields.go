package logger

// Field names shared by every structured log line.
const (
	FieldJobID         = "job_id"
	FieldOwnerService  = "owner_service"
	FieldMessageID     = "message_id"
	FieldCorrelationID = "correlation_id"
	FieldOperation     = "operation"
	FieldSeverity      = "severity"
	FieldParameters    = "parameters"
	FieldScheduledAt   = "scheduled_at"
	FieldNextAt        = "next_at"
	FieldAttempt       = "attempt"
	FieldState         = "state"
	FieldError         = "error"
	FieldDurationMS    = "duration_ms"
	FieldCount         = "count"
)

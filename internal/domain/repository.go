package domain

import (
	"context"
	"time"
)

type JobRecordStore interface {
	// Get returns nil, nil when no record exists for the key.
	Get(ctx context.Context, ownerService, jobID string) (*JobRecord, error)
	// Upsert returns ErrJobInactive, writing nothing, when the stored
	// record has been cancelled.
	Upsert(ctx context.Context, record *JobRecord) error
	// Update returns ErrJobNotFound when the record does not exist. It never
	// sets Active back to true on a cancelled record.
	Update(ctx context.Context, record *JobRecord) error
	ListByOwner(ctx context.Context, ownerService string) ([]*JobRecord, error)
}

type Severity int

const (
	SeverityVerbose Severity = iota + 1
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityVerbose:
		return "verbose"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

type AuditEntry struct {
	LoggedAt      time.Time
	Source        string
	Operation     string
	Severity      Severity
	CorrelationID string
	Message       string
	Parameters    string
}

type AuditSink interface {
	Append(ctx context.Context, entry AuditEntry) error
}

func ParseSeverity(s string) Severity {
	switch s {
	case "verbose":
		return SeverityVerbose
	case "error":
		return SeverityError
	case "critical":
		return SeverityCritical
	default:
		return 0
	}
}

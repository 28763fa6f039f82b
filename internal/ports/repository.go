package ports

import "chime/internal/domain"

// Storage is a record store that also keeps the audit trail, as the
// database adapters do.
type Storage interface {
	domain.JobRecordStore
	domain.AuditSink
	Close() error
}

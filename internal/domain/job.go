package domain

import (
	"bytes"
	"encoding/xml"
	"strings"
	"time"
)

// JobRecord is the persisted lifecycle of one scheduled job, keyed by
// (OwnerService, JobID).
type JobRecord struct {
	OwnerService       string
	JobID              string
	ScheduledAt        time.Time
	Recurrence         Recurrence
	Active             bool
	Delivered          bool
	Processed          bool
	LastAppearedAt     time.Time
	TransportMessageID string
	Comments           []string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func NewJobRecord(ownerService, jobID string, now time.Time) *JobRecord {
	return &JobRecord{
		OwnerService: ownerService,
		JobID:        jobID,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// ApplySubmission merges a successful enqueue into the record. A record that
// was seen before is marked delivered, matching the behaviour of occurrences
// that are re-submitted by the dispatch loop.
func (r *JobRecord) ApplySubmission(env *JobEnvelope, messageID string, existed bool, now time.Time) {
	r.Delivered = existed
	r.Active = true
	r.Recurrence = env.Recurrence
	r.ScheduledAt = env.ScheduledAt
	r.TransportMessageID = messageID
	r.UpdatedAt = now
}

type DispatchOutcome struct {
	Delivered  bool
	Processed  bool
	Comment    string
	OccurredAt time.Time
}

func (r *JobRecord) ApplyOutcome(outcome DispatchOutcome, historyLimit int, now time.Time) {
	r.Delivered = outcome.Delivered
	r.Processed = outcome.Processed
	r.LastAppearedAt = outcome.OccurredAt
	r.AppendComment(outcome.Comment, historyLimit, now)
}

// AppendComment adds a line to the comment log, dropping the oldest lines
// once historyLimit is exceeded. A limit <= 0 keeps everything.
func (r *JobRecord) AppendComment(comment string, historyLimit int, now time.Time) {
	r.UpdatedAt = now
	if comment == "" {
		return
	}
	r.Comments = append(r.Comments, comment)
	if historyLimit > 0 && len(r.Comments) > historyLimit {
		r.Comments = append([]string(nil), r.Comments[len(r.Comments)-historyLimit:]...)
	}
}

func (r *JobRecord) Cancel(now time.Time) {
	r.Active = false
	r.UpdatedAt = now
}

func (r *JobRecord) Status() JobStatus {
	return JobStatus{
		OwnerService:   r.OwnerService,
		JobID:          r.JobID,
		CreatedAt:      r.CreatedAt,
		ScheduledAt:    r.ScheduledAt,
		Recurrence:     r.Recurrence.String(),
		Delivered:      r.Delivered,
		Active:         r.Active,
		LastAppearedAt: r.LastAppearedAt,
		Processed:      r.Processed,
		Comments:       strings.Join(r.Comments, "\n"),
	}
}

// JobEnvelope is what travels through the delay queue.
type JobEnvelope struct {
	OwnerService string     `json:"owner_service"`
	JobID        string     `json:"job_id"`
	ScheduledAt  time.Time  `json:"scheduled_at"`
	Recurrence   Recurrence `json:"recurrence"`
	ExpiresAt    time.Time  `json:"expires_at"`
	Payload      []byte     `json:"payload"`
}

// Expired reports whether the envelope has reached its expiry. A zero
// ExpiresAt never expires.
func (e *JobEnvelope) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Next returns the envelope for the following occurrence, or false when the
// job does not recur or the next occurrence would land on or after expiry.
func (e *JobEnvelope) Next() (*JobEnvelope, bool) {
	next, ok := NextOccurrence(e.ScheduledAt, e.Recurrence)
	if !ok {
		return nil, false
	}
	if !e.ExpiresAt.IsZero() && !next.Before(e.ExpiresAt) {
		return nil, false
	}
	cp := *e
	cp.ScheduledAt = next
	return &cp, true
}

// EmptyPayload reports payloads that carry nothing: no bytes, whitespace,
// or a JSON null.
func EmptyPayload(p []byte) bool {
	trimmed := bytes.TrimSpace(p)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

type CreateJobRequest struct {
	OwnerService string
	JobID        string
	Payload      []byte
	ScheduledAt  time.Time
	Recurrence   Recurrence
	ExpiresAt    time.Time
}

// JobStatus is the read projection returned to callers.
type JobStatus struct {
	XMLName        xml.Name  `json:"-" xml:"TimerJob"`
	OwnerService   string    `json:"owner_service" xml:"OwnerService"`
	JobID          string    `json:"job_id" xml:"JobId"`
	CreatedAt      time.Time `json:"created_at" xml:"CreatedOn"`
	ScheduledAt    time.Time `json:"scheduled_at" xml:"ScheduledOn"`
	Recurrence     string    `json:"recurrence" xml:"Recurrence"`
	Delivered      bool      `json:"delivered" xml:"Delivered"`
	Active         bool      `json:"active" xml:"Active"`
	LastAppearedAt time.Time `json:"last_appeared_at" xml:"LastAppearedOn"`
	Processed      bool      `json:"processed" xml:"Processed"`
	Comments       string    `json:"comments" xml:"Comments"`
}

type JobStatusList struct {
	XMLName xml.Name    `json:"-" xml:"TimerJobs"`
	Jobs    []JobStatus `json:"jobs" xml:"TimerJob"`
}

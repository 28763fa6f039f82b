package app

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"chime/internal/domain"
	"chime/internal/ports"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

type Codec[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(data []byte) (T, error)
}

type JSONCodec[T any] struct{}

func (JSONCodec[T]) Encode(v T) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec[T]) Decode(data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}

type YAMLCodec[T any] struct{}

func (YAMLCodec[T]) Encode(v T) ([]byte, error) {
	return yaml.Marshal(v)
}

func (YAMLCodec[T]) Decode(data []byte) (T, error) {
	var v T
	err := yaml.Unmarshal(data, &v)
	return v, err
}

// TypedScheduler submits payloads of one Go type through a JobService.
type TypedScheduler[T any] struct {
	jobs         ports.JobService
	codec        Codec[T]
	ownerService string
}

func NewTypedScheduler[T any](jobs ports.JobService, ownerService string, codec Codec[T]) *TypedScheduler[T] {
	if codec == nil {
		codec = JSONCodec[T]{}
	}
	return &TypedScheduler[T]{jobs: jobs, codec: codec, ownerService: ownerService}
}

// Create rejects the zero value of T, compared by its encoding.
func (s *TypedScheduler[T]) Create(ctx context.Context, payload T, scheduledAt time.Time, recurrence domain.Recurrence, expiresAt time.Time) (string, error) {
	data, err := s.codec.Encode(payload)
	if err != nil {
		return "", errors.Wrap(domain.ErrInvalidPayload, err.Error())
	}
	var zero T
	zeroData, err := s.codec.Encode(zero)
	if err == nil && bytes.Equal(bytes.TrimSpace(data), bytes.TrimSpace(zeroData)) {
		return "", domain.ErrInvalidPayload
	}

	return s.jobs.Create(ctx, domain.CreateJobRequest{
		OwnerService: s.ownerService,
		Payload:      data,
		ScheduledAt:  scheduledAt,
		Recurrence:   recurrence,
		ExpiresAt:    expiresAt,
	})
}

func (s *TypedScheduler[T]) Cancel(ctx context.Context, jobID string) bool {
	return s.jobs.Cancel(ctx, s.ownerService, jobID)
}

func (s *TypedScheduler[T]) GetStatus(ctx context.Context, jobID string) []domain.JobStatus {
	return s.jobs.GetStatus(ctx, s.ownerService, jobID)
}

// HandleTyped adapts a callback on decoded payloads into a JobHandler.
func HandleTyped[T any](codec Codec[T], fn func(ctx context.Context, jobID string, payload T) error) domain.JobHandler {
	if codec == nil {
		codec = JSONCodec[T]{}
	}
	return func(ctx context.Context, env *domain.JobEnvelope) error {
		payload, err := codec.Decode(env.Payload)
		if err != nil {
			return errors.Wrapf(err, "decode payload of job %s", env.JobID)
		}
		return fn(ctx, env.JobID, payload)
	}
}

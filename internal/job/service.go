package job

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"jobexec/internal/apperrors"
	"log/slog"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
)

// Limits bounds what a request may ask for.
type Limits struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	MaxInlineBytes int
}

// Service turns client requests into descriptors and hands them to an
// Orchestrator. It holds no job state of its own.
type Service struct {
	orchestrator Orchestrator
	limits       Limits
	now          func() time.Time
}

// NewService creates a new job service.
func NewService(orchestrator Orchestrator, limits Limits) *Service {
	if limits.DefaultTimeout <= 0 {
		limits.DefaultTimeout = 300 * time.Second
	}
	if limits.MaxTimeout <= 0 {
		limits.MaxTimeout = time.Hour
	}
	if limits.MaxInlineBytes <= 0 {
		limits.MaxInlineBytes = 8 << 20
	}
	return &Service{
		orchestrator: orchestrator,
		limits:       limits,
		now:          time.Now,
	}
}

// Create validates a request and submits it.
// Note: This method applies defaults to the request before validation.
func (s *Service) Create(ctx context.Context, req *Request) (*Response, error) {
	s.applyDefaults(req)
	if err := s.validate(req); err != nil {
		return nil, err
	}

	d, err := s.descriptor(req)
	if err != nil {
		return nil, err
	}

	id, err := s.orchestrator.Submit(ctx, d)
	if err != nil {
		return nil, err
	}

	resp := &Response{
		ID:     id,
		Kind:   d.Kind(),
		Status: StatePending,
	}
	if id != d.ID() {
		resp.Status = StateSucceeded
	}
	return resp, nil
}

// Get returns the status of a job.
func (s *Service) Get(ctx context.Context, jobID string) (*Status, error) {
	return s.orchestrator.Poll(ctx, jobID)
}

// Cancel requests termination of a pending job.
func (s *Service) Cancel(ctx context.Context, jobID string) error {
	logger := slog.With("jobId", jobID)

	if s.orchestrator.Cancel(ctx, jobID) {
		logger.Info("Job cancelled")
		return nil
	}

	// Distinguish unknown jobs from ones that already finished.
	if _, err := s.orchestrator.Poll(ctx, jobID); err != nil {
		return err
	}
	return apperrors.Conflict("job", jobID, "job already finished")
}

// Acknowledge releases a terminal result before its retention window ends.
func (s *Service) Acknowledge(ctx context.Context, jobID string) error {
	if err := s.orchestrator.Ack(ctx, jobID); err != nil {
		return err
	}
	slog.Info("Job result acknowledged", "jobId", jobID)
	return nil
}

// Output returns the artifact of a succeeded job.
func (s *Service) Output(ctx context.Context, jobID string) (*Output, error) {
	return s.orchestrator.Output(ctx, jobID)
}

// List returns all known jobs and their statuses.
func (s *Service) List(ctx context.Context) (*ListResponse, error) {
	statuses, err := s.orchestrator.List(ctx)
	if err != nil {
		return nil, err
	}
	return &ListResponse{Jobs: statuses}, nil
}

// applyDefaults sets default values for unspecified request fields.
func (s *Service) applyDefaults(req *Request) {
	if req.ID == "" {
		req.ID = ulid.Make().String()
	}
	if req.TimeoutSeconds <= 0 {
		req.TimeoutSeconds = int(s.limits.DefaultTimeout / time.Second)
	}
}

// validate checks everything that does not depend on the engine.
// Engine-specific checks (codecs, permissions) run in the adapter.
func (s *Service) validate(req *Request) error {
	if err := validateStruct(req); err != nil {
		return err
	}

	if max := int(s.limits.MaxTimeout / time.Second); req.TimeoutSeconds > max {
		return apperrors.Validation("timeoutSeconds", fmt.Sprintf("timeout exceeds maximum of %d seconds", max))
	}

	in := req.Input
	set := 0
	for _, v := range []string{in.Path, in.URL, in.Inline, in.InlineBase64} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return apperrors.Validation("input", "exactly one of input.path, input.url, input.inline or input.inlineBase64 is required")
	}
	if in.URL != "" && req.Kind == KindScript {
		return apperrors.Validation("input.url", "script jobs do not accept URL inputs")
	}
	if len(in.Inline) > s.limits.MaxInlineBytes || base64.StdEncoding.DecodedLen(len(in.InlineBase64)) > s.limits.MaxInlineBytes {
		return apperrors.Validation("input", fmt.Sprintf("inline input exceeds maximum of %d bytes", s.limits.MaxInlineBytes))
	}

	for k, v := range req.Params {
		if _, err := scalarString(v); err != nil {
			return apperrors.Validation("params."+k, err.Error())
		}
	}
	return nil
}

// descriptor converts a validated request into an immutable descriptor.
func (s *Service) descriptor(req *Request) (*Descriptor, error) {
	in := Input{Path: req.Input.Path, URL: req.Input.URL}
	switch {
	case req.Input.Inline != "":
		in.Inline = []byte(req.Input.Inline)
	case req.Input.InlineBase64 != "":
		data, err := base64.StdEncoding.DecodeString(req.Input.InlineBase64)
		if err != nil {
			return nil, apperrors.Validation("input.inlineBase64", "input.inlineBase64 must be valid base64")
		}
		in.Inline = data
	}

	params := make(map[string]string, len(req.Params))
	for k, v := range req.Params {
		params[k], _ = scalarString(v)
	}

	return NewDescriptor(Fields{
		ID:       req.ID,
		Kind:     req.Kind,
		Input:    in,
		Params:   params,
		Timeout:  time.Duration(req.TimeoutSeconds) * time.Second,
		Meta:     req.Meta,
		Callback: req.Callback,
		Reuse:    req.Reuse,
	}, s.now())
}

var errNotScalar = errors.New("parameter must be a string, number or boolean")

// scalarString normalizes a decoded JSON scalar to its string form.
func scalarString(v any) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case bool:
		return strconv.FormatBool(val), nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(val), nil
	default:
		return "", errNotScalar
	}
}

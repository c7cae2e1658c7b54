package job

import (
	"context"
	"errors"
	"jobexec/internal/apperrors"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeOrchestrator records submissions and serves canned statuses.
type fakeOrchestrator struct {
	mu        sync.Mutex
	submitted []*Descriptor
	submitErr error
	statuses  map[string]*Status
	cancelled map[string]bool
	acked     []string
}

func newFakeOrchestrator() *fakeOrchestrator {
	return &fakeOrchestrator{
		statuses:  make(map[string]*Status),
		cancelled: make(map[string]bool),
	}
}

func (f *fakeOrchestrator) Submit(_ context.Context, d *Descriptor) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, d)
	if d.Reuse() {
		for id, st := range f.statuses {
			if st.Result != nil && st.Result.Fingerprint == d.Fingerprint() {
				return id, nil
			}
		}
	}
	f.statuses[d.ID()] = &Status{ID: d.ID(), Kind: d.Kind(), State: StatePending}
	return d.ID(), nil
}

func (f *fakeOrchestrator) Poll(_ context.Context, id string) (*Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.statuses[id]
	if !ok {
		return nil, apperrors.NotFound("job", id)
	}
	return st, nil
}

func (f *fakeOrchestrator) Cancel(_ context.Context, id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.statuses[id]
	if !ok || st.State.Terminal() {
		return false
	}
	f.cancelled[id] = true
	return true
}

func (f *fakeOrchestrator) Ack(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.statuses[id]; !ok {
		return apperrors.NotFound("job", id)
	}
	f.acked = append(f.acked, id)
	delete(f.statuses, id)
	return nil
}

func (f *fakeOrchestrator) Output(_ context.Context, id string) (*Output, error) {
	st, err := f.Poll(context.Background(), id)
	if err != nil {
		return nil, err
	}
	if st.State != StateSucceeded {
		return nil, apperrors.Conflict("job", id, "job has no output")
	}
	return &Output{Name: id + ".txt", ContentType: "text/plain", Data: []byte("out")}, nil
}

func (f *fakeOrchestrator) List(context.Context) ([]Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Status, 0, len(f.statuses))
	for _, st := range f.statuses {
		out = append(out, *st)
	}
	return out, nil
}

func (f *fakeOrchestrator) Ready(context.Context) error { return nil }
func (f *fakeOrchestrator) Close() error                { return nil }

func TestValidate(t *testing.T) {
	t.Parallel()
	svc := NewService(newFakeOrchestrator(), Limits{MaxTimeout: time.Hour, MaxInlineBytes: 16})

	tests := []struct {
		name    string
		req     *Request
		wantErr bool
		field   string
		errMsg  string
	}{
		{
			name:   "missing kind",
			req:    &Request{ID: "job-1", Input: InputRequest{Path: "a.mp4"}, TimeoutSeconds: 10},
			field:  "kind",
			errMsg: "kind is required",
		},
		{
			name:   "unknown kind",
			req:    &Request{ID: "job-1", Kind: "render", Input: InputRequest{Path: "a.mp4"}, TimeoutSeconds: 10},
			field:  "kind",
			errMsg: "kind must be one of [transcode script]",
		},
		{
			name:   "bad job id",
			req:    &Request{ID: "-job", Kind: KindTranscode, Input: InputRequest{Path: "a.mp4"}, TimeoutSeconds: 10},
			field:  "id",
			errMsg: "must be alphanumeric",
		},
		{
			name:   "no input",
			req:    &Request{ID: "job-1", Kind: KindTranscode, TimeoutSeconds: 10},
			field:  "input",
			errMsg: "exactly one of",
		},
		{
			name: "two inputs",
			req: &Request{ID: "job-1", Kind: KindTranscode, TimeoutSeconds: 10,
				Input: InputRequest{Path: "a.mp4", URL: "https://example.com/a.mp4"}},
			field:  "input",
			errMsg: "exactly one of",
		},
		{
			name: "non-http url",
			req: &Request{ID: "job-1", Kind: KindTranscode, TimeoutSeconds: 10,
				Input: InputRequest{URL: "file:///etc/passwd"}},
			field:  "input.url",
			errMsg: "http or https",
		},
		{
			name: "script with url input",
			req: &Request{ID: "job-1", Kind: KindScript, TimeoutSeconds: 10,
				Input: InputRequest{URL: "https://example.com/main.ts"}},
			field:  "input.url",
			errMsg: "do not accept URL inputs",
		},
		{
			name: "timeout above maximum",
			req: &Request{ID: "job-1", Kind: KindTranscode, TimeoutSeconds: 7200,
				Input: InputRequest{Path: "a.mp4"}},
			field:  "timeoutSeconds",
			errMsg: "timeout exceeds maximum",
		},
		{
			name: "inline too large",
			req: &Request{ID: "job-1", Kind: KindScript, TimeoutSeconds: 10,
				Input: InputRequest{Inline: strings.Repeat("x", 17)}},
			field:  "input",
			errMsg: "inline input exceeds maximum",
		},
		{
			name: "non-scalar param",
			req: &Request{ID: "job-1", Kind: KindTranscode, TimeoutSeconds: 10,
				Input: InputRequest{Path: "a.mp4"}, Params: map[string]any{"codec": []any{"h264"}}},
			field:  "params.codec",
			errMsg: "must be a string, number or boolean",
		},
		{
			name: "callback with bad url",
			req: &Request{ID: "job-1", Kind: KindTranscode, TimeoutSeconds: 10,
				Input: InputRequest{Path: "a.mp4"}, Callback: &Callback{URL: "ftp://example.com"}},
			field:  "callback.url",
			errMsg: "http or https",
		},
		{
			name: "callback with unknown event",
			req: &Request{ID: "job-1", Kind: KindTranscode, TimeoutSeconds: 10,
				Input: InputRequest{Path: "a.mp4"}, Callback: &Callback{URL: "https://example.com/hook", Events: []string{"job.done"}}},
			field:  "callback.events[0]",
			errMsg: "must be one of",
		},
		{
			name: "valid transcode",
			req: &Request{ID: "job-1", Kind: KindTranscode, TimeoutSeconds: 10,
				Input: InputRequest{URL: "https://example.com/a.mp4"}, Params: map[string]any{"codec": "h264", "bitrate": 800.0}},
		},
		{
			name: "valid script",
			req: &Request{ID: "job-1", Kind: KindScript, TimeoutSeconds: 10,
				Input: InputRequest{Inline: "console.log(1)"}, Params: map[string]any{"permissions": "none"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := svc.validate(tt.req)
			if tt.errMsg == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.errMsg)
			}
			if !errors.Is(err, apperrors.ErrValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("error %q does not contain %q", err.Error(), tt.errMsg)
			}
			var appErr *apperrors.Error
			if errors.As(err, &appErr) && appErr.Field != tt.field {
				t.Errorf("field = %q, want %q", appErr.Field, tt.field)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	t.Parallel()
	svc := NewService(newFakeOrchestrator(), Limits{DefaultTimeout: 90 * time.Second})

	req := &Request{Kind: KindScript}
	svc.applyDefaults(req)

	if req.ID == "" {
		t.Error("expected generated ID")
	}
	if !jobIDPattern.MatchString(req.ID) {
		t.Errorf("generated ID %q does not match job ID pattern", req.ID)
	}
	if req.TimeoutSeconds != 90 {
		t.Errorf("TimeoutSeconds = %d, want 90", req.TimeoutSeconds)
	}
}

func TestApplyDefaults_PreservesExisting(t *testing.T) {
	t.Parallel()
	svc := NewService(newFakeOrchestrator(), Limits{DefaultTimeout: 90 * time.Second})

	req := &Request{ID: "custom", TimeoutSeconds: 5}
	svc.applyDefaults(req)

	if req.ID != "custom" {
		t.Errorf("ID = %q, want custom", req.ID)
	}
	if req.TimeoutSeconds != 5 {
		t.Errorf("TimeoutSeconds = %d, want 5", req.TimeoutSeconds)
	}
}

func TestService_Create(t *testing.T) {
	t.Parallel()
	orch := newFakeOrchestrator()
	svc := NewService(orch, Limits{})
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	resp, err := svc.Create(context.Background(), &Request{
		ID:             "clip-1",
		Kind:           KindTranscode,
		Input:          InputRequest{InlineBase64: "AAEC"},
		Params:         map[string]any{"format": "webm", "audio_bitrate": 48, "video": false},
		TimeoutSeconds: 30,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if resp.ID != "clip-1" || resp.Status != StatePending || resp.Kind != KindTranscode {
		t.Errorf("unexpected response: %+v", resp)
	}

	if len(orch.submitted) != 1 {
		t.Fatalf("expected 1 submission, got %d", len(orch.submitted))
	}
	d := orch.submitted[0]
	if got := d.Input().Inline; string(got) != "\x00\x01\x02" {
		t.Errorf("inline input = %v", got)
	}
	if v, _ := d.Param("audio_bitrate"); v != "48" {
		t.Errorf("audio_bitrate = %q, want 48", v)
	}
	if v, _ := d.Param("video"); v != "false" {
		t.Errorf("video = %q, want false", v)
	}
	if !d.Deadline().Equal(fixed.Add(30 * time.Second)) {
		t.Errorf("deadline = %v", d.Deadline())
	}
}

func TestService_CreateReused(t *testing.T) {
	t.Parallel()
	orch := newFakeOrchestrator()
	svc := NewService(orch, Limits{})

	req := func(id string, reuse bool) *Request {
		return &Request{
			ID:     id,
			Kind:   KindTranscode,
			Input:  InputRequest{URL: "https://cdn.example.com/a.webm"},
			Params: map[string]any{"preset": "audio-low"},
			Reuse:  reuse,
		}
	}

	if _, err := svc.Create(context.Background(), req("first", false)); err != nil {
		t.Fatal(err)
	}
	first := orch.submitted[0]
	orch.statuses["first"] = &Status{ID: "first", State: StateSucceeded, Result: &Result{JobID: "first", State: StateSucceeded, Fingerprint: first.Fingerprint()}}

	resp, err := svc.Create(context.Background(), req("second", true))
	if err != nil {
		t.Fatal(err)
	}
	if resp.ID != "first" || resp.Status != StateSucceeded {
		t.Errorf("reused response = %+v", resp)
	}

	resp, err = svc.Create(context.Background(), req("third", false))
	if err != nil {
		t.Fatal(err)
	}
	if resp.ID != "third" || resp.Status != StatePending {
		t.Errorf("response without reuse = %+v", resp)
	}
}

func TestService_CreatePropagatesSubmitError(t *testing.T) {
	t.Parallel()
	orch := newFakeOrchestrator()
	orch.submitErr = apperrors.Overloaded("transcode", "2 of 2 slots in use")
	svc := NewService(orch, Limits{})

	_, err := svc.Create(context.Background(), &Request{
		Kind:  KindTranscode,
		Input: InputRequest{Path: "in.mp4"},
	})
	if !errors.Is(err, apperrors.ErrOverloaded) {
		t.Fatalf("expected overloaded error, got %v", err)
	}
}

func TestService_Cancel(t *testing.T) {
	t.Parallel()
	orch := newFakeOrchestrator()
	svc := NewService(orch, Limits{})
	ctx := context.Background()

	orch.statuses["running"] = &Status{ID: "running", State: StatePending}
	orch.statuses["done"] = &Status{ID: "done", State: StateSucceeded}

	if err := svc.Cancel(ctx, "running"); err != nil {
		t.Errorf("Cancel(running) = %v", err)
	}
	if err := svc.Cancel(ctx, "done"); !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("Cancel(done) = %v, want conflict", err)
	}
	if err := svc.Cancel(ctx, "missing"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Cancel(missing) = %v, want not found", err)
	}
}

func TestService_OutputAndAcknowledge(t *testing.T) {
	t.Parallel()
	orch := newFakeOrchestrator()
	svc := NewService(orch, Limits{})
	ctx := context.Background()

	orch.statuses["done"] = &Status{ID: "done", State: StateSucceeded}
	orch.statuses["failed"] = &Status{ID: "failed", State: StateFailed}

	out, err := svc.Output(ctx, "done")
	if err != nil {
		t.Fatal(err)
	}
	if string(out.Data) != "out" || out.ContentType != "text/plain" {
		t.Errorf("Output = %+v", out)
	}
	if _, err := svc.Output(ctx, "failed"); !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("Output(failed) = %v, want conflict", err)
	}

	if err := svc.Acknowledge(ctx, "done"); err != nil {
		t.Fatal(err)
	}
	if err := svc.Acknowledge(ctx, "done"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("second Acknowledge = %v, want not found", err)
	}
	if len(orch.acked) != 1 {
		t.Errorf("acked = %v", orch.acked)
	}
}

func TestScalarString(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   any
		want string
		ok   bool
	}{
		{"h264", "h264", true},
		{true, "true", true},
		{1.5, "1.5", true},
		{float64(720), "720", true},
		{map[string]any{}, "", false},
		{nil, "", false},
	}
	for _, tt := range tests {
		got, err := scalarString(tt.in)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("scalarString(%v) = %q, %v", tt.in, got, err)
		}
	}
}

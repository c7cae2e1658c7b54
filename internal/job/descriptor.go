package job

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"jobexec/internal/apperrors"
	"maps"
	"slices"
	"time"
)

// Input is the source a job reads from. Exactly one field is set.
type Input struct {
	Path   string // relative to the engine's input root
	URL    string // http(s) source, transcode only
	Inline []byte // literal bytes: media fed on stdin, or script source
}

func (in Input) count() int {
	n := 0
	if in.Path != "" {
		n++
	}
	if in.URL != "" {
		n++
	}
	if len(in.Inline) > 0 {
		n++
	}
	return n
}

// Fields carries the values a Descriptor is built from.
type Fields struct {
	ID       string
	Kind     Kind
	Input    Input
	Params   map[string]string
	Timeout  time.Duration
	Meta     map[string]string
	Callback *Callback
	Reuse    bool // serve from a retained result with the same fingerprint
}

// Descriptor is the immutable description of one unit of work. All maps and
// slices are copied on construction and on access.
type Descriptor struct {
	id          string
	kind        Kind
	input       Input
	params      map[string]string
	timeout     time.Duration
	deadline    time.Time
	submittedAt time.Time
	meta        map[string]string
	callback    *Callback
	reuse       bool
	fingerprint string
}

// NewDescriptor builds a descriptor admitted at the given instant. The
// deadline is admittedAt plus the timeout and is always strictly later.
func NewDescriptor(f Fields, admittedAt time.Time) (*Descriptor, error) {
	if f.ID == "" {
		return nil, apperrors.Validation("id", "job ID is required")
	}
	if !f.Kind.Valid() {
		return nil, apperrors.Validation("kind", fmt.Sprintf("unsupported job kind %q", f.Kind))
	}
	if n := f.Input.count(); n != 1 {
		return nil, apperrors.Validation("input", fmt.Sprintf("exactly one of path, url or inline is required, got %d", n))
	}
	if f.Timeout <= 0 {
		return nil, apperrors.Validation("timeoutSeconds", "timeout must be positive")
	}

	d := &Descriptor{
		id:          f.ID,
		kind:        f.Kind,
		input:       Input{Path: f.Input.Path, URL: f.Input.URL, Inline: slices.Clone(f.Input.Inline)},
		params:      maps.Clone(f.Params),
		timeout:     f.Timeout,
		deadline:    admittedAt.Add(f.Timeout),
		submittedAt: admittedAt,
		meta:        maps.Clone(f.Meta),
		reuse:       f.Reuse,
	}
	if d.params == nil {
		d.params = map[string]string{}
	}
	d.fingerprint = fingerprint(d.kind, d.input, d.params)
	if f.Callback != nil {
		cb := *f.Callback
		cb.Events = slices.Clone(f.Callback.Events)
		d.callback = &cb
	}
	return d, nil
}

// ID returns the job identifier.
func (d *Descriptor) ID() string { return d.id }

// Kind returns the engine kind.
func (d *Descriptor) Kind() Kind { return d.kind }

// Input returns a copy of the job input.
func (d *Descriptor) Input() Input {
	return Input{Path: d.input.Path, URL: d.input.URL, Inline: slices.Clone(d.input.Inline)}
}

// Param returns a single parameter value.
func (d *Descriptor) Param(key string) (string, bool) {
	v, ok := d.params[key]
	return v, ok
}

// Params returns a copy of all parameters.
func (d *Descriptor) Params() map[string]string { return maps.Clone(d.params) }

// Timeout returns the requested execution timeout.
func (d *Descriptor) Timeout() time.Duration { return d.timeout }

// Deadline returns the absolute instant after which the job is terminated.
func (d *Descriptor) Deadline() time.Time { return d.deadline }

// SubmittedAt returns the admission instant.
func (d *Descriptor) SubmittedAt() time.Time { return d.submittedAt }

// Meta returns a copy of the client metadata.
func (d *Descriptor) Meta() map[string]string { return maps.Clone(d.meta) }

// Callback returns a copy of the callback configuration, or nil.
func (d *Descriptor) Callback() *Callback {
	if d.callback == nil {
		return nil
	}
	cb := *d.callback
	cb.Events = slices.Clone(d.callback.Events)
	return &cb
}

// Reuse reports whether a retained result with the same fingerprint may
// answer this job instead of running it.
func (d *Descriptor) Reuse() bool { return d.reuse }

// Fingerprint identifies the work the job does: its kind, input, and
// parameters. Jobs with equal fingerprints produce the same result from the
// same input. The ID, timeout, metadata, and callback do not contribute.
func (d *Descriptor) Fingerprint() string { return d.fingerprint }

func fingerprint(kind Kind, in Input, params map[string]string) string {
	h := sha256.New()
	field := func(parts ...string) {
		for _, p := range parts {
			fmt.Fprintf(h, "%d:%s", len(p), p)
		}
	}
	field("kind", string(kind))
	switch {
	case in.Path != "":
		field("path", in.Path)
	case in.URL != "":
		field("url", in.URL)
	default:
		field("inline", string(in.Inline))
	}
	for _, k := range slices.Sorted(maps.Keys(params)) {
		field("param", k, params[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

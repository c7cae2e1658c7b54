package job

import (
	"jobexec/pkg/cloudevent"
	"slices"

	"github.com/oklog/ulid/v2"
)

// Event types for job lifecycle callbacks
const (
	EventTypeStart = "jobexec.job.start"
	EventTypeLog   = "jobexec.job.log"
	EventTypeExit  = "jobexec.job.exit"
)

// FilteredEvents returns true if the event type should be sent based on the filter.
// If the filter is empty, all events are allowed.
func FilteredEvents(eventType string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	return slices.Contains(filter, eventType)
}

// EventBuilder builds CloudEvents for job lifecycle events.
type EventBuilder struct {
	source  string
	subject string
	kind    Kind
	meta    map[string]string
}

// NewEventBuilder creates a new EventBuilder.
func NewEventBuilder(d *Descriptor, source string) *EventBuilder {
	return &EventBuilder{
		source:  source,
		subject: d.ID(),
		kind:    d.Kind(),
		meta:    d.Meta(),
	}
}

// Build creates a new CloudEvent with the given type and data.
func (b *EventBuilder) Build(eventType string, data map[string]any) *cloudevent.CloudEvent {
	return cloudevent.New(eventType, b.source, b.subject, ulid.Make().String(), data)
}

// BuildStartEvent creates a job start event.
func (b *EventBuilder) BuildStartEvent(pid int) *cloudevent.CloudEvent {
	data := map[string]any{
		"jobId": b.subject,
		"kind":  b.kind,
		"pid":   pid,
		"meta":  b.meta,
	}
	return b.Build(EventTypeStart, data)
}

// BuildLogEvent creates a log event.
func (b *EventBuilder) BuildLogEvent(lines []string, stream string) *cloudevent.CloudEvent {
	data := map[string]any{
		"jobId":  b.subject,
		"lines":  lines,
		"stream": stream,
		"meta":   b.meta,
	}
	return b.Build(EventTypeLog, data)
}

// BuildExitEvent creates an exit event from a terminal result.
func (b *EventBuilder) BuildExitEvent(res *Result) *cloudevent.CloudEvent {
	data := map[string]any{
		"jobId": b.subject,
		"kind":  b.kind,
		"state": res.State,
		"meta":  b.meta,
	}
	if res.ExitCode != nil {
		data["exitCode"] = *res.ExitCode
	}
	if res.ErrorDetail != "" {
		data["error"] = res.ErrorDetail
	}
	return b.Build(EventTypeExit, data)
}

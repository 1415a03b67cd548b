// Package events publishes executor lifecycle events to observers.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"jobctl/internal/job"
)

// Event types
const (
	TypeStart   = "jobctl.executor.start"
	TypeStop    = "jobctl.executor.stop"
	TypeModify  = "jobctl.executor.modify"
	TypeDestroy = "jobctl.executor.destroy"
)

// Event describes the outcome of one lifecycle operation.
type Event struct {
	Type     string
	JobID    job.Identity
	RunMode  job.RunMode
	Executor string // encoded executor identifier, if known
	Success  bool
	Outcome  string // operation-specific detail such as "deferred"
	Error    string
	Time     time.Time
}

// New builds an event stamped with the current time. A non-nil err marks it failed.
func New(eventType string, id job.Identity, mode job.RunMode, err error) Event {
	e := Event{
		Type:    eventType,
		JobID:   id,
		RunMode: mode,
		Success: err == nil,
		Time:    time.Now().UTC(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// Publisher receives lifecycle events. Publish must not block on slow consumers.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Multi fans an event out to every publisher.
type Multi []Publisher

// Publish implements Publisher.
func (m Multi) Publish(ctx context.Context, e Event) {
	for _, p := range m {
		p.Publish(ctx, e)
	}
}

// LogPublisher writes events to the structured log.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a LogPublisher.
func NewLogPublisher() *LogPublisher {
	return &LogPublisher{logger: slog.With("component", "events")}
}

// Publish implements Publisher.
func (p *LogPublisher) Publish(_ context.Context, e Event) {
	attrs := []any{"type", e.Type, "jobId", e.JobID, "runMode", e.RunMode, "success", e.Success}
	if e.Outcome != "" {
		attrs = append(attrs, "outcome", e.Outcome)
	}
	if e.Error != "" {
		attrs = append(attrs, "error", e.Error)
		p.logger.Warn("Lifecycle event", attrs...)
		return
	}
	p.logger.Info("Lifecycle event", attrs...)
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements Publisher.
func (r *Recorder) Publish(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Last returns the most recent event of the given type.
func (r *Recorder) Last(eventType string) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == eventType {
			return r.events[i], true
		}
	}
	return Event{}, false
}

var (
	_ Publisher = Multi(nil)
	_ Publisher = (*LogPublisher)(nil)
	_ Publisher = (*Recorder)(nil)
)

package job

import (
	"encoding/json"
	"maps"
	"strconv"
	"time"
)

// Identity is the numeric job id. It is unique per job row and never reused.
type Identity int64

func (i Identity) String() string {
	return strconv.FormatInt(int64(i), 10)
}

// ParseIdentity parses the decimal form produced by String.
func ParseIdentity(s string) (Identity, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return Identity(id), nil
}

// Context describes what an executor runs and with what data.
// A Context is immutable: accessors return copies of its maps.
type Context struct {
	identity   Identity
	class      string
	properties map[string]string
	parameters map[string]string
}

// NewContext builds a Context, copying the supplied maps.
func NewContext(id Identity, class string, properties, parameters map[string]string) Context {
	return Context{
		identity:   id,
		class:      class,
		properties: cloneMap(properties),
		parameters: cloneMap(parameters),
	}
}

// Identity returns the job id.
func (c Context) Identity() Identity { return c.identity }

// Class returns the executor entry point name.
func (c Context) Class() string { return c.class }

// Properties returns a copy of the operational knobs.
func (c Context) Properties() map[string]string { return cloneMap(c.properties) }

// Parameters returns a copy of the task payload.
func (c Context) Parameters() map[string]string { return cloneMap(c.parameters) }

// WithParameters returns a copy of c carrying the given parameters.
func (c Context) WithParameters(parameters map[string]string) Context {
	return NewContext(c.identity, c.class, c.properties, parameters)
}

// contextJSON is the wire shape read back by the executor.
type contextJSON struct {
	JobIdentity   Identity          `json:"jobIdentity"`
	JobClass      string            `json:"jobClass"`
	JobProperties map[string]string `json:"jobProperties,omitempty"`
	JobParameters map[string]string `json:"jobParameters,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (c Context) MarshalJSON() ([]byte, error) {
	return json.Marshal(contextJSON{
		JobIdentity:   c.identity,
		JobClass:      c.class,
		JobProperties: c.properties,
		JobParameters: c.parameters,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Context) UnmarshalJSON(data []byte) error {
	var raw contextJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = NewContext(raw.JobIdentity, raw.JobClass, raw.JobProperties, raw.JobParameters)
	return nil
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return maps.Clone(m)
}

// Status is the persisted job status.
type Status string

// Status constants
const (
	StatusPending   Status = "PENDING"
	StatusStarting  Status = "STARTING"
	StatusRunning   Status = "RUNNING"
	StatusCanceling Status = "CANCELING"
	StatusCanceled  Status = "CANCELED"
	StatusFailed    Status = "FAILED"
	StatusDestroyed Status = "DESTROYED"
	StatusDone      Status = "DONE"
)

// IsTerminated reports whether the job body has finished, one way or another.
func (s Status) IsTerminated() bool {
	switch s {
	case StatusCanceled, StatusFailed, StatusDone:
		return true
	}
	return false
}

// TerminatedStatuses lists the statuses for which IsTerminated is true.
func TerminatedStatuses() []Status {
	return []Status{StatusCanceled, StatusFailed, StatusDone}
}

// RunMode selects the executor backend.
type RunMode string

// Run modes
const (
	RunModeProcess RunMode = "PROCESS"
	RunModeK8s     RunMode = "K8S"
)

// ParseRunMode returns the RunMode named by s.
func ParseRunMode(s string) (RunMode, bool) {
	switch RunMode(s) {
	case RunModeProcess, RunModeK8s:
		return RunMode(s), true
	}
	return "", false
}

// Record is the persisted job row as seen by the lifecycle subsystem.
type Record struct {
	ID                  Identity  `json:"id"`
	Status              Status    `json:"status"`
	RunMode             RunMode   `json:"runMode"`
	Description         string    `json:"description,omitempty"`
	ExecutorEndpoint    string    `json:"executorEndpoint,omitempty"`
	ExecutorIdentifier  string    `json:"executorIdentifier,omitempty"`
	ExecutorDestroyedAt time.Time `json:"executorDestroyedAt,omitzero"`
	StartedAt           time.Time `json:"startedAt,omitzero"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// ExecutorDestroyed reports whether the executor has been marked destroyed.
func (r *Record) ExecutorDestroyed() bool {
	return !r.ExecutorDestroyedAt.IsZero()
}

// StartRequest is the body accepted by the controller to start a job.
type StartRequest struct {
	JobClass   string            `json:"jobClass"`
	Properties map[string]string `json:"jobProperties"`
	Parameters map[string]string `json:"jobParameters"`
}

// ModifyRequest carries replacement job parameters.
type ModifyRequest struct {
	Parameters map[string]string `json:"jobParameters"`
}

// HeartbeatRequest is sent by an executor to advertise its control endpoint.
type HeartbeatRequest struct {
	Endpoint string `json:"endpoint"`
}

// FinishRequest is sent by an executor when its task body returns.
type FinishRequest struct {
	Status      Status `json:"status"`
	Description string `json:"description,omitempty"`
}

// Ack is the acknowledgement envelope used by executor control endpoints.
type Ack struct {
	Successful bool   `json:"successful"`
	Data       bool   `json:"data"`
	Error      string `json:"error,omitempty"`
}

// Response is returned by controller operations.
type Response struct {
	ID     Identity `json:"id"`
	Status Status   `json:"status"`
}

// FinishableResponse answers whether a job may be moved to a final state.
type FinishableResponse struct {
	ID         Identity `json:"id"`
	Finishable bool     `json:"finishable"`
}

package bootstrap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"jobctl/internal/apperrors"
	"jobctl/internal/job"
)

// Reporter sends executor callbacks to the controller API.
type Reporter struct {
	baseURL    string
	apiKey     string
	client     *http.Client
	maxRetries uint64
}

// NewReporter creates a Reporter. An empty baseURL disables reporting.
func NewReporter(baseURL, apiKey string, timeout time.Duration, maxRetries uint64) *Reporter {
	return &Reporter{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		client:     &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
	}
}

// Enabled reports whether a controller URL is configured.
func (r *Reporter) Enabled() bool {
	return r.baseURL != ""
}

// Heartbeat advertises the executor's control endpoint.
func (r *Reporter) Heartbeat(ctx context.Context, id job.Identity, endpoint string) error {
	return r.post(ctx, "bootstrap.heartbeat", "/v1/jobs/"+id.String()+"/heartbeat", job.HeartbeatRequest{Endpoint: endpoint})
}

// Finish reports the final status of the job body.
func (r *Reporter) Finish(ctx context.Context, id job.Identity, status job.Status, description string) error {
	return r.post(ctx, "bootstrap.finish", "/v1/jobs/"+id.String()+"/finish", job.FinishRequest{Status: status, Description: description})
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("controller returned HTTP %d: %s", e.code, e.body)
}

func (r *Reporter) post(ctx context.Context, op, path string, body any) error {
	if !r.Enabled() {
		return nil
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return apperrors.Internal(op, err)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 200 * time.Millisecond
	eb.MaxInterval = 5 * time.Second
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, r.maxRetries), ctx)

	attempt := func() error {
		err := r.send(ctx, path, payload)
		var se *statusError
		if errors.As(err, &se) && se.code >= 400 && se.code < 500 {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(attempt, policy); err != nil {
		var se *statusError
		if errors.As(err, &se) {
			if se.code == http.StatusConflict {
				return apperrors.Conflict("job", path, se.body)
			}
			return apperrors.Internal(op, err)
		}
		return apperrors.Unreachable(op, err)
	}
	return nil
}

func (r *Reporter) send(ctx context.Context, path string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(snippet))}
}

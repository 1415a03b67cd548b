package caller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"jobctl/internal/apperrors"
	"jobctl/internal/job"
)

// ExecutorControl sends control requests to a running executor.
type ExecutorControl interface {
	// Stop asks the executor to stop. A negative acknowledgement is an error.
	Stop(ctx context.Context, endpoint string, id job.Identity) error
	// Modify forwards replacement parameters. A negative acknowledgement is an error.
	Modify(ctx context.Context, endpoint string, id job.Identity, parameters map[string]string) error
}

// HTTPExecutorControl calls the executor's /v1/executor endpoints.
type HTTPExecutorControl struct {
	client *http.Client
}

// NewHTTPExecutorControl creates a control client with a per-request timeout.
func NewHTTPExecutorControl(timeout time.Duration) *HTTPExecutorControl {
	return &HTTPExecutorControl{client: &http.Client{Timeout: timeout}}
}

// Stop implements ExecutorControl.
func (c *HTTPExecutorControl) Stop(ctx context.Context, endpoint string, id job.Identity) error {
	return c.call(ctx, "caller.stop", endpoint, "/v1/executor/stop/"+id.String(), nil)
}

// Modify implements ExecutorControl.
func (c *HTTPExecutorControl) Modify(ctx context.Context, endpoint string, id job.Identity, parameters map[string]string) error {
	body, err := json.Marshal(job.ModifyRequest{Parameters: parameters})
	if err != nil {
		return apperrors.Internal("caller.modify", err)
	}
	return c.call(ctx, "caller.modify", endpoint, "/v1/executor/modify/"+id.String(), body)
}

func (c *HTTPExecutorControl) call(ctx context.Context, op, endpoint, path string, body []byte) error {
	url := strings.TrimRight(endpoint, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return apperrors.Internal(op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return apperrors.Unreachable(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return apperrors.Internal(op, fmt.Errorf("executor returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
	}

	var ack job.Ack
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&ack); err != nil {
		return apperrors.Internal(op, fmt.Errorf("decode acknowledgement: %w", err))
	}
	if !ack.Successful || !ack.Data {
		msg := "executor did not acknowledge"
		if ack.Error != "" {
			msg += ": " + ack.Error
		}
		return apperrors.Internal(op, fmt.Errorf("%s", msg))
	}
	return nil
}

// HostChecker probes a peer host's health endpoint.
type HostChecker interface {
	// Reachable returns nil if the host answered, or an apperrors.ErrUnreachable error.
	Reachable(ctx context.Context, ip string) error
}

// HTTPHostChecker calls http://<ip>:<port>/livez.
type HTTPHostChecker struct {
	client *http.Client
	port   int
}

// NewHTTPHostChecker creates a checker for peers listening on port.
func NewHTTPHostChecker(port int, timeout time.Duration) *HTTPHostChecker {
	return &HTTPHostChecker{client: &http.Client{Timeout: timeout}, port: port}
}

// Reachable implements HostChecker. Any HTTP response, healthy or not,
// proves the host is up.
func (h *HTTPHostChecker) Reachable(ctx context.Context, ip string) error {
	url := "http://" + net.JoinHostPort(ip, strconv.Itoa(h.port)) + "/livez"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return apperrors.Internal("caller.hostHealth", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return apperrors.Unreachable("caller.hostHealth", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

var (
	_ ExecutorControl = (*HTTPExecutorControl)(nil)
	_ HostChecker     = (*HTTPHostChecker)(nil)
)

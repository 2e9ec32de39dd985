package httpapi

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

	"batch-pipeline/pkg/batch"
)

// Client talks to the batch API. Error responses are decoded back into
// *batch.Error so callers can use batch.CodeOf on them.
type Client struct {
	baseURL string
	hc      *http.Client
}

// NewClient returns a client for the API at baseURL. A nil hc uses a client
// with a 30s timeout.
func NewClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), hc: hc}
}

// Submit creates a batch and starts it. A batch that was registered but
// failed to start is reported with its id and the error.
func (c *Client) Submit(ctx context.Context, req batch.SubmissionRequest) (string, error) {
	return c.submit(ctx, submitRequest{SubmissionRequest: req})
}

// Prepare creates a held batch that runs once Start is called.
func (c *Client) Prepare(ctx context.Context, req batch.SubmissionRequest) (string, error) {
	return c.submit(ctx, submitRequest{SubmissionRequest: req, Hold: true})
}

func (c *Client) submit(ctx context.Context, req submitRequest) (string, error) {
	var resp submitResponse
	err := c.do(ctx, http.MethodPost, "/batches", req, &resp)
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return apiErr.batchID, apiErr.err
	}
	return resp.BatchID, err
}

func (c *Client) Start(ctx context.Context, batchID string) (*batch.Snapshot, error) {
	var snap batch.Snapshot
	if err := c.do(ctx, http.MethodPost, batchPath(batchID, "start"), nil, &snap); err != nil {
		return nil, unwrapAPI(err)
	}
	return &snap, nil
}

func (c *Client) Cancel(ctx context.Context, batchID string) (*batch.Snapshot, error) {
	var snap batch.Snapshot
	if err := c.do(ctx, http.MethodPost, batchPath(batchID, "cancel"), nil, &snap); err != nil {
		return nil, unwrapAPI(err)
	}
	return &snap, nil
}

func (c *Client) Snapshot(ctx context.Context, batchID string) (*batch.Snapshot, error) {
	var snap batch.Snapshot
	if err := c.do(ctx, http.MethodGet, batchPath(batchID, ""), nil, &snap); err != nil {
		return nil, unwrapAPI(err)
	}
	return &snap, nil
}

func (c *Client) Summary(ctx context.Context, batchID string) (*batch.Summary, error) {
	var s batch.Summary
	if err := c.do(ctx, http.MethodGet, batchPath(batchID, "summary"), nil, &s); err != nil {
		return nil, unwrapAPI(err)
	}
	return &s, nil
}

func (c *Client) Purge(ctx context.Context, batchID string) error {
	return unwrapAPI(c.do(ctx, http.MethodDelete, batchPath(batchID, ""), nil, nil))
}

// Health returns nil when the API and all its dependencies are reachable.
func (c *Client) Health(ctx context.Context) error {
	var resp healthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, &resp)
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.status == http.StatusServiceUnavailable {
		return fmt.Errorf("api degraded: %w", apiErr.err)
	}
	return unwrapAPI(err)
}

// Wait polls the batch every interval until it is closed out, calling
// onUpdate with each snapshot when it is non-nil.
func (c *Client) Wait(ctx context.Context, batchID string, interval time.Duration, onUpdate func(*batch.Snapshot)) (*batch.Snapshot, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		snap, err := c.Snapshot(ctx, batchID)
		if err != nil {
			return nil, err
		}
		if onUpdate != nil {
			onUpdate(snap)
		}
		if snap.CompletedAt != nil {
			return snap, nil
		}

		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-ticker.C:
		}
	}
}

func batchPath(batchID, action string) string {
	p := "/batches/" + batchID
	if action != "" {
		p += "/" + action
	}
	return p
}

// apiError carries the response details that some callers need beyond the
// decoded error.
type apiError struct {
	status  int
	batchID string
	err     error
}

func (e *apiError) Error() string { return e.err.Error() }
func (e *apiError) Unwrap() error { return e.err }

func unwrapAPI(err error) error {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return apiErr.err
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var body ErrorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		return &apiError{
			status: resp.StatusCode,
			err:    fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(data))),
		}
	}

	var err error
	if body.Error == "shutting_down" {
		err = batch.ErrClosed
	} else {
		err = &batch.Error{Code: batch.ErrorCode(body.Error), Message: body.Message, Fields: body.Fields}
	}
	return &apiError{status: resp.StatusCode, batchID: body.BatchID, err: err}
}

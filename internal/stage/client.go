// Package stage executes processing stages against the platform's analysis
// services over HTTP. Each stage name maps to an endpoint under a shared
// base URL; the response body becomes the stage's result payload.
package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/derekchu/mediaqueue/internal/scheduler"
)

// Sentinel errors for stage service failures.
var (
	ErrStageUnreachable = errors.New("stage service unreachable")
	ErrStageTimeout     = errors.New("stage execution timeout")
	ErrStageRejected    = errors.New("stage service rejected input")
	ErrStageFailed      = errors.New("stage service error")
)

// request is the payload posted to a stage service. The service resolves
// the job's media from the source reference itself.
type request struct {
	JobID         uuid.UUID       `json:"job_id"`
	UserID        uuid.UUID       `json:"user_id"`
	JobType       string          `json:"job_type"`
	MediaType     string          `json:"media_type"`
	ContentID     *uuid.UUID      `json:"content_id,omitempty"`
	FileID        *uuid.UUID      `json:"file_id,omitempty"`
	StageConfig   json.RawMessage `json:"stage_config,omitempty"`
	InputMetadata json.RawMessage `json:"input_metadata,omitempty"`
}

// HTTPExecutor runs stages by calling POST {base}/v1/stages/{name}.
type HTTPExecutor struct {
	baseURL string
	client  *http.Client
}

var _ scheduler.Executor = (*HTTPExecutor)(nil)

// NewHTTPExecutor creates an executor for the services under baseURL.
func NewHTTPExecutor(baseURL string, timeout time.Duration) *HTTPExecutor {
	return &HTTPExecutor{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (e *HTTPExecutor) Execute(ctx context.Context, in scheduler.Input) (json.RawMessage, error) {
	body, err := json.Marshal(request{
		JobID:         in.Job.ID,
		UserID:        in.Job.UserID,
		JobType:       in.Job.JobType,
		MediaType:     in.Job.MediaType,
		ContentID:     in.Job.ContentID,
		FileID:        in.Job.FileID,
		StageConfig:   in.Config,
		InputMetadata: in.Job.InputMetadata,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding stage request: %w", err)
	}

	u := fmt.Sprintf("%s/v1/stages/%s", e.baseURL, url.PathEscape(in.Stage))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		result, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("reading stage response: %w", err)
		}
		if len(result) == 0 || !json.Valid(result) {
			return nil, fmt.Errorf("%w: invalid response body", ErrStageFailed)
		}
		return result, nil

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// The input itself is bad; retrying the same bytes cannot help.
		return nil, scheduler.Terminal(
			fmt.Errorf("%w: status %d: %s", ErrStageRejected, resp.StatusCode, readErrorBody(resp.Body)))

	default:
		return nil, fmt.Errorf("%w: status %d: %s", ErrStageFailed, resp.StatusCode, readErrorBody(resp.Body))
	}
}

// Ready probes the stage services' health endpoint.
func (e *HTTPExecutor) Ready(ctx context.Context) error {
	u := fmt.Sprintf("%s/ready", e.baseURL)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStageUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: stage services not ready (status %d)", ErrStageUnreachable, resp.StatusCode)
	}
	return nil
}

// RegisterAll registers the executor for every stage in the default
// pipelines plus any extras the deployment declares.
func RegisterAll(reg *scheduler.Registry, e *HTTPExecutor, extra ...string) {
	for _, name := range defaultStageNames() {
		reg.Register(name, e)
	}
	for _, name := range extra {
		reg.Register(name, e)
	}
}

func defaultStageNames() []string {
	return []string{"transcribe", "detect_objects", "detect_faces", "ocr", "sentiment", "summarize", "fetch"}
}

func readErrorBody(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, 512))
	if err != nil || len(b) == 0 {
		return "no body"
	}
	return string(b)
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrStageTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrStageTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrStageUnreachable, err)
	}

	return fmt.Errorf("%w: %v", ErrStageUnreachable, err)
}

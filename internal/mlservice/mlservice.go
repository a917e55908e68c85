// Package mlservice implements the capability client for the local ML
// execution service: training, query-sample retrieval, final training,
// performance history, and the voting-results write path.
package mlservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/daloraclehub/dalcore/internal/apperrors"
	"github.com/daloraclehub/dalcore/internal/resilience"
)

// QuerySample is one sample returned by the querying phase, carrying a
// stable original index the core uses to derive voting sampleIds.
type QuerySample struct {
	OriginalIndex int             `json:"original_index"`
	Payload       json.RawMessage `json:"sample_data"`
}

// Performance is a single PerformanceRecord entry.
type Performance struct {
	Accuracy        float64   `json:"accuracy"`
	Precision       float64   `json:"precision"`
	Recall          float64   `json:"recall"`
	F1              float64   `json:"f1"`
	TotalSamples    int       `json:"total_samples"`
	TrainingSamples int       `json:"training_samples"`
	TestSamples     int       `json:"test_samples"`
	LabelSpace      []string  `json:"label_space"`
	Timestamp       time.Time `json:"timestamp"`
	FinalTraining   bool      `json:"final_training"`
}

// StartIterationRequest is POSTed to /start_iteration.
type StartIterationRequest struct {
	Iteration      int            `json:"iteration"`
	ProjectID      string         `json:"project_id"`
	ConfigOverride map[string]any `json:"config_override,omitempty"`
}

// StartIterationResponse is the decoded /start_iteration response.
type StartIterationResponse struct {
	Success bool `json:"success"`
	Outputs struct {
		QuerySamples []QuerySample   `json:"query_samples"`
		Model        json.RawMessage `json:"model"`
	} `json:"outputs"`
	Performance Performance `json:"performance"`
}

// FinalTrainingRequest is POSTed to /final_training.
type FinalTrainingRequest struct {
	Iteration int    `json:"iteration"`
	ProjectID string `json:"project_id"`
}

// FinalTrainingResponse is the decoded /final_training response.
type FinalTrainingResponse struct {
	Success     bool        `json:"success"`
	Performance Performance `json:"performance"`
}

// VotingResultsRequest is POSTed to /api/voting-results by the exporter.
type VotingResultsRequest struct {
	ProjectID     string          `json:"project_id"`
	Round         int             `json:"round"`
	VotingResults json.RawMessage `json:"voting_results"`
}

// Client is the capability interface for the ML service.
type Client interface {
	StartIteration(ctx context.Context, req StartIterationRequest) (StartIterationResponse, error)
	FinalTraining(ctx context.Context, req FinalTrainingRequest) (FinalTrainingResponse, error)
	PerformanceHistory(ctx context.Context, projectID string) ([]Performance, error)
	HealthCheck(ctx context.Context) (bool, error)
	PostVotingResults(ctx context.Context, req VotingResultsRequest) error
}

// HTTPClient is the default Client implementation.
type HTTPClient struct {
	http     *http.Client
	endpoint string
}

// NewHTTPClient constructs a client against the ML service's base endpoint.
func NewHTTPClient(client *http.Client, endpoint string) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPClient{http: client, endpoint: endpoint}
}

func (c *HTTPClient) StartIteration(ctx context.Context, req StartIterationRequest) (StartIterationResponse, error) {
	var out StartIterationResponse
	err := c.postJSON(ctx, "/start_iteration", req, &out)
	return out, err
}

func (c *HTTPClient) FinalTraining(ctx context.Context, req FinalTrainingRequest) (FinalTrainingResponse, error) {
	var out FinalTrainingResponse
	err := c.postJSON(ctx, "/final_training", req, &out)
	return out, err
}

func (c *HTTPClient) PerformanceHistory(ctx context.Context, projectID string) ([]Performance, error) {
	url := fmt.Sprintf("%s/performance_history?project_id=%s", c.endpoint, projectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeTransient, "build performance history request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeTransient, "performance history request failed")
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return nil, apperrors.Wrapf(fmt.Errorf("status %d", resp.StatusCode), statusType(resp.StatusCode), "performance history")
	}
	var out []Performance
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypePermanent, "decode performance history")
	}
	return out, nil
}

func (c *HTTPClient) HealthCheck(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/health", nil)
	if err != nil {
		return false, apperrors.Wrap(err, apperrors.ErrorTypeTransient, "build health request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, nil
	}
	defer resp.Body.Close()
	return resp.StatusCode < 400, nil
}

func (c *HTTPClient) PostVotingResults(ctx context.Context, req VotingResultsRequest) error {
	return c.postJSON(ctx, "/api/voting-results", req, nil)
}

func (c *HTTPClient) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInvalidInput, "marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeTransient, "build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeTransient, "request failed")
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return apperrors.Wrapf(fmt.Errorf("status %d: %s", resp.StatusCode, respBody), statusType(resp.StatusCode), "post %s", path)
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return apperrors.Wrap(err, apperrors.ErrorTypePermanent, "decode response")
		}
	}
	return nil
}

func statusType(status int) apperrors.ErrorType {
	if status == http.StatusTooManyRequests || status >= 500 {
		return apperrors.ErrorTypeTransient
	}
	return apperrors.ErrorTypePermanent
}

// RetryingClient wraps a Client with internal/resilience retry/breaker handling.
type RetryingClient struct {
	inner    Client
	caller   *resilience.Caller
	endpoint string
}

// NewRetryingClient wraps inner.
func NewRetryingClient(inner Client, caller *resilience.Caller, endpoint string) *RetryingClient {
	return &RetryingClient{inner: inner, caller: caller, endpoint: endpoint}
}

func (r *RetryingClient) StartIteration(ctx context.Context, req StartIterationRequest) (StartIterationResponse, error) {
	var out StartIterationResponse
	err := r.caller.Do(ctx, r.endpoint, "start_iteration", resilience.DefaultWritePolicy(), func(ctx context.Context) (int, error) {
		var innerErr error
		out, innerErr = r.inner.StartIteration(ctx, req)
		return codeFor(innerErr), innerErr
	})
	return out, err
}

func (r *RetryingClient) FinalTraining(ctx context.Context, req FinalTrainingRequest) (FinalTrainingResponse, error) {
	var out FinalTrainingResponse
	err := r.caller.Do(ctx, r.endpoint, "final_training", resilience.DefaultWritePolicy(), func(ctx context.Context) (int, error) {
		var innerErr error
		out, innerErr = r.inner.FinalTraining(ctx, req)
		return codeFor(innerErr), innerErr
	})
	return out, err
}

func (r *RetryingClient) PerformanceHistory(ctx context.Context, projectID string) ([]Performance, error) {
	var out []Performance
	err := r.caller.Do(ctx, r.endpoint, "performance_history", resilience.DefaultReadPolicy(), func(ctx context.Context) (int, error) {
		var innerErr error
		out, innerErr = r.inner.PerformanceHistory(ctx, projectID)
		return codeFor(innerErr), innerErr
	})
	return out, err
}

func (r *RetryingClient) HealthCheck(ctx context.Context) (bool, error) {
	return r.inner.HealthCheck(ctx)
}

func (r *RetryingClient) PostVotingResults(ctx context.Context, req VotingResultsRequest) error {
	return r.caller.Do(ctx, r.endpoint, "post_voting_results", resilience.DefaultWritePolicy(), func(ctx context.Context) (int, error) {
		innerErr := r.inner.PostVotingResults(ctx, req)
		return codeFor(innerErr), innerErr
	})
}

func codeFor(err error) int {
	if err == nil {
		return 200
	}
	if apperrors.IsType(err, apperrors.ErrorTypePermanent) || apperrors.IsType(err, apperrors.ErrorTypeInvalidInput) {
		return 422
	}
	return 502
}

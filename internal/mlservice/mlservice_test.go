package mlservice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFakeService(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/start_iteration", func(w http.ResponseWriter, r *http.Request) {
		var req StartIterationRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp := StartIterationResponse{Success: true}
		resp.Outputs.QuerySamples = []QuerySample{
			{OriginalIndex: 0, Payload: json.RawMessage(`{"x":1}`)},
			{OriginalIndex: 1, Payload: json.RawMessage(`{"x":2}`)},
		}
		resp.Performance = Performance{Accuracy: 0.8, TotalSamples: 100}
		_ = json.NewEncoder(w).Encode(resp)
	})

	mux.HandleFunc("/final_training", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(FinalTrainingResponse{Success: true, Performance: Performance{Accuracy: 0.95, FinalTraining: true}})
	})

	mux.HandleFunc("/performance_history", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]Performance{{Accuracy: 0.5}, {Accuracy: 0.8}})
	})

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/api/voting-results", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	return httptest.NewServer(mux)
}

func TestStartIterationDecodesQuerySamples(t *testing.T) {
	srv := newFakeService(t)
	defer srv.Close()

	c := NewHTTPClient(srv.Client(), srv.URL)
	resp, err := c.StartIteration(context.Background(), StartIterationRequest{Iteration: 1, ProjectID: "p1"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Len(t, resp.Outputs.QuerySamples, 2)
	assert.Equal(t, 0.8, resp.Performance.Accuracy)
}

func TestFinalTrainingReturnsTerminalPerformance(t *testing.T) {
	srv := newFakeService(t)
	defer srv.Close()

	c := NewHTTPClient(srv.Client(), srv.URL)
	resp, err := c.FinalTraining(context.Background(), FinalTrainingRequest{Iteration: 5, ProjectID: "p1"})
	require.NoError(t, err)
	assert.True(t, resp.Performance.FinalTraining)
}

func TestPerformanceHistoryOrderPreserved(t *testing.T) {
	srv := newFakeService(t)
	defer srv.Close()

	c := NewHTTPClient(srv.Client(), srv.URL)
	hist, err := c.PerformanceHistory(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, 0.5, hist[0].Accuracy)
	assert.Equal(t, 0.8, hist[1].Accuracy)
}

func TestHealthCheckTrueWhenReachable(t *testing.T) {
	srv := newFakeService(t)
	defer srv.Close()

	c := NewHTTPClient(srv.Client(), srv.URL)
	ok, err := c.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHealthCheckFalseWhenUnreachable(t *testing.T) {
	c := NewHTTPClient(http.DefaultClient, "http://127.0.0.1:1")
	ok, err := c.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPostVotingResultsSucceeds(t *testing.T) {
	srv := newFakeService(t)
	defer srv.Close()

	c := NewHTTPClient(srv.Client(), srv.URL)
	err := c.PostVotingResults(context.Background(), VotingResultsRequest{
		ProjectID:     "p1",
		Round:         2,
		VotingResults: json.RawMessage(`[]`),
	})
	require.NoError(t, err)
}

func TestPostVotingResultsPropagatesServerError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/voting-results", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewHTTPClient(srv.Client(), srv.URL)
	err := c.PostVotingResults(context.Background(), VotingResultsRequest{ProjectID: "p1", Round: 1})
	require.Error(t, err)
}

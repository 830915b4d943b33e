package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"transcode-orchestrator/core/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(opts HTTPOptions) *HTTPClient {
	if opts.RetryBackoff == 0 {
		opts.RetryBackoff = time.Millisecond
	}
	return NewHTTPClient(opts, hclog.NewNullLogger())
}

func TestSubmitJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/jobs", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("x-api-key"))

		var req submitRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "job-1|a", req.JobKey)
		assert.Equal(t, "https://media/in.mp4", req.InputURL)

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(jobBody{State: "Queued", Outputs: []outputBody{{AssetName: "720p"}, {AssetName: "1080p"}}})
	}))
	defer srv.Close()

	inst := models.InstanceConfig{ID: "a", Endpoint: srv.URL + "/", APIKey: "secret"}
	accepted, artifacts, err := newTestClient(HTTPOptions{}).SubmitJob(context.Background(), inst, "https://media/in.mp4", "job-1|a")
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Equal(t, []models.ArtifactRef{{ID: "720p", Name: "720p"}, {ID: "1080p", Name: "1080p"}}, artifacts)
}

func TestSubmitJobRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad input", http.StatusBadRequest)
	}))
	defer srv.Close()

	accepted, _, err := newTestClient(HTTPOptions{MaxRetries: 3}).
		SubmitJob(context.Background(), models.InstanceConfig{ID: "a", Endpoint: srv.URL}, "x", "k")
	require.NoError(t, err)
	assert.False(t, accepted)
}

func TestSubmitJobNotQueuedIsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(jobBody{State: "Error"})
	}))
	defer srv.Close()

	accepted, _, err := newTestClient(HTTPOptions{}).
		SubmitJob(context.Background(), models.InstanceConfig{ID: "a", Endpoint: srv.URL}, "x", "k")
	require.NoError(t, err)
	assert.False(t, accepted)
}

func TestTransientErrorsAreRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(jobBody{
			State:   "Processing",
			Outputs: []outputBody{{AssetName: "720p", State: "Processing", Progress: 40}},
		})
	}))
	defer srv.Close()

	status, err := newTestClient(HTTPOptions{MaxRetries: 2}).
		GetJobStatus(context.Background(), models.InstanceConfig{ID: "a", Endpoint: srv.URL}, "job-1|a")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, models.AttemptStateProcessing, status.State)
	assert.Equal(t, []OutputStatus{{ArtifactID: "720p", State: models.AttemptStateProcessing, Progress: 40}}, status.Outputs)
}

func TestRetriesExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(HTTPOptions{MaxRetries: 1}).
		GetJobStatus(context.Background(), models.InstanceConfig{ID: "a", Endpoint: srv.URL}, "k")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}

func TestUnreadableSubmitResponseIsNotResent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"state":`))
	}))
	defer srv.Close()

	accepted, _, err := newTestClient(HTTPOptions{MaxRetries: 3}).
		SubmitJob(context.Background(), models.InstanceConfig{ID: "a", Endpoint: srv.URL}, "https://media/in.mp4", "job-1|a")
	require.Error(t, err)
	assert.False(t, accepted)
	assert.Contains(t, err.Error(), "decode response")
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetJobStatusRejectsUnmappedState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(jobBody{State: "Paused"})
	}))
	defer srv.Close()

	_, err := newTestClient(HTTPOptions{}).
		GetJobStatus(context.Background(), models.InstanceConfig{ID: "a", Endpoint: srv.URL}, "k")
	assert.ErrorIs(t, err, models.ErrUnmappedState)
}

func TestGetArtifactLocation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/assets/job-1%7Ca%7C720p", r.URL.EscapedPath())
		json.NewEncoder(w).Encode(assetBody{StorageAccountName: "media", Container: "out-720p", URL: "https://media/out-720p"})
	}))
	defer srv.Close()

	ref, err := newTestClient(HTTPOptions{}).
		GetArtifactLocation(context.Background(), models.InstanceConfig{ID: "a", Endpoint: srv.URL}, "job-1|a|720p")
	require.NoError(t, err)
	assert.Equal(t, &models.StorageRef{Account: "media", Container: "out-720p", URL: "https://media/out-720p"}, ref)
}

func TestSignedRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		assert.True(t, strings.HasPrefix(auth, "AWS4-HMAC-SHA256 Credential=AKIDEXAMPLE/"), auth)
		assert.Contains(t, auth, "/eu-west-1/execute-api/aws4_request")
		assert.NotEmpty(t, r.Header.Get("X-Amz-Date"))
		json.NewEncoder(w).Encode(jobBody{State: "Finished"})
	}))
	defer srv.Close()

	creds := aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		return aws.Credentials{AccessKeyID: "AKIDEXAMPLE", SecretAccessKey: "secret"}, nil
	})
	inst := models.InstanceConfig{ID: "a", Endpoint: srv.URL, Region: "eu-west-1", SignRequests: true}

	status, err := newTestClient(HTTPOptions{Credentials: creds}).GetJobStatus(context.Background(), inst, "k")
	require.NoError(t, err)
	assert.Equal(t, models.AttemptStateSucceeded, status.State)
}

func TestSignedRequestsWithoutCredentials(t *testing.T) {
	inst := models.InstanceConfig{ID: "a", Endpoint: "http://127.0.0.1:1", Region: "eu-west-1", SignRequests: true}
	_, err := newTestClient(HTTPOptions{MaxRetries: 3}).GetJobStatus(context.Background(), inst, "k")
	assert.ErrorIs(t, err, ErrNoCredentials)
}

package backend

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"transcode-orchestrator/core/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/hashicorp/go-hclog"
)

// ErrNoCredentials is returned when an instance requires signing but no credentials were configured
var ErrNoCredentials = errors.New("instance requires signed requests but no AWS credentials are configured")

// HTTPOptions configures HTTPClient
type HTTPOptions struct {
	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration

	// Credentials sign requests to instances with SignRequests set
	Credentials    aws.CredentialsProvider
	SigningService string
}

// HTTPClient is a Client speaking JSON over HTTP
type HTTPClient struct {
	http   *http.Client
	opts   HTTPOptions
	signer *v4.Signer
	logger hclog.Logger
}

// NewHTTPClient creates a new backend HTTP client
func NewHTTPClient(opts HTTPOptions, logger hclog.Logger) *HTTPClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 500 * time.Millisecond
	}
	if opts.SigningService == "" {
		opts.SigningService = "execute-api"
	}
	return &HTTPClient{
		http:   &http.Client{Timeout: opts.Timeout},
		opts:   opts,
		signer: v4.NewSigner(),
		logger: logger.Named("backend"),
	}
}

type submitRequest struct {
	JobKey   string `json:"jobKey"`
	InputURL string `json:"inputUrl"`
}

type outputBody struct {
	AssetName string `json:"assetName"`
	State     string `json:"state,omitempty"`
	Progress  int    `json:"progress,omitempty"`
}

type jobBody struct {
	State   string       `json:"state"`
	Outputs []outputBody `json:"outputs"`
}

type assetBody struct {
	StorageAccountName string `json:"storageAccountName"`
	Container          string `json:"container"`
	URL                string `json:"url"`
}

// SubmitJob accepts the submission only if the backend reports the job queued or scheduled.
// A 429 or 5xx is retried with the same jobKey, so the backend must treat a repeated
// jobKey as the same job. An unreadable 2xx body is returned as an error without a retry.
func (c *HTTPClient) SubmitJob(ctx context.Context, inst models.InstanceConfig, inputURL, jobKey string) (bool, []models.ArtifactRef, error) {
	body, err := json.Marshal(submitRequest{JobKey: jobKey, InputURL: inputURL})
	if err != nil {
		return false, nil, err
	}

	var resp jobBody
	status, err := c.do(ctx, inst, http.MethodPost, "/jobs", body, &resp)
	if err != nil {
		return false, nil, err
	}
	if status >= 400 {
		c.logger.Warn("backend rejected submission", "instance_id", inst.ID, "job_key", jobKey, "status", status)
		return false, nil, nil
	}

	state, err := models.MapNativeState(resp.State)
	if err != nil {
		return false, nil, err
	}
	if state != models.AttemptStateSubmitted {
		c.logger.Warn("backend returned unexpected state for new job", "instance_id", inst.ID, "job_key", jobKey, "state", resp.State)
		return false, nil, nil
	}

	artifacts := make([]models.ArtifactRef, 0, len(resp.Outputs))
	for _, o := range resp.Outputs {
		artifacts = append(artifacts, models.ArtifactRef{ID: o.AssetName, Name: o.AssetName})
	}
	return true, artifacts, nil
}

func (c *HTTPClient) GetJobStatus(ctx context.Context, inst models.InstanceConfig, jobKey string) (*JobStatus, error) {
	var resp jobBody
	status, err := c.do(ctx, inst, http.MethodGet, "/jobs/"+url.PathEscape(jobKey), nil, &resp)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, fmt.Errorf("get job %s from %s: status %d", jobKey, inst.ID, status)
	}

	state, err := models.MapNativeState(resp.State)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", jobKey, err)
	}
	js := &JobStatus{State: state}
	for _, o := range resp.Outputs {
		outState, err := models.MapNativeState(o.State)
		if err != nil {
			return nil, fmt.Errorf("output %s: %w", o.AssetName, err)
		}
		js.Outputs = append(js.Outputs, OutputStatus{ArtifactID: o.AssetName, State: outState, Progress: o.Progress})
	}
	return js, nil
}

func (c *HTTPClient) GetArtifactLocation(ctx context.Context, inst models.InstanceConfig, artifactID string) (*models.StorageRef, error) {
	var resp assetBody
	status, err := c.do(ctx, inst, http.MethodGet, "/assets/"+url.PathEscape(artifactID), nil, &resp)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, fmt.Errorf("get asset %s from %s: status %d", artifactID, inst.ID, status)
	}
	return &models.StorageRef{Account: resp.StorageAccountName, Container: resp.Container, URL: resp.URL}, nil
}

// do sends the request, retrying transport errors, 429 and 5xx responses.
// Other statuses are returned to the caller; out is decoded only for 2xx.
func (c *HTTPClient) do(ctx context.Context, inst models.InstanceConfig, method, path string, body []byte, out interface{}) (int, error) {
	endpoint := strings.TrimRight(inst.Endpoint, "/") + path

	var lastErr error
	backoff := c.opts.RetryBackoff
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Debug("retrying backend request", "instance_id", inst.ID, "path", path, "attempt", attempt, "error", lastErr)
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		status, err := c.once(ctx, inst, method, endpoint, body, out)
		if err == nil && status != http.StatusTooManyRequests && status < 500 {
			return status, nil
		}
		if err != nil {
			if errors.Is(err, ErrNoCredentials) || ctx.Err() != nil {
				return 0, err
			}
			// the backend already acted on the request, only the body was unreadable
			if status >= 200 && status < 300 {
				return status, fmt.Errorf("%s %s on %s: %w", method, path, inst.ID, err)
			}
			lastErr = err
		} else {
			lastErr = fmt.Errorf("status %d", status)
		}
	}
	return 0, fmt.Errorf("%s %s on %s: %w", method, path, inst.ID, lastErr)
}

func (c *HTTPClient) once(ctx context.Context, inst models.InstanceConfig, method, endpoint string, body []byte, out interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if inst.APIKey != "" {
		req.Header.Set("x-api-key", inst.APIKey)
	}
	if inst.SignRequests {
		if err := c.sign(ctx, inst, req, body); err != nil {
			return 0, err
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 && out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
		return resp.StatusCode, nil
	}
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func (c *HTTPClient) sign(ctx context.Context, inst models.InstanceConfig, req *http.Request, body []byte) error {
	if c.opts.Credentials == nil {
		return ErrNoCredentials
	}
	creds, err := c.opts.Credentials.Retrieve(ctx)
	if err != nil {
		return fmt.Errorf("retrieve aws credentials: %w", err)
	}
	sum := sha256.Sum256(body)
	return c.signer.SignHTTP(ctx, creds, req, hex.EncodeToString(sum[:]), c.opts.SigningService, inst.Region, time.Now())
}

package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// Remote delegates classification to an HTTP sidecar that hosts the model:
//
//	POST {base}/classify {"text": "..."} -> {"suicidal_probability": 0.91, "model_version": "..."}
//	GET  {base}/health   -> 200 when the model is loaded
type Remote struct {
	baseURL string
	client  *http.Client
	version atomic.Value
	closed  atomic.Bool
}

// NewRemote probes the sidecar health endpoint once and fails if it is not up.
func NewRemote(ctx context.Context, baseURL string, timeout time.Duration) (*Remote, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("remote classifier url is empty")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	r := &Remote{baseURL: baseURL, client: &http.Client{Timeout: timeout}}
	r.version.Store("remote")
	if err := r.probe(ctx); err != nil {
		return nil, fmt.Errorf("%w: remote classifier not ready: %v", ErrModelUnavailable, err)
	}
	return r, nil
}

func (r *Remote) probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("health returned %d", resp.StatusCode)
	}
	return nil
}

func (r *Remote) Ready() bool { return r != nil && !r.closed.Load() }

func (r *Remote) Info() Info {
	return Info{Backend: "remote", Version: r.version.Load().(string), Device: "remote"}
}

func (r *Remote) Close() error {
	r.closed.Store(true)
	r.client.CloseIdleConnections()
	return nil
}

type remoteRequest struct {
	Text string `json:"text"`
}

type remoteResponse struct {
	SuicidalProbability *float64 `json:"suicidal_probability"`
	ModelVersion        string   `json:"model_version"`
	Error               string   `json:"error"`
}

// Classify posts text to the sidecar. Transport failures and non-2xx replies
// surface as ErrModelUnavailable.
func (r *Remote) Classify(ctx context.Context, text string) (Result, error) {
	if !r.Ready() {
		return Result{}, ErrModelUnavailable
	}
	body, err := json.Marshal(remoteRequest{Text: text})
	if err != nil {
		return Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/classify", bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	defer resp.Body.Close()

	var out remoteResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil && resp.StatusCode/100 == 2 {
		return Result{}, fmt.Errorf("decode remote response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return Result{}, fmt.Errorf("%w: remote returned %d %s", ErrModelUnavailable, resp.StatusCode, out.Error)
	}
	if out.SuicidalProbability == nil {
		return Result{}, errors.New("remote response missing suicidal_probability")
	}
	if out.ModelVersion != "" {
		r.version.Store(out.ModelVersion)
	}
	return FromProbability(*out.SuicidalProbability)
}

package integrity

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
)

// HTTPConfig holds configuration for HTTPProvider.
type HTTPConfig struct {
	// URL is the token issuing endpoint (required). It receives a JSON
	// body {"nonce": ..., "cloud_project_number": ...} and answers
	// {"token": ...}.
	URL string

	// HTTPClient is the client used for requests (default: 30s timeout).
	HTTPClient *http.Client

	// Headers are added to every request.
	Headers map[string]string
}

// HTTPProvider requests tokens from a remote agent that holds the device
// session, such as an emulator or device-farm sidecar.
type HTTPProvider struct {
	url     string
	client  *http.Client
	headers map[string]string
}

type httpTokenRequest struct {
	Nonce              string `json:"nonce"`
	CloudProjectNumber int64  `json:"cloud_project_number,omitempty"`
}

type httpTokenResponse struct {
	Token string `json:"token"`
	Error string `json:"error,omitempty"`
}

// NewHTTPProvider creates an HTTP-backed provider.
func NewHTTPProvider(cfg HTTPConfig) (*HTTPProvider, error) {
	if cfg.URL == "" {
		return nil, errors.New("token endpoint URL is required")
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	return &HTTPProvider{
		url:     cfg.URL,
		client:  client,
		headers: cfg.Headers,
	}, nil
}

// RequestIntegrityToken implements Provider. The request runs on its own
// goroutine and completes the returned task.
func (p *HTTPProvider) RequestIntegrityToken(ctx context.Context, req TokenRequest) *Task[*TokenResponse] {
	if err := req.Validate(); err != nil {
		return ForError[*TokenResponse](err)
	}

	source := NewCompletionSource[*TokenResponse]()
	go func() {
		resp, err := p.fetch(ctx, req)
		if err != nil {
			source.SetError(err)
			return
		}
		source.SetResult(resp)
	}()

	return source.Task()
}

func (p *HTTPProvider) fetch(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	body, err := json.Marshal(httpTokenRequest{
		Nonce:              req.Nonce,
		CloudProjectNumber: req.CloudProjectNumber,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode token request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range p.headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	var out httpTokenResponse
	if err := json.Unmarshal(data, &out); err != nil {
		if httpResp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("token endpoint returned %d: %s", httpResp.StatusCode, strings.TrimSpace(string(data)))
		}
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		if out.Error != "" {
			return nil, errors.New(out.Error)
		}
		return nil, fmt.Errorf("token endpoint returned %d", httpResp.StatusCode)
	}
	if out.Token == "" {
		return nil, ErrEmptyToken
	}

	return &TokenResponse{Token: out.Token}, nil
}

package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"skillflow/internal/skill"
)

const ID = "http.request"

// HTTP calls an arbitrary URL. It is the generic webhook skill.
type HTTP struct {
	Client *http.Client
}

type Request struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body"`
	Timeout int               `json:"timeout"` // seconds
}

type Response struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

func (h HTTP) ID() string      { return ID }
func (h HTTP) Version() string { return "1.0.0" }

func (h HTTP) Validate(params skill.Params) error {
	_, err := decode(params)
	return err
}

func (h HTTP) Execute(ctx context.Context, params skill.Params) (skill.Result, error) {
	req, err := decode(params)
	if err != nil {
		return skill.Result{}, err
	}

	client := h.Client
	if client == nil {
		client = &http.Client{}
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(req.Timeout)*time.Second)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return skill.Result{}, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return skill.Result{}, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return skill.Result{}, fmt.Errorf("failed to read response body: %w", err)
	}

	out := Response{StatusCode: resp.StatusCode, Headers: map[string]string{}, Body: string(respBody)}
	for key := range resp.Header {
		out.Headers[key] = resp.Header.Get(key)
	}

	// 4xx and 5xx are failures the queue may retry
	if resp.StatusCode >= 400 {
		return skill.Result{
			Success:  false,
			Data:     out,
			Error:    fmt.Sprintf("HTTP %d error: %s", resp.StatusCode, string(respBody)),
			Metadata: map[string]any{"status_code": resp.StatusCode},
		}, nil
	}
	return skill.Result{Success: true, Data: out, Metadata: map[string]any{"status_code": resp.StatusCode}}, nil
}

func decode(params skill.Params) (Request, error) {
	var req Request
	raw, err := json.Marshal(params)
	if err != nil {
		return req, fmt.Errorf("invalid HTTP request params: %w", err)
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return req, fmt.Errorf("invalid HTTP request params: %w", err)
	}
	if req.URL == "" {
		return req, fmt.Errorf("URL is required")
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if req.Timeout <= 0 {
		req.Timeout = 30
	}
	return req, nil
}

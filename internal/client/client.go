// Package client talks to the answer server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/bodul/planchette/internal/api"
)

// APIError is a structured error answered by the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server answered %d: %s", e.StatusCode, e.Message)
}

// Client is an answer server client. It is safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New returns a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		// No overall timeout: answer streams last as long as the model talks.
		http: &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Ask opens an answer stream. A structured error response is returned as
// *APIError. The caller must Close the stream.
func (c *Client) Ask(ctx context.Context, question string, history []api.Turn) (*Stream, error) {
	body, err := json.Marshal(api.AskRequest{Question: question, History: history})
	if err != nil {
		return nil, fmt.Errorf("encode question: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/ask", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ask: %w", err)
	}
	if err := checkResponse(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	// A JSON body in place of the event stream is an error even on 200.
	if isJSON(resp.Header.Get("Content-Type")) {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return newStream(resp), nil
}

// Status fetches the model download status.
func (c *Client) Status(ctx context.Context) (api.ModelStatus, error) {
	var st api.ModelStatus
	err := c.doJSON(ctx, http.MethodGet, "/api/model/status", &st)
	return st, err
}

// Download asks the server to fetch the model. It is idempotent.
func (c *Client) Download(ctx context.Context) (api.ModelStatus, error) {
	var st api.ModelStatus
	err := c.doJSON(ctx, http.MethodPost, "/api/model/download", &st)
	return st, err
}

// WaitReady polls Status every interval until the model is ready or has
// failed. onStatus, when set, sees every poll result.
func (c *Client) WaitReady(ctx context.Context, interval time.Duration, onStatus func(api.ModelStatus)) (api.ModelStatus, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		st, err := c.Status(ctx)
		if err != nil {
			return st, err
		}
		if onStatus != nil {
			onStatus(st)
		}
		if st.Settled() {
			if st.Status == api.StatusError {
				return st, &APIError{StatusCode: http.StatusServiceUnavailable, Message: st.Error}
			}
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// checkResponse turns non-2xx and JSON error bodies into *APIError.
func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return decodeError(resp)
}

func decodeError(resp *http.Response) *APIError {
	msg := http.StatusText(resp.StatusCode)
	if isJSON(resp.Header.Get("Content-Type")) {
		var body api.ErrorBody
		if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err == nil && body.Error != "" {
			msg = body.Error
		} else {
			msg = "unknown error"
		}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "application/json"
}

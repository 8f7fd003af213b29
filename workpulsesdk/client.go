package workpulsesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/xerrors"
)

// SessionTokenHeader authenticates dashboard sessions. Session issuance is
// owned by an external identity system.
const SessionTokenHeader = "WorkPulse-Session-Token"

// AgentTokenHeader authenticates desktop agents as enrolled devices.
const AgentTokenHeader = "WorkPulse-Agent-Token"

// Client is the HTTP client for the workpulse API.
type Client struct {
	HTTPClient *http.Client
	URL        *url.URL

	// SessionToken authenticates dashboard requests, AgentToken authenticates
	// device requests. Either may be empty.
	SessionToken string
	AgentToken   string
}

// New creates a client for the server at serverURL.
func New(serverURL *url.URL) *Client {
	return &Client{
		HTTPClient: &http.Client{},
		URL:        serverURL,
	}
}

// Request performs a HTTP request with the client's tokens attached. A
// non-nil body is JSON encoded.
func (c *Client) Request(ctx context.Context, method, path string, body any) (*http.Response, error) {
	serverURL, err := c.URL.Parse(path)
	if err != nil {
		return nil, xerrors.Errorf("parse url: %w", err)
	}

	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, xerrors.Errorf("marshal request body: %w", err)
		}
		buf = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, serverURL.String(), buf)
	if err != nil {
		return nil, xerrors.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.SessionToken != "" {
		req.Header.Set(SessionTokenHeader, c.SessionToken)
	}
	if c.AgentToken != "" {
		req.Header.Set(AgentTokenHeader, c.AgentToken)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, xerrors.Errorf("do request: %w", err)
	}
	return resp, nil
}

func decodeBody(resp *http.Response, value any) error {
	if err := json.NewDecoder(resp.Body).Decode(value); err != nil {
		return xerrors.Errorf("decode response body: %w", err)
	}
	return nil
}

// Response is the generic error/message envelope returned by the API.
type Response struct {
	Message     string            `json:"message"`
	Detail      string            `json:"detail,omitempty"`
	Validations []ValidationError `json:"validations,omitempty"`
}

// ValidationError scopes an error to one request field.
type ValidationError struct {
	Field  string `json:"field"`
	Detail string `json:"detail"`
}

// Error is an API error with the parsed response body.
type Error struct {
	Response
	StatusCode int
}

func (e *Error) Error() string {
	var builder strings.Builder
	_, _ = fmt.Fprintf(&builder, "status code %d: %s", e.StatusCode, e.Message)
	if e.Detail != "" {
		_, _ = fmt.Fprintf(&builder, ": %s", e.Detail)
	}
	for _, v := range e.Validations {
		_, _ = fmt.Fprintf(&builder, ", %s: %s", v.Field, v.Detail)
	}
	return builder.String()
}

// ReadBodyAsError reads the response body into an *Error. The caller still
// owns closing the body.
func ReadBodyAsError(resp *http.Response) error {
	apiError := &Error{
		StatusCode: resp.StatusCode,
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiError.Response); err != nil {
		apiError.Message = fmt.Sprintf("unexpected status code %d", resp.StatusCode)
		apiError.Detail = err.Error()
	}
	return apiError
}

// Package testing provides HTTP test utilities for the API package.
package testing

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestServer wraps httptest.Server with request helpers.
type TestServer struct {
	*httptest.Server
	t *testing.T
}

// NewTestServer creates a test server around the given handler.
func NewTestServer(t *testing.T, handler http.Handler) *TestServer {
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return &TestServer{Server: ts, t: t}
}

// MakeRequest sends a JSON request to the test server.
func (ts *TestServer) MakeRequest(method, path string, body any) *http.Response {
	return ts.MakeRequestWithHeaders(method, path, body, nil)
}

// MakeRequestWithHeaders sends a JSON request with extra headers.
func (ts *TestServer) MakeRequestWithHeaders(method, path string, body any, headers map[string]string) *http.Response {
	ts.t.Helper()

	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		require.NoError(ts.t, err, "failed to marshal request body")
		reqBody = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(context.Background(), method, ts.URL+path, reqBody)
	require.NoError(ts.t, err, "failed to create request")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := ts.Client().Do(req)
	require.NoError(ts.t, err, "failed to execute request")
	return resp
}

// AssertStatus asserts the response status code.
func AssertStatus(t *testing.T, resp *http.Response, expectedCode int) {
	t.Helper()
	require.Equal(t, expectedCode, resp.StatusCode, "unexpected status code")
}

// AssertJSON unmarshals the response body into v.
func AssertJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err, "failed to read response body")

	err = json.Unmarshal(body, v)
	require.NoError(t, err, "failed to unmarshal response: %s", string(body))
}

// AssertContentType asserts the response content type.
func AssertContentType(t *testing.T, resp *http.Response, expectedType string) {
	t.Helper()
	require.Contains(t, resp.Header.Get("Content-Type"), expectedType, "unexpected content type")
}

// ErrorBody mirrors the API's uniform error response.
type ErrorBody struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// AssertError asserts the response is an error body whose message contains
// the given fragment.
func AssertError(t *testing.T, resp *http.Response, fragment string) ErrorBody {
	t.Helper()
	var errResp ErrorBody
	AssertJSON(t, resp, &errResp)
	require.Contains(t, errResp.Message, fragment, "unexpected error message")
	require.False(t, errResp.Timestamp.IsZero(), "error timestamp not set")
	return errResp
}

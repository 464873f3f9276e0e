package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/udfcore/internal/application"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	app, err := application.NewForTests()
	require.NoError(t, err)
	t.Cleanup(func() { app.Close() })

	srv := httptest.NewServer(NewServer(app, app.Metrics().Registry(), nil))
	t.Cleanup(srv.Close)
	return srv
}

type rawResponse struct {
	Status       string          `json:"status"`
	Value        json.RawMessage `json:"value"`
	ErrorCode    string          `json:"error_code"`
	ErrorMessage string          `json:"error_message"`
	LogLines     []struct {
		Messages []string `json:"messages"`
	} `json:"log_lines"`
	Attempts  int    `json:"attempts"`
	RequestID string `json:"request_id"`
}

func post(t *testing.T, srv *httptest.Server, body string) (int, rawResponse) {
	t.Helper()
	resp, err := http.Post(srv.URL+"/api/mutation", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out rawResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestMutation_Success(t *testing.T) {
	srv := newTestServer(t)

	status, out := post(t, srv, `{"path": "basic:insertObject", "args": [{"an": "object"}]}`)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "success", out.Status)
	assert.JSONEq(t, `{"an": "object"}`, string(out.Value))
	assert.Equal(t, 1, out.Attempts)
	assert.NotEmpty(t, out.RequestID)

	status, out = post(t, srv, `{"path": "basic:count"}`)
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `1`, string(out.Value))
}

func TestMutation_FractionalArguments(t *testing.T) {
	srv := newTestServer(t)

	status, out := post(t, srv, `{"path": "basic:insertObject", "args": [{"price": 1.5, "qty": 2}]}`)
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"price": 1.5, "qty": 2}`, string(out.Value))
}

func TestMutation_FunctionError(t *testing.T) {
	srv := newTestServer(t)

	status, out := post(t, srv, `{"path": "basic:logAndFail", "args": ["boom"]}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "error", out.Status)
	assert.Equal(t, "FUNCTION_ERROR", out.ErrorCode)
	assert.Contains(t, out.ErrorMessage, "boom")
	require.Len(t, out.LogLines, 1)
	assert.Equal(t, []string{"failing with", "boom"}, out.LogLines[0].Messages)
}

func TestMutation_InternalFunctionIsHidden(t *testing.T) {
	srv := newTestServer(t)

	status, out := post(t, srv, `{"path": "basic:internalOnly"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, out.ErrorMessage, "could not find public function")
}

func TestMutation_BadRequests(t *testing.T) {
	srv := newTestServer(t)

	for name, body := range map[string]string{
		"not json":        `{`,
		"unknown field":   `{"path": "basic:count", "extra": 1}`,
		"bad path":        `{"path": ""}`,
		"args not array":  `{"path": "basic:count", "args": {"a": 1}}`,
		"empty identity":  `{"path": "basic:count", "identity": {"issuer": "x"}}`,
	} {
		t.Run(name, func(t *testing.T) {
			status, out := post(t, srv, body)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.Equal(t, "BAD_REQUEST", out.ErrorCode)
			assert.NotEmpty(t, out.RequestID)
		})
	}
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	post(t, srv, `{"path": "basic:count"}`)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "udf_occ_attempts_total 1")
	assert.Contains(t, string(body), `udf_mutations_total{outcome="success"} 1`)
}

package obs

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func accessEvents(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var ev map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &ev))
		if ev["msg"] == "http_access" {
			out = append(out, ev)
		}
	}
	return out
}

func TestAccessLog_RecordsMutationAndRedactsQuery(t *testing.T) {
	var buf bytes.Buffer
	restore := SetOutputForTests(&buf)
	defer restore()

	h := RequestContextMiddleware(AccessLogMiddleware("api", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(MutationIDHeader, "m-1")
		w.WriteHeader(http.StatusAccepted)
	})))
	req := httptest.NewRequest(http.MethodPost, "/notebooks?async=true&api_key=hunter2", nil)
	req.Header.Set("X-User-Id", "user-1")
	h.ServeHTTP(httptest.NewRecorder(), req)

	events := accessEvents(t, &buf)
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, "m-1", ev["mutation_id"])
	assert.Equal(t, "user-1", ev["user_id"])
	assert.EqualValues(t, http.StatusAccepted, ev["status"])
	assert.Equal(t, "DEBUG", ev["level"])
	assert.Equal(t, `api_key=[REDACTED] async="true"`, ev["query"])
	assert.NotContains(t, buf.String(), "hunter2")
}

func TestAccessLog_ServerErrorsWarn(t *testing.T) {
	var buf bytes.Buffer
	restore := SetOutputForTests(&buf)
	defer restore()

	h := AccessLogMiddleware("api", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/stats", nil))

	events := accessEvents(t, &buf)
	require.Len(t, events, 1)
	assert.Equal(t, "WARN", events[0]["level"])
	assert.NotContains(t, events[0], "mutation_id")
	assert.NotContains(t, events[0], "query")
}

func TestExtractTraceID(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736",
		extractTraceID("00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"))
	assert.Empty(t, extractTraceID("00-00000000000000000000000000000000-00f067aa0ba902b7-01"))
	assert.Empty(t, extractTraceID("garbage"))
}

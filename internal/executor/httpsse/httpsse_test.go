package httpsse

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSink struct {
	patches []NormalizedPatch
}

func (f *fakeSink) Emit(p any) error {
	f.patches = append(f.patches, p.(NormalizedPatch))
	return nil
}

func TestNormalizeLogsTranslatesText(t *testing.T) {
	raw := `{"type":"text","text":"hello"}` + "\n"

	sink := &fakeSink{}
	a := New("opencode", noopLogger())
	err := a.NormalizeLogs(context.Background(), strings.NewReader(raw), "/tmp/wt", sink)
	require.NoError(t, err)
	require.Len(t, sink.patches, 1)
	require.Equal(t, "text", sink.patches[0].Kind)
	require.Equal(t, "hello", sink.patches[0].Text)
}

func TestNormalizeLogsPairsToolInvocationWithResult(t *testing.T) {
	raw := `{"type":"tool-invocation","tool":"Read","input":{"path":"a.go"}}` + "\n" +
		`{"type":"tool-result","output":"file contents"}` + "\n"

	sink := &fakeSink{}
	a := New("opencode", noopLogger())
	err := a.NormalizeLogs(context.Background(), strings.NewReader(raw), "/tmp/wt", sink)
	require.NoError(t, err)
	require.Len(t, sink.patches, 1)
	require.Equal(t, "tool_call", sink.patches[0].Kind)
	require.Equal(t, "Read", sink.patches[0].ToolName)
	require.Equal(t, "a.go", sink.patches[0].ToolInput["path"])
	require.Equal(t, "file contents", sink.patches[0].ToolOutput)
}

func TestNormalizeLogsFlushesDanglingToolInvocation(t *testing.T) {
	raw := `{"type":"tool-invocation","tool":"Bash","input":{}}` + "\n"

	sink := &fakeSink{}
	a := New("opencode", noopLogger())
	err := a.NormalizeLogs(context.Background(), strings.NewReader(raw), "/tmp/wt", sink)
	require.NoError(t, err)
	require.Len(t, sink.patches, 1)
	require.Equal(t, "Bash", sink.patches[0].ToolName)
}

func TestCreateSessionAndSendMessage(t *testing.T) {
	var gotSessionPost, gotMessagePost bool

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/session") && !strings.Contains(r.URL.Path, "/message"):
			gotSessionPost = true
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "sess-1"})
		case r.Method == http.MethodPost && strings.Contains(r.URL.Path, "/message"):
			gotMessagePost = true
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	sessionID, err := client.CreateSession(context.Background(), "/tmp/wt", "my task")
	require.NoError(t, err)
	require.Equal(t, "sess-1", sessionID)
	require.True(t, gotSessionPost)

	err = client.SendMessage(context.Background(), sessionID, "/tmp/wt", "do it")
	require.NoError(t, err)
	require.True(t, gotMessagePost)
}

func TestDoWithRetryRetriesOn5xx(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	client.retryDelay = time.Millisecond
	client.maxDelay = 5 * time.Millisecond

	resp, err := client.doWithRetry(context.Background(), http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 2, attempts)
}

func TestListeningPatternExtractsAddress(t *testing.T) {
	m := listeningPattern.FindStringSubmatch("opencode server listening on 127.0.0.1:4096")
	require.Len(t, m, 2)
	require.Equal(t, "127.0.0.1:4096", m[1])
}

package agents

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEchoAgent_Execute(t *testing.T) {
	a := NewEchoAgent("echo", "> ")
	res, err := a.Execute(context.Background(), "Refine OK", Options{})
	require.NoError(t, err)
	assert.Equal(t, "> Refine OK", res.Content)
	assert.Equal(t, 2, res.TokensUsed)
	assert.Equal(t, "stop", res.FinishReason)
}

func TestEchoAgent_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewEchoAgent("echo", "").Execute(ctx, "hi", Options{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecutionError_Unwrap(t *testing.T) {
	cause := errors.New("boom")
	err := NewExecutionError("a1", "call failed").WithCause(cause)
	assert.Equal(t, "agent a1: call failed", err.Error())
	assert.ErrorIs(t, err, cause)
}

// --- command ---

func requireBinary(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available", name)
	}
}

func TestCommandAgent_PromptOnStdin(t *testing.T) {
	requireBinary(t, "cat")
	a := NewCommandAgent("cat", CommandConfig{Command: "cat"})
	res, err := a.Execute(context.Background(), "hello from stdin\n", Options{})
	require.NoError(t, err)
	assert.Equal(t, "hello from stdin", res.Content)
}

func TestCommandAgent_PromptAsArg(t *testing.T) {
	requireBinary(t, "echo")
	a := NewCommandAgent("echo", CommandConfig{Command: "echo", Args: []string{"got:", "{{prompt}}"}})
	res, err := a.Execute(context.Background(), "value", Options{})
	require.NoError(t, err)
	assert.Equal(t, "got: value", res.Content)
}

func TestCommandAgent_WorkspaceDir(t *testing.T) {
	requireBinary(t, "pwd")
	dir := t.TempDir()
	a := NewCommandAgent("pwd", CommandConfig{Command: "pwd"})
	res, err := a.Execute(context.Background(), "", Options{WorkspaceDir: dir})
	require.NoError(t, err)
	assert.Contains(t, res.Content, dir)
}

func TestCommandAgent_NonZeroExit(t *testing.T) {
	requireBinary(t, "sh")
	a := NewCommandAgent("fail", CommandConfig{Command: "sh", Args: []string{"-c", "echo oops >&2; exit 3"}})
	_, err := a.Execute(context.Background(), "", Options{})
	require.Error(t, err)

	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, 3, execErr.Details["exit_code"])
	assert.Contains(t, execErr.Details["stderr"], "oops")
}

func TestCommandAgent_Timeout(t *testing.T) {
	requireBinary(t, "sleep")
	a := NewCommandAgent("slow", CommandConfig{Command: "sleep", Args: []string{"5"}, Timeout: 50 * time.Millisecond})
	_, err := a.Execute(context.Background(), "", Options{})

	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, true, execErr.Details["killed"])
}

func TestCommandAgent_ParentCancelled(t *testing.T) {
	requireBinary(t, "sleep")
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	a := NewCommandAgent("slow", CommandConfig{Command: "sleep", Args: []string{"5"}})
	_, err := a.Execute(ctx, "", Options{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLimitedWriter_Truncates(t *testing.T) {
	var sink bytesSink
	lw := &limitedWriter{w: &sink, limit: 4}
	n, err := lw.Write([]byte("abcdefgh"))
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, "abcd", string(sink))
}

type bytesSink []byte

func (b *bytesSink) Write(p []byte) (int, error) {
	*b = append(*b, p...)
	return len(p), nil
}

// --- http ---

func TestHTTPAgent_Success(t *testing.T) {
	var got completionRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(completionResponse{Content: "answer", TokensUsed: 12, FinishReason: "stop"})
	}))
	defer srv.Close()

	a := NewHTTPAgent("llm", HTTPConfig{Endpoint: srv.URL, Model: "m1", APIKey: "secret", MaxTokens: 100})
	res, err := a.Execute(context.Background(), "question", Options{ExecutionID: "e1", StepID: "s1"})
	require.NoError(t, err)

	assert.Equal(t, "answer", res.Content)
	assert.Equal(t, 12, res.TokensUsed)
	assert.Equal(t, "stop", res.FinishReason)
	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "question", got.Prompt)
	assert.Equal(t, "m1", got.Model)
	assert.Equal(t, 100, got.MaxTokens)
	assert.Equal(t, "s1", got.StepID)
}

func TestHTTPAgent_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPAgent("llm", HTTPConfig{Endpoint: srv.URL}).Execute(context.Background(), "q", Options{})
	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, http.StatusServiceUnavailable, execErr.Details["status_code"])
}

func TestHTTPAgent_ErrorField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(completionResponse{Error: "model unavailable"})
	}))
	defer srv.Close()

	_, err := NewHTTPAgent("llm", HTTPConfig{Endpoint: srv.URL}).Execute(context.Background(), "q", Options{})
	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Contains(t, execErr.Error(), "model unavailable")
}

func TestHTTPAgent_InvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	_, err := NewHTTPAgent("llm", HTTPConfig{Endpoint: srv.URL}).Execute(context.Background(), "q", Options{})
	var execErr *ExecutionError
	assert.True(t, errors.As(err, &execErr))
}

// --- rate limit ---

func TestWithRateLimit_Disabled(t *testing.T) {
	a := NewEchoAgent("e", "")
	assert.Same(t, Agent(a), WithRateLimit(a, 0))
}

func TestWithRateLimit_BlocksUntilContextDone(t *testing.T) {
	a := WithRateLimit(NewEchoAgent("e", ""), 1)
	_, err := a.Execute(context.Background(), "first", Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = a.Execute(ctx, "second", Options{})
	require.Error(t, err)
	assert.Equal(t, "e", a.ID())
}

// --- build ---

func TestBuild_Kinds(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"echo default", Config{}, false},
		{"command", Config{Kind: KindCommand, Command: "cat"}, false},
		{"command missing", Config{Kind: KindCommand}, true},
		{"http", Config{Kind: KindHTTP, Endpoint: "http://localhost:1"}, false},
		{"http missing", Config{Kind: KindHTTP}, true},
		{"unknown", Config{Kind: "grpc"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a, err := Build("x", tc.cfg)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "x", a.ID())
		})
	}
}

func TestBuildRegistry(t *testing.T) {
	reg, err := BuildRegistry(map[string]Config{
		"analyst": {Kind: KindEcho},
		"writer":  {Kind: KindEcho, RequestsPerMinute: 60},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"analyst", "writer"}, reg.IDs())
}

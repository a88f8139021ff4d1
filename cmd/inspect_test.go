package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/warden/internal/orchestrator"
	"grimm.is/warden/internal/state"
)

// seedStateDir writes a config pointing at a fresh state database holding
// two processes and two workflow instances.
func seedStateDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	configPath := filepath.Join(dir, "warden.hcl")
	require.NoError(t, os.WriteFile(configPath, []byte(fmt.Sprintf("state_dir = %q\n", dir)), 0o644))

	store, err := state.NewSQLiteStore(state.Options{Path: filepath.Join(dir, "warden.db")})
	require.NoError(t, err)
	defer store.Close()

	now := time.Now()
	require.NoError(t, store.InsertProcess(&state.ProcessRecord{
		ID: "proc_a", Name: "web", PID: 4242, Status: state.StatusRunning, CreatedAt: now,
	}))
	require.NoError(t, store.InsertProcess(&state.ProcessRecord{
		ID: "proc_b", Name: "worker", Status: state.StatusCrashed, CreatedAt: now, Error: "exit status 2",
	}))

	require.NoError(t, store.EnsureBucket(state.BucketWorkflowInstances))
	for _, inst := range []*orchestrator.Instance{
		{ID: "wf_1", WorkflowName: "hello", Status: orchestrator.StatusCompleted, Progress: 100, CreatedAt: now.Add(-time.Minute)},
		{ID: "wf_2", WorkflowName: "process-order", Status: orchestrator.StatusFailed, CurrentStep: "charge", Error: "payment declined", CreatedAt: now},
	} {
		require.NoError(t, store.SetJSON(state.BucketWorkflowInstances, inst.ID, inst))
	}
	return configPath
}

func TestRunPS(t *testing.T) {
	configPath := seedStateDir(t)

	var out bytes.Buffer
	require.NoError(t, RunPS(&out, configPath, "", ""))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "STATUS")
	assert.Contains(t, out.String(), "4242")
	assert.Contains(t, out.String(), "exit status 2")

	out.Reset()
	require.NoError(t, RunPS(&out, configPath, "", "crashed"))
	assert.Contains(t, out.String(), "proc_b")
	assert.NotContains(t, out.String(), "proc_a")

	out.Reset()
	require.NoError(t, RunPS(&out, configPath, "nothing", ""))
	assert.Equal(t, "No processes.\n", out.String())
}

func TestRunWorkflows(t *testing.T) {
	configPath := seedStateDir(t)

	var out bytes.Buffer
	require.NoError(t, RunWorkflows(&out, configPath, "", ""))
	s := out.String()
	// oldest first
	assert.Less(t, strings.Index(s, "wf_1"), strings.Index(s, "wf_2"))
	assert.Contains(t, s, "payment declined")

	out.Reset()
	require.NoError(t, RunWorkflows(&out, configPath, "", "failed, cancelled"))
	assert.Contains(t, out.String(), "wf_2")
	assert.NotContains(t, out.String(), "wf_1")

	out.Reset()
	require.NoError(t, RunWorkflows(&out, configPath, "hello", ""))
	assert.Contains(t, out.String(), "wf_1")
	assert.NotContains(t, out.String(), "wf_2")
}

func TestOpenStateDB_Missing(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "warden.hcl")
	require.NoError(t, os.WriteFile(configPath, []byte(fmt.Sprintf("state_dir = %q\n", dir)), 0o644))

	err := RunPS(&bytes.Buffer{}, configPath, "", "")
	assert.ErrorContains(t, err, "no state database")
	// and it must not have created one
	_, statErr := os.Stat(filepath.Join(dir, "warden.db"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunDefinitions(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, RunDefinitions(&out))
	assert.Contains(t, out.String(), "hello")
	assert.Contains(t, out.String(), "process-order")
}

func TestSplitListAndTruncate(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitList(" a, ,b,"))
	assert.Nil(t, splitList(""))
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab...", truncate("abcdefgh", 5))
}

func TestRemote_StatusAndCancel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/status":
			json.NewEncoder(w).Encode(map[string]any{
				"status":    "online",
				"version":   "1.2.3",
				"uptime":    "5m0s",
				"workflows": map[string]int{"running": 1, "completed": 3},
			})
		case "/v1/workflows/wf_1/cancel":
			json.NewEncoder(w).Encode(orchestrator.Instance{ID: "wf_1", Status: orchestrator.StatusCancelled})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	var out bytes.Buffer
	remote := testRemote(t, server.URL, &out)
	require.NoError(t, remote.Status(context.Background()))
	s := out.String()
	assert.Contains(t, s, "online")
	assert.Contains(t, s, "1.2.3")
	assert.Less(t, strings.Index(s, "completed:"), strings.Index(s, "running:"))

	out.Reset()
	require.NoError(t, remote.Cancel(context.Background(), "wf_1"))
	assert.Equal(t, "wf_1 cancelled\n", out.String())

	assert.Error(t, remote.Resume(context.Background(), "wf_1"))
}

func TestRemote_SubmitNoWait(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/workflows/hello/start", r.URL.Path)
		var body struct {
			Input json.RawMessage `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.JSONEq(t, `{"name":"Ada"}`, string(body.Input))
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(orchestrator.Instance{ID: "wf_9", Status: orchestrator.StatusPending})
	}))
	defer server.Close()

	var out bytes.Buffer
	remote := testRemote(t, server.URL, &out)
	require.NoError(t, remote.Submit(context.Background(), "hello", `{"name":"Ada"}`, false))
	assert.Equal(t, "wf_9\n", out.String())

	assert.ErrorContains(t, remote.Submit(context.Background(), "hello", `{`, false), "not valid JSON")
}

func TestRemote_SubmitWaitAlreadyFinished(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/workflows/hello/start":
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(orchestrator.Instance{ID: "wf_9", Status: orchestrator.StatusPending})
		case "/v1/workflows/wf_9":
			json.NewEncoder(w).Encode(orchestrator.Instance{
				ID: "wf_9", Status: orchestrator.StatusCompleted, Output: json.RawMessage(`{"greeting":"Hello, Ada!"}`),
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	var out bytes.Buffer
	remote := testRemote(t, server.URL, &out)
	require.NoError(t, remote.Submit(context.Background(), "hello", "", true))
	assert.JSONEq(t, `{"greeting":"Hello, Ada!"}`, out.String())
}

func testRemote(t *testing.T, url string, out io.Writer) *Remote {
	t.Helper()
	remote, err := NewRemote(Endpoint{Addr: url})
	require.NoError(t, err)
	remote.Out = out
	return remote
}

func TestResolveEndpoint(t *testing.T) {
	t.Setenv(CAEnv(), "")
	assert.Equal(t, Endpoint{Addr: "10.0.0.1:1"}, ResolveEndpoint("10.0.0.1:1", "/nonexistent/warden.hcl"))

	configPath := writeConfig(t, "api {\n  listen = \"127.0.0.1:9999\"\n}\n")
	assert.Equal(t, Endpoint{Addr: "127.0.0.1:9999"}, ResolveEndpoint("", configPath))

	tlsConfig := writeConfig(t, `
state_dir = "/srv/warden"
api {
  listen = "127.0.0.1:9443"
  tls {
    self_signed = true
  }
}
`)
	assert.Equal(t, Endpoint{Addr: "https://127.0.0.1:9443", CAFile: "/srv/warden/tls/api-cert.pem"}, ResolveEndpoint("", tlsConfig))

	t.Setenv(CAEnv(), "/etc/ssl/ca.pem")
	assert.Equal(t, "/etc/ssl/ca.pem", ResolveEndpoint("", tlsConfig).CAFile)
}

func TestNewRemote_BadCA(t *testing.T) {
	_, err := NewRemote(Endpoint{Addr: "https://127.0.0.1:1", CAFile: "/nonexistent/ca.pem"})
	assert.ErrorContains(t, err, "API CA")
}

func TestRemote_ShowFormats(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(orchestrator.Instance{
			ID: "wf_3", WorkflowName: "hello", Status: orchestrator.StatusCompleted,
			Output: json.RawMessage(`{"greeting":"Hello, Ada!"}`),
		})
	}))
	defer server.Close()

	var out bytes.Buffer
	remote := testRemote(t, server.URL, &out)
	require.NoError(t, remote.Show(context.Background(), "wf_3", "json"))
	assert.Contains(t, out.String(), `"workflowName": "hello"`)

	out.Reset()
	require.NoError(t, remote.Show(context.Background(), "wf_3", "yaml"))
	assert.Contains(t, out.String(), "id: wf_3\n")
	assert.Contains(t, out.String(), "greeting: Hello, Ada!")

	assert.ErrorContains(t, remote.Show(context.Background(), "wf_3", "xml"), "unknown output format")
}

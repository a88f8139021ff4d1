package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/warden/internal/events"
)

func dialEvents(t *testing.T, ts *testServer, query string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/v1/events" + query
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool {
		return ts.srv.wsManager.Clients() > 0
	}, 2*time.Second, 10*time.Millisecond)
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg WSMessage
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg
}

func TestEventsWS_ForwardsHubEvents(t *testing.T) {
	ts := newTestServer(t)
	conn := dialEvents(t, ts, "")

	ts.hub.EmitWorkflow(events.EventWorkflowStarted, events.WorkflowData{
		InstanceID:   "wf_1",
		WorkflowName: "echo",
		Status:       "running",
	})

	msg := readMessage(t, conn)
	assert.Equal(t, "workflow.started", msg.Topic)
	data, ok := msg.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "wf_1", data["instance_id"])
}

func TestEventsWS_TopicFilter(t *testing.T) {
	ts := newTestServer(t)
	conn := dialEvents(t, ts, "?topics=workflow.completed")

	ts.hub.EmitProcess(events.EventProcessSpawned, events.ProcessData{Name: "web"})
	ts.hub.EmitWorkflow(events.EventWorkflowStarted, events.WorkflowData{InstanceID: "wf_1"})
	ts.hub.EmitWorkflow(events.EventWorkflowCompleted, events.WorkflowData{InstanceID: "wf_1"})

	msg := readMessage(t, conn)
	assert.Equal(t, "workflow.completed", msg.Topic)
}

func TestEventsWS_SubscribeFamily(t *testing.T) {
	ts := newTestServer(t)
	conn := dialEvents(t, ts, "?topics=none")

	require.NoError(t, conn.WriteJSON(map[string]any{
		"action": "subscribe",
		"topics": []string{"process"},
	}))
	require.NoError(t, conn.WriteJSON(map[string]any{
		"action": "unsubscribe",
		"topics": []string{"none"},
	}))

	require.Eventually(t, func() bool {
		return anyClientWants(ts.srv.wsManager, "process.spawned") &&
			!anyClientWants(ts.srv.wsManager, "none")
	}, 2*time.Second, 10*time.Millisecond)

	ts.hub.EmitProcess(events.EventProcessSpawned, events.ProcessData{Name: "web"})
	msg := readMessage(t, conn)
	assert.Equal(t, "process.spawned", msg.Topic)
}

func anyClientWants(m *WSManager, topic string) bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	for c := range m.clients {
		if c.wants(topic) {
			return true
		}
	}
	return false
}

func TestWSClient_Wants(t *testing.T) {
	c := &wsClient{topics: map[string]bool{}}
	assert.False(t, c.wants("workflow.step"))

	c.subscribe([]string{"workflow", " "}, true)
	assert.True(t, c.wants("workflow.step"))
	assert.False(t, c.wants("process.spawned"))

	c.subscribe([]string{"workflow"}, false)
	c.subscribe([]string{"process.dead"}, true)
	assert.False(t, c.wants("workflow.step"))
	assert.True(t, c.wants("process.dead"))
	assert.False(t, c.wants("process.spawned"))

	c.subscribe([]string{"*"}, true)
	assert.True(t, c.wants("anything"))
}

func TestEventsWS_RejectsForeignOrigin(t *testing.T) {
	ts := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/v1/events"

	header := http.Header{}
	header.Set("Origin", "http://evil.example.com")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWSManager_CloseDisconnectsClients(t *testing.T) {
	ts := newTestServer(t)
	conn := dialEvents(t, ts, "")

	ts.srv.wsManager.Close()
	assert.Equal(t, 0, ts.srv.wsManager.Clients())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

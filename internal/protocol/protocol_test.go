package protocol

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_SingleLine(t *testing.T) {
	msg, err := NewProxyCall(7, TargetCore, "cache", "set", "k", map[string]int{"n": 1})
	require.NoError(t, err)

	b, err := Encode(msg)
	require.NoError(t, err)
	assert.Equal(t, byte('\n'), b[len(b)-1])
	assert.Equal(t, 1, strings.Count(string(b), "\n"))

	var raw map[string]any
	require.NoError(t, json.Unmarshal(b, &raw))
	assert.Equal(t, "proxy.call", raw["type"])
	assert.Equal(t, float64(7), raw["requestId"])
	assert.Equal(t, "core", raw["target"])
	assert.Len(t, raw["args"], 2)
}

func TestReader_FramingAndNoise(t *testing.T) {
	stream := `{"type":"started","instanceId":"wf_1"}
not json at all
{"no":"type"}

{"type":"step.started","step":"a"}{"type":"bogus"
{"type":"heartbeat"}
{"type":"completed","output":{"ok":true}}`

	// one byte at a time exercises reassembly of partial lines
	r := NewReader(iotest.OneByteReader(strings.NewReader(stream)))

	var types []MessageType
	for {
		m, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		types = append(types, m.Type)
	}

	assert.Equal(t, []MessageType{MsgStarted, MsgHeartbeat, MsgCompleted}, types)
	assert.Equal(t, 3, r.Dropped)
}

func TestReader_DropsOversizedLines(t *testing.T) {
	huge := `{"type":"log","message":"` + strings.Repeat("x", 200*1024) + `"}`
	stream := huge + "\n" + `{"type":"heartbeat"}` + "\n" + strings.Repeat("y", 100) + `{"type":"progress"}`

	r := NewReader(strings.NewReader(stream))
	r.MaxLine = 64

	m, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, MsgHeartbeat, m.Type)
	assert.Equal(t, 1, r.Dropped)

	// an unterminated oversized tail is dropped too
	_, err = r.Next()
	require.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 2, r.Dropped)
}

func TestReader_DefaultLimitFitsLargeMessages(t *testing.T) {
	big := `{"type":"completed","output":"` + strings.Repeat("z", 1<<20) + `"}` + "\n"
	r := NewReader(iotest.HalfReader(strings.NewReader(big)))

	m, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, MsgCompleted, m.Type)
	assert.Len(t, m.Output, 1<<20+2)
	assert.Zero(t, r.Dropped)
}

func TestProxyResponses(t *testing.T) {
	res := NewProxyResult(3, nil)
	assert.True(t, res.IsProxyResponse())
	assert.JSONEq(t, "null", string(res.Result))

	errMsg := NewProxyError(3, errors.New("nope"))
	assert.Equal(t, MsgProxyError, errMsg.Type)
	assert.Equal(t, "nope", errMsg.Error)
	assert.False(t, errMsg.IsProxyCall())
}

func TestStartup_Validate(t *testing.T) {
	s := Startup{InstanceID: "wf_1", WorkflowName: "hello", SocketPath: "/tmp/x.sock"}
	assert.NoError(t, s.Validate())

	s.SocketPath = ""
	assert.Error(t, s.Validate())
	s.TCPPort = 50000
	assert.NoError(t, s.Validate())

	assert.Error(t, (&Startup{WorkflowName: "x", TCPPort: 1}).Validate())
	assert.Error(t, (&Startup{InstanceID: "x", TCPPort: 1}).Validate())
}

func TestStartup_WireNames(t *testing.T) {
	b, err := json.Marshal(Startup{
		InstanceID:   "wf_1",
		WorkflowName: "hello",
		TCPPort:      50001,
		StepResults:  map[string]StepResult{"a": {Status: StepCompleted, Attempts: 1}},
		CurrentStep:  "b",
	})
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(b, &raw))
	for _, k := range []string{"instanceId", "workflowName", "tcpPort", "stepResults", "currentStep"} {
		assert.Contains(t, raw, k)
	}
	assert.NotContains(t, raw, "socketPath")
}

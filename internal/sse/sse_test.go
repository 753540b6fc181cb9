package sse

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter_FrameFormat(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	require.NoError(t, w.Write(Frame{
		Event: "task_run.state",
		ID:    "run-1",
		Data:  []byte(`{"type":"task_run.state"}`),
	}))

	assert.Equal(t,
		"event: task_run.state\nid: run-1\ndata: {\"type\":\"task_run.state\"}\n\n",
		buf.String())
}

func TestWriter_DataOnly(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	require.NoError(t, w.Write(Frame{Data: []byte("hello")}))
	assert.Equal(t, "data: hello\n\n", buf.String())
}

func TestWriter_MultiLineData(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	require.NoError(t, w.Write(Frame{Data: []byte("a\nb")}))
	assert.Equal(t, "data: a\ndata: b\n\n", buf.String())
}

func TestReader_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.Write(Frame{Event: "connection", Data: []byte(`{"a":1}`)}))
	require.NoError(t, w.Write(Frame{ID: "7", Data: []byte("x\ny")}))

	r := NewReader(&buf)

	f, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "connection", f.Event)
	assert.Equal(t, `{"a":1}`, string(f.Data))

	f, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, "7", f.ID)
	assert.Equal(t, "x\ny", string(f.Data))

	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestReader_SkipsCommentsAndBlankRuns(t *testing.T) {
	r := NewReader(strings.NewReader(": keepalive\n\n\n\ndata: real\n\n"))

	f, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "real", string(f.Data))
}

func TestReader_TruncatedFinalFrame(t *testing.T) {
	r := NewReader(strings.NewReader("data: partial"))

	f, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "partial", string(f.Data))

	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestDecode_KnownShapes(t *testing.T) {
	ev := Decode([]byte(`{"type":"connection","status":"established","taskgroup_id":"tg-1"}`))
	conn, ok := ev.(*ConnectionEvent)
	require.True(t, ok)
	assert.Equal(t, "established", conn.Status)
	assert.Equal(t, "tg-1", conn.TaskGroupID)

	ev = Decode([]byte(`{"type":"task_run.state","run":{"run_id":"r1","status":"completed","is_active":true},"output":{"Employee Count":"50"}}`))
	rs, ok := ev.(*RunStateEvent)
	require.True(t, ok)
	assert.Equal(t, "r1", rs.Run.RunID)
	assert.Equal(t, "completed", rs.Run.Status)
	assert.JSONEq(t, `"50"`, string(rs.Output["Employee Count"]))

	ev = Decode([]byte(`{"type":"task_group_status","status":{"is_active":false}}`))
	gs, ok := ev.(*GroupStatusEvent)
	require.True(t, ok)
	assert.False(t, gs.Status.IsActive)
}

func TestDecode_FallsBackToUnparsed(t *testing.T) {
	cases := []string{
		`not json at all`,
		`{"type":"something_new","payload":1}`,
		`{"type":"task_run.state","run":"not-an-object"}`,
		``,
	}
	for _, c := range cases {
		ev := Decode([]byte(c))
		up, ok := ev.(*UnparsedEvent)
		require.True(t, ok, "payload %q", c)
		assert.Equal(t, c, string(up.Raw))
	}
}

package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeDisplayName(t *testing.T) {
	assert.Equal(t, "parse", Node{Name: "parse", Label: "ignored", Type: "function"}.DisplayName())
	assert.Equal(t, "Orders", Node{Label: "Orders", Type: "tab"}.DisplayName())
	assert.Equal(t, "function", Node{Type: "function"}.DisplayName())
}

func TestNodeClassification(t *testing.T) {
	tests := []struct {
		typ      string
		flow     bool
		ingress  bool
		splitter bool
		excluded bool
	}{
		{typ: "tab", flow: true},
		{typ: "subflow:4f1c", flow: true},
		{typ: "subflow"},
		{typ: "http in", ingress: true},
		{typ: "inject", ingress: true},
		{typ: "split", splitter: true},
		{typ: "debug", excluded: true},
		{typ: "function"},
	}
	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			n := Node{ID: "n1", Type: tt.typ}
			assert.Equal(t, tt.flow, n.IsFlow(), "IsFlow")
			assert.Equal(t, tt.ingress, n.IsIngress(), "IsIngress")
			assert.Equal(t, tt.splitter, n.IsSplitter(), "IsSplitter")
			assert.Equal(t, tt.excluded, n.IsTraceExcluded(), "IsTraceExcluded")
		})
	}
}

func TestNodeDecodesHostFields(t *testing.T) {
	raw := `{"id":"a1","type":"http in","name":"orders","z":"f1","wires":[["b2","c3"]]}`
	var n Node
	require.NoError(t, json.Unmarshal([]byte(raw), &n))
	assert.Equal(t, "f1", n.FlowID)
	assert.Equal(t, [][]string{{"b2", "c3"}}, n.Wires)
}

func TestMessageEnvelopeFieldNames(t *testing.T) {
	b, err := json.Marshal(Message{ID: "m1", ParentID: "m0"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"_msgid":"m1","ozParentMessageId":"m0"}`, string(b))

	b, err = json.Marshal(Message{ID: "m1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"_msgid":"m1"}`, string(b))
}

func TestTraceSummaryDuration(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s := TraceSummary{StartedAt: start, EndedAt: start.Add(1500 * time.Millisecond)}
	assert.Equal(t, 1500*time.Millisecond, s.Duration())
}

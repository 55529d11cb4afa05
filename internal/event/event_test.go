package event

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeAcceptsAllEncodings(t *testing.T) {
	form := url.Values{}
	form.Set("id", "m1")
	form.Set("conversation_id", "c1")
	form.Set("from_id", "u1")
	form.Set("text", "hello")

	tests := []struct {
		name        string
		body        string
		contentType string
	}{
		{"json object", `{"id":"m1","conversation_id":"c1","from_id":"u1","text":"hello"}`, "application/json"},
		{"form encoded", form.Encode(), "application/x-www-form-urlencoded"},
		{"json-encoded string", `"{\"id\":\"m1\",\"conversation_id\":\"c1\",\"from_id\":\"u1\",\"text\":\"hello\"}"`, "text/plain"},
	}

	want := map[string]any{"id": "m1", "conversation_id": "c1", "from_id": "u1", "text": "hello"}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt, err := Normalize([]byte(tt.body), tt.contentType)
			require.NoError(t, err)
			assert.Equal(t, want, evt.Record)
		})
	}
}

func TestNormalizeUnwrapsEveryEnvelopeShape(t *testing.T) {
	record := `{"id":"m1","conversation_id":"c1","from_id":"u1","text":"hello"}`
	want := map[string]any{"id": "m1", "conversation_id": "c1", "from_id": "u1", "text": "hello"}

	tests := []struct {
		name string
		body string
	}{
		{"bare record", record},
		{"record envelope", `{"type":"INSERT","table":"messages","record":` + record + `}`},
		{"new envelope", `{"type":"INSERT","table":"messages","new":` + record + `}`},
		{"data.record envelope", `{"data":{"record":` + record + `}}`},
		{"data.new envelope", `{"data":{"new":` + record + `}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt, err := Normalize([]byte(tt.body), "application/json")
			require.NoError(t, err)
			assert.Equal(t, want, evt.Record)
		})
	}
}

func TestNormalizeReadsKindAndTableAliases(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"type/table", `{"type":"INSERT","table":"messages","record":{"id":"m1"}}`},
		{"event/table_name", `{"event":"INSERT","table_name":"messages","record":{"id":"m1"}}`},
		{"event_type", `{"event_type":"INSERT","table":"messages","record":{"id":"m1"}}`},
		{"eventType", `{"eventType":"INSERT","table":"messages","record":{"id":"m1"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt, err := Normalize([]byte(tt.body), "application/json")
			require.NoError(t, err)
			assert.Equal(t, "INSERT", evt.Kind)
			assert.Equal(t, "messages", evt.Table)
		})
	}
}

func TestUnwrapIsIdempotent(t *testing.T) {
	canonical := map[string]any{"id": "m1", "text": "hello"}
	assert.Equal(t, canonical, Unwrap(canonical))
	assert.Equal(t, canonical, Unwrap(Unwrap(canonical)))
}

func TestNormalizeRejectsUnparsableBody(t *testing.T) {
	_, err := Normalize([]byte("!!not anything!!"), "text/plain")
	require.Error(t, err)

	msg := err.Error()
	assert.Contains(t, msg, "json object")
	assert.Contains(t, msg, "json-encoded string")
	assert.Contains(t, msg, "!!not anything!!")
	assert.Contains(t, msg, "text/plain")
}

func TestSupported(t *testing.T) {
	tests := []struct {
		name   string
		evt    Event
		reason string
		ok     bool
	}{
		{"insert on monitored table", Event{Kind: "INSERT", Table: "messages"}, "", true},
		{"lowercase insert", Event{Kind: "insert", Table: "messages"}, "", true},
		{"kind and table absent", Event{}, "", true},
		{"update", Event{Kind: "UPDATE", Table: "messages"}, "unsupported_event", false},
		{"delete", Event{Kind: "DELETE"}, "unsupported_event", false},
		{"other table", Event{Kind: "INSERT", Table: "profiles"}, "unsupported_table", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, ok := tt.evt.Supported("messages")
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestFieldProbesAliasesInOrder(t *testing.T) {
	record := map[string]any{"message_id": "m2", "messageId": "m3"}

	value, alias, ok := Field(record, "id", "message_id", "messageId")
	require.True(t, ok)
	assert.Equal(t, "m2", value)
	assert.Equal(t, "message_id", alias)

	_, _, ok = Field(record, "conversation_id", "conversationId")
	assert.False(t, ok)
}

func TestFieldStringifiesScalars(t *testing.T) {
	record := map[string]any{"id": float64(42), "flag": true, "ratio": 1.5}

	value, _, ok := Field(record, "id")
	require.True(t, ok)
	assert.Equal(t, "42", value)

	value, _, ok = Field(record, "ratio")
	require.True(t, ok)
	assert.Equal(t, "1.5", value)

	value, _, ok = Field(record, "flag")
	require.True(t, ok)
	assert.Equal(t, "true", value)
}

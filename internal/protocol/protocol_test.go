// ABOUTME: Tests for control protocol parsing and formatting
// ABOUTME: Covers the schema table, tail fields, correlation ids and protocol errors

package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Message
	}{
		{
			name: "unsolicited status",
			raw:  "CLIENT_STATUS_RESPONSE||READY_TO_LOGIN",
			want: Message{Code: ClientStatusResponse, Fields: []string{"READY_TO_LOGIN"}},
		},
		{
			name: "correlated status",
			raw:  "CLIENT_STATUS_RESPONSE|abc|FINISHED",
			want: Message{Code: ClientStatusResponse, ID: "abc", Fields: []string{"FINISHED"}},
		},
		{
			name: "status request has only an id",
			raw:  "CLIENT_STATUS_REQUEST|r1",
			want: Message{Code: ClientStatusRequest, ID: "r1"},
		},
		{
			name: "variable change value keeps delimiters",
			raw:  "CHANGE_VARIABLE_REQUEST|r2|TICKET_TEXT|Early Bird | Standing",
			want: Message{Code: ChangeVariableRequest, ID: "r2", Fields: []string{"TICKET_TEXT", "Early Bird | Standing"}},
		},
		{
			name: "error report rejoins remaining text",
			raw:  "REPORT_CLIENT_ERROR|could not|checkout",
			want: Message{Code: ReportClientError, Fields: []string{"could not|checkout"}},
		},
		{
			name: "log with empty text",
			raw:  "LOG_CLIENT_EVENT|",
			want: Message{Code: LogClientEvent, Fields: []string{""}},
		},
		{
			name: "bare command",
			raw:  "CLIENT_LOGIN",
			want: Message{Code: ClientLogin},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		err  error
	}{
		{"empty", "", ErrEmpty},
		{"unknown code", "SELF_DESTRUCT|now", ErrUnknownCode},
		{"missing field", "CHECK_VARIABLE_REQUEST|r1", ErrArity},
		{"missing id and field", "CLIENT_STATUS_RESPONSE", ErrArity},
		{"extra field", "CHANGE_VARIABLE_RESPONSE|r1|SUCCESS|extra", ErrArity},
		{"payload on bare command", "CLIENT_BUY_TICKET|now", ErrArity},
		{"tail too short", "CHANGE_VARIABLE_REQUEST|r1|BOT_ID", ErrArity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.raw)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestParseUnknownKeepsCode(t *testing.T) {
	msg, err := Parse("FUTURE_THING|x")
	require.ErrorIs(t, err, ErrUnknownCode)
	assert.Equal(t, Code("FUTURE_THING"), msg.Code)
}

func TestFormat(t *testing.T) {
	got, err := Format(New(ChangeVariableRequest, VarBotID, "x7"))
	require.NoError(t, err)
	assert.Equal(t, "CHANGE_VARIABLE_REQUEST||BOT_ID|x7", got)

	req := Message{Code: CheckVariableRequest, ID: "r9", Fields: []string{VarTicketCode}}
	got, err = Format(Reply(req, CheckVariableResponse, "C1"))
	require.NoError(t, err)
	assert.Equal(t, "CHECK_VARIABLE_RESPONSE|r9|C1", got)

	got, err = Format(New(ClientLogin))
	require.NoError(t, err)
	assert.Equal(t, "CLIENT_LOGIN", got)
}

func TestFormatErrors(t *testing.T) {
	_, err := Format(New(Code("NOPE")))
	assert.ErrorIs(t, err, ErrUnknownCode)

	_, err = Format(New(ChangeVariableRequest, VarBotID))
	assert.ErrorIs(t, err, ErrArity)

	// only the tail field may contain the delimiter
	_, err = Format(New(ChangeVariableRequest, "BAD|NAME", "v"))
	assert.ErrorIs(t, err, ErrDelimiter)

	_, err = Format(Message{Code: ClientStatusRequest, ID: "a|b"})
	assert.ErrorIs(t, err, ErrDelimiter)
}

func TestFormatParseRoundTrip(t *testing.T) {
	msgs := []Message{
		{Code: CheckVariableResponse, ID: NewID(), Fields: []string{"a|b|c"}},
		{Code: ChangeVariableRequest, ID: NewID(), Fields: []string{VarTicketURL, "https://example.test/e?x=1|2"}},
		{Code: ServerStatusResponse, ID: NewID(), Fields: []string{string(ServerActive)}},
		{Code: ReportClientFinish, Fields: []string{ResultSuccess}},
	}

	for _, m := range msgs {
		raw, err := Format(m)
		require.NoError(t, err)
		back, err := Parse(raw)
		require.NoError(t, err)
		assert.Equal(t, m, back)
	}
}

func TestIsResponse(t *testing.T) {
	assert.True(t, New(ChangeVariableResponse, ResultSuccess).IsResponse())
	assert.True(t, New(CheckVariableResponse, "v").IsResponse())
	assert.False(t, New(CheckVariableRequest, "v").IsResponse())
	assert.False(t, New(LogClientEvent, "x").IsResponse())
}

func TestNewIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for range 1000 {
		id := NewID()
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestStatusKnown(t *testing.T) {
	assert.True(t, StatusReadyToBuy.Known())
	assert.False(t, Status("PAUSED").Known())
}

func TestDefaultVariables(t *testing.T) {
	vars := DefaultVariables()
	assert.Len(t, vars, len(VariableNames))
	for _, name := range VariableNames {
		assert.Equal(t, None, vars[name])
	}
}

func TestServerStatusToggle(t *testing.T) {
	assert.Equal(t, ServerActive, ServerInactive.Toggle())
	assert.Equal(t, ServerInactive, ServerActive.Toggle())
}

func TestUnsolicitedStatusWireText(t *testing.T) {
	raw, err := Format(UnsolicitedStatus("READY_TO_LOGIN"))
	require.NoError(t, err)
	assert.Equal(t, "CLIENT_STATUS_RESPONSE||READY_TO_LOGIN", raw)

	msg, err := Parse(raw)
	require.NoError(t, err)
	assert.Empty(t, msg.ID)
	assert.Equal(t, "READY_TO_LOGIN", msg.Field(0))

	// The id field is required even when empty.
	_, err = Parse("CLIENT_STATUS_RESPONSE|READY_TO_LOGIN")
	assert.ErrorIs(t, err, ErrArity)
}

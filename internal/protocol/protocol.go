// ABOUTME: Message codes, schema table, parsing and formatting for the control protocol
// ABOUTME: One delimiter, fixed arity per code, explicit correlation ids on request/response codes

package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

// Delimiter separates the code and payload fields on the wire.
const Delimiter = "|"

// None is the sentinel value for unset variables and absent ticket codes.
const None = "NONE"

// Code identifies the kind of a control message.
type Code string

const (
	ClientStatusRequest    Code = "CLIENT_STATUS_REQUEST"
	ClientStatusResponse   Code = "CLIENT_STATUS_RESPONSE"
	CheckVariableRequest   Code = "CHECK_VARIABLE_REQUEST"
	CheckVariableResponse  Code = "CHECK_VARIABLE_RESPONSE"
	ChangeVariableRequest  Code = "CHANGE_VARIABLE_REQUEST"
	ChangeVariableResponse Code = "CHANGE_VARIABLE_RESPONSE"
	ServerStatusRequest    Code = "SERVER_STATUS_REQUEST"
	ServerStatusResponse   Code = "SERVER_STATUS_RESPONSE"
	ReportClientError      Code = "REPORT_CLIENT_ERROR"
	ReportClientFinish     Code = "REPORT_CLIENT_FINISH"
	LogClientEvent         Code = "LOG_CLIENT_EVENT"
	ClientLogEvent         Code = "CLIENT_LOG_EVENT"
	ClientLogin            Code = "CLIENT_LOGIN"
	ClientBuyTicket        Code = "CLIENT_BUY_TICKET"
)

// Direction records which side may originate a code.
type Direction int

const (
	HubToAgent Direction = 1 << iota
	AgentToHub
	Both = HubToAgent | AgentToHub
)

// Shape is the schema entry for one code.
type Shape struct {
	// Correlated codes carry a correlation id as their first field.
	Correlated bool
	// Response marks codes that complete a pending request.
	Response bool
	// Fields is the exact number of payload fields after the id.
	Fields int
	// Tail lets the last field absorb the rest of the line, delimiters included.
	Tail      bool
	Direction Direction
}

var schema = map[Code]Shape{
	ClientStatusRequest:    {Correlated: true, Fields: 0, Direction: HubToAgent},
	ClientStatusResponse:   {Correlated: true, Response: true, Fields: 1, Direction: AgentToHub},
	CheckVariableRequest:   {Correlated: true, Fields: 1, Direction: Both},
	CheckVariableResponse:  {Correlated: true, Response: true, Fields: 1, Tail: true, Direction: Both},
	ChangeVariableRequest:  {Correlated: true, Fields: 2, Tail: true, Direction: HubToAgent},
	ChangeVariableResponse: {Correlated: true, Response: true, Fields: 1, Direction: AgentToHub},
	ServerStatusRequest:    {Correlated: true, Fields: 0, Direction: AgentToHub},
	ServerStatusResponse:   {Correlated: true, Response: true, Fields: 1, Direction: HubToAgent},
	ReportClientError:      {Fields: 1, Tail: true, Direction: AgentToHub},
	ReportClientFinish:     {Fields: 1, Tail: true, Direction: AgentToHub},
	LogClientEvent:         {Fields: 1, Tail: true, Direction: AgentToHub},
	ClientLogEvent:         {Fields: 1, Tail: true, Direction: AgentToHub},
	ClientLogin:            {Fields: 0, Direction: HubToAgent},
	ClientBuyTicket:        {Fields: 0, Direction: HubToAgent},
}

// Lookup returns the schema entry for code.
func Lookup(code Code) (Shape, bool) {
	s, ok := schema[code]
	return s, ok
}

// Protocol errors.
var (
	ErrUnknownCode = errors.New("unknown message code")
	ErrArity       = errors.New("wrong number of fields")
	ErrDelimiter   = errors.New("field contains delimiter")
	ErrEmpty       = errors.New("empty message")
)

// Message is a parsed control message.
type Message struct {
	Code   Code
	ID     string
	Fields []string
}

// New builds a message for code with the given payload fields.
func New(code Code, fields ...string) Message {
	return Message{Code: code, Fields: fields}
}

// Reply builds a response to req that carries req's correlation id.
func Reply(req Message, code Code, fields ...string) Message {
	return Message{Code: code, ID: req.ID, Fields: fields}
}

// UnsolicitedStatus builds a status push: a CLIENT_STATUS_RESPONSE with an
// empty id, which formats as CLIENT_STATUS_RESPONSE||<status>.
func UnsolicitedStatus(status string) Message {
	return Message{Code: ClientStatusResponse, Fields: []string{status}}
}

// Field returns the i'th payload field, or "" when absent.
func (m Message) Field(i int) string {
	if i < 0 || i >= len(m.Fields) {
		return ""
	}
	return m.Fields[i]
}

// IsResponse reports whether m completes a pending request.
func (m Message) IsResponse() bool {
	return schema[m.Code].Response
}

// String formats m without validation, for logging.
func (m Message) String() string {
	s, err := Format(m)
	if err != nil {
		return string(m.Code)
	}
	return s
}

// NewID returns a fresh correlation id. ULIDs sort by creation time, which
// keeps interleaved requests readable in logs.
func NewID() string {
	return ulid.Make().String()
}

// Parse decodes a raw message according to the schema table.
// For unknown codes the returned Message still carries the code so callers
// can log it.
func Parse(raw string) (Message, error) {
	if raw == "" {
		return Message{}, ErrEmpty
	}

	code, rest, hasPayload := strings.Cut(raw, Delimiter)
	msg := Message{Code: Code(code)}

	shape, ok := schema[msg.Code]
	if !ok {
		return msg, fmt.Errorf("%w: %q", ErrUnknownCode, code)
	}

	want := shape.Fields
	if shape.Correlated {
		want++
	}

	if want == 0 {
		if hasPayload {
			return msg, fmt.Errorf("%w: %s takes no fields", ErrArity, code)
		}
		return msg, nil
	}
	if !hasPayload {
		return msg, fmt.Errorf("%w: %s wants %d, got 0", ErrArity, code, want)
	}

	var parts []string
	if shape.Tail {
		parts = strings.SplitN(rest, Delimiter, want)
	} else {
		parts = strings.Split(rest, Delimiter)
	}
	if len(parts) != want {
		return msg, fmt.Errorf("%w: %s wants %d, got %d", ErrArity, code, want, len(parts))
	}

	if shape.Correlated {
		msg.ID = parts[0]
		parts = parts[1:]
	}
	if len(parts) > 0 {
		msg.Fields = parts
	}
	return msg, nil
}

// Format encodes m for the wire, enforcing the schema table. Only a tail
// field may contain the delimiter.
func Format(m Message) (string, error) {
	shape, ok := schema[m.Code]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCode, m.Code)
	}
	if len(m.Fields) != shape.Fields {
		return "", fmt.Errorf("%w: %s wants %d, got %d", ErrArity, m.Code, shape.Fields, len(m.Fields))
	}
	if strings.Contains(m.ID, Delimiter) {
		return "", fmt.Errorf("%w: correlation id", ErrDelimiter)
	}

	var b strings.Builder
	b.WriteString(string(m.Code))
	if shape.Correlated {
		b.WriteString(Delimiter)
		b.WriteString(m.ID)
	}
	for i, f := range m.Fields {
		last := i == len(m.Fields)-1
		if strings.Contains(f, Delimiter) && !(last && shape.Tail) {
			return "", fmt.Errorf("%w: %s field %d", ErrDelimiter, m.Code, i)
		}
		b.WriteString(Delimiter)
		b.WriteString(f)
	}
	return b.String(), nil
}

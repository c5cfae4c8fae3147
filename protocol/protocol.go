// Package protocol defines the wire format spoken between the engine and
// its control surfaces: three JSON object shapes tagged implicitly by
// field presence. A message with an "id" and a "method" is a request, an
// "id" with "result" or "error" is a response, and an "event" field marks
// an uncorrelated notification. Untyped JSON never travels past this
// package; Classify validates at the deserialization boundary.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/RonHouben/wavecraft-sub004/errors"
)

// Error codes for the wire protocol.
const (
	CodeParseError        = -32700
	CodeInvalidRequest    = -32600
	CodeMethodNotFound    = -32601
	CodeInvalidParams     = -32602
	CodeInternalError     = -32603
	CodeParameterNotFound = -32000
	CodeValueOutOfRange   = -32001
)

// Kind identifies which of the three wire shapes a message is.
type Kind int

const (
	// KindInvalid marks a message that matched none of the wire shapes.
	KindInvalid Kind = iota
	// KindRequest is a correlated request expecting a response.
	KindRequest
	// KindResponse is a result or error correlated to a request id.
	KindResponse
	// KindEvent is an uncorrelated notification.
	KindEvent
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindEvent:
		return "event"
	default:
		return "invalid"
	}
}

// Request is a correlated method invocation. IDs are unique per open
// connection, monotonically increasing and never reused.
type Request struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ErrorObject carries an application or protocol failure over the wire.
type ErrorObject struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface so an ErrorObject can travel
// through Go error chains and be recovered with errors.As.
func (e *ErrorObject) Error() string {
	return fmt.Sprintf("wire error %d: %s", e.Code, e.Message)
}

// Response carries exactly one of Result or Error for a request id.
// Construct through NewResult or NewError; the XOR invariant is enforced
// at construction, not at use sites.
type Response struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorObject    `json:"error,omitempty"`
}

// Event is an uncorrelated notification delivered to zero or more
// listeners. It intentionally has no id field.
type Event struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewRequest builds a request, serializing params to JSON. A nil params
// value omits the field entirely.
func NewRequest(id uint64, method string, params any) (Request, error) {
	req := Request{ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return Request{}, errors.WrapInvalid(err, "protocol", "NewRequest", "marshal params")
		}
		req.Params = raw
	}
	return req, nil
}

// NewResult builds a success response.
func NewResult(id uint64, result any) (Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return Response{}, errors.WrapInvalid(err, "protocol", "NewResult", "marshal result")
	}
	return Response{ID: id, Result: raw}, nil
}

// NewError builds an error response.
func NewError(id uint64, code int, message string) Response {
	return Response{ID: id, Error: &ErrorObject{Code: code, Message: message}}
}

// NewEvent builds a notification.
func NewEvent(name string, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, errors.WrapInvalid(err, "protocol", "NewEvent", "marshal data")
	}
	return Event{Event: name, Data: raw}, nil
}

// Valid reports whether the response satisfies the result-XOR-error
// invariant. Responses decoded from the wire are checked by Classify.
func (r Response) Valid() bool {
	return (r.Result != nil) != (r.Error != nil)
}

// envelope is the superset shape used to sniff which wire form arrived.
type envelope struct {
	ID     *uint64         `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *ErrorObject    `json:"error"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
}

// Message is the decoded tagged union produced by Classify. Exactly one
// of Request, Response, Event is meaningful, selected by Kind.
type Message struct {
	Kind     Kind
	Request  Request
	Response Response
	Event    Event
}

// Classify parses raw bytes into the tagged union. It returns an invalid
// classification with a wrapped error for anything that is not one of
// the three shapes; callers log and drop such messages (protocol error,
// non-fatal).
func Classify(data []byte) (Message, error) {
	var env envelope
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&env); err != nil {
		return Message{Kind: KindInvalid},
			errors.WrapInvalid(errors.ErrInvalidPayload, "protocol", "Classify", "parse message")
	}

	switch {
	case env.ID != nil && env.Method != "":
		return Message{
			Kind:    KindRequest,
			Request: Request{ID: *env.ID, Method: env.Method, Params: env.Params},
		}, nil

	case env.ID != nil:
		resp := Response{ID: *env.ID, Result: env.Result, Error: env.Error}
		if !resp.Valid() {
			return Message{Kind: KindInvalid},
				errors.WrapInvalid(errors.ErrInvalidPayload, "protocol", "Classify",
					"response must carry exactly one of result/error")
		}
		return Message{Kind: KindResponse, Response: resp}, nil

	case env.Event != "":
		return Message{Kind: KindEvent, Event: Event{Event: env.Event, Data: env.Data}}, nil

	default:
		return Message{Kind: KindInvalid},
			errors.WrapInvalid(errors.ErrInvalidPayload, "protocol", "Classify",
				"message matches no wire shape")
	}
}

// Encode serializes any of the wire types.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.WrapInvalid(err, "protocol", "Encode", "marshal message")
	}
	return data, nil
}

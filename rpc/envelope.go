package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Error codes used for locally-generated error responses. These follow the
// JSON-RPC 2.0 conventions so that well-behaved peers can interpret them.
const (
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Message is one decoded line of the wire protocol. It is one of Request,
// Response, or Notification; classification happens once in Decode so that
// downstream code never re-inspects raw JSON shape.
type Message interface {
	isMessage()
}

// Request is a call initiated by the peer. The id is kept as raw JSON so the
// reply carries it back byte-for-byte, whatever type the peer chose.
type Request struct {
	ID     json.RawMessage
	Method string
	Params json.RawMessage
}

// Response correlates to a request this side issued earlier. Ids issued by
// this package are always numeric, so a response id is decoded as an int64.
type Response struct {
	ID     int64
	Result json.RawMessage
	Err    *RemoteError
}

// Notification is a fire-and-forget message; no response is expected.
type Notification struct {
	Method string
	Params json.RawMessage
}

func (Request) isMessage()      {}
func (Response) isMessage()     {}
func (Notification) isMessage() {}

// envelope is the single wire shape all three message kinds share.
type envelope struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RemoteError    `json:"error,omitempty"`
}

// emptyResult is substituted when a response carries neither result nor
// error. The collaborating process treats this as an empty success.
var emptyResult = json.RawMessage(`{}`)

// Decode parses one line into a Message. Lines that are not valid JSON, or
// that carry neither an id nor a method, are protocol errors; the caller is
// expected to log and skip them.
func Decode(line []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("parsing envelope: %w", err)
	}

	switch {
	case env.Method != "" && len(env.ID) > 0:
		return Request{ID: env.ID, Method: env.Method, Params: env.Params}, nil
	case env.Method != "":
		return Notification{Method: env.Method, Params: env.Params}, nil
	case len(env.ID) > 0:
		id, err := strconv.ParseInt(string(env.ID), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("response with non-numeric id %s", env.ID)
		}
		result := env.Result
		if result == nil && env.Error == nil {
			result = emptyResult
		}
		return Response{ID: id, Result: result, Err: env.Error}, nil
	default:
		return nil, errors.New("envelope has neither id nor method")
	}
}

// EncodeRequest encodes a caller-initiated request line for the given id.
func EncodeRequest(id int64, method string, params json.RawMessage) ([]byte, error) {
	return json.Marshal(envelope{
		ID:     strconv.AppendInt(nil, id, 10),
		Method: method,
		Params: params,
	})
}

// EncodeNotification encodes a notification line.
func EncodeNotification(method string, params json.RawMessage) ([]byte, error) {
	return json.Marshal(envelope{Method: method, Params: params})
}

// EncodeResult encodes a success response for a peer-initiated request,
// echoing the peer's id bytes verbatim.
func EncodeResult(id json.RawMessage, result json.RawMessage) ([]byte, error) {
	if result == nil {
		result = emptyResult
	}
	return json.Marshal(envelope{ID: id, Result: result})
}

// EncodeError encodes an error response for a peer-initiated request.
func EncodeError(id json.RawMessage, code int, message string) ([]byte, error) {
	return json.Marshal(envelope{ID: id, Error: &RemoteError{Code: code, Message: message}})
}

package rpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeClassification(t *testing.T) {
	cases := []struct {
		name string
		line string
		want Message
	}{
		{
			name: "request",
			line: `{"id":7,"method":"tools/call","params":{"x":1}}`,
			want: Request{ID: json.RawMessage("7"), Method: "tools/call", Params: json.RawMessage(`{"x":1}`)},
		},
		{
			name: "request with string id",
			line: `{"id":"abc","method":"ping"}`,
			want: Request{ID: json.RawMessage(`"abc"`), Method: "ping"},
		},
		{
			name: "notification",
			line: `{"method":"progress","params":{"pct":50}}`,
			want: Notification{Method: "progress", Params: json.RawMessage(`{"pct":50}`)},
		},
		{
			name: "result response",
			line: `{"id":3,"result":{"ok":true}}`,
			want: Response{ID: 3, Result: json.RawMessage(`{"ok":true}`)},
		},
		{
			name: "error response",
			line: `{"id":4,"error":{"code":-32000,"message":"boom"}}`,
			want: Response{ID: 4, Err: &RemoteError{Code: -32000, Message: "boom"}},
		},
		{
			name: "response with neither result nor error",
			line: `{"id":5}`,
			want: Response{ID: 5, Result: json.RawMessage(`{}`)},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			msg, err := Decode([]byte(c.line))
			require.NoError(t, err)
			assert.Equal(t, c.want, msg)
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	cases := []struct {
		name string
		line string
	}{
		{name: "not json", line: `this is not json`},
		{name: "empty object", line: `{}`},
		{name: "non-numeric response id", line: `{"id":"abc","result":{}}`},
		{name: "array", line: `[1,2,3]`},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Decode([]byte(c.line))
			require.Error(t, err)
		})
	}
}

func TestEncodeRequestID(t *testing.T) {
	line, err := EncodeRequest(42, "echo", json.RawMessage(`{"x":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":42,"method":"echo","params":{"x":1}}`, string(line))
}

func TestEncodeResultEchoesIDBytes(t *testing.T) {
	// The reply to a peer request must carry the peer's id back verbatim,
	// whatever its JSON type.
	line, err := EncodeResult(json.RawMessage(`"req-9"`), json.RawMessage(`{"ok":true}`))
	require.NoError(t, err)
	assert.Contains(t, string(line), `"id":"req-9"`)

	line, err = EncodeResult(json.RawMessage("17"), nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":17,"result":{}}`, string(line))
}

func TestEncodeError(t *testing.T) {
	line, err := EncodeError(json.RawMessage("8"), CodeInternalError, "handler panic")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":8,"error":{"code":-32603,"message":"handler panic"}}`, string(line))
}

func TestEncodeNotificationOmitsID(t *testing.T) {
	line, err := EncodeNotification("ping", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"method":"ping"}`, string(line))
}

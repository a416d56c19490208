package remote

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/procrpc/procrpc/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// TestMain doubles as the spawned child: when re-executed with REMOTE_STUB
// set, the test binary becomes an echo server on its standard streams.
func TestMain(m *testing.M) {
	if os.Getenv("REMOTE_STUB") == "1" {
		remoteStubMain()
		return
	}
	os.Exit(m.Run())
}

func wsURL(t *testing.T, httpURL string) string {
	t.Helper()
	return strings.Replace(httpURL, "http", "ws", 1) + "/rpc"
}

func TestDialAgainstInProcessEndpoint(t *testing.T) {
	// The hosting side here is not a child process but an rpc.Conn served
	// directly over the accepted socket, which pins down that Dial speaks
	// the plain line protocol and nothing more.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		netConn := websocket.NetConn(r.Context(), wsConn, websocket.MessageText)
		conn := rpc.NewConn(netConn, rpc.Handlers{
			OnRequest: func(ctx context.Context, method string, params json.RawMessage) (any, error) {
				return params, nil
			},
		})
		<-conn.Done()
	}))
	t.Cleanup(ts.Close)

	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	conn, err := Dial(context.Background(), strings.Replace(ts.URL, "http", "ws", 1), rpc.Handlers{}, WithDialLogger(logger))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	result, err := conn.Call(context.Background(), "echo", map[string]int{"x": 1}, 2*time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1}`, string(result))
}

func TestServerSpawnsChildPerConnection(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	srv := NewServer(exe, nil,
		WithServerLogger(logger),
		WithEnv(map[string]string{"REMOTE_STUB": "1"}),
	)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	for i := 0; i < 2; i++ {
		conn, err := Dial(context.Background(), wsURL(t, ts.URL), rpc.Handlers{}, WithDialLogger(logger))
		require.NoError(t, err)

		result, err := conn.Call(context.Background(), "echo", map[string]int{"client": i}, 5*time.Second)
		require.NoError(t, err)
		assert.JSONEq(t, fmt.Sprintf(`{"client":%d}`, i), string(result))

		require.NoError(t, conn.Close())
	}
}

func TestDialFailureSurfaces(t *testing.T) {
	_, err := Dial(context.Background(), "ws://127.0.0.1:1/rpc", rpc.Handlers{},
		WithCustomizeRetryableClient(func(r *retryablehttp.Client) {
			r.RetryMax = 0
		}),
	)
	require.Error(t, err)
}

// remoteStubMain answers every request with its params as the result.
func remoteStubMain() {
	type envelope struct {
		ID     json.RawMessage `json:"id,omitempty"`
		Method string          `json:"method,omitempty"`
		Params json.RawMessage `json:"params,omitempty"`
		Result json.RawMessage `json:"result,omitempty"`
	}

	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	out := bufio.NewWriter(os.Stdout)
	for sc.Scan() {
		var env envelope
		if err := json.Unmarshal(sc.Bytes(), &env); err != nil {
			continue
		}
		if env.Method == "" || len(env.ID) == 0 {
			continue
		}
		params := env.Params
		if params == nil {
			params = json.RawMessage(`{}`)
		}
		reply, err := json.Marshal(envelope{ID: env.ID, Result: params})
		if err != nil {
			continue
		}
		out.Write(append(reply, '\n'))
		out.Flush()
	}
}

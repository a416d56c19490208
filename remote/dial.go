package remote

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/procrpc/procrpc/rpc"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// readLimit caps inbound WebSocket frames; it matches the line size cap of
// the rpc reader.
const readLimit = 16 * 1024 * 1024

type dialer struct {
	log                      *zap.Logger
	connOpts                 []rpc.ConnOption
	customizeRetryableClient func(r *retryablehttp.Client)
}

// DialOption configures Dial.
type DialOption func(d *dialer)

func WithDialLogger(l *zap.Logger) DialOption {
	return func(d *dialer) {
		d.log = l
	}
}

// WithConnOptions forwards options to the rpc.Conn built over the socket.
func WithConnOptions(opts ...rpc.ConnOption) DialOption {
	return func(d *dialer) {
		d.connOpts = append(d.connOpts, opts...)
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) DialOption {
	return func(d *dialer) {
		d.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// Dial connects to a remote bridge endpoint and returns an rpc.Conn over the
// WebSocket. ctx bounds the dial only; the returned conn lives until Close
// or the socket drops.
func Dial(ctx context.Context, url string, handlers rpc.Handlers, opts ...DialOption) (*rpc.Conn, error) {
	d := &dialer{log: zap.NewNop()}
	for _, opt := range opts {
		opt(d)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 10
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.Logger = &logAdapter{SugaredLogger: d.log.Sugar()}
	if d.customizeRetryableClient != nil {
		d.customizeRetryableClient(retryClient)
	}

	wsConn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient:      retryClient.StandardClient(),
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing WebSocket conn: %w", err)
	}
	wsConn.SetReadLimit(readLimit)

	// The conn outlives the dial context.
	netConn := websocket.NetConn(context.Background(), wsConn, websocket.MessageText)
	connOpts := append([]rpc.ConnOption{rpc.WithLogger(d.log)}, d.connOpts...)
	return rpc.NewConn(netConn, handlers, connOpts...), nil
}

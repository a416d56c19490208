// echostub is a well-behaved bridge child for manual testing. It speaks the
// newline-delimited JSON protocol on its standard streams and answers a small
// set of methods; logs go to stderr where the parent drains them.
//
// Try it from a catalog entry:
//
//	[servers.echo]
//	command = "echostub"
package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/procrpc/procrpc/rpc"
	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		os.Exit(1)
	}
	log := logger.Named("echostub").Sugar()

	conn := rpc.NewConn(stdioStream{}, rpc.Handlers{
		OnRequest: serveRequest,
		OnNotification: func(method string, params json.RawMessage) {
			if method == "exit" {
				log.Info("exit requested")
				os.Exit(0)
			}
			log.Debugw("notification", "method", method)
		},
	}, rpc.WithLogger(logger))

	// With ECHOSTUB_GREET set, open with our own request to the parent, the
	// way a real child asks for approval before doing work.
	if os.Getenv("ECHOSTUB_GREET") == "1" {
		go func() {
			result, err := conn.Call(context.Background(), "greet", map[string]int{"pid": os.Getpid()}, 5*time.Second)
			if err != nil {
				log.Warnw("greet call failed", "error", err)
				return
			}
			log.Infow("greeted", "result", string(result))
		}()
	}

	<-conn.Done()
}

func serveRequest(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "echo":
		if params == nil {
			return map[string]any{}, nil
		}
		return params, nil
	case "sum":
		var nums []float64
		if err := json.Unmarshal(params, &nums); err != nil {
			return nil, &rpc.RemoteError{Code: rpc.CodeInvalidParams, Message: "sum expects an array of numbers"}
		}
		var total float64
		for _, n := range nums {
			total += n
		}
		return map[string]float64{"sum": total}, nil
	case "env":
		var req struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(params, &req); err != nil || req.Name == "" {
			return nil, &rpc.RemoteError{Code: rpc.CodeInvalidParams, Message: "env expects {\"name\": ...}"}
		}
		return map[string]string{"value": os.Getenv(req.Name)}, nil
	case "sleep":
		var req struct {
			Millis int `json:"millis"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, &rpc.RemoteError{Code: rpc.CodeInvalidParams, Message: "sleep expects {\"millis\": ...}"}
		}
		select {
		case <-time.After(time.Duration(req.Millis) * time.Millisecond):
			return map[string]any{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	case "ping":
		return map[string]string{"pong": time.Now().UTC().Format(time.RFC3339)}, nil
	default:
		return nil, &rpc.RemoteError{Code: rpc.CodeMethodNotFound, Message: "unknown method " + method}
	}
}

// stdioStream adapts the process's standard streams to the single
// ReadWriteCloser the conn expects. Close closes stdout so the parent sees
// end of stream.
type stdioStream struct{}

func (stdioStream) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdioStream) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
func (stdioStream) Close() error                { return os.Stdout.Close() }

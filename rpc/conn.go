package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultCallTimeout applies to calls that do not override their timeout.
const DefaultCallTimeout = 30 * time.Second

// maxLineBytes caps the reader's line buffer. Lines carry whole JSON
// payloads, so this needs to be generous.
const maxLineBytes = 16 * 1024 * 1024

// Handlers carries the caller-supplied callbacks for peer-initiated traffic.
// All fields are optional.
type Handlers struct {
	// OnRequest serves requests initiated by the peer. The returned value is
	// marshaled as the result of the reply written back with the same id. An
	// error return (or a panic) becomes an error reply instead, so the peer
	// is never left waiting. Return a *RemoteError to control the error code.
	// With no handler registered, every peer request is answered with a
	// method-not-found error.
	OnRequest func(ctx context.Context, method string, params json.RawMessage) (any, error)

	// OnNotification handles peer notifications. Notifications have no reply
	// channel, so panics are logged and swallowed.
	OnNotification func(method string, params json.RawMessage)

	// OnClosed fires exactly once when the connection stops, whether by an
	// explicit Close or because the stream ended unexpectedly.
	OnClosed func(reason error)
}

// ConnOption configures a Conn.
type ConnOption func(c *Conn)

func WithLogger(l *zap.Logger) ConnOption {
	return func(c *Conn) {
		c.log = l.Named("conn").Sugar()
	}
}

func WithTraceSink(s TraceSink) ConnOption {
	return func(c *Conn) {
		c.trace = s
	}
}

func WithDefaultCallTimeout(d time.Duration) ConnOption {
	return func(c *Conn) {
		c.defaultCallTimeout = d
	}
}

// Conn is a duplex line-protocol connection over a byte stream. It owns the
// stream: a single reader goroutine consumes inbound lines, and all writes
// are serialized through one mutex.
type Conn struct {
	log                *zap.SugaredLogger
	rw                 io.ReadWriteCloser
	handlers           Handlers
	trace              TraceSink
	defaultCallTimeout time.Duration

	// ctx is passed to request handlers and canceled on close.
	ctx    context.Context
	cancel func()

	writeMu sync.Mutex
	pending *pendingTable

	closeOnce   sync.Once
	closeReason error
	closed      chan struct{}
}

// NewConn wraps rw in a Conn and starts its reader goroutine. The Conn
// assumes exclusive ownership of rw and closes it when the Conn stops.
func NewConn(rw io.ReadWriteCloser, handlers Handlers, opts ...ConnOption) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		log:                zap.NewNop().Sugar(),
		rw:                 rw,
		handlers:           handlers,
		defaultCallTimeout: DefaultCallTimeout,
		ctx:                ctx,
		cancel:             cancel,
		pending:            newPendingTable(),
		closed:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c
}

// Call issues a request and blocks until a response arrives, the timeout
// elapses, ctx is done, or the connection closes, whichever happens first.
// A timeout <= 0 uses the connection's default. The outcomes are distinct:
// timeout surfaces as ErrCallTimeout, caller cancellation as ctx.Err(),
// connection shutdown as ErrConnClosed, and a peer-reported error as a
// *RemoteError.
func (c *Conn) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	raw, err := marshalJSON(params)
	if err != nil {
		return nil, fmt.Errorf("marshaling params: %w", err)
	}
	if timeout <= 0 {
		timeout = c.defaultCallTimeout
	}

	// Register before writing so a fast response can't race the table.
	call, err := c.pending.register(method)
	if err != nil {
		return nil, err
	}

	line, err := EncodeRequest(call.id, method, raw)
	if err != nil {
		c.pending.remove(call.id)
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	if err := c.writeLine(line); err != nil {
		c.pending.remove(call.id)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-call.done:
	case <-timer.C:
		c.pending.remove(call.id)
		call.complete(nil, fmt.Errorf("%w: no response to %q within %s", ErrCallTimeout, method, timeout))
	case <-ctx.Done():
		c.pending.remove(call.id)
		call.complete(nil, fmt.Errorf("call %q: %w", method, ctx.Err()))
	}

	// complete is first-writer-wins, so re-reading after done settles races
	// between a response arriving and the timeout or cancellation firing.
	<-call.done
	if call.err != nil {
		return nil, call.err
	}
	return call.result, nil
}

// Notify sends a notification. No response is expected and none is tracked.
func (c *Conn) Notify(method string, params any) error {
	raw, err := marshalJSON(params)
	if err != nil {
		return fmt.Errorf("marshaling params: %w", err)
	}
	line, err := EncodeNotification(method, raw)
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}
	return c.writeLine(line)
}

// Close stops the connection and fails all pending calls with ErrConnClosed.
// It is idempotent.
func (c *Conn) Close() error {
	c.closeWith(ErrConnClosed)
	return nil
}

// CloseWrite half-closes the stream if it supports it, signaling the peer
// that no more lines are coming while leaving the read side open. Streams
// without a write side to close are left alone.
func (c *Conn) CloseWrite() error {
	if wc, ok := c.rw.(interface{ CloseWrite() error }); ok {
		return wc.CloseWrite()
	}
	return nil
}

// Done is closed when the connection has stopped and all pending calls have
// been failed.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// Err returns the close reason once Done is closed, nil before that.
func (c *Conn) Err() error {
	select {
	case <-c.closed:
		return c.closeReason
	default:
		return nil
	}
}

// writeLine writes one line plus terminator as a single write under the
// write mutex, so concurrent writers never interleave partial lines.
func (c *Conn) writeLine(line []byte) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}

	c.traceLine(DirOutbound, line)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.rw.Write(append(line, '\n')); err != nil {
		// A failed write means the stream is gone, whether or not the close
		// path has finished running.
		return fmt.Errorf("%w: writing line: %v", ErrConnClosed, err)
	}
	return nil
}

func (c *Conn) readLoop() {
	scanner := bufio.NewScanner(c.rw)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		c.traceLine(DirInbound, line)
		c.dispatch(line)
	}

	var reason error
	if err := scanner.Err(); err != nil {
		reason = fmt.Errorf("%w: reading stream: %v", ErrConnClosed, err)
	} else {
		reason = fmt.Errorf("%w: end of stream", ErrConnClosed)
	}
	c.closeWith(reason)
}

// dispatch classifies one line and routes it. It runs synchronously inside
// the reader goroutine; a slow handler delays subsequent lines but cannot
// crash the loop.
func (c *Conn) dispatch(line []byte) {
	msg, err := Decode(line)
	if err != nil {
		c.log.Debugw("skipping malformed line", "error", err)
		return
	}
	switch m := msg.(type) {
	case Response:
		c.dispatchResponse(m)
	case Request:
		c.serveRequest(m)
	case Notification:
		c.dispatchNotification(m)
	}
}

func (c *Conn) dispatchResponse(resp Response) {
	var matched bool
	if resp.Err != nil {
		matched = c.pending.reject(resp.ID, resp.Err)
	} else {
		matched = c.pending.resolve(resp.ID, resp.Result)
	}
	if !matched {
		// Duplicate, stray, or late response; the call is already settled.
		c.log.Debugw("dropping response with no pending call", "id", resp.ID)
	}
}

func (c *Conn) serveRequest(req Request) {
	result, handlerErr := c.invokeRequestHandler(req)

	var line []byte
	var err error
	if handlerErr != nil {
		code := CodeInternalError
		message := handlerErr.Error()
		var remoteErr *RemoteError
		if errors.As(handlerErr, &remoteErr) {
			code = remoteErr.Code
			message = remoteErr.Message
		}
		line, err = EncodeError(req.ID, code, message)
	} else {
		line, err = EncodeResult(req.ID, result)
	}
	if err != nil {
		c.log.Debugw("encoding reply", "method", req.Method, "error", err)
		line, err = EncodeError(req.ID, CodeInternalError, "encoding reply: "+err.Error())
		if err != nil {
			return
		}
	}
	if err := c.writeLine(line); err != nil {
		c.log.Debugw("writing reply", "method", req.Method, "error", err)
	}
}

func (c *Conn) invokeRequestHandler(req Request) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	if c.handlers.OnRequest == nil {
		return nil, &RemoteError{Code: CodeMethodNotFound, Message: "no request handler registered"}
	}
	v, err := c.handlers.OnRequest(c.ctx, req.Method, req.Params)
	if err != nil {
		return nil, err
	}
	return marshalJSON(v)
}

func (c *Conn) dispatchNotification(n Notification) {
	if c.handlers.OnNotification == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Warnw("notification handler panic", "method", n.Method, "panic", r)
		}
	}()
	c.handlers.OnNotification(n.Method, n.Params)
}

// closeWith runs the close path exactly once: both the reader's end-of-stream
// path and an explicit Close race into it, and whichever wins sets the
// reason. Pending calls are failed only after the winner has closed the
// stream, and OnClosed fires before Done is released.
func (c *Conn) closeWith(reason error) {
	c.closeOnce.Do(func() {
		c.closeReason = reason
		c.cancel()
		if err := c.rw.Close(); err != nil {
			c.log.Debugw("closing stream", "error", err)
		}
		c.pending.failAll(reason)
		c.fireClosed(reason)
		close(c.closed)
	})
}

func (c *Conn) fireClosed(reason error) {
	if c.handlers.OnClosed == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Warnw("close handler panic", "panic", r)
		}
	}()
	c.handlers.OnClosed(reason)
}

// traceLine mirrors a raw line to the trace sink, best-effort.
func (c *Conn) traceLine(dir Direction, line []byte) {
	if c.trace == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Warnw("trace sink panic", "panic", r)
		}
	}()
	if err := c.trace.Trace(dir, line); err != nil {
		c.log.Warnw("trace sink write failed", "error", err)
	}
}

func marshalJSON(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

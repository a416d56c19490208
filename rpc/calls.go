package rpc

import (
	"encoding/json"
	"sync"
)

// pendingCall is an issued-but-not-yet-resolved call. Its completion is a
// single-assignment cell with multiple writers racing (response, timeout,
// cancellation, connection close); the first writer wins and later attempts
// are no-ops.
type pendingCall struct {
	id     int64
	method string

	once sync.Once
	done chan struct{}

	result json.RawMessage
	err    error
}

// complete resolves the call exactly once. It is safe to call from any
// goroutine and any number of times.
func (c *pendingCall) complete(result json.RawMessage, err error) {
	c.once.Do(func() {
		c.result = result
		c.err = err
		close(c.done)
	})
}

// pendingTable maps outstanding call ids to their futures. It is the only
// state shared between caller goroutines and the reader goroutine, so all
// access goes through its mutex.
type pendingTable struct {
	mu     sync.Mutex
	nextID int64
	calls  map[int64]*pendingCall
	closed bool
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[int64]*pendingCall)}
}

// register allocates the next id and inserts a new pending call. It must be
// called before the request line is written, so a fast response can never
// arrive before its entry exists.
func (t *pendingTable) register(method string) (*pendingCall, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrConnClosed
	}
	t.nextID++
	call := &pendingCall{
		id:     t.nextID,
		method: method,
		done:   make(chan struct{}),
	}
	t.calls[call.id] = call
	return call, nil
}

// remove deletes the entry for id without completing it, so a late response
// cannot resurrect a call that already timed out or was cancelled.
func (t *pendingTable) remove(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.calls, id)
}

// resolve completes the call registered under id with a result. It reports
// whether a matching entry existed.
func (t *pendingTable) resolve(id int64, result json.RawMessage) bool {
	call := t.take(id)
	if call == nil {
		return false
	}
	call.complete(result, nil)
	return true
}

// reject completes the call registered under id with a remote error. It
// reports whether a matching entry existed.
func (t *pendingTable) reject(id int64, remoteErr *RemoteError) bool {
	call := t.take(id)
	if call == nil {
		return false
	}
	call.complete(nil, remoteErr)
	return true
}

func (t *pendingTable) take(id int64) *pendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	call := t.calls[id]
	delete(t.calls, id)
	return call
}

// failAll atomically drains the table and fails every outstanding call with
// reason. Once failed, the table accepts no new registrations.
func (t *pendingTable) failAll(reason error) {
	t.mu.Lock()
	t.closed = true
	drained := t.calls
	t.calls = make(map[int64]*pendingCall)
	t.mu.Unlock()

	for _, call := range drained {
		call.complete(nil, reason)
	}
}

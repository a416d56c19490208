package rpc

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAssignsMonotonicIDs(t *testing.T) {
	table := newPendingTable()
	for want := int64(1); want <= 5; want++ {
		call, err := table.register("m")
		require.NoError(t, err)
		assert.Equal(t, want, call.id)
	}
}

func TestResolveUnknownIDIsNoop(t *testing.T) {
	table := newPendingTable()
	assert.False(t, table.resolve(99, json.RawMessage(`{}`)))
	assert.False(t, table.reject(99, &RemoteError{Code: 1, Message: "x"}))
}

func TestCompleteFirstWriterWins(t *testing.T) {
	call := &pendingCall{id: 1, done: make(chan struct{})}
	call.complete(json.RawMessage(`{"winner":true}`), nil)
	call.complete(nil, ErrCallTimeout)
	<-call.done
	require.NoError(t, call.err)
	assert.JSONEq(t, `{"winner":true}`, string(call.result))
}

func TestRemovePreventsLateResolve(t *testing.T) {
	table := newPendingTable()
	call, err := table.register("m")
	require.NoError(t, err)

	table.remove(call.id)
	assert.False(t, table.resolve(call.id, json.RawMessage(`{}`)))

	select {
	case <-call.done:
		t.Fatal("removed call should not have been completed")
	default:
	}
}

func TestFailAllDrainsAndClosesTable(t *testing.T) {
	table := newPendingTable()
	var calls []*pendingCall
	for i := 0; i < 5; i++ {
		call, err := table.register("m")
		require.NoError(t, err)
		calls = append(calls, call)
	}

	table.failAll(ErrConnClosed)

	for _, call := range calls {
		<-call.done
		assert.ErrorIs(t, call.err, ErrConnClosed)
	}

	_, err := table.register("m")
	assert.ErrorIs(t, err, ErrConnClosed)
}

func TestConcurrentRegisterUniqueIDs(t *testing.T) {
	table := newPendingTable()

	const n = 100
	ids := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			call, err := table.register("m")
			if err != nil {
				t.Error(err)
				return
			}
			ids <- call.id
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool)
	for id := range ids {
		assert.False(t, seen[id], "id %d assigned twice", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
}

package network

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VanDung-dev/FAIC-Node/p2perr"
	"github.com/VanDung-dev/FAIC-Node/wire"
)

func TestRequestResolve(t *testing.T) {
	table := newRequestTable()
	to := randomID(t)

	p := table.Begin(to, time.Second)
	assert.Equal(t, 1, table.Len())
	_, done := p.Outcome()
	assert.False(t, done)

	assert.False(t, table.Resolve(p.ID, randomID(t), wire.GetBalanceResponse{}), "response from another peer is ignored")
	assert.True(t, table.Resolve(p.ID, to, wire.SendTransactionResponse{TxHash: "abc"}))
	assert.False(t, table.Resolve(p.ID, to, wire.SendTransactionResponse{TxHash: "late"}), "late response is dropped")

	resp, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, wire.SendTransactionResponse{TxHash: "abc"}, resp)
	assert.Equal(t, 0, table.Len())
}

func TestRequestTimeout(t *testing.T) {
	table := newRequestTable()
	to := randomID(t)

	p := table.Begin(to, 20*time.Millisecond)
	_, err := p.Wait(context.Background())
	assert.ErrorIs(t, err, p2perr.ErrTimeout)

	var perr *p2perr.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 20*time.Millisecond, perr.Timeout)

	assert.False(t, table.Resolve(p.ID, to, wire.GetBalanceResponse{}), "response after timeout is a no-op")
	result, done := p.Outcome()
	assert.True(t, done)
	assert.ErrorIs(t, result.Err, p2perr.ErrTimeout)
}

func TestRequestTimeoutFiresAtDeadline(t *testing.T) {
	table := newRequestTable()
	const timeout = 50 * time.Millisecond

	for i := 0; i < 5; i++ {
		p := table.Begin(randomID(t), timeout)
		_, err := p.Wait(context.Background())
		elapsed := time.Since(p.IssuedAt)

		require.ErrorIs(t, err, p2perr.ErrTimeout)
		assert.GreaterOrEqual(t, elapsed, timeout, "timeout fired before the deadline")
		assert.Less(t, elapsed, timeout+250*time.Millisecond, "timeout fired long after the deadline")
	}
	assert.Equal(t, 0, table.Len())
}

func TestRequestFailAll(t *testing.T) {
	table := newRequestTable()
	var completions int
	var mu sync.Mutex
	table.onComplete = func(*PendingRequest, error) {
		mu.Lock()
		completions++
		mu.Unlock()
	}

	pending := []*PendingRequest{
		table.Begin(randomID(t), time.Minute),
		table.Begin(randomID(t), time.Minute),
		table.Begin(randomID(t), time.Minute),
	}
	assert.Equal(t, 3, table.FailAll(p2perr.ErrShuttingDown))

	for _, p := range pending {
		_, err := p.Wait(context.Background())
		assert.ErrorIs(t, err, p2perr.ErrShuttingDown)
	}
	assert.Equal(t, 0, table.FailAll(p2perr.ErrShuttingDown))
	assert.Equal(t, 3, completions)
}

func TestRequestResolvedExactlyOnce(t *testing.T) {
	table := newRequestTable()
	to := randomID(t)
	p := table.Begin(to, 5*time.Millisecond)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var ok bool
			if i%2 == 0 {
				ok = table.Resolve(p.ID, to, wire.GetBalanceResponse{})
			} else {
				ok = table.Fail(p.ID, p2perr.ErrConnection)
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	<-p.Done()

	assert.LessOrEqual(t, wins, 1)
	assert.Equal(t, 0, table.Len())
}

func TestRequestWaitHonoursContext(t *testing.T) {
	table := newRequestTable()
	p := table.Begin(randomID(t), time.Minute)
	defer table.Fail(p.ID, context.Canceled)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := p.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

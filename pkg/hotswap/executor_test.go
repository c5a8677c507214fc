package hotswap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutorCapsConcurrency(t *testing.T) {
	var running, peak, done atomic.Int32
	changes := make([]*Hotswappable, 25)
	for i := range changes {
		changes[i] = &Hotswappable{
			Service:       "lambda",
			ResourceNames: []string{fmt.Sprintf("fn-%d", i)},
			Apply: func(context.Context, *Clients) error {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				running.Add(-1)
				done.Add(1)
				return nil
			},
		}
	}

	var out bytes.Buffer
	err := NewExecutor(newFakeClients().Clients, &out, zerolog.Nop()).ApplyAll(context.Background(), changes)

	require.NoError(t, err)
	assert.Equal(t, int32(25), done.Load())
	assert.LessOrEqual(t, peak.Load(), int32(maxConcurrentHotswaps))
	assert.Contains(t, out.String(), "hotswapping resources:")
	assert.Contains(t, out.String(), "hotswapped!")
}

func TestExecutorReturnsFirstErrorAfterSiblingsFinish(t *testing.T) {
	boom := errors.New("boom")
	var finished atomic.Int32
	changes := []*Hotswappable{
		{Service: "lambda", ResourceNames: []string{"a"}, Apply: func(context.Context, *Clients) error { return boom }},
		{Service: "appsync", ResourceNames: []string{"b"}, Apply: func(context.Context, *Clients) error {
			time.Sleep(20 * time.Millisecond)
			finished.Add(1)
			return nil
		}},
	}

	clients := newFakeClients()
	var out bytes.Buffer
	err := NewExecutor(clients.Clients, &out, zerolog.Nop()).ApplyAll(context.Background(), changes)

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(1), finished.Load())

	// The failed operation keeps its marker, the successful one removes it
	calls := clients.tagger.Calls()
	assert.Contains(t, calls, "+cdk-hotswap/success-lambda")
	assert.NotContains(t, calls, "-cdk-hotswap/success-lambda")
	assert.Contains(t, calls, "+cdk-hotswap/success-appsync")
	assert.Contains(t, calls, "-cdk-hotswap/success-appsync")
}

func TestExecutorReportsWaiterFailures(t *testing.T) {
	changes := []*Hotswappable{{
		Service:       "lambda",
		ResourceNames: []string{"fn"},
		Apply: func(context.Context, *Clients) error {
			return fmt.Errorf("update failed: %w", abortf("Failed", "bad code"))
		},
	}}

	err := NewExecutor(newFakeClients().Clients, &bytes.Buffer{}, zerolog.Nop()).ApplyAll(context.Background(), changes)

	var applyErr *ApplyError
	require.ErrorAs(t, err, &applyErr)
	assert.Equal(t, "Resource is not in the expected state due to waiter status: Failed. bad code.", err.Error())
	assert.Equal(t, "AbortError", applyErr.Name)

	var waiterErr *WaiterError
	assert.ErrorAs(t, err, &waiterErr)
}

func TestApplyErrorWithoutReason(t *testing.T) {
	err := &ApplyError{State: "TIMEOUT"}
	assert.Equal(t, "Resource is not in the expected state due to waiter status: TIMEOUT.", err.Error())
}

func TestExecutorWithNothingToDo(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, NewExecutor(newFakeClients().Clients, &out, zerolog.Nop()).ApplyAll(context.Background(), nil))
	assert.Empty(t, out.String())
}

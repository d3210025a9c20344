package blockstm

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// stubWaiter answers every dependency report with a fixed result.
type stubWaiter struct {
	result DependencyResult

	mu    sync.Mutex
	calls [][2]int
}

func (s *stubWaiter) WaitForDependency(txnIdx, depTxnIdx int) DependencyResult {
	s.mu.Lock()
	s.calls = append(s.calls, [2]int{txnIdx, depTxnIdx})
	s.mu.Unlock()
	return s.result
}

func TestWaitForDependencyImmediateResults(t *testing.T) {
	t.Parallel()

	resolved := &stubWaiter{result: DependencyResult{Kind: DependencyResolvedAlready}}
	require.True(t, waitForDependency(resolved, 5, 3))
	require.Equal(t, [][2]int{{5, 3}}, resolved.calls)

	halted := &stubWaiter{result: DependencyResult{Kind: DependencyHalted}}
	require.False(t, waitForDependency(halted, 5, 3))
}

func TestWaitForDependencyParksUntilResolved(t *testing.T) {
	t.Parallel()

	cond := NewDependencyCondition()
	waiter := &stubWaiter{result: DependencyResult{Kind: DependencyWait, Cond: cond}}

	done := make(chan bool, 1)
	go func() {
		done <- waitForDependency(waiter, 5, 3)
	}()

	select {
	case <-done:
		t.Fatal("waiter returned before the dependency resolved")
	case <-time.After(20 * time.Millisecond):
	}

	cond.Set(DependencyResolved)
	require.True(t, <-done)
}

func TestWaitForDependencyWokenByHalt(t *testing.T) {
	t.Parallel()

	cond := NewDependencyCondition()
	waiter := &stubWaiter{result: DependencyResult{Kind: DependencyWait, Cond: cond}}

	var wg sync.WaitGroup
	results := make([]bool, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = waitForDependency(waiter, 5+i, 3)
		}(i)
	}

	// Halt wakes every parked waiter.
	time.Sleep(10 * time.Millisecond)
	cond.Set(DependencyExecutionHalted)
	wg.Wait()

	for _, r := range results {
		require.False(t, r)
	}
}

func TestConditionSetBeforeWait(t *testing.T) {
	t.Parallel()

	cond := NewDependencyCondition()
	cond.Set(DependencyResolved)
	waiter := &stubWaiter{result: DependencyResult{Kind: DependencyWait, Cond: cond}}
	require.True(t, waitForDependency(waiter, 1, 0))
}

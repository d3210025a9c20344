package blockstm

import "sync"

// DependencyStatus is the state guarded by a dependency condition.
type DependencyStatus int

const (
	DependencyUnresolved DependencyStatus = iota
	DependencyResolved
	DependencyExecutionHalted
)

// DependencyCondition is the condition variable a blocked worker parks
// on until the transaction it depends on finishes re-execution.
type DependencyCondition struct {
	mu     sync.Mutex
	cond   *sync.Cond
	status DependencyStatus
}

// NewDependencyCondition returns an unresolved condition.
func NewDependencyCondition() *DependencyCondition {
	c := &DependencyCondition{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Set publishes the final status and wakes every waiter. Only the
// scheduler calls this, exactly once per condition.
func (c *DependencyCondition) Set(status DependencyStatus) {
	c.mu.Lock()
	c.status = status
	c.mu.Unlock()
	c.cond.Broadcast()
}

func (c *DependencyCondition) wait() DependencyStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.status == DependencyUnresolved {
		c.cond.Wait()
	}
	return c.status
}

// DependencyResultKind discriminates the scheduler's answer to a
// dependency report.
type DependencyResultKind int

const (
	// DependencyWait: park on the attached condition.
	DependencyWait DependencyResultKind = iota
	// DependencyResolvedAlready: the dependency resolved in the meantime.
	DependencyResolvedAlready
	// DependencyHalted: the whole block execution is being torn down.
	DependencyHalted
)

// DependencyResult is the scheduler's answer to WaitForDependency.
type DependencyResult struct {
	Kind DependencyResultKind
	Cond *DependencyCondition
}

// DependencyWaiter is the slice of the scheduler the view needs: report a
// read dependency of txnIdx on depTxnIdx and learn how to proceed.
// Implementations are shared by all workers and must be thread-safe.
type DependencyWaiter interface {
	WaitForDependency(txnIdx, depTxnIdx int) DependencyResult
}

// waitForDependency blocks until the dependency is resolved and reports
// whether it is safe to continue.
//
// A deadlock is not possible: consider the blocked worker with the
// lowest transaction index. Its dependency is below it, so it is either
// executing or scheduled for re-execution; by minimality no lower
// transaction is blocked, so the dependency eventually finishes and its
// condition is signalled, or the scheduler halts and signals everyone.
func waitForDependency(w DependencyWaiter, txnIdx, depTxnIdx int) bool {
	switch res := w.WaitForDependency(txnIdx, depTxnIdx); res.Kind {
	case DependencyWait:
		return res.Cond.wait() == DependencyResolved
	case DependencyResolvedAlready:
		return true
	case DependencyHalted:
		return false
	default:
		return false
	}
}

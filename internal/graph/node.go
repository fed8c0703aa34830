package graph

import "sync"

// Node wraps a Target with scheduling state (spec §3 BuildNode). Per the
// invariant in spec §3, only the scheduler writes status/retry_attempts/
// last_error/output_hash, and only one goroutine does so at a time for a
// given node — enforced here by a per-node mutex rather than relying on
// caller discipline (Design Notes §9: arena + index, no cyclic node↔graph
// pointers; edges are held by the graph, not by the node).
type Node struct {
	Target Target

	mu           sync.Mutex
	status       Status
	retryAttempts int
	lastError    error
	outputHash   string // hex digest of the node's aggregate output, once known
	depth        int
	depthValid   bool
}

func newNode(t Target) *Node {
	return &Node{Target: t, status: Pending}
}

// Status returns the node's current status.
func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

// SetStatus transitions the node. The scheduler is the sole caller
// (spec §5).
func (n *Node) SetStatus(s Status) {
	n.mu.Lock()
	n.status = s
	n.mu.Unlock()
}

// RetryAttempts returns the number of retries performed so far.
func (n *Node) RetryAttempts() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.retryAttempts
}

// IncrementRetry atomically increments and returns the new retry count.
func (n *Node) IncrementRetry() int {
	n.mu.Lock()
	n.retryAttempts++
	v := n.retryAttempts
	n.mu.Unlock()
	return v
}

// LastError returns the most recently recorded error, if any.
func (n *Node) LastError() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastError
}

// SetLastError records err as the node's last error.
func (n *Node) SetLastError(err error) {
	n.mu.Lock()
	n.lastError = err
	n.mu.Unlock()
}

// OutputHash returns the aggregate content hash of the node's declared
// outputs, once the node has reached a terminal successful state.
func (n *Node) OutputHash() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.outputHash
}

// SetOutputHash records the node's aggregate output hash.
func (n *Node) SetOutputHash(h string) {
	n.mu.Lock()
	n.outputHash = h
	n.mu.Unlock()
}

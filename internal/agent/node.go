package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"computeswarm/internal/logging"
	"computeswarm/internal/remote"

	"go.uber.org/zap"
)

// Node is one worker agent as the job-scheduling side sees it: created when
// the cloud accepts the instance, usable once its control channel attaches.
type Node struct {
	Name         string
	Zone         string
	NumExecutors int

	// OneShot nodes are retired after their first completed job
	OneShot bool

	// Retention is how long the node may sit idle before retirement.
	// Zero disables idle retirement.
	Retention time.Duration

	mu          sync.Mutex
	session     remote.Session
	attached    chan struct{}
	busy        int
	jobsDone    int
	idleSince   time.Time
	closed      bool
}

// NewNode creates a node in the pre-attach state
func NewNode(name, zone string, numExecutors int, oneShot bool, retention time.Duration) *Node {
	return &Node{
		Name:         name,
		Zone:         zone,
		NumExecutors: numExecutors,
		OneShot:      oneShot,
		Retention:    retention,
		attached:     make(chan struct{}),
		idleSince:    time.Now(),
	}
}

// BindChannel attaches the control session to the node. From this point the
// node is usable by the scheduler. Binding twice is an error.
func (n *Node) BindChannel(session remote.Session) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.session != nil {
		return fmt.Errorf("node %s already has a control channel", n.Name)
	}
	if n.closed {
		return fmt.Errorf("node %s is already closed", n.Name)
	}
	n.session = session
	n.idleSince = time.Now()
	close(n.attached)

	logging.Logger().Info("Node attached",
		zap.String("node", n.Name),
		zap.String("zone", n.Zone))
	return nil
}

// Attached reports whether the control channel is bound
func (n *Node) Attached() bool {
	select {
	case <-n.attached:
		return true
	default:
		return false
	}
}

// WaitAttached blocks until the node attaches, the timeout expires, or ctx is
// canceled. A zero timeout means no timeout at all.
func (n *Node) WaitAttached(ctx context.Context, timeout time.Duration) error {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-n.attached:
		return nil
	case <-timer:
		return fmt.Errorf("timeout waiting for node %s to attach", n.Name)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartJob marks one executor busy
func (n *Node) StartJob() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.busy++
}

// FinishJob marks one executor idle again
func (n *Node) FinishJob() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.busy > 0 {
		n.busy--
	}
	n.jobsDone++
	if n.busy == 0 {
		n.idleSince = time.Now()
	}
}

// Idle reports whether no executor is busy
func (n *Node) Idle() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.busy == 0
}

// retireDue reports whether the node should be retired at time now: one-shot
// nodes after their first completed job, others after sitting idle past the
// retention time. Unattached nodes are never retired here; reaping instances
// that failed to attach is the cloud-side cleanup's job.
func (n *Node) retireDue(now time.Time) bool {
	if !n.Attached() {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.busy > 0 {
		return false
	}
	if n.OneShot {
		return n.jobsDone > 0
	}
	return n.Retention > 0 && now.Sub(n.idleSince) >= n.Retention
}

// Close tears down the control channel. Idempotent.
func (n *Node) Close() error {
	n.mu.Lock()
	session := n.session
	n.session = nil
	n.closed = true
	n.mu.Unlock()

	if session != nil {
		return session.Close()
	}
	return nil
}

package selector

import (
	"sync"
	"time"

	"github.com/msrvcomm-successor/l7lb/internal/registry"
)

// lockingSelector wraps a Selector with a single mutex per listener, per
// spec.md 5's registry/selector lock. Choose mutates algorithm-local state
// (WRR's cursor, Peak-EWMA's tie-break draw), so this cannot be a
// RWMutex with Choose taking the read side — every method, including
// on_membership_change, takes the same exclusive lock.
type lockingSelector struct {
	mu    sync.Mutex
	inner Selector
}

// NewLocking wraps sel so it is safe to share across a listener's
// concurrently-running client goroutines. Lifecycle glue should wrap the
// selector exactly once, before handing it to both registry.Watch and
// proxy.New, so both call paths share the same lock.
func NewLocking(sel Selector) Selector {
	return &lockingSelector{inner: sel}
}

func (l *lockingSelector) OnMembershipChange(snapshot registry.Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inner.OnMembershipChange(snapshot)
}

func (l *lockingSelector) Choose(l7ID uint64) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inner.Choose(l7ID)
}

func (l *lockingSelector) RecordLatency(address string, rtt time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inner.RecordLatency(address, rtt)
}

func (l *lockingSelector) NotifySent(address string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inner.NotifySent(address)
}

func (l *lockingSelector) NotifyFinished(address string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inner.NotifyFinished(address)
}

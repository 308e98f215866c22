package cluster

import (
	"sync"
	"time"

	obsmetrics "github.com/amirimatin/go-poolcluster/pkg/observability/metrics"
)

// Lock serializes clustering operations. It is not reentrant: code running
// inside With must not call With on the same Lock again.
type Lock struct {
	name string
	mu   sync.Mutex

	hmu    sync.Mutex
	holder string
}

// NewLock returns a Lock reported under name in metrics.
func NewLock(name string) *Lock { return &Lock{name: name} }

// With runs fn while holding the lock and releases it on every exit path,
// panics included. tag names the holder for Holder and logs.
func (l *Lock) With(tag string, fn func() error) error {
	start := time.Now()
	l.mu.Lock()
	obsmetrics.LockWaitSeconds.WithLabelValues(l.name).Observe(time.Since(start).Seconds())
	obsmetrics.LockHeld.WithLabelValues(l.name).Set(1)
	l.setHolder(tag)
	defer func() {
		l.setHolder("")
		obsmetrics.LockHeld.WithLabelValues(l.name).Set(0)
		l.mu.Unlock()
	}()
	return fn()
}

// Holder returns the tag of the current holder, "" when free.
func (l *Lock) Holder() string {
	l.hmu.Lock()
	defer l.hmu.Unlock()
	return l.holder
}

func (l *Lock) setHolder(tag string) {
	l.hmu.Lock()
	l.holder = tag
	l.hmu.Unlock()
}

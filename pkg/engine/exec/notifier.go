package exec

import (
	"github.com/quiverdb/quiver/pkg/engine/future"
)

// pendingNotifications collects promises and callbacks while the task mutex
// is held, to be fired only after the mutex is released. Fulfilling a
// promise can run arbitrary continuations inline, including ones that
// re-enter the task, so firing under the lock would deadlock.
//
// The zero value is ready to use. Notify drains the collected work; a
// notifier is single-use per lock section and not safe for concurrent use.
type pendingNotifications struct {
	promises  []*future.Promise
	err       error
	callbacks []func()
}

// add queues a single promise for completion.
func (n *pendingNotifications) add(p *future.Promise) {
	if p != nil {
		n.promises = append(n.promises, p)
	}
}

// addAll queues a batch of promises; callers typically nil out the guarded
// promise list in the same step.
func (n *pendingNotifications) addAll(promises []*future.Promise) {
	n.promises = append(n.promises, promises...)
}

// failWith makes every queued promise complete with err instead of success.
func (n *pendingNotifications) failWith(err error) {
	n.err = err
}

// defer_ queues an arbitrary callback to run after the lock is released,
// after all promises have been completed.
func (n *pendingNotifications) defer_(fn func()) {
	if fn != nil {
		n.callbacks = append(n.callbacks, fn)
	}
}

// notify fires everything collected. Must be called without holding the
// task mutex.
func (n *pendingNotifications) notify() {
	for _, p := range n.promises {
		if n.err != nil {
			p.Fail(n.err)
		} else {
			p.Complete()
		}
	}
	n.promises = nil
	for _, fn := range n.callbacks {
		fn()
	}
	n.callbacks = nil
}

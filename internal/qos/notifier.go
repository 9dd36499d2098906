package qos

import "sync"

// Notifier is called after a class's aggregate changes. For ForceMax classes
// it is called after every mutation. param is the context passed to
// UpdateParam, or the originating class's ClassID when none was given.
//
// Notifiers are compared by identity when removed, so implementations should
// use pointer receivers.
type Notifier interface {
	Notify(value int32, param any)
}

// notifierChain is an ordered list of notifiers. It has its own lock so that
// callbacks run with the registry lock released and may call back into the
// package.
type notifierChain struct {
	mu    sync.RWMutex
	chain []Notifier
}

func (nc *notifierChain) register(n Notifier) error {
	nc.mu.Lock()
	defer nc.mu.Unlock()

	for _, existing := range nc.chain {
		if existing == n {
			return ErrNotifierRegistered
		}
	}
	nc.chain = append(nc.chain, n)
	return nil
}

func (nc *notifierChain) unregister(n Notifier) error {
	nc.mu.Lock()
	defer nc.mu.Unlock()

	for i, existing := range nc.chain {
		if existing == n {
			nc.chain = append(nc.chain[:i:i], nc.chain[i+1:]...)
			return nil
		}
	}
	return ErrNotifierUnknown
}

// call invokes a snapshot of the chain in registration order.
func (nc *notifierChain) call(value int32, param any) {
	nc.mu.RLock()
	chain := nc.chain
	nc.mu.RUnlock()

	for _, n := range chain {
		n.Notify(value, param)
	}
}

func (nc *notifierChain) len() int {
	nc.mu.RLock()
	defer nc.mu.RUnlock()
	return len(nc.chain)
}

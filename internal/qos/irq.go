package qos

import "k8s.io/utils/cpuset"

// IRQSubsystem is the interrupt layer AFFINE_IRQ requests track.
type IRQSubsystem interface {
	// CanSetAffinity reports whether irq supports affinity changes.
	CanSetAffinity(irq int) bool
	// Affinity returns the current affinity mask of irq.
	Affinity(irq int) (cpuset.CPUSet, error)
	// Subscribe registers for affinity changes of irq. initial is the mask
	// the caller already holds; changes are reported relative to it.
	Subscribe(irq int, initial cpuset.CPUSet, notify IRQAffinityNotify) (IRQSubscription, error)
}

// IRQAffinityNotify holds the callbacks of an affinity subscription.
type IRQAffinityNotify struct {
	// OnChange receives every new affinity mask.
	OnChange func(mask cpuset.CPUSet)
	// OnRelease runs asynchronously once the subscription is torn down.
	OnRelease func()
}

// IRQSubscription is a live affinity subscription.
type IRQSubscription interface {
	Unsubscribe() error
}

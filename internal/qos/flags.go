package qos

import "k8s.io/klog/v2"

// Flags is a set of flag requests whose effective value is the bitwise OR of
// every request. It shares the registry lock with the classes.
type Flags struct {
	reg       *Registry
	list      []*FlagsRequest
	effective int32
}

// FlagsRequest is one caller's flags in a Flags set.
type FlagsRequest struct {
	set   *Flags
	flags int32
}

// NewFlags returns an empty flags set guarded by the registry lock.
func (r *Registry) NewFlags() *Flags {
	return &Flags{reg: r}
}

// Value returns the effective flags.
func (f *Flags) Value() int32 {
	f.reg.mu.Lock()
	defer f.reg.mu.Unlock()
	return f.value()
}

func (f *Flags) value() int32 {
	if len(f.list) == 0 {
		return 0
	}
	return f.effective
}

// Add inserts req with val. It reports whether the effective flags changed.
func (f *Flags) Add(req *FlagsRequest, val int32) bool {
	if req == nil {
		klog.Warningf("qos: flags Add called with nil request")
		return false
	}

	f.reg.mu.Lock()
	defer f.reg.mu.Unlock()

	if req.set != nil {
		klog.Warningf("qos: flags Add called for already added request")
		return false
	}
	prev := f.value()
	f.insert(req, val)
	return prev != f.value()
}

// Update replaces the flags of req. It reports whether the effective flags
// changed.
func (f *Flags) Update(req *FlagsRequest, val int32) bool {
	if req == nil {
		klog.Warningf("qos: flags Update called with nil request")
		return false
	}

	f.reg.mu.Lock()
	defer f.reg.mu.Unlock()

	if req.set != f {
		klog.Warningf("qos: flags Update called for unknown object")
		return false
	}
	prev := f.value()
	f.remove(req)
	f.insert(req, val)
	return prev != f.value()
}

// Remove takes req out of the set. It reports whether the effective flags
// changed.
func (f *Flags) Remove(req *FlagsRequest) bool {
	if req == nil {
		klog.Warningf("qos: flags Remove called with nil request")
		return false
	}

	f.reg.mu.Lock()
	defer f.reg.mu.Unlock()

	if req.set != f {
		klog.Warningf("qos: flags Remove called for unknown object")
		return false
	}
	prev := f.value()
	f.remove(req)
	req.flags = 0
	return prev != f.value()
}

func (f *Flags) insert(req *FlagsRequest, val int32) {
	req.set = f
	req.flags = val
	f.list = append(f.list, req)
	f.effective |= val
}

func (f *Flags) remove(req *FlagsRequest) {
	for i, r := range f.list {
		if r == req {
			f.list = append(f.list[:i], f.list[i+1:]...)
			break
		}
	}
	req.set = nil

	var val int32
	for _, r := range f.list {
		val |= r.flags
	}
	f.effective = val
}

package devfs

import (
	"os"
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"

	"github.com/yoonhyunwoo/pmqos/internal/qos"
)

// FlagsFile is an open handle on a flags set. It owns one flags request,
// starting with no flags raised.
type FlagsFile struct {
	set *qos.Flags
	req *qos.FlagsRequest

	mu     sync.Mutex
	closed bool
}

// OpenFlags adds an empty flags request to set.
func OpenFlags(set *qos.Flags) (*FlagsFile, error) {
	if set == nil {
		return nil, errors.Wrap(unix.ENODEV, "devfs: no such flag set")
	}
	req := &qos.FlagsRequest{}
	set.Add(req, 0)
	return &FlagsFile{set: set, req: req}, nil
}

// Write replaces the handle's flags with the value encoded in p, in the
// format Write on a class accepts.
func (f *FlagsFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, os.ErrClosed
	}

	flags, err := ParseValue(p)
	if err != nil {
		return 0, err
	}
	f.set.Update(f.req, flags)
	return len(p), nil
}

// Value returns the OR of every request in the set.
func (f *FlagsFile) Value() int32 {
	return f.set.Value()
}

// Close drops the handle's flags.
func (f *FlagsFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return os.ErrClosed
	}
	f.closed = true
	f.set.Remove(f.req)
	return nil
}

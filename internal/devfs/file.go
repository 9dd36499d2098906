package devfs

import (
	"encoding/binary"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
	"k8s.io/utils/cpuset"

	"github.com/yoonhyunwoo/pmqos/internal/qos"
)

// ValueSize is the size of a binary value on the wire.
const ValueSize = 4

// File is an open handle on a class. It owns one request for as long as it
// is open.
type File struct {
	class *qos.Class
	req   *qos.Request

	mu     sync.Mutex
	closed bool
}

// Open adds a request at the class default and returns a handle owning it.
func Open(c *qos.Class) (*File, error) {
	if c == nil {
		return nil, errors.Wrap(unix.ENODEV, "devfs: no such class")
	}
	req := &qos.Request{}
	if err := c.AddRequest(req, qos.DefaultValue); err != nil {
		return nil, errors.Wrapf(err, "devfs: failed to open %s", c.Name())
	}
	return &File{class: c, req: req}, nil
}

// Class returns the class the handle is open on.
func (f *File) Class() *qos.Class {
	return f.class
}

// Write sets the handle's request to the value encoded in p. Four bytes are
// a native-endian int32; anything else is parsed as hexadecimal text.
func (f *File) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, os.ErrClosed
	}

	value, err := ParseValue(p)
	if err != nil {
		return 0, err
	}
	if err := f.req.Update(value); err != nil {
		return 0, errors.Wrapf(err, "devfs: failed to update %s", f.class.Name())
	}
	return len(p), nil
}

// WriteTimeout is Write, except the request falls back to the class default
// once timeout has elapsed.
func (f *File) WriteTimeout(p []byte, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		return 0, errors.Wrapf(unix.EINVAL, "devfs: invalid timeout %s", timeout)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, os.ErrClosed
	}

	value, err := ParseValue(p)
	if err != nil {
		return 0, err
	}
	if err := f.req.UpdateWithTimeout(value, timeout); err != nil {
		return 0, errors.Wrapf(err, "devfs: failed to update %s", f.class.Name())
	}
	return len(p), nil
}

// SetAffinity moves the handle's request onto cpus. The request keeps its
// value; a pending timeout is dropped.
func (f *File) SetAffinity(cpus cpuset.CPUSet) error {
	if cpus.IsEmpty() {
		return errors.Wrap(unix.EINVAL, "devfs: empty CPU mask")
	}
	return f.rebind(qos.NewAffineRequest(cpus), qos.AffineCores)
}

// SetIRQ makes the handle's request follow the affinity of irq.
func (f *File) SetIRQ(irq int) error {
	return f.rebind(qos.NewIRQRequest(irq), qos.AffineIRQ)
}

// rebind replaces the handle's request with req. The new request is added
// before the old one goes, so the constraint is never dropped in between.
func (f *File) rebind(req *qos.Request, kind qos.AffinityKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return os.ErrClosed
	}

	value, err := f.req.Value()
	if err != nil {
		value = qos.DefaultValue
	}
	if err := f.class.AddRequest(req, value); err != nil {
		return errors.Wrapf(err, "devfs: failed to rebind %s", f.class.Name())
	}
	if req.Kind() != kind {
		if err := req.Remove(); err != nil {
			klog.Warningf("devfs: %v", err)
		}
		return errors.Wrapf(unix.EINVAL, "devfs: %s affinity not available", kind)
	}
	if err := f.req.Remove(); err != nil {
		klog.Warningf("devfs: failed to drop replaced %s request: %v", f.class.Name(), err)
	}
	f.req = req
	return nil
}

// Value returns the class's current aggregate.
func (f *File) Value() int32 {
	return f.class.Value()
}

// Read fills p with the class's current aggregate as a native-endian int32.
// There is no file position: every read reports the live value.
func (f *File) Read(p []byte) (int, error) {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return 0, os.ErrClosed
	}

	return copy(p, FormatValue(f.class.Value())), nil
}

// Close removes the handle's request.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return os.ErrClosed
	}
	f.closed = true
	return f.req.Remove()
}

// ParseValue decodes a written value: exactly four bytes are a native-endian
// int32, anything else is signed hexadecimal text with an optional 0x prefix
// and trailing newline.
func ParseValue(p []byte) (int32, error) {
	if len(p) == ValueSize {
		return int32(binary.NativeEndian.Uint32(p)), nil
	}

	s := strings.TrimSuffix(string(p), "\n")
	digits := s
	neg := false
	switch {
	case strings.HasPrefix(digits, "-"):
		neg = true
		digits = digits[1:]
	case strings.HasPrefix(digits, "+"):
		digits = digits[1:]
	}
	if len(digits) > 2 && (digits[:2] == "0x" || digits[:2] == "0X") {
		digits = digits[2:]
	}
	if digits == "" || strings.HasPrefix(digits, "-") || strings.HasPrefix(digits, "+") {
		return 0, errors.Wrapf(unix.EINVAL, "devfs: invalid value %q", s)
	}
	if neg {
		digits = "-" + digits
	}

	v, err := strconv.ParseInt(digits, 16, 32)
	if err != nil {
		return 0, errors.Wrapf(unix.EINVAL, "devfs: invalid value %q", s)
	}
	return int32(v), nil
}

// FormatValue encodes v the way Read reports it.
func FormatValue(v int32) []byte {
	buf := make([]byte, ValueSize)
	binary.NativeEndian.PutUint32(buf, uint32(v))
	return buf
}

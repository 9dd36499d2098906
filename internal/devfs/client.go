package devfs

import (
	"encoding/binary"
	"net"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
	"k8s.io/utils/cpuset"
)

// Conn is a client connection to one class socket. The connection holds a
// request on the class until it is closed.
type Conn struct {
	c *net.UnixConn
}

// Dial connects to the class socket at path.
func Dial(path string) (*Conn, error) {
	c, err := net.DialUnix("unixpacket", nil, &net.UnixAddr{Name: path, Net: "unixpacket"})
	if err != nil {
		return nil, errors.Wrapf(err, "devfs: failed to connect to %s", path)
	}
	return &Conn{c: c}, nil
}

// Set writes v in binary form and returns the resulting aggregate.
func (c *Conn) Set(v int32) (int32, error) {
	return c.roundTrip(opWrite, FormatValue(v))
}

// SetText writes s as text and returns the resulting aggregate.
func (c *Conn) SetText(s string) (int32, error) {
	return c.roundTrip(opWrite, []byte(s))
}

// SetTimeout is Set with a timeout after which the server drops the value
// back to the class default.
func (c *Conn) SetTimeout(v int32, timeout time.Duration) (int32, error) {
	return c.roundTrip(opTimedWrite, timed(timeout, FormatValue(v)))
}

// SetTextTimeout is SetText with a timeout.
func (c *Conn) SetTextTimeout(s string, timeout time.Duration) (int32, error) {
	return c.roundTrip(opTimedWrite, timed(timeout, []byte(s)))
}

func timed(timeout time.Duration, payload []byte) []byte {
	out := make([]byte, timeoutSize, timeoutSize+len(payload))
	binary.NativeEndian.PutUint64(out, uint64(timeout/time.Microsecond))
	return append(out, payload...)
}

// SetAffinity restricts the connection's request to cpus.
func (c *Conn) SetAffinity(cpus cpuset.CPUSet) (int32, error) {
	return c.roundTrip(opAffinity, []byte(cpus.String()))
}

// SetIRQ makes the connection's request follow the affinity of irq.
func (c *Conn) SetIRQ(irq int) (int32, error) {
	return c.roundTrip(opIRQ, []byte(strconv.Itoa(irq)))
}

// Read returns the class aggregate.
func (c *Conn) Read() (int32, error) {
	return c.roundTrip(opRead, nil)
}

// Close drops the connection and with it the request.
func (c *Conn) Close() error {
	return c.c.Close()
}

func (c *Conn) roundTrip(op byte, payload []byte) (int32, error) {
	packet := make([]byte, 0, 1+len(payload))
	packet = append(packet, op)
	packet = append(packet, payload...)
	if _, err := c.c.Write(packet); err != nil {
		return 0, errors.Wrap(err, "devfs: failed to send request")
	}

	buf := make([]byte, replySize)
	n, err := c.c.Read(buf)
	if err != nil {
		return 0, errors.Wrap(err, "devfs: failed to read reply")
	}
	if n != replySize {
		return 0, errors.Newf("devfs: short reply of %d bytes", n)
	}

	status := unix.Errno(binary.NativeEndian.Uint32(buf[:4]))
	value := int32(binary.NativeEndian.Uint32(buf[4:]))
	if status != 0 {
		return value, errors.Wrap(status, "devfs: request rejected")
	}
	return value, nil
}

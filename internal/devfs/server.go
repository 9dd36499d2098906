package devfs

import (
	"encoding/binary"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
	"gopkg.in/tomb.v2"
	"k8s.io/klog/v2"
	"k8s.io/utils/cpuset"

	"github.com/yoonhyunwoo/pmqos/internal/qos"
)

const (
	opRead  = 'r'
	opWrite = 'w'
	// opTimedWrite carries a native-endian uint64 timeout in microseconds
	// ahead of the write payload.
	opTimedWrite = 't'
	// opAffinity carries a CPU list such as "0-3,6".
	opAffinity = 'a'
	// opIRQ carries a decimal IRQ number.
	opIRQ = 'i'

	timeoutSize = 8
	replySize   = 8
	maxPacket   = 256
	socketMode  = 0o666

	flagsDir = "flags"
)

// SocketPath returns where the server listens for class name.
func SocketPath(dir, name string) string {
	return filepath.Join(dir, name)
}

// FlagsSocketPath returns where the server listens for flag set name.
func FlagsSocketPath(dir, name string) string {
	return filepath.Join(dir, flagsDir, name)
}

// handle is what a connection owns for its lifetime.
type handle interface {
	Write(p []byte) (int, error)
	Value() int32
	Close() error
}

type endpoint struct {
	name string
	path string
	open func() (handle, error)
}

// Server exposes every class of a registry as a SOCK_SEQPACKET socket named
// after the class, plus one socket per added flag set. Each connection owns
// one File or FlagsFile.
type Server struct {
	reg   *qos.Registry
	dir   string
	flags []endpoint

	t tomb.Tomb

	mu        sync.Mutex
	listeners []*net.UnixListener
	conns     map[*net.UnixConn]struct{}
	stopping  bool
	started   bool
}

// NewServer returns a server that will listen in dir.
func NewServer(reg *qos.Registry, dir string) *Server {
	return &Server{
		reg:   reg,
		dir:   dir,
		conns: make(map[*net.UnixConn]struct{}),
	}
}

// Dir returns the socket directory.
func (s *Server) Dir() string {
	return s.dir
}

// AddFlags serves set under name. It must be called before Start.
func (s *Server) AddFlags(name string, set *qos.Flags) {
	s.flags = append(s.flags, endpoint{
		name: name,
		path: FlagsSocketPath(s.dir, name),
		open: func() (handle, error) { return OpenFlags(set) },
	})
}

// Start creates one socket per class and flag set and starts serving.
func (s *Server) Start() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return errors.Wrapf(err, "devfs: failed to create socket directory %s", s.dir)
	}
	if len(s.flags) > 0 {
		if err := os.MkdirAll(filepath.Join(s.dir, flagsDir), 0o755); err != nil {
			return errors.Wrapf(err, "devfs: failed to create flags directory in %s", s.dir)
		}
	}

	var endpoints []endpoint
	for _, c := range s.reg.Classes() {
		endpoints = append(endpoints, endpoint{
			name: c.Name(),
			path: SocketPath(s.dir, c.Name()),
			open: func() (handle, error) { return Open(c) },
		})
	}
	endpoints = append(endpoints, s.flags...)

	for _, e := range endpoints {
		path := e.path
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.closeListeners()
			return errors.Wrapf(err, "devfs: failed to remove stale socket %s", path)
		}
		l, err := net.ListenUnix("unixpacket", &net.UnixAddr{Name: path, Net: "unixpacket"})
		if err != nil {
			s.closeListeners()
			return errors.Wrapf(err, "devfs: failed to listen on %s", path)
		}
		if err := os.Chmod(path, socketMode); err != nil {
			klog.Warningf("devfs: failed to chmod %s: %v", path, err)
		}
		s.listeners = append(s.listeners, l)
	}

	s.t.Go(func() error {
		<-s.t.Dying()
		s.shutdown()
		return nil
	})
	for i, e := range endpoints {
		l := s.listeners[i]
		s.t.Go(func() error {
			return s.accept(l, e)
		})
	}
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	klog.InfoS("devfs: serving classes", "dir", s.dir, "classes", len(s.listeners))
	return nil
}

// Stop closes every socket, removes every open handle's request and waits
// for the connection goroutines to exit.
func (s *Server) Stop() error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return nil
	}
	s.t.Kill(nil)
	return s.t.Wait()
}

// Dead is closed once the server has stopped.
func (s *Server) Dead() <-chan struct{} {
	return s.t.Dead()
}

func (s *Server) closeListeners() {
	for _, l := range s.listeners {
		l.Close()
	}
}

func (s *Server) shutdown() {
	s.mu.Lock()
	s.stopping = true
	conns := make([]*net.UnixConn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	s.closeListeners()
	for _, conn := range conns {
		conn.Close()
	}
}

func (s *Server) accept(l *net.UnixListener, e endpoint) error {
	for {
		conn, err := l.AcceptUnix()
		if err != nil {
			select {
			case <-s.t.Dying():
				return nil
			default:
			}
			return errors.Wrapf(err, "devfs: failed to accept on %s", e.name)
		}

		s.mu.Lock()
		if s.stopping {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.t.Go(func() error {
			s.serve(conn, e)
			return nil
		})
	}
}

func (s *Server) serve(conn *net.UnixConn, e endpoint) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	h, err := e.open()
	if err != nil {
		klog.Errorf("devfs: %v", err)
		return
	}
	defer func() {
		if err := h.Close(); err != nil {
			klog.Warningf("devfs: failed to release %s handle: %v", e.name, err)
		}
	}()

	buf := make([]byte, maxPacket)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				klog.Warningf("devfs: read from %s client: %v", e.name, err)
			}
			return
		}

		status := handlePacket(h, buf[:n])
		if status != 0 {
			klog.V(2).Infof("devfs: rejected %q packet on %s: %s", buf[0], e.name, status)
		}
		if _, err := conn.Write(reply(status, h.Value())); err != nil {
			if !errors.Is(err, net.ErrClosed) {
				klog.Warningf("devfs: reply to %s client: %v", e.name, err)
			}
			return
		}
	}
}

func handlePacket(h handle, packet []byte) unix.Errno {
	if len(packet) == 0 {
		return unix.EINVAL
	}
	op, payload := packet[0], packet[1:]
	switch op {
	case opRead:
		return 0
	case opWrite:
		_, err := h.Write(payload)
		return statusOf(err)
	}

	f, ok := h.(*File)
	if !ok {
		return unix.EOPNOTSUPP
	}
	switch op {
	case opTimedWrite:
		if len(payload) < timeoutSize {
			return unix.EINVAL
		}
		us := binary.NativeEndian.Uint64(payload[:timeoutSize])
		if us == 0 || us > uint64(time.Duration(1<<63-1)/time.Microsecond) {
			return unix.EINVAL
		}
		_, err := f.WriteTimeout(payload[timeoutSize:], time.Duration(us)*time.Microsecond)
		return statusOf(err)
	case opAffinity:
		cpus, err := cpuset.Parse(strings.TrimSpace(string(payload)))
		if err != nil {
			return unix.EINVAL
		}
		return statusOf(f.SetAffinity(cpus))
	case opIRQ:
		irq, err := strconv.Atoi(strings.TrimSpace(string(payload)))
		if err != nil || irq < 0 {
			return unix.EINVAL
		}
		return statusOf(f.SetIRQ(irq))
	}
	return unix.EOPNOTSUPP
}

func statusOf(err error) unix.Errno {
	if err == nil {
		return 0
	}
	return errnoOf(err)
}

func errnoOf(err error) unix.Errno {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return unix.EINVAL
}

func reply(status unix.Errno, value int32) []byte {
	out := make([]byte, replySize)
	binary.NativeEndian.PutUint32(out[:4], uint32(status))
	binary.NativeEndian.PutUint32(out[4:], uint32(value))
	return out
}

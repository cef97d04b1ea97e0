// Package transport implements the Stream collaborator contract (spec.md
// section 6): a blocking, timeout-bearing byte stream abstraction that a
// worker accepts connections over, reads commands from, and writes replies
// to. Two implementations are provided, grounded on the teacher's
// TCPKISSConnection/connHolder and SerialKISSConnection types: a TCP
// listener that can accept a new connection out from under an in-flight
// read (mid-transfer reconnect), and a go.bug.st/serial-backed stream for
// bench-testing against a real or virtual serial line.
package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

// ErrNonRetryable marks an error that should end a worker's LISTEN/ACCEPT
// loop immediately instead of retrying.
var ErrNonRetryable = errors.New("transport: non-retryable connection error")

// Stream is the collaborator contract consumed by the worker state
// machine (spec.md section 6).
type Stream interface {
	Listen() error
	AcceptNextConnection(timeout time.Duration, verify bool) error
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	CloseConnection() error
	CloseAll() error
	Port() int
	PeerIP() string
	NonRetryableErrCode() error
	EncryptionType() string
}

type connHolder struct {
	conn net.Conn
}

// TCPStream is a TCP implementation of Stream, one instance per listening
// port. Grounded on bridge.go's TCPKISSConnection: an atomic.Value holding
// the live connection so a background accept loop can swap in a fresh
// connection while a concurrent Read/Write briefly drains the old one.
type TCPStream struct {
	addr string

	listener net.Listener
	atomic   atomic.Value // *connHolder, never nil once Listen succeeds

	writeLock sync.Mutex
	nonRetry  atomic.Value // error
}

// NewTCPStream constructs a TCP stream bound to host:port. Listen must be
// called before use.
func NewTCPStream(host string, port int) *TCPStream {
	return &TCPStream{addr: fmt.Sprintf("%s:%d", host, port)}
}

func (t *TCPStream) Listen() error {
	ln, err := net.Listen("tcp", t.addr)
	if err != nil {
		t.nonRetry.Store(fmt.Errorf("%w: %v", ErrNonRetryable, err))
		return err
	}
	t.listener = ln
	t.atomic.Store(&connHolder{conn: nil})
	return nil
}

// AcceptNextConnection blocks until a new connection arrives or timeout
// elapses. verify is accepted for interface symmetry with the original
// collaborator contract (peer-identity verification is out of scope here,
// a property of the stream implementation per spec.md's Non-goals).
func (t *TCPStream) AcceptNextConnection(timeout time.Duration, verify bool) error {
	_ = verify
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		if tl, ok := t.listener.(*net.TCPListener); ok {
			tl.SetDeadline(time.Now().Add(timeout))
		}
		conn, err := t.listener.Accept()
		ch <- result{conn, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return r.err
		}
		old := t.atomic.Load().(*connHolder)
		if old != nil && old.conn != nil {
			old.conn.Close()
		}
		t.atomic.Store(&connHolder{conn: r.conn})
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("transport: accept timed out after %s", timeout)
	}
}

func (t *TCPStream) current() (net.Conn, error) {
	h, _ := t.atomic.Load().(*connHolder)
	if h == nil || h.conn == nil {
		return nil, errors.New("transport: no active connection")
	}
	return h.conn, nil
}

func (t *TCPStream) Read(p []byte) (int, error) {
	conn, err := t.current()
	if err != nil {
		return 0, err
	}
	return conn.Read(p)
}

func (t *TCPStream) Write(p []byte) (int, error) {
	conn, err := t.current()
	if err != nil {
		return 0, err
	}
	t.writeLock.Lock()
	defer t.writeLock.Unlock()
	return conn.Write(p)
}

func (t *TCPStream) CloseConnection() error {
	h, _ := t.atomic.Load().(*connHolder)
	if h == nil || h.conn == nil {
		return nil
	}
	err := h.conn.Close()
	t.atomic.Store(&connHolder{conn: nil})
	return err
}

func (t *TCPStream) CloseAll() error {
	err := t.CloseConnection()
	if t.listener != nil {
		if lerr := t.listener.Close(); lerr != nil && err == nil {
			err = lerr
		}
	}
	return err
}

func (t *TCPStream) Port() int {
	if t.listener == nil {
		return 0
	}
	if addr, ok := t.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

func (t *TCPStream) PeerIP() string {
	conn, err := t.current()
	if err != nil {
		return ""
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

func (t *TCPStream) NonRetryableErrCode() error {
	err, _ := t.nonRetry.Load().(error)
	return err
}

// EncryptionType always reports "none": this module defines no encryption
// (spec.md Non-goals), but the field is threaded end to end per the
// original's getEncryptionType() so a future Stream implementation has
// somewhere to report it.
func (t *TCPStream) EncryptionType() string { return "none" }

// SerialStream is a go.bug.st/serial backed Stream, grounded on
// SerialKISSConnection, used to bench a worker against a physical or
// virtual serial line instead of TCP.
type SerialStream struct {
	portName string
	baud     int

	mu   sync.Mutex
	port serial.Port
}

// NewSerialStream constructs a serial-backed stream. Listen opens the
// port; AcceptNextConnection is a no-op success since a serial line has
// no notion of a new peer connecting.
func NewSerialStream(portName string, baud int) *SerialStream {
	return &SerialStream{portName: portName, baud: baud}
}

func (s *SerialStream) Listen() error {
	mode := &serial.Mode{BaudRate: s.baud}
	p, err := serial.Open(s.portName, mode)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.port = p
	s.mu.Unlock()
	return nil
}

func (s *SerialStream) AcceptNextConnection(timeout time.Duration, verify bool) error {
	_ = timeout
	_ = verify
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return errors.New("transport: serial port not open")
	}
	return nil
}

func (s *SerialStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()
	if port == nil {
		return 0, errors.New("transport: serial port not open")
	}
	return port.Read(p)
}

func (s *SerialStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return 0, errors.New("transport: serial port not open")
	}
	return s.port.Write(p)
}

func (s *SerialStream) CloseConnection() error { return nil }

func (s *SerialStream) CloseAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	return s.port.Close()
}

func (s *SerialStream) Port() int                  { return 0 }
func (s *SerialStream) PeerIP() string             { return s.portName }
func (s *SerialStream) NonRetryableErrCode() error { return nil }
func (s *SerialStream) EncryptionType() string     { return "none" }

// PipeConnStream adapts a single already-established net.Conn (typically
// one end of a net.Pipe) to the Stream interface for in-memory worker
// tests. AcceptNextConnection succeeds exactly once, the first time it is
// called, and fails thereafter, since a pipe has only one peer.
type PipeConnStream struct {
	conn net.Conn
	port int

	mu       sync.Mutex
	accepted bool
	closed   bool
}

// NewPipeConnStream wraps conn for tests. port is a synthetic port number
// reported by Port().
func NewPipeConnStream(conn net.Conn, port int) *PipeConnStream {
	return &PipeConnStream{conn: conn, port: port}
}

func (p *PipeConnStream) Listen() error { return nil }

func (p *PipeConnStream) AcceptNextConnection(timeout time.Duration, verify bool) error {
	_ = verify
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("transport: pipe stream closed")
	}
	if p.accepted {
		return fmt.Errorf("transport: pipe stream only accepts one connection (timeout %s)", timeout)
	}
	p.accepted = true
	return nil
}

func (p *PipeConnStream) Read(b []byte) (int, error)  { return p.conn.Read(b) }
func (p *PipeConnStream) Write(b []byte) (int, error) { return p.conn.Write(b) }

func (p *PipeConnStream) CloseConnection() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return p.conn.Close()
}

func (p *PipeConnStream) CloseAll() error                  { return p.CloseConnection() }
func (p *PipeConnStream) Port() int                        { return p.port }
func (p *PipeConnStream) PeerIP() string                   { return "pipe" }
func (p *PipeConnStream) NonRetryableErrCode() error        { return nil }
func (p *PipeConnStream) EncryptionType() string            { return "none" }

// Package session manages a single Zeus board's serial connection:
// opening it for detection or for steady-state operation, reading and
// writing fixed-size packets, flushing stale input, and reopening after a
// transient fault.
//
// The platform-specific half of "open" lives in session_linux.go, which
// backs Conn with github.com/daedaluz/goserial so the link actually runs
// at the requested baud in raw 8-N-1 mode. Everything in this file is
// plain Go so it can be exercised with a fake Conn in tests.
package session

import (
	"errors"
	"time"
)

// Conn is the minimal surface a serial connection must provide. The real
// implementation (session_linux.go) wraps a *goserial.Port; tests can
// substitute an in-memory fake.
type Conn interface {
	Read(p []byte) (int, error)
	ReadTimeout(p []byte, timeout time.Duration) (int, error)
	Write(p []byte) (int, error)
	Close() error
	FlushInput() error
	Fd() int
}

// OpenFunc opens the serial device at devicePath with the given baud rate
// and returns a raw, ready-to-use connection.
type OpenFunc func(devicePath string, baud int) (Conn, error)

// ReadFaultTimeout is the per-read timeout Session passes to every
// Conn.ReadTimeout call it makes (ReadTimeout and ReadWithRetryBudget),
// independent of which caller (detector or I/O loop) issued the read.
const ReadFaultTimeout = time.Second

// RunSettleDelay is the pause OpenForRun waits after opening before the
// link is considered ready for steady-state traffic.
const RunSettleDelay = time.Second

// ReopenCloseDelay is the pause Reopen waits after closing a faulted
// connection before attempting to open it again.
const ReopenCloseDelay = 500 * time.Millisecond

// ErrNotOpen is returned by operations that require an open connection.
var ErrNotOpen = errors.New("session: not open")

// Session owns at most one open Conn for a board's device path at a time.
type Session struct {
	devicePath string
	baud       int
	open       OpenFunc
	conn       Conn
}

// New creates a session bound to a device path and baud rate, using open
// to actually establish connections.
func New(devicePath string, baud int, open OpenFunc) *Session {
	return &Session{devicePath: devicePath, baud: baud, open: open}
}

// IsOpen reports whether the session currently holds a live connection.
func (s *Session) IsOpen() bool {
	return s.conn != nil
}

// Conn returns the current connection, or nil if the session is closed.
func (s *Session) Conn() Conn {
	return s.conn
}

// OpenForDetect opens the device with no settle delay, for use during the
// brief probe-and-check sequence in detection.
func (s *Session) OpenForDetect() error {
	conn, err := s.open(s.devicePath, s.baud)
	if err != nil {
		return err
	}
	s.conn = conn
	return nil
}

// OpenForRun opens the device and waits RunSettleDelay before returning,
// giving the chain time to settle before steady-state traffic begins.
func (s *Session) OpenForRun() error {
	conn, err := s.open(s.devicePath, s.baud)
	if err != nil {
		return err
	}
	s.conn = conn
	time.Sleep(RunSettleDelay)
	return nil
}

// Close closes the current connection, if any. Closing an already-closed
// session is a no-op.
func (s *Session) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// FlushInput discards any input the board has already sent but the driver
// has not yet read.
func (s *Session) FlushInput() error {
	if s.conn == nil {
		return ErrNotOpen
	}
	return s.conn.FlushInput()
}

// Reopen closes the current connection (if any), waits ReopenCloseDelay,
// and makes exactly one attempt to open the device again for run. Callers
// decide what happens if the single attempt fails — this method never
// retries on its own.
func (s *Session) Reopen() error {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
		time.Sleep(ReopenCloseDelay)
	}
	return s.OpenForRun()
}

// Write sends buf to the board. The caller is expected to be the I/O
// loop goroutine — sessions do not serialize concurrent writers.
func (s *Session) Write(buf []byte) (int, error) {
	if s.conn == nil {
		return 0, ErrNotOpen
	}
	total := 0
	for total < len(buf) {
		n, err := s.conn.Write(buf[total:])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// ReadTimeout issues a single timed read into buf, bounded by
// ReadFaultTimeout.
func (s *Session) ReadTimeout(buf []byte) (int, error) {
	if s.conn == nil {
		return 0, ErrNotOpen
	}
	return s.conn.ReadTimeout(buf, ReadFaultTimeout)
}

// ReadWithRetryBudget fills buf, retrying up to maxZeroReads times when a
// read returns zero bytes without an error. It records the time the first
// byte of the response arrived in firstByteAt, for golden-speed
// calculation during detection. This is the detection-time read pattern;
// the I/O loop uses the poll-based multiplexed wait instead and must
// never call this method.
func (s *Session) ReadWithRetryBudget(buf []byte, maxZeroReads int) (n int, firstByteAt time.Time, err error) {
	if s.conn == nil {
		return 0, time.Time{}, ErrNotOpen
	}
	total := 0
	zeroReads := 0
	for total < len(buf) {
		got, rerr := s.conn.ReadTimeout(buf[total:], ReadFaultTimeout)
		if rerr != nil {
			return total, firstByteAt, rerr
		}
		if got == 0 {
			zeroReads++
			if zeroReads >= maxZeroReads {
				break
			}
			continue
		}
		if total == 0 {
			firstByteAt = now()
		}
		total += got
	}
	return total, firstByteAt, nil
}

// now is a seam so tests could inject a clock; production code just uses
// the wall clock.
var now = time.Now

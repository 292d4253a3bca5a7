//go:build linux

package ioloop

import (
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"zeusdriver/internal/zeus/board"
	"zeusdriver/internal/zeus/protocol"
	"zeusdriver/internal/zeus/session"
	"zeusdriver/internal/zeus/work"
)

// fakeConn is an in-memory stand-in for a serial connection, backed by a
// real pipe so unix.Poll can observe readability exactly as it would
// against a tty.
type fakeConn struct {
	mu       sync.Mutex
	r, w     int
	closed   bool
	writes   [][]byte
	pollErr  bool // not read by any method; Fd always returns the pipe's read end
}

func newFakeConn(t *testing.T) *fakeConn {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK); err != nil {
		t.Fatalf("pipe2: %v", err)
	}
	return &fakeConn{r: fds[0], w: fds[1]}
}

func (c *fakeConn) Fd() int { return c.r }

func (c *fakeConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	cp := append([]byte(nil), p...)
	c.writes = append(c.writes, cp)
	c.mu.Unlock()
	return len(p), nil
}

func (c *fakeConn) Read(p []byte) (int, error) {
	n, err := unix.Read(c.r, p)
	if n < 0 {
		n = 0
	}
	if err == unix.EAGAIN {
		return 0, nil
	}
	return n, err
}

func (c *fakeConn) ReadTimeout(p []byte, _ time.Duration) (int, error) {
	return c.Read(p)
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	unix.Close(c.r)
	unix.Close(c.w)
	return nil
}

func (c *fakeConn) FlushInput() error { return nil }

// pushEvent writes a 4-byte event packet into the fake board's output side.
func (c *fakeConn) pushEvent(nonce uint32) {
	buf := []byte{byte(nonce >> 24), byte(nonce >> 16), byte(nonce >> 8), byte(nonce)}
	unix.Write(c.w, buf)
}

type fakeHost struct {
	mu         sync.Mutex
	queue      []*board.Work
	accepted   bool
	lastNonce  uint32
	lastWork   *board.Work
	submitSeen chan struct{}
}

func (h *fakeHost) GetWork() *board.Work {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.queue) == 0 {
		return &board.Work{Difficulty: 1}
	}
	w := h.queue[0]
	h.queue = h.queue[1:]
	return w
}

func (h *fakeHost) DiscardWork(w *board.Work) {}

func (h *fakeHost) SubmitNonce(w *board.Work, nonce uint32) bool {
	h.mu.Lock()
	h.lastWork = w
	h.lastNonce = nonce
	accepted := h.accepted
	h.mu.Unlock()
	if h.submitSeen != nil {
		h.submitSeen <- struct{}{}
	}
	return accepted
}

func newTestBoard(t *testing.T, conn *fakeConn) (*board.Board, *session.Session) {
	t.Helper()
	b := board.New("/dev/ttyFAKE", "ttyFAKE", 115200, 1) // 1 chip -> BitNum 0
	b.SetCalibration(0x50, 328, 1000)                    // generous work timeout
	opens := 0
	open := func(devicePath string, baud int) (session.Conn, error) {
		opens++
		if opens > 1 {
			return nil, errors.New("fake: only one open supported in this test")
		}
		return conn, nil
	}
	s := session.New("/dev/ttyFAKE", 115200, open)
	b.Session = s
	return b, s
}

func TestLoopSendsWorkAndSubmitsNonce(t *testing.T) {
	conn := newFakeConn(t)
	b, _ := newTestBoard(t, conn)
	host := &fakeHost{accepted: true, submitSeen: make(chan struct{}, 1)}
	wc := work.New(b, host)

	l, err := New(b, wc)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	go l.Run()

	select {
	case <-waitForWrite(conn):
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the loop to send work")
	}

	conn.pushEvent(0x80000001) // decodes to core index 4

	select {
	case <-host.submitSeen:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for nonce submission")
	}

	if host.lastNonce != 0x80000001 {
		t.Errorf("lastNonce = %#x, want 0x80000001", host.lastNonce)
	}

	l.RequestShutdown()
	l.Join()
}

func TestLoopTimeoutPurgesAndReassigns(t *testing.T) {
	conn := newFakeConn(t)
	b, _ := newTestBoard(t, conn)
	b.Lock()
	b.WorkTimeout = 20 * time.Millisecond
	b.Unlock()

	host := &fakeHost{accepted: true}
	wc := work.New(b, host)
	l, err := New(b, wc)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	go l.Run()

	select {
	case <-waitForWrite(conn):
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the loop to send work")
	}

	time.Sleep(200 * time.Millisecond)

	conn.mu.Lock()
	sent := len(conn.writes)
	conn.mu.Unlock()
	if sent < 2 {
		t.Errorf("writes = %d, want at least 2 (timeout should cause resend)", sent)
	}

	l.RequestShutdown()
	l.Join()
}

func TestLoopFlushDuringWaitFetchesFreshWork(t *testing.T) {
	conn := newFakeConn(t)
	b, _ := newTestBoard(t, conn)
	host := &fakeHost{accepted: true}
	wc := work.New(b, host)

	l, err := New(b, wc)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	go l.Run()

	select {
	case <-waitForWrite(conn):
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for initial send")
	}

	wc.Purge()
	l.Wake()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn.mu.Lock()
		n := len(conn.writes)
		conn.mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	conn.mu.Lock()
	n := len(conn.writes)
	conn.mu.Unlock()
	if n < 2 {
		t.Errorf("writes = %d, want at least 2 (flush should trigger a fresh send)", n)
	}

	l.RequestShutdown()
	l.Join()
}

func waitForWrite(conn *fakeConn) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		for {
			conn.mu.Lock()
			n := len(conn.writes)
			conn.mu.Unlock()
			if n > 0 {
				close(ch)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()
	return ch
}

func TestDecodeSampleNonceMatchesCoreFour(t *testing.T) {
	chip, core, ok := protocol.DecodeNonce(0x80000001, 0)
	if !ok {
		t.Fatal("expected valid decode")
	}
	if core != 4 {
		t.Errorf("core = %d, want 4", core)
	}
	_ = chip
}

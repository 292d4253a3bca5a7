//go:build linux

// Package ioloop runs the I/O loop goroutine: the only actor that ever
// reads or writes a board's serial descriptor. It drives the board
// through CLOSED -> IDLE -> READY -> WAITING, multiplexing the serial
// descriptor against a wake pipe so the host's scan/control goroutine can
// interrupt an in-progress wait (a flush, a shutdown) without touching
// the descriptor itself.
package ioloop

import (
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"zeusdriver/internal/zeus/board"
	"zeusdriver/internal/zeus/protocol"
	"zeusdriver/internal/zeus/work"
)

type state int

const (
	stateClosed state = iota
	stateIdle
	stateReady
	stateWaiting
)

// Loop owns one board's I/O goroutine.
type Loop struct {
	Board *board.Board
	Work  *work.Controller

	wakeR, wakeW int

	shutdown atomic.Bool
	done     chan struct{}
}

// New creates a Loop for a board, wiring up its wake pipe. The board's
// Session must already be set (by detection) but need not be open yet —
// the loop's first iteration opens it.
func New(b *board.Board, wc *work.Controller) (*Loop, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("ioloop: creating wake pipe: %w", err)
	}
	return &Loop{
		Board: b,
		Work:  wc,
		wakeR: fds[0],
		wakeW: fds[1],
		done:  make(chan struct{}),
	}, nil
}

// Wake tickles the I/O loop, interrupting an in-progress WAITING select.
// Safe to call from any goroutine, any number of times; the loop drains
// everything the pipe accumulates in one pass.
func (l *Loop) Wake() {
	_, err := unix.Write(l.wakeW, []byte{'W'})
	if err != nil && err != unix.EAGAIN {
		log.Printf("zeus: INFO %s: failed to wake I/O loop: %v", l.Board.DevicePath, err)
	}
}

// RequestShutdown asks the loop to stop at the next opportunity and wakes
// it so it notices promptly even while WAITING.
func (l *Loop) RequestShutdown() {
	l.shutdown.Store(true)
	l.Wake()
}

// Join blocks until the loop goroutine has returned, then releases the
// wake pipe and closes the board's descriptor if still open.
func (l *Loop) Join() {
	<-l.done
	unix.Close(l.wakeR)
	unix.Close(l.wakeW)
	if l.Board.Session.IsOpen() {
		_ = l.Board.Session.Close()
	}
}

// Run is the I/O loop goroutine's entry point. Callers start it with
// `go loop.Run()`.
func (l *Loop) Run() {
	defer close(l.done)

	state := stateClosed
	for !l.shutdown.Load() {
		switch state {
		case stateClosed:
			state = l.enterClosed()
			if state == stateClosed {
				return // reopen failed; board has shut itself down
			}
		case stateIdle:
			l.Work.NeedWorkAssign()
			state = stateReady
		case stateReady:
			state = l.enterReady()
		case stateWaiting:
			state = l.wait()
		}
	}
}

// enterClosed reopens the board's session. A failed reopen is a transient
// I/O failure that has already exhausted its single retry, so the board
// shuts down rather than looping forever against a dead device.
func (l *Loop) enterClosed() state {
	if err := l.Board.Session.Reopen(); err != nil {
		log.Printf("zeus: ERROR %s: failed to reopen device, shutting down: %v", l.Board.DevicePath, err)
		l.shutdown.Store(true)
		return stateClosed
	}
	return stateIdle
}

// enterReady sends the board's current work if it hasn't been sent yet.
// If the slot emptied out from under us (a concurrent flush), there is
// nothing to send — go back and pick up fresh work. If the work was
// already sent there's nothing to resend; proceed straight to waiting
// for its nonce.
func (l *Loop) enterReady() state {
	b := l.Board
	b.Lock()
	w := b.CurrentWork
	alreadySent := w != nil && w.IsSent()
	freqcode := b.Freqcode
	b.Unlock()

	if w == nil {
		return stateIdle
	}
	if alreadySent {
		return stateWaiting
	}

	pkt := protocol.BuildCommandPacket(freqcode, w.Difficulty, w.Header)
	if _, err := b.Session.Write(pkt[:]); err != nil {
		log.Printf("zeus: NOTICE %s: I/O error sending work, will attempt to reopen: %v", b.DevicePath, err)
		l.Work.Purge()
		return stateClosed
	}

	l.Work.MarkSent()
	return stateWaiting
}

// wait multiplexes the serial descriptor, the wake pipe, and the current
// work's remaining timeout. Serial readability is checked before the wake
// pipe whenever poll reports both ready in the same call.
func (l *Loop) wait() state {
	b := l.Board

	b.Lock()
	workStart := b.WorkStart
	timeout := b.WorkTimeout
	b.Unlock()

	remaining := timeout - time.Since(workStart)
	if remaining < 0 {
		remaining = 0
	}

	fds := []unix.PollFd{
		{Fd: int32(b.Session.Conn().Fd()), Events: unix.POLLIN},
		{Fd: int32(l.wakeR), Events: unix.POLLIN},
	}

	n, err := unix.Poll(fds, int(remaining.Milliseconds()))
	if err != nil {
		if err == unix.EINTR {
			return stateWaiting
		}
		log.Printf("zeus: NOTICE %s: error on poll, shutting down: %v", b.DevicePath, err)
		l.shutdown.Store(true)
		return stateWaiting
	}

	if n == 0 {
		// Timeout: the board never answered in time. This is expected
		// behavior under normal operation (stale work, a dropped chain),
		// not an error — purge silently and go pick up fresh work.
		l.Work.Purge()
		return stateIdle
	}

	if fds[0].Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
		log.Printf("zeus: NOTICE %s: device error on poll, will attempt to reopen", b.DevicePath)
		l.Work.Purge()
		return stateClosed
	}
	if fds[0].Revents&unix.POLLIN != 0 {
		return l.handleSerialReadable()
	}
	if fds[1].Revents&unix.POLLIN != 0 {
		l.drainWake()
		return stateIdle
	}
	return stateWaiting
}

// handleSerialReadable reads exactly one event packet, flushes whatever
// else the board has already buffered, decodes it, and — if work is still
// present — submits the nonce to the host, updating per-chip/per-core
// counters regardless of whether the host accepts it.
func (l *Loop) handleSerialReadable() state {
	b := l.Board

	var evt [protocol.EventPacketLen]byte
	n := 0
	var err error
	for n < len(evt) {
		var got int
		got, err = b.Session.ReadTimeout(evt[n:])
		if err != nil || got == 0 {
			break
		}
		n += got
	}
	if err != nil || n != protocol.EventPacketLen {
		log.Printf("zeus: NOTICE %s: I/O error reading response, will attempt to reopen: %v", b.DevicePath, err)
		l.Work.Purge()
		return stateClosed
	}
	if err := b.Session.FlushInput(); err != nil {
		log.Printf("zeus: INFO %s: flush after event read failed: %v", b.DevicePath, err)
	}

	nonce := protocol.DecodeEvent(evt)
	chip, core, ok := protocol.DecodeNonce(nonce, b.BitNum)
	if !ok {
		log.Printf("zeus: INFO %s: corrupt nonce message, cannot determine chip and core", b.DevicePath)
		return stateWaiting
	}

	b.Lock()
	w := b.CurrentWork
	b.Unlock()
	if w == nil {
		// Work was flushed before the response arrived; nothing to submit.
		return stateWaiting
	}

	accepted := l.Work.Host.SubmitNonce(w, nonce)
	b.RecordNonce(chip, core, accepted)
	return stateWaiting
}

// drainWake empties the wake pipe. A single write might wake a select
// that then needs draining of more than one accumulated byte.
func (l *Loop) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(l.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

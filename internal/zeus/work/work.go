// Package work implements the Work Controller: pulling work from the host
// mining framework, installing it into a board's single work slot, and
// retiring it either by nonce submission or by purge. The host mining
// framework itself — work production, difficulty assignment, nonce
// verification — is an external collaborator reached only through the
// Host interface below.
package work

import (
	"time"

	"zeusdriver/internal/zeus/board"
)

// Host is the narrow surface this driver needs from the host mining
// framework. GetWork may block; Controller always calls it outside the
// board lock, per the concurrency model.
type Host interface {
	GetWork() *board.Work
	SubmitNonce(w *board.Work, nonce uint32) (accepted bool)

	// DiscardWork tells the host that work it handed out was never put
	// to use and should be returned to its own accounting, rather than
	// silently dropped by the driver.
	DiscardWork(w *board.Work)
}

// Controller drives one board's work lifecycle.
type Controller struct {
	Board *board.Board
	Host  Host
}

// New creates a Controller for a board, pulling work from host.
func New(b *board.Board, host Host) *Controller {
	return &Controller{Board: b, Host: host}
}

// NeedWorkAssign pulls work from the host if the board's slot is empty,
// then installs it only if the slot is still empty once the (possibly
// blocking) pull returns. If another actor filled the slot in the
// meantime, the freshly pulled work is handed back via Host.DiscardWork
// rather than installed, preserving the "at most one work item in flight"
// invariant while keeping the host's own work accounting consistent. It reports
// whether it installed new work.
func (c *Controller) NeedWorkAssign() bool {
	c.Board.Lock()
	needWork := c.Board.CurrentWork == nil
	c.Board.Unlock()

	if !needWork {
		return false
	}

	w := c.Host.GetWork() // may block; must not be called under the board lock

	c.Board.Lock()
	installed := false
	if c.Board.CurrentWork == nil {
		c.Board.CurrentWork = w
		installed = true
	}
	c.Board.Unlock()

	if !installed {
		c.Host.DiscardWork(w)
	}

	return installed
}

// Purge frees the board's current work slot, if any. Safe to call whether
// or not work is present.
func (c *Controller) Purge() {
	c.Board.Lock()
	c.Board.CurrentWork = nil
	c.Board.Unlock()
}

// MarkSent records that the board's current work has been transmitted:
// it stamps the work-start time and, if a clock change is pending (from a
// prior SetDevice "freq" call), promotes it to the active clock now that
// a clean point to apply it has arrived.
func (c *Controller) MarkSent() {
	c.Board.Lock()
	defer c.Board.Unlock()
	c.Board.WorkStart = time.Now()
	c.Board.MarkCurrentWorkSent()
	if c.Board.PendingNextClk != -1 {
		c.Board.Clock = c.Board.PendingNextClk
		c.Board.PendingNextClk = -1
	}
}

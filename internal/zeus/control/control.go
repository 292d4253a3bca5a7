// Package control implements the Control Surface: the host-facing
// operations that sit outside the I/O loop's own state machine —
// reporting hash rate, flushing stale work, changing clock speed, and
// shutting a board down cleanly.
package control

import (
	"fmt"
	"strconv"
	"time"

	"zeusdriver/internal/zeus/board"
	"zeusdriver/internal/zeus/ioloop"
	"zeusdriver/internal/zeus/protocol"
	"zeusdriver/internal/zeus/work"
)

// ScanInterval paces ScanWork the way a cgminer-style driver's scanwork
// callback is paced: the host calls it in a loop, and the driver is
// expected to not return immediately, or it would spin the host's thread.
const ScanInterval = 100 * time.Millisecond

// MaxEstimatedHashes is the ceiling ScanWork's estimate saturates at: the
// largest value a uint32 nonce space can represent.
const MaxEstimatedHashes = float64(1<<32 - 1)

// Controller is the control surface for one board, wiring together its
// state, its work controller, and its I/O loop.
type Controller struct {
	Board *board.Board
	Work  *work.Controller
	Loop  *ioloop.Loop
	Debug bool
}

// New creates a Controller for an already-detected, already-registered
// board whose I/O loop is running.
func New(b *board.Board, wc *work.Controller, loop *ioloop.Loop, debug bool) *Controller {
	return &Controller{Board: b, Work: wc, Loop: loop, Debug: debug}
}

// ScanWork is the host's periodic poll for progress: it paces itself to
// ScanInterval and returns an estimated hash count for the elapsed time
// since the previous call, derived from the board's calibrated golden
// speed rather than from nonces actually seen (the board may still be
// mid-way through its current work).
func (c *Controller) ScanWork() float64 {
	time.Sleep(ScanInterval)

	b := c.Board
	b.Lock()
	previous := b.ScanTime
	now := time.Now()
	b.ScanTime = now
	speedPerCore := b.GoldenSpeedCore
	coresPerChip := b.CoresPerChip
	chips := b.DeclaredChips
	b.Unlock()

	elapsed := now.Sub(previous).Seconds()
	estimate := elapsed * speedPerCore * float64(coresPerChip) * float64(chips)
	if estimate > MaxEstimatedHashes {
		estimate = MaxEstimatedHashes
	}
	return estimate
}

// FlushWork discards the board's in-flight work and wakes the I/O loop so
// it notices immediately rather than waiting out the current timeout.
func (c *Controller) FlushWork() {
	c.Work.Purge()
	c.Loop.Wake()
}

// SetDevice applies a runtime option. Supported options are "freq" (an
// integer clock in MHz, applied at the next work send), "abortwork" (an
// alias for FlushWork; its value is ignored), and "help" (returns a usage
// string in err's Error() text, accepted as a normal way to ask for help
// in this family of driver CLIs).
func (c *Controller) SetDevice(option, value string) error {
	switch option {
	case "help":
		return fmt.Errorf("options: freq=<%d-%d>, abortwork", protocol.ClkMin, protocol.ClkMax)
	case "abortwork":
		c.FlushWork()
		return nil
	case "freq":
		mhz, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("zeus setdevice %s: invalid frequency %q: %w", c.Board.DevicePath, value, err)
		}
		if _, _, ok := c.Board.SetClock(mhz); !ok {
			return fmt.Errorf("zeus setdevice %s: clock %d out of range", c.Board.DevicePath, mhz)
		}
		return nil
	default:
		return fmt.Errorf("zeus setdevice %s: unknown option %q", c.Board.DevicePath, option)
	}
}

// GetStatline renders the one-line summary a host status display shows per
// device: device name, padded to 9 columns, then its clock in MHz.
func (c *Controller) GetStatline() string {
	b := c.Board
	b.Lock()
	clock := b.Clock
	b.Unlock()
	return fmt.Sprintf("%-9s  %4d MHz  ", b.DeviceName, clock)
}

// GetAPIStats returns the key/value pairs a host API endpoint reports for
// this board. Fields under the debug-only section are only populated when
// the controller was constructed with debug logging enabled.
func (c *Controller) GetAPIStats() map[string]any {
	b := c.Board
	b.Lock()
	clock := b.Clock
	pending := b.PendingNextClk
	speed := b.GoldenSpeedCore
	timeout := b.WorkTimeout
	readCount := b.ReadCount
	b.Unlock()

	stats := map[string]any{
		"Device":        b.DeviceName,
		"Chips":         b.DeclaredChips,
		"ChipsCountMax": b.ChipsCountMax,
		"Clock":         clock,
		"GoldenSpeed":   speed,
	}
	if c.Debug {
		stats["PendingClock"] = pending
		stats["WorkTimeoutMs"] = timeout.Milliseconds()
		stats["ReadCount"] = readCount
	}
	return stats
}

// Shutdown stops the I/O loop and waits for it to release the board's
// descriptor.
func (c *Controller) Shutdown() {
	c.Loop.RequestShutdown()
	c.Loop.Join()
}

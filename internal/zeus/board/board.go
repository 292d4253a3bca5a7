// Package board holds the per-board state a Zeus driver instance manages:
// the static attributes fixed at detection time, and the mutable
// attributes (current work, clocks) that every other package in this
// module reads and writes only while holding the board's lock. The
// per-chip/per-core counters live in Stats, under Stats' own lock.
package board

import (
	"sync"
	"time"

	"zeusdriver/internal/zeus/protocol"
	"zeusdriver/internal/zeus/session"
)

// Work is the minimal shape of a unit of work this driver cares about: a
// block header to send and the difficulty to encode alongside it. The
// host mining framework owns the richer Work type this is extracted from.
type Work struct {
	Header     [protocol.HeaderLen]byte
	Difficulty float64

	// sent is true once the I/O loop has transmitted this work to the
	// board and is waiting on a nonce for it.
	sent bool
}

// IsSent reports whether this work has already been transmitted to the
// board. Callers must hold the owning board's lock.
func (w *Work) IsSent() bool { return w.sent }

// Stats accumulates per-chip/per-core nonce and error counts. It is
// guarded by its own lock, separate from the board lock, so a caller can
// read a snapshot without blocking the I/O loop's hot path (mirroring a
// mutex-guarded accumulator plus a lock-free snapshot copy).
type Stats struct {
	mu          sync.RWMutex
	nonceCount  [protocol.MaxChips][protocol.CoresPerChip]uint64
	errorCount  [protocol.MaxChips][protocol.CoresPerChip]uint64
}

// Snapshot is a point-in-time copy of Stats safe to hand to callers
// without holding any lock.
type Snapshot struct {
	NonceCount [protocol.MaxChips][protocol.CoresPerChip]uint64
	ErrorCount [protocol.MaxChips][protocol.CoresPerChip]uint64
}

func (s *Stats) recordNonce(chip, core uint32, valid bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonceCount[chip][core]++
	if !valid {
		s.errorCount[chip][core]++
	}
}

// Snapshot copies out the current counters.
func (s *Stats) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{NonceCount: s.nonceCount, ErrorCount: s.errorCount}
}

// Board is the single source of truth for one Zeus device. Static fields
// are set once, at construction time, and never change; mutable fields
// are read and written only while mu is held.
type Board struct {
	// Static attributes.
	DevicePath      string
	DeviceName      string
	Baud            int
	CoresPerChip    int
	DeclaredChips   int
	ChipsCountMax   int
	BitNum          int
	InitialFreqcode byte

	Stats *Stats

	mu sync.Mutex

	Session *session.Session

	CurrentWork *Work
	WorkStart   time.Time
	ScanTime    time.Time

	Clock           int
	PendingNextClk  int // -1 when no pending clock change
	Freqcode        byte
	GoldenSpeedCore float64 // hashes/sec/core
	WorkTimeout     time.Duration
	ReadCount       int
}

// New builds a Board with its static attributes fixed. Mutable attributes
// (clock, freqcode, golden speed, work timeout) are filled in afterward by
// the detector once calibration completes.
func New(devicePath, deviceName string, baud, declaredChips int) *Board {
	chipsCountMax := protocol.NextPow2(declaredChips)
	return &Board{
		DevicePath:     devicePath,
		DeviceName:     deviceName,
		Baud:           baud,
		CoresPerChip:   protocol.CoresPerChip,
		DeclaredChips:  declaredChips,
		ChipsCountMax:  chipsCountMax,
		BitNum:         protocol.Log2(chipsCountMax),
		Stats:          &Stats{},
		PendingNextClk: -1,
	}
}

// Lock/Unlock expose the board lock directly to the small set of callers
// (work, ioloop, control) that must hold it across more than one field
// access. Everything else should prefer the helper methods below.
func (b *Board) Lock()   { b.mu.Lock() }
func (b *Board) Unlock() { b.mu.Unlock() }

// SetChipsCountMax overrides the chip-count ceiling computed at
// construction time, recomputing BitNum to match. Detection uses this to
// apply the process-wide running maximum across boards (see the detect
// package for the Open Question this implements).
func (b *Board) SetChipsCountMax(max int) {
	b.ChipsCountMax = max
	b.BitNum = protocol.Log2(max)
}

// SetCalibration installs the results of detection. Must be called before
// the board is registered with the host.
func (b *Board) SetCalibration(freqcode byte, clock int, goldenSpeedPerCore float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Freqcode = freqcode
	b.Clock = clock
	b.InitialFreqcode = freqcode
	b.GoldenSpeedCore = goldenSpeedPerCore
	b.WorkTimeout = workTimeout(goldenSpeedPerCore, b.CoresPerChip, b.DeclaredChips)
	b.ReadCount = readCount(goldenSpeedPerCore, b.CoresPerChip, b.ChipsCountMax)
}

func workTimeout(goldenSpeedPerCore float64, coresPerChip, declaredChips int) time.Duration {
	hashesPerSecond := goldenSpeedPerCore * float64(coresPerChip) * float64(declaredChips)
	seconds := float64(1<<32) / hashesPerSecond
	return time.Duration(seconds * float64(time.Second))
}

func readCount(goldenSpeedPerCore float64, coresPerChip, chipsCountMax int) int {
	n := (float64(1<<32) * 10) / (float64(coresPerChip) * float64(chipsCountMax) * goldenSpeedPerCore * 2)
	return int(n * 3 / 4)
}

// RecordNonce updates per-chip/per-core counters for a decoded nonce. It
// does not require the board lock — Stats has its own.
func (b *Board) RecordNonce(chip, core uint32, hostAccepted bool) {
	b.Stats.recordNonce(chip, core, hostAccepted)
}

// MarkCurrentWorkSent flags the board's current work as transmitted.
// Callers must hold the board lock; it is a no-op if there is no current
// work (e.g. it was purged concurrently with a send attempt).
func (b *Board) MarkCurrentWorkSent() {
	if b.CurrentWork != nil {
		b.CurrentWork.sent = true
	}
}

// SetClock validates and clamps a requested clock change (from
// control.SetDevice "freq"), recording it as pending: the I/O loop
// promotes it to active the next time it sends work.
func (b *Board) SetClock(clockMHz int) (freqcode byte, clampedClock int, ok bool) {
	if clockMHz < protocol.ClkMin || clockMHz > protocol.ClkMax {
		return 0, 0, false
	}
	freqcode, clamped, _ := protocol.ClkToFreqcode(clockMHz)
	b.mu.Lock()
	b.PendingNextClk = clamped
	b.Freqcode = freqcode
	b.mu.Unlock()
	return freqcode, clamped, true
}

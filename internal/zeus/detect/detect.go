// Package detect implements board detection and calibration: probing a
// serial device path, priming the chain at the requested clock, running
// the golden-nonce hashrate check (or bypassing it), and producing a
// calibrated board.Board ready for the I/O loop to take over.
package detect

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"zeusdriver/internal/zeus/board"
	"zeusdriver/internal/zeus/protocol"
	"zeusdriver/internal/zeus/session"
)

// Options are the configuration inputs detection needs; they come from
// the host's configuration layer (flags, env, or a config file), never
// parsed by this package itself.
type Options struct {
	DevicePath      string
	Baud            int
	DeclaredChips   int
	ChipClockMHz    int
	SkipGoldenCheck bool
	Debug           bool
}

// ErrGoldenMismatch indicates the golden-nonce probe returned an
// unexpected nonce: a detection failure, logged and never retried, per
// the driver's error taxonomy.
type ErrGoldenMismatch struct {
	DevicePath string
	Got        uint32
	Want       uint32
}

func (e *ErrGoldenMismatch) Error() string {
	return fmt.Sprintf("zeus detect %s: golden probe mismatch: got %#08x, want %#08x", e.DevicePath, e.Got, e.Want)
}

// globalChipsCountMax tracks the largest chips_count_max seen across every
// board this process has detected. The original driver keeps this as a
// single process-wide value rather than per-board; this module preserves
// that behavior deliberately (see DESIGN.md) rather than silently
// changing it to per-board tracking.
var (
	globalMu            sync.Mutex
	globalChipsCountMax = 1
)

func updateGlobalChipsCountMax(declaredChips int) int {
	globalMu.Lock()
	defer globalMu.Unlock()
	candidate := protocol.NextPow2(declaredChips)
	if candidate > globalChipsCountMax {
		globalChipsCountMax = candidate
	}
	return globalChipsCountMax
}

// Detector runs the detection sequence against a serial device path.
type Detector struct {
	open session.OpenFunc
}

// New creates a Detector that opens devices with open. Production code
// passes session.OpenTTY; tests pass a fake.
func New(open session.OpenFunc) *Detector {
	return &Detector{open: open}
}

// Detect probes devicePath, and on success returns a calibrated board
// ready to be registered with the host and handed to the I/O loop. On
// failure it returns a detection-failure error; the caller must not
// register the board or retry detection for this call.
func (d *Detector) Detect(opts Options) (*board.Board, error) {
	chipsCountMax := updateGlobalChipsCountMax(opts.DeclaredChips)

	probe := session.New(opts.DevicePath, opts.Baud, d.open)
	if err := probe.OpenForDetect(); err != nil {
		return nil, fmt.Errorf("zeus detect %s: open failed: %w", opts.DevicePath, err)
	}
	if err := probe.FlushInput(); err != nil {
		log.Printf("zeus: INFO %s: flush before priming failed: %v", opts.DevicePath, err)
	}

	freqcode, clampedClock, wasClamped := protocol.ClkToFreqcode(opts.ChipClockMHz)
	if wasClamped {
		log.Printf("zeus: WARNING %s: chip clock %d out of range, clamped to %d", opts.DevicePath, opts.ChipClockMHz, clampedClock)
	}

	primingClock := 139
	if opts.ChipClockMHz > 150 {
		primingClock = 165
	}
	freqcodeInit := protocol.Freqcode(primingClock)

	if err := d.primeChain(probe, freqcodeInit, opts.DevicePath); err != nil {
		probe.Close()
		return nil, fmt.Errorf("zeus detect %s: priming at init clock failed: %w", opts.DevicePath, err)
	}
	if err := d.primeChain(probe, freqcode, opts.DevicePath); err != nil {
		probe.Close()
		return nil, fmt.Errorf("zeus detect %s: priming at target clock failed: %w", opts.DevicePath, err)
	}

	var goldenSpeedPerCore float64
	if opts.SkipGoldenCheck {
		probe.Close()
		goldenSpeedPerCore = (float64(clampedClock) * 2 / 3) * 1024 / 8
	} else {
		speed, err := d.goldenCheck(probe, freqcode, opts.DevicePath)
		probe.Close()
		if err != nil {
			return nil, err
		}
		goldenSpeedPerCore = speed
		if opts.Debug {
			log.Printf("zeus: INFO %s: golden probe succeeded", opts.DevicePath)
		}
	}

	b := board.New(opts.DevicePath, deviceName(opts.DevicePath), opts.Baud, opts.DeclaredChips)
	b.SetChipsCountMax(chipsCountMax)
	b.SetCalibration(freqcode, clampedClock, goldenSpeedPerCore)
	b.Session = session.New(opts.DevicePath, opts.Baud, d.open)

	log.Printf("zeus: NOTICE found Zeus board at %s (chips=%d clock=%dMHz)", opts.DevicePath, opts.DeclaredChips, clampedClock)
	return b, nil
}

// primeChain sends the priming payload twice at freqcode, sleeping a
// second and flushing input after each send, letting the chain settle at
// a new clock before real traffic begins.
func (d *Detector) primeChain(s *session.Session, freqcode byte, devicePath string) error {
	pkt := protocol.BuildProbePacket(protocol.GoldenOb2, freqcode)
	for i := 0; i < 2; i++ {
		if _, err := s.Write(pkt[:]); err != nil {
			return err
		}
		time.Sleep(time.Second)
		if err := s.FlushInput(); err != nil {
			log.Printf("zeus: INFO %s: flush during priming failed: %v", devicePath, err)
		}
	}
	return nil
}

// goldenCheck sends the golden-nonce probe, reads back its response with
// the detection-time retry budget (never the I/O loop's multiplexed
// wait), and compares it against the expected nonce.
func (d *Detector) goldenCheck(s *session.Session, freqcode byte, devicePath string) (float64, error) {
	pkt := protocol.BuildProbePacket(protocol.GoldenOb, freqcode)
	sendTime := time.Now()
	if _, err := s.Write(pkt[:]); err != nil {
		return 0, fmt.Errorf("zeus detect %s: golden probe write failed: %w", devicePath, err)
	}

	var buf [protocol.EventPacketLen]byte
	n, firstByteAt, err := s.ReadWithRetryBudget(buf[:], 100)
	if err != nil {
		return 0, fmt.Errorf("zeus detect %s: golden probe read failed: %w", devicePath, err)
	}
	if n != protocol.EventPacketLen {
		return 0, fmt.Errorf("zeus detect %s: golden probe read %d of %d bytes", devicePath, n, protocol.EventPacketLen)
	}

	nonce := protocol.DecodeEvent(buf)
	if nonce != protocol.GoldenNonceExpected {
		return 0, &ErrGoldenMismatch{DevicePath: devicePath, Got: nonce, Want: protocol.GoldenNonceExpected}
	}

	elapsed := firstByteAt.Sub(sendTime).Seconds()
	if elapsed <= 0 {
		return 0, fmt.Errorf("zeus detect %s: golden probe non-positive elapsed time", devicePath)
	}
	return float64(0xd26) / elapsed, nil
}

func deviceName(devicePath string) string {
	name := filepath.Base(devicePath)
	if name == "." || name == "/" {
		return devicePath
	}
	return name
}

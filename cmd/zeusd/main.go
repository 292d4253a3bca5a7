// Zeus Driver: SHA-256 ASIC Mining Board Serial Driver
// Copyright (C) 2026  Zeus Driver Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
package main

import (
	"flag"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"zeusdriver/internal/zeus/board"
	"zeusdriver/internal/zeus/config"
	"zeusdriver/internal/zeus/control"
	"zeusdriver/internal/zeus/detect"
	"zeusdriver/internal/zeus/ioloop"
	"zeusdriver/internal/zeus/session"
	"zeusdriver/internal/zeus/work"
)

var (
	devicePath      = flag.String("device", "", "serial device path (overrides ZEUS_DEVICE_PATH)")
	baud            = flag.Int("baud", 0, "baud rate (overrides ZEUS_BAUD; 0 uses config default)")
	chips           = flag.Int("chips", 0, "declared chip count (overrides ZEUS_CHIPS; 0 uses config default)")
	clockMHz        = flag.Int("clock", 0, "requested chip clock in MHz (overrides ZEUS_CLOCK_MHZ; 0 uses config default)")
	skipGoldenCheck = flag.Bool("skip-golden-check", false, "skip the golden-nonce hashrate calibration")
	debug           = flag.Bool("debug", false, "enable debug-level stats and logging")
)

// stubHost is a placeholder Host for standalone operation: it manufactures
// work from random headers at a fixed difficulty rather than pulling from
// a real stratum pool, and logs every submission instead of relaying it.
// A production deployment replaces this with the mining framework's own
// Host implementation.
type stubHost struct {
	difficulty float64
}

func (h *stubHost) GetWork() *board.Work {
	var header [80]byte
	rand.Read(header[:])
	return &board.Work{Header: header, Difficulty: h.difficulty}
}

func (h *stubHost) SubmitNonce(w *board.Work, nonce uint32) bool {
	log.Printf("zeus: submitted nonce %#08x for work at difficulty %.1f", nonce, w.Difficulty)
	return true
}

func (h *stubHost) DiscardWork(w *board.Work) {
	log.Printf("zeus: discarding surplus work at difficulty %.1f", w.Difficulty)
}

func main() {
	flag.Parse()

	cfg, err := config.LoadBoardConfig()
	if err != nil {
		log.Fatalf("zeus: loading configuration: %v", err)
	}
	if *devicePath != "" {
		cfg.DevicePath = *devicePath
	}
	if *baud != 0 {
		cfg.Baud = *baud
	}
	if *chips != 0 {
		cfg.DeclaredChips = *chips
	}
	if *clockMHz != 0 {
		cfg.ChipClockMHz = *clockMHz
	}
	if *skipGoldenCheck {
		cfg.SkipGoldenCheck = true
	}
	if *debug {
		cfg.Debug = true
	}
	if cfg.DevicePath == "" {
		log.Fatal("zeus: no device path given; set ZEUS_DEVICE_PATH or pass -device")
	}

	detector := detect.New(session.OpenTTY)
	b, err := detector.Detect(detect.Options{
		DevicePath:      cfg.DevicePath,
		Baud:            cfg.Baud,
		DeclaredChips:   cfg.DeclaredChips,
		ChipClockMHz:    cfg.ChipClockMHz,
		SkipGoldenCheck: cfg.SkipGoldenCheck,
		Debug:           cfg.Debug,
	})
	if err != nil {
		log.Fatalf("zeus: detection failed: %v", err)
	}

	wc := work.New(b, &stubHost{difficulty: 1})
	loop, err := ioloop.New(b, wc)
	if err != nil {
		log.Fatalf("zeus: starting I/O loop: %v", err)
	}
	go loop.Run()

	ctl := control.New(b, wc, loop, cfg.Debug)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	log.Printf("zeus: running %s", ctl.GetStatline())
	for {
		select {
		case <-sig:
			log.Printf("zeus: shutting down %s", b.DevicePath)
			ctl.Shutdown()
			return
		case <-ticker.C:
			hashes := ctl.ScanWork()
			log.Printf("zeus: %s est. hashes since last scan=%.0f", ctl.GetStatline(), hashes)
		}
	}
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/petems/mictap/internal/audio"
	"github.com/petems/mictap/internal/buffer"
	"github.com/petems/mictap/internal/calibration"
	"github.com/petems/mictap/internal/capture"
	"github.com/petems/mictap/internal/config"
	"github.com/petems/mictap/internal/device"
	"github.com/petems/mictap/internal/logging"
	"github.com/petems/mictap/internal/monitor"
	"github.com/petems/mictap/internal/permissions"
	"github.com/petems/mictap/internal/wavio"
)

var (
	// Version is set via ldflags at build time
	Version = "dev"
	// Commit is set via ldflags at build time
	Commit = "unknown"
)

// Exit codes. Scripts key on too-short and silent to decide whether a
// take is worth sending to transcription.
const (
	exitOK       = 0
	exitError    = 1
	exitUsage    = 2
	exitTooShort = 3
	exitSilent   = 4
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitUsage)
	}

	// Load config from XDG/Library/AppData
	cfg, err := config.Load()
	if err != nil {
		// Use default logger if config fails to load
		log := logging.New()
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	// Initialize logger with configured level
	log := logging.NewWithLevel(cfg.LogLevel)

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "devices":
		os.Exit(runDevices(cfg, log, args))
	case "record":
		os.Exit(runRecord(cfg, log, args))
	case "calibrate":
		os.Exit(runCalibrate(cfg, log, args))
	case "calibrate-reset":
		os.Exit(runCalibrateReset(log, args))
	case "monitor":
		os.Exit(runMonitor(cfg, log, args))
	case "version":
		fmt.Printf("mictap %s (%s)\n", Version, Commit)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		usage()
		os.Exit(exitUsage)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `mictap %s - microphone capture and diagnostics

Usage:
  mictap <command> [flags]

Commands:
  devices          list input devices, best first
  record           capture to WAV until Ctrl-C or -max
  calibrate        measure ambient noise and derive a silence threshold
  calibrate-reset  remove a device's calibration profile
  monitor          capture with a live WebSocket level/event feed
  version          print version

Run 'mictap <command> -h' for command flags.
`, Version)
}

// newEngine wires the PortAudio host, the calibration store and the
// config into a capture engine. The caller owns engine.Close.
func newEngine(cfg *config.Config, log zerolog.Logger) (*capture.Engine, *calibration.Store, error) {
	// macOS requires explicit microphone approval before capture works
	if err := permissions.EnsurePermissions(); err != nil {
		return nil, nil, err
	}

	store, err := calibration.NewStore(config.CalibrationPath(), log)
	if err != nil {
		return nil, nil, err
	}

	host, err := audio.NewPortAudioHost(log)
	if err != nil {
		return nil, nil, err
	}

	engine, err := capture.New(capture.Options{
		Host:               host,
		Logger:             log,
		PreferredDeviceUID: cfg.Audio.PreferredDevice,
		LastGoodDeviceUID:  cfg.Audio.LastGoodDevice,
		RememberDevice: func(uid string) {
			if uid == cfg.Audio.LastGoodDevice {
				return
			}
			cfg.Audio.LastGoodDevice = uid
			if err := cfg.Save(); err != nil {
				log.Warn().Err(err).Msg("Failed to persist last-good device")
			}
		},
		Thresholds:         store,
		SilenceThresholdDB: cfg.Capture.SilenceThresholdDB,
		SilenceProportion:  cfg.Capture.SilenceProportion,
		MinDuration:        cfg.Capture.MinDuration(),
		WarnAfter:          cfg.Capture.WarnAfter(),
		MaxDuration:        cfg.Capture.MaxDuration(),
		WatchInterval:      cfg.Audio.WatchInterval(),
	})
	if err != nil {
		host.Close()
		return nil, nil, err
	}
	return engine, store, nil
}

func runDevices(cfg *config.Config, log zerolog.Logger, args []string) int {
	fs := flag.NewFlagSet("devices", flag.ExitOnError)
	jsonOut := fs.Bool("json", false, "machine-readable output")
	fs.Parse(args)

	engine, store, err := newEngine(cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize audio")
		return exitError
	}
	defer engine.Close()

	devices, err := engine.Devices()
	if err != nil {
		log.Error().Err(err).Msg("Failed to enumerate devices")
		return exitError
	}
	if len(devices) == 0 {
		fmt.Fprintln(os.Stderr, "no input devices found")
		return exitError
	}

	if *jsonOut {
		json.NewEncoder(os.Stdout).Encode(devices)
		return exitOK
	}

	fmt.Printf("%-36s %-12s %8s %9s  %s\n", "NAME", "CATEGORY", "SCORE", "RATE", "FLAGS")
	for _, d := range devices {
		var flags []string
		if d.Default {
			flags = append(flags, "default")
		}
		if d.UID == cfg.Audio.PreferredDevice {
			flags = append(flags, "preferred")
		}
		if p, ok := store.Get(d.UID); ok {
			flags = append(flags, fmt.Sprintf("calibrated(%.0fdB)", p.ThresholdDB))
		}
		fmt.Printf("%-36s %-12s %8d %8.0fk  %s\n", d.Name, d.Category, d.Score, d.SampleRate/1000, strings.Join(flags, ","))
		fmt.Printf("  uid: %s\n", d.UID)
	}
	return exitOK
}

func runRecord(cfg *config.Config, log zerolog.Logger, args []string) int {
	fs := flag.NewFlagSet("record", flag.ExitOnError)
	deviceUID := fs.String("device", "", "capture device UID (default: auto-select)")
	out := fs.String("o", "", "output WAV path (default: mictap-<timestamp>.wav)")
	maxDur := fs.Duration("max", 0, "stop automatically after this duration")
	jsonOut := fs.Bool("json", false, "print stats as JSON instead of text")
	meter := fs.Bool("meter", true, "draw a live level meter on stderr")
	fs.Parse(args)

	engine, _, err := newEngine(cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize audio")
		return exitError
	}
	defer engine.Close()

	sess, err := engine.Start(context.Background(), capture.StartOptions{
		DeviceUID:   *deviceUID,
		MaxDuration: *maxDur,
	})
	if err != nil {
		if errors.Is(err, device.ErrNoDevices) {
			fmt.Fprintln(os.Stderr, "no input devices found")
			return exitError
		}
		log.Error().Err(err).Msg("Failed to start capture")
		return exitError
	}

	if *meter && !*jsonOut {
		levels, cancelLevels := engine.SubscribeLevels()
		defer cancelLevels()
		go renderMeter(levels, sess)
	}
	fmt.Fprintf(os.Stderr, "recording on %s (%s), Ctrl-C to stop\n", sess.Device().Name, sess.Format())

	// SIGINT stops and finalizes; it must not cancel and discard audio.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
		fmt.Fprintln(os.Stderr)
	case <-sess.Done():
	}
	signal.Stop(sigChan)

	rec, err := sess.Stop()
	switch {
	case errors.Is(err, capture.ErrTooShort):
		var tooShort *capture.TooShortError
		errors.As(err, &tooShort)
		fmt.Fprintf(os.Stderr, "recording discarded: %s is under the %s minimum\n",
			tooShort.Elapsed.Round(time.Millisecond), tooShort.Min)
		return exitTooShort
	case errors.Is(err, capture.ErrCancelled):
		fmt.Fprintln(os.Stderr, "recording cancelled")
		return exitError
	case err != nil && !errors.Is(err, capture.ErrSilent):
		log.Error().Err(err).Msg("Capture failed")
		return exitError
	}

	path := *out
	if path == "" {
		path = fmt.Sprintf("mictap-%s.wav", time.Now().Format("20060102-150405"))
	}
	if err := wavio.Save(path, rec); err != nil {
		log.Error().Err(err).Msg("Failed to save recording")
		return exitError
	}
	statsPath := strings.TrimSuffix(path, ".wav") + ".json"
	if err := wavio.SaveStats(statsPath, rec); err != nil {
		log.Error().Err(err).Msg("Failed to save stats sidecar")
		return exitError
	}

	if *jsonOut {
		json.NewEncoder(os.Stdout).Encode(rec.Stats)
	} else {
		printStats(path, rec)
	}

	if rec.Stats.Silent {
		fmt.Fprintf(os.Stderr, "warning: capture judged silent (peak %.1f dBFS, threshold %.1f dBFS)\n",
			rec.Stats.PeakDB, rec.Stats.ThresholdDB)
		return exitSilent
	}
	return exitOK
}

func runCalibrate(cfg *config.Config, log zerolog.Logger, args []string) int {
	fs := flag.NewFlagSet("calibrate", flag.ExitOnError)
	deviceUID := fs.String("device", "", "device UID to calibrate (default: auto-select)")
	window := fs.Duration("window", calibration.DefaultWindow, "ambient sampling window")
	fs.Parse(args)

	engine, store, err := newEngine(cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize audio")
		return exitError
	}
	defer engine.Close()

	cal, err := calibration.New(calibration.Options{
		Engine: engine,
		Store:  store,
		Logger: log,
		Window: *window,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to build calibrator")
		return exitError
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(os.Stderr, "measuring ambient noise for %s, stay quiet...\n", *window)
	p, err := cal.Calibrate(ctx, *deviceUID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "calibration failed: %v\n", err)
		return exitError
	}

	fmt.Printf("device:    %s\n", p.DeviceName)
	fmt.Printf("uid:       %s\n", p.DeviceUID)
	fmt.Printf("ambient:   %.1f dBFS\n", p.AmbientDB)
	fmt.Printf("threshold: %.1f dBFS\n", p.ThresholdDB)
	return exitOK
}

func runCalibrateReset(log zerolog.Logger, args []string) int {
	fs := flag.NewFlagSet("calibrate-reset", flag.ExitOnError)
	deviceUID := fs.String("device", "", "device UID to reset (required)")
	fs.Parse(args)

	if *deviceUID == "" {
		fmt.Fprintln(os.Stderr, "calibrate-reset requires -device")
		fs.Usage()
		return exitUsage
	}

	// No audio host needed to edit the profile file.
	store, err := calibration.NewStore(config.CalibrationPath(), log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load calibration profiles")
		return exitError
	}
	if _, ok := store.Get(*deviceUID); !ok {
		fmt.Printf("no calibration profile for %s\n", *deviceUID)
		return exitOK
	}
	if err := store.Reset(*deviceUID); err != nil {
		log.Error().Err(err).Msg("Failed to remove calibration profile")
		return exitError
	}
	fmt.Printf("removed calibration profile for %s\n", *deviceUID)
	return exitOK
}

func runMonitor(cfg *config.Config, log zerolog.Logger, args []string) int {
	fs := flag.NewFlagSet("monitor", flag.ExitOnError)
	addr := fs.String("addr", cfg.Monitor.Addr, "listen address")
	deviceUID := fs.String("device", "", "capture device UID (default: auto-select)")
	maxDur := fs.Duration("max", 0, "stop automatically after this duration")
	fs.Parse(args)

	engine, _, err := newEngine(cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize audio")
		return exitError
	}
	defer engine.Close()

	srv := monitor.NewServer(engine, log).Start(*addr)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	sess, err := engine.Start(context.Background(), capture.StartOptions{
		DeviceUID:   *deviceUID,
		MaxDuration: *maxDur,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to start capture")
		return exitError
	}
	fmt.Fprintf(os.Stderr, "monitoring on http://%s (/ws, /status), Ctrl-C to stop\n", *addr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
		fmt.Fprintln(os.Stderr)
	case <-sess.Done():
	}
	signal.Stop(sigChan)

	rec, err := sess.Stop()
	if err != nil && !errors.Is(err, capture.ErrSilent) {
		log.Error().Err(err).Msg("Capture ended with error")
		return exitError
	}
	printStats("", rec)
	return exitOK
}

// renderMeter draws a single-line peak meter until the session ends.
func renderMeter(levels <-chan capture.LevelSample, sess *capture.Session) {
	for {
		select {
		case level := <-levels:
			fmt.Fprintf(os.Stderr, "\r%s %6.1f dB  %s ",
				meterBar(level.PeakDB, 30), level.PeakDB, sess.Elapsed().Round(time.Second))
		case <-sess.Done():
			return
		}
	}
}

// meterBar maps [-60, 0] dBFS onto a fixed-width bar.
func meterBar(db float64, width int) string {
	filled := int((db + 60) / 60 * float64(width))
	if filled < 0 {
		filled = 0
	}
	if filled > width {
		filled = width
	}
	return "[" + strings.Repeat("#", filled) + strings.Repeat("-", width-filled) + "]"
}

func printStats(path string, rec *buffer.Recording) {
	st := rec.Stats
	if path != "" {
		fmt.Printf("saved:     %s\n", path)
	}
	fmt.Printf("duration:  %s (%d samples)\n", st.Duration.Round(10*time.Millisecond), st.SampleCount)
	fmt.Printf("peak:      %.1f dBFS\n", st.PeakDB)
	fmt.Printf("rms:       %.1f dBFS\n", st.RMSDB)
	if st.Correction > 1 {
		fmt.Printf("rescaled:  corrected %.2fx overscale\n", st.Correction)
	}
	if st.Silent {
		fmt.Printf("verdict:   silent (below %.1f dBFS)\n", st.ThresholdDB)
	}
}

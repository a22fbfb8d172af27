// Command voxlink holds a voice conversation with a remote conversational
// agent from the terminal, with a local HTTP control API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/MrWong99/voxlink/internal/app"
	"github.com/MrWong99/voxlink/internal/config"
	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/pkg/audio/portaudio"
	"github.com/MrWong99/voxlink/pkg/audio/virtual"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "voxlink.yaml", "path to the YAML configuration file")
	envPath := flag.String("env", ".env", "dotenv file loaded before the config")
	headless := flag.Bool("headless", false, "use virtual audio devices regardless of audio.backend")
	listDevices := flag.Bool("list-devices", false, "print the PortAudio devices and exit")
	flag.Parse()

	if *listDevices {
		return printDevices()
	}

	// ── Environment ───────────────────────────────────────────────────────────
	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "voxlink: load %s: %v\n", *envPath, err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxlink: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxlink: %v\n", err)
		}
		return 1
	}
	if *headless {
		cfg.Audio.Backend = config.BackendVirtual
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(app.SlogLevel(cfg.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("voxlink starting", "version", version, "config", *configPath, "backend", cfg.Audio.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Audio devices ─────────────────────────────────────────────────────────
	devices, release, err := openDevices(cfg.Audio)
	if err != nil {
		slog.Error("failed to initialise audio", "err", err)
		return 1
	}
	defer func() {
		if err := release(); err != nil {
			slog.Warn("audio release error", "err", err)
		}
	}()

	// ── Application ───────────────────────────────────────────────────────────
	opts := []app.Option{app.WithLevelVar(&level)}
	if cfg.Captions.Terminal {
		opts = append(opts, app.WithCaptionWriter(os.Stderr))
	}
	application, err := app.New(cfg, devices, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	watcher, err := config.NewWatcher(*configPath, application.ApplyConfig)
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	printStartupSummary(cfg)

	runErr := application.Run(ctx)
	if runErr != nil {
		slog.Error("conversation error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// openDevices builds the microphone and speaker for the configured backend.
// The returned release function must be called once the devices are closed.
func openDevices(cfg config.AudioConfig) (app.Devices, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Backend {
	case config.BackendVirtual:
		d := app.Devices{Speaker: &virtual.Speaker{Paced: true}}
		if cfg.Input != "" {
			d.Microphone = &virtual.FileMicrophone{Path: cfg.Input, Rate: cfg.InputRate, Loop: true}
		} else {
			d.Microphone = &virtual.SilentMicrophone{Rate: cfg.InputRate}
		}
		return d, noop, nil
	default:
		release, err := portaudio.Init()
		if err != nil {
			return app.Devices{}, noop, err
		}
		return app.Devices{
			Microphone: &portaudio.Microphone{Device: cfg.Input},
			Speaker:    &portaudio.Speaker{Device: cfg.Output},
		}, release, nil
	}
}

func printDevices() int {
	release, err := portaudio.Init()
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxlink: %v\n", err)
		return 1
	}
	defer release()
	names, err := portaudio.Devices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxlink: %v\n", err)
		return 1
	}
	for _, n := range names {
		fmt.Println(n)
	}
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         voxlink · startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Agent", orDefault(cfg.Agent.ID, "(from url)"))
	mode := "api key"
	switch {
	case cfg.Agent.SignedURL:
		mode = "signed url"
	case cfg.Agent.APIKey == "":
		mode = "public"
	}
	printRow("Auth", mode)
	printRow("Audio", string(cfg.Audio.Backend))
	printRow("Input", orDefault(cfg.Audio.Input, "(default)"))
	printRow("Output", orDefault(cfg.Audio.Output, "(default)"))
	printRow("Volume", fmt.Sprintf("%.2f", cfg.Effects.Volume))
	printRow("Reverb", fmt.Sprintf("%.2f", cfg.Effects.ReverbMix))
	printRow("Captions", map[bool]string{true: "on", false: "off"}[cfg.Captions.Enabled])
	printRow("Control", orDefault(cfg.Control.ListenAddr, "(disabled)"))
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(kind, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/chaz8081/blepd/internal/ble"
	"github.com/chaz8081/blepd/internal/config"
	"github.com/chaz8081/blepd/internal/peripheral"
	"github.com/chaz8081/blepd/internal/profile"
	"github.com/chaz8081/blepd/internal/rpc"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/blepd/config.yaml)")
	initConfig := flag.Bool("init", false, "write the default config file and exit")
	codecName := flag.String("codec", "", "rpc codec: json or proto (overrides rpc.codec)")
	flag.Parse()

	// stdout carries RPC frames; everything human-readable goes to stderr.
	log.SetOutput(os.Stderr)

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("init: %v", err)
		}
		if path == "" {
			log.Printf("Config already exists at %s", config.DefaultConfigPath())
			return
		}
		log.Printf("Wrote default config to %s", path)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *codecName != "" {
		cfg.RPC.Codec = *codecName
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	printBanner(cfg)

	stack, err := ble.NewStack(stackOptions(cfg))
	if err != nil {
		log.Fatalf("Failed to open %s stack: %v", cfg.Stack.Kind, err)
	}

	codec, err := rpc.NewCodec(cfg.RPC.Codec, os.Stdin, os.Stdout)
	if err != nil {
		log.Fatalf("rpc: %v", err)
	}
	srv := rpc.NewServer(codec)
	mgr := peripheral.NewManager(stack, srv)

	if cfg.DeviceName != "" {
		if err := mgr.SetDeviceName(cfg.DeviceName); err != nil {
			log.Printf("Device name not set: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	autostart(ctx, cfg, mgr)

	log.Printf("Ready! Serving %s RPC on stdin/stdout. Ctrl+C to quit.", cfg.RPC.Codec)
	err = srv.Serve(ctx, mgr)
	switch {
	case err == nil:
		log.Println("Input closed, shutting down...")
	case errors.Is(err, context.Canceled):
		log.Println("Received signal, shutting down...")
	default:
		log.Printf("ERROR: rpc: %v", err)
	}

	if err := mgr.Close(); err != nil {
		log.Printf("ERROR: closing peripherals: %v", err)
	}
	log.Println("Goodbye!")
}

// stackOptions maps the config sections onto ble.Options.
func stackOptions(cfg *config.Config) ble.Options {
	opts := ble.DefaultOptions()
	opts.Kind = cfg.Stack.Kind
	opts.Adapter = cfg.Stack.Adapter
	opts.HCIDevice = cfg.Stack.HCIDevice

	radio, _ := peripheral.ParseRadioState(cfg.Sim.RadioState)
	opts.Sim = ble.SimOptions{
		MultipleAdvertisement: cfg.Sim.MultipleAdvertisement,
		RadioState:            radio,
		PowerOnDelay:          cfg.Sim.PowerOnDelay,
		StartDelay:            cfg.Sim.StartDelay,
		StartFailureCode:      cfg.Sim.StartFailureCode,
		AsyncStop:             cfg.Sim.AsyncStop,
		NativeSubscriptions:   cfg.Sim.NativeSubscriptions,
		CoalescedNotify:       cfg.Sim.CoalescedNotify,
		EagerServices:         cfg.Sim.EagerServices,
	}
	return opts
}

// autostart applies every profile marked autostart, assigning ids from 0 in
// order. Failures are logged and do not stop the daemon.
func autostart(ctx context.Context, cfg *config.Config, mgr *peripheral.Manager) {
	profiles, err := cfg.LoadProfiles()
	if err != nil {
		log.Printf("ERROR: loading profiles: %v", err)
	}
	id := 0
	for _, p := range profiles {
		if !p.Autostart {
			continue
		}
		if err := profile.Apply(ctx, mgr, id, p); err != nil {
			log.Printf("ERROR: profile %s (id %d): %v", p.Name, id, err)
		} else {
			log.Printf("Profile %s started as peripheral %d", p.Name, id)
		}
		id++
	}
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

// printBanner displays the startup configuration summary on stderr.
func printBanner(cfg *config.Config) {
	w := os.Stderr
	fmt.Fprintln(w, "=== blepd ===")
	fmt.Fprintf(w, "  Stack:    %s\n", cfg.Stack.Kind)
	if cfg.Stack.Kind == ble.KindBlueZ {
		fmt.Fprintf(w, "  Adapter:  %s\n", cfg.Stack.Adapter)
	}
	if cfg.Stack.Kind == ble.KindHCI {
		fmt.Fprintf(w, "  Device:   hci%d\n", cfg.Stack.HCIDevice)
	}
	fmt.Fprintf(w, "  Name:     %s\n", cfg.DeviceName)
	fmt.Fprintf(w, "  RPC:      %s\n", cfg.RPC.Codec)
	fmt.Fprintf(w, "  Profiles: %d inline, %d files\n", len(cfg.Profiles), len(cfg.ProfileFiles))
	fmt.Fprintf(w, "  Log:      %s\n", cfg.LogLevel)
	fmt.Fprintln(w, "=============")
}

// ABOUTME: Entry point for tether-gateway, the multi-tenant WhatsApp gateway
// ABOUTME: Provides serve, init, tenant, token and health subcommands

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/tether-gateway/internal/config"
	"github.com/2389/tether-gateway/internal/driver"
	"github.com/2389/tether-gateway/internal/driver/whatsapp"
	"github.com/2389/tether-gateway/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  _       _   _
 | |_ ___| |_| |__   ___ _ __
 | __/ _ \ __| '_ \ / _ \ '__|
 | ||  __/ |_| | | |  __/ |
  \__\___|\__|_| |_|\___|_|   gateway
`

// fakePairDelay is how long the fake driver waits before "scanning" a pairing code.
const fakePairDelay = 10 * time.Second

// getConfigPath returns the path to the gateway config file.
// Priority: TETHER_CONFIG env var > ./config.yaml > XDG_CONFIG_HOME/tether/gateway.yaml > ~/.config/tether/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("TETHER_CONFIG"); envPath != "" {
		return envPath
	}
	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml"
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "tether", "gateway.yaml")
}

// getDataPath returns the path to the tether data directory.
// Priority: XDG_DATA_HOME/tether > ~/.local/share/tether
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "tether")
}

func usage() {
	fmt.Println("Usage: tether-gateway <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve [--driver whatsapp|fake]        Start the gateway server")
	fmt.Println("  init                                  Create a new config file interactively")
	fmt.Println("  tenant create --name NAME [--webhook URL --secret S]")
	fmt.Println("                                        Create a tenant and print its token")
	fmt.Println("  tenant list                           List tenants")
	fmt.Println("  token --tenant ID [--expires 720h]    Issue a token for a tenant")
	fmt.Println("  health                                Check gateway readiness")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	args := os.Args[2:]
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, args)
	case "init":
		err = runInit()
	case "tenant":
		err = runTenant(ctx, args)
	case "token":
		err = runToken(ctx, args)
	case "health":
		err = runHealth(ctx)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context, args []string) error {
	fs := newFlagSet("serve")
	driverKind := fs.String("driver", "", "connection driver: whatsapp or fake (overrides driver.kind)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if *driverKind != "" {
		cfg.Driver.Kind = *driverKind
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	logger, closeLog := setupLogger(cfg.Logging, consoleOutput())
	defer closeLog()
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s (health)\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Driver:    ")
	if cfg.Driver.Kind == "fake" {
		yellow.Println("fake (no network)")
	} else {
		fmt.Println(cfg.Driver.Kind)
	}
	green.Print("    ▶ ")
	fmt.Printf("Pacing:    %s per message, %d retries\n", cfg.Delivery.SendInterval, cfg.Delivery.MaxRetries)
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	fmt.Println()

	logger.Info("starting tether-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
		"driver", cfg.Driver.Kind,
	)

	drv, err := openDriver(ctx, cfg, logger)
	if err != nil {
		return err
	}

	gw, err := gateway.New(cfg, drv, logger)
	if err != nil {
		_ = drv.Close()
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

// openDriver builds the configured connection driver.
func openDriver(ctx context.Context, cfg *config.Config, logger *slog.Logger) (driver.Driver, error) {
	if cfg.Driver.Kind == "fake" {
		fake := driver.NewFake()
		fake.PairDelay = fakePairDelay
		logger.Warn("using fake driver: sessions link automatically and nothing is sent")
		return fake, nil
	}
	drv, err := whatsapp.New(ctx, cfg.Database.CredentialsPath, logger)
	if err != nil {
		return nil, fmt.Errorf("opening whatsapp driver: %w", err)
	}
	return drv, nil
}

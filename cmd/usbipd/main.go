// Command usbipd serves emulated USB devices to USB/IP clients over
// TCP. Devices are entirely config-driven: a YAML or TOML file
// describes a bus-id, vendor/product id, and class (hid-keyboard,
// hid-mouse, cdc-acm, or mass-storage) for each device to export. With
// no config file, usbipd listens for connections but exports nothing.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/lipgloss"

	"github.com/ardnew/usbipd/admin"
	"github.com/ardnew/usbipd/config"
	"github.com/ardnew/usbipd/pkg"
	"github.com/ardnew/usbipd/pkg/prof"
	"github.com/ardnew/usbipd/server"
)

// version is overwritten at build time via -ldflags.
var version = "dev"

// adminShutdownTimeout bounds how long the admin API is given to drain
// in-flight requests during a graceful shutdown.
const adminShutdownTimeout = 3 * time.Second

type serveCmd struct {
	Config     string `arg:"" optional:"" type:"path" help:"YAML or TOML server configuration file."`
	Verbose    bool   `short:"v" help:"Enable debug logging."`
	JSON       bool   `help:"Log in JSON instead of text."`
	CPUProfile string `name:"cpuprofile" type:"path" help:"Write a CPU profile to this path (requires building with -tags profile)."`
}

func (c *serveCmd) Run() error {
	if c.Verbose {
		pkg.SetLogLevel(slog.LevelDebug)
	}
	if c.JSON {
		pkg.SetLogFormat(pkg.LogFormatJSON)
	}

	if c.CPUProfile != "" {
		if err := prof.StartCPU(c.CPUProfile); err != nil {
			return fmt.Errorf("usbipd: starting CPU profile: %w", err)
		}
		defer prof.StopCPU()
	}

	cfg, err := loadOrDefault(c.Config)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg, err := buildRegistry(ctx, cfg)
	if err != nil {
		return fmt.Errorf("usbipd: building devices: %w", err)
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("usbipd: listening on %s: %w", cfg.Listen, err)
	}

	eng := server.NewEngine(reg)

	var adminSrv *admin.Server
	if cfg.AdminAPI != "" {
		adminSrv = admin.New(cfg.AdminAPI, eng)
		go func() {
			if err := adminSrv.ListenAndServe(); err != nil {
				pkg.LogError(pkg.ComponentAdmin, "admin API stopped", "error", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		pkg.LogInfo(pkg.ComponentServer, "shutting down")
		if adminSrv != nil {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), adminShutdownTimeout)
			adminSrv.Shutdown(shutdownCtx)
			shutdownCancel()
		}
		cancel()
	}()

	err = eng.Serve(ctx, ln)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

var (
	devlistHeaderStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	devlistBusIDStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#60A5FA"))
)

type devlistCmd struct {
	Config string `arg:"" optional:"" type:"path" help:"YAML or TOML server configuration file."`
}

func (c *devlistCmd) Run() error {
	cfg, err := loadOrDefault(c.Config)
	if err != nil {
		return err
	}
	if len(cfg.Devices) == 0 {
		fmt.Println("no devices configured")
		return nil
	}
	fmt.Println(devlistHeaderStyle.Render(fmt.Sprintf("%-10s %-10s %-10s %s", "BUSID", "VENDOR:PROD", "CLASS", "SERIAL")))
	for _, dc := range cfg.Devices {
		busID := devlistBusIDStyle.Render(fmt.Sprintf("%-10s", dc.BusID))
		fmt.Printf("%s %04x:%04x   %-10s %s\n", busID, dc.VendorID, dc.ProductID, dc.Class, dc.Serial)
	}
	return nil
}

type versionCmd struct{}

func (c *versionCmd) Run() error {
	fmt.Println("usbipd", version)
	return nil
}

var cli struct {
	Serve   serveCmd   `cmd:"" help:"Run the USB/IP server."`
	Devlist devlistCmd `cmd:"" help:"List the devices a config file would export, without starting the server."`
	Version versionCmd `cmd:"" help:"Print the usbipd version."`
}

func loadOrDefault(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("usbipd"),
		kong.Description("USB/IP device emulation server"),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run())
}

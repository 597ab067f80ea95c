// Command kdeconnectd runs the device manager as a standalone process:
// it loads (or seeds) a config file, bootstraps the local certificate
// and known-peers cache, starts one channel service per enabled
// transport, and blocks until terminated.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kdeconnect-go/kdeconnect/channel"
	"github.com/kdeconnect-go/kdeconnect/channelservice"
	"github.com/kdeconnect-go/kdeconnect/devicemanager"
	"github.com/kdeconnect-go/kdeconnect/pkg/klog"
)

func main() {
	configPath := flag.String("config", "/etc/kdeconnectd/config.yaml", "path to the config file (created with defaults if absent)")
	verbose := flag.Bool("verbose", false, "log every channel/device event")
	flag.Parse()

	level := klog.LevelError
	if *verbose {
		level = klog.LevelVerbose
	}
	log := klog.NewLogger(level, "kdeconnectd: ")

	if err := run(*configPath, log); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}

func run(configPath string, log *klog.Logger) error {
	cfg, err := devicemanager.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	dm, err := devicemanager.New(cfg, log)
	if err != nil {
		return fmt.Errorf("bootstrap device manager: %w", err)
	}
	log.Verbosef("local deviceId %s", dm.DeviceID())

	factories, err := buildFactories(cfg, dm, log)
	if err != nil {
		return fmt.Errorf("build transports: %w", err)
	}
	if len(factories) == 0 {
		return fmt.Errorf("no transport enabled in %s", configPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := dm.Start(ctx, factories); err != nil {
		return fmt.Errorf("start device manager: %w", err)
	}
	log.Verbosef("kdeconnectd started with %d transport(s)", len(factories))

	<-ctx.Done()
	log.Verbosef("shutting down")
	return dm.Stop()
}

// buildFactories constructs one TransportFactory per enabled entry in
// cfg.Transports, all sharing the manager's bootstrapped certificate.
func buildFactories(cfg *devicemanager.Config, dm *devicemanager.DeviceManager, log *klog.Logger) (map[string]channel.TransportFactory, error) {
	factories := make(map[string]channel.TransportFactory)

	if cfg.Transports.TCP.Enabled {
		factories["lan-tcp"] = channelservice.NewTCPFactory(
			cfg.Transports.TCP.ListenAddr,
			cfg.Transports.TCP.BroadcastAddr,
			dm.Certificate(),
			log,
		)
	}
	if cfg.Transports.WebSocket.Enabled {
		factories["relay-ws"] = channelservice.NewWSFactory(
			cfg.Transports.WebSocket.ListenAddr,
			cfg.Transports.WebSocket.RelayURL,
			dm.Certificate(),
			log,
		)
	}
	return factories, nil
}

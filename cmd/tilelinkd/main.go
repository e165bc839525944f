// TileLink Core - Tile Connection Orchestrator
//
// This is the main entry point for the TileLink Core daemon. TileLink
// provides remote access to embedded tiles over whatever transports can
// reach them:
//   - MQTT tunnels through a broker shared with remote agents
//   - Direct WebSocket tunnels to single-tile agents
//   - An in-process loopback transport for demos and testing
//
// A device manager tracks every sighted tile, picks the best route when a
// client asks to connect, and forwards RPC, script, debug and monitor
// traffic over the owning adapter. An HTTP API exposes the whole thing.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tilelink/tilelink-core/internal/api"
	"github.com/tilelink/tilelink-core/internal/devicemgr"
	"github.com/tilelink/tilelink-core/internal/infrastructure/config"
	"github.com/tilelink/tilelink-core/internal/infrastructure/logging"
	"github.com/tilelink/tilelink-core/internal/infrastructure/mqtt"
	"github.com/tilelink/tilelink-core/internal/transport/loopback"
	"github.com/tilelink/tilelink-core/internal/transport/mqtttunnel"
	"github.com/tilelink/tilelink-core/internal/transport/wstunnel"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting TileLink Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Device manager: owns all adapters and connection state.
	devices := devicemgr.New()
	devices.SetLogger(log)
	devices.Start()
	defer func() {
		log.Info("stopping device manager")
		devices.Stop()
	}()

	// Loopback transport (simulated tiles)
	if cfg.Loopback.Enabled {
		if err := startLoopback(ctx, cfg, devices, log); err != nil {
			return fmt.Errorf("starting loopback transport: %w", err)
		}
	} else {
		log.Info("loopback transport disabled")
	}

	// MQTT tunnel transport
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = startMQTTTunnel(ctx, cfg, devices, log)
		if err != nil {
			return fmt.Errorf("starting MQTT tunnel: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
	} else {
		log.Info("MQTT tunnel disabled")
	}

	// WebSocket tunnel transports
	for _, tc := range cfg.WSTunnels {
		if err := startWSTunnel(ctx, tc, devices, log); err != nil {
			return fmt.Errorf("starting ws tunnel %q: %w", tc.Name, err)
		}
	}

	// HTTP API
	apiServer, err := api.New(api.Deps{
		Config:  cfg.API,
		Logger:  log,
		Devices: devices,
		Version: version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := apiServer.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()
	log.Info("API server started",
		"address", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
	)

	// Verify infrastructure connections are healthy
	if err := healthCheck(ctx, mqttClient, apiServer); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// 1. API server
	// 2. MQTT (if enabled)
	// 3. Device manager (stops every adapter)

	log.Info("TileLink Core stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses TILELINK_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("TILELINK_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies infrastructure connections are healthy.
func healthCheck(ctx context.Context, mqttClient *mqtt.Client, apiServer *api.Server) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if err := apiServer.HealthCheck(ctx); err != nil {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}

// startLoopback registers and starts the loopback transport with the
// configured simulated tiles.
func startLoopback(ctx context.Context, cfg *config.Config, devices *devicemgr.Manager, log *logging.Logger) error {
	tiles := make([]loopback.Tile, 0, len(cfg.Loopback.Tiles))
	for _, t := range cfg.Loopback.Tiles {
		tiles = append(tiles, loopback.Tile{
			UUID:           t.UUID,
			Name:           t.Name,
			SignalStrength: t.SignalStrength,
		})
	}

	lb := loopback.New(tiles)
	lb.SetLogger(log)
	devices.AddAdapter(lb)
	if err := lb.Start(ctx); err != nil {
		return err
	}

	log.Info("loopback transport started", "tiles", len(tiles))
	return nil
}

// startMQTTTunnel connects to the broker and registers the MQTT tunnel
// transport on top of it.
func startMQTTTunnel(ctx context.Context, cfg *config.Config, devices *devicemgr.Manager, log *logging.Logger) (*mqtt.Client, error) {
	client, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return nil, fmt.Errorf("connecting to MQTT: %w", err)
	}
	client.SetLogger(log)
	client.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	client.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	tunnel := mqtttunnel.New(mqtttunnel.Options{
		Broker: client,
		Topics: mqtt.Topics{Prefix: cfg.MQTT.Prefix},
		QoS:    byte(cfg.MQTT.QoS),
	})
	tunnel.SetLogger(log)
	devices.AddAdapter(tunnel)
	if err := tunnel.Start(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	log.Info("MQTT tunnel started", "prefix", cfg.MQTT.Prefix)
	return client, nil
}

// startWSTunnel registers and starts one WebSocket tunnel transport.
func startWSTunnel(ctx context.Context, tc config.WSTunnelConfig, devices *devicemgr.Manager, log *logging.Logger) error {
	tunnel := wstunnel.New(wstunnel.Options{
		URL:            tc.URL,
		DefaultTimeout: time.Duration(tc.DefaultTimeout) * time.Second,
	})
	tunnel.SetLogger(log)
	devices.AddAdapter(tunnel)
	if err := tunnel.Start(ctx); err != nil {
		return err
	}

	log.Info("ws tunnel started", "name", tc.Name, "url", tc.URL)
	return nil
}

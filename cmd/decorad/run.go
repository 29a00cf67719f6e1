package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wrenhall/decora-bridge/internal/bridges/decora"
	"github.com/wrenhall/decora-bridge/internal/device"
	"github.com/wrenhall/decora-bridge/internal/infrastructure/config"
	"github.com/wrenhall/decora-bridge/internal/infrastructure/database"
	"github.com/wrenhall/decora-bridge/internal/infrastructure/influxdb"
	"github.com/wrenhall/decora-bridge/internal/infrastructure/logging"
	"github.com/wrenhall/decora-bridge/internal/infrastructure/mqtt"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bridge daemon",
	Long: `Run starts the bridge daemon: it connects to the MQTT broker, opens
the device database, and maintains BLE sessions to every paired device
until interrupted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cmd.SilenceUsage = true

		// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown.
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		return run(ctx)
	},
}

// run is the actual daemon logic, separated from the cobra handler for
// testability. Returning an error allows main to handle exit codes
// consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting decora bridge",
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

	// Open database
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Initialise device registry
	deviceRegistry := device.NewRegistry(device.NewSQLiteRepository(db.DB))
	deviceRegistry.SetLogger(log)

	if refreshErr := deviceRegistry.RefreshCache(ctx); refreshErr != nil {
		return fmt.Errorf("loading device registry: %w", refreshErr)
	}
	log.Info("device registry initialised", "devices", deviceRegistry.GetDeviceCount())

	// Load bridge configuration early: the broker's last will carries the
	// bridge identity, which must be known before the MQTT connection is
	// made.
	var bridgeCfg *decora.Config
	if cfg.Decora.Enabled {
		bridgeCfg, err = decora.LoadConfig(cfg.Decora.ConfigFile)
		if err != nil {
			return fmt.Errorf("loading bridge config: %w", err)
		}
		log.Info("bridge config loaded",
			"path", cfg.Decora.ConfigFile,
			"devices", len(bridgeCfg.Devices),
		)
	}

	// Register the offline health message as the broker's last will before
	// connecting, so subscribers learn about a crash without waiting for
	// the health interval to lapse.
	var will *mqtt.WillMessage
	if bridgeCfg != nil {
		lwtPayload, lwtErr := json.Marshal(decora.NewLWTMessage(bridgeCfg.Bridge.ID))
		if lwtErr != nil {
			return fmt.Errorf("encoding LWT payload: %w", lwtErr)
		}
		will = &mqtt.WillMessage{
			Topic:    decora.HealthTopic(),
			Payload:  lwtPayload,
			QoS:      1,
			Retained: true,
		}
	}

	// Connect to MQTT broker
	mqttClient, err := mqtt.Connect(cfg.MQTT, will)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	// Set up MQTT logging callbacks
	mqttClient.SetLogger(log)
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		// Set up InfluxDB error callback
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
	} else {
		log.Info("InfluxDB disabled")
	}

	// Start the Decora bridge (if enabled)
	if bridgeCfg != nil {
		bridge, bridgeErr := startBridge(ctx, bridgeCfg, deviceRegistry, mqttClient, influxClient, log)
		if bridgeErr != nil {
			return fmt.Errorf("starting bridge: %w", bridgeErr)
		}
		defer func() {
			log.Info("stopping bridge")
			bridge.Stop()
		}()
	} else {
		log.Info("bridge disabled")
	}

	// Verify all connections are healthy
	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred cleanup runs in reverse order:
	// 1. Bridge (publishes the stopping health message while MQTT is up)
	// 2. InfluxDB (if enabled)
	// 3. MQTT
	// 4. Database

	log.Info("decora bridge stopped")
	return nil
}

// startBridge wires the BLE stack and starts the bridge.
//
// Parameters:
//   - ctx: Context for startup/cancellation
//   - bridgeCfg: Bridge configuration (devices, timeouts, scan policy)
//   - registry: Device registry backing the bridge's device store
//   - mqttClient: MQTT client for publishing/subscribing
//   - influxClient: InfluxDB client for telemetry (may be nil if disabled)
//   - log: Logger instance
//
// Returns:
//   - *decora.Bridge: Running bridge
//   - error: If the bridge fails to start
func startBridge(ctx context.Context, bridgeCfg *decora.Config, registry *device.Registry, mqttClient *mqtt.Client, influxClient *influxdb.Client, log *logging.Logger) (*decora.Bridge, error) {
	transport := decora.NewBluetoothTransport()
	if err := transport.Enable(); err != nil {
		return nil, fmt.Errorf("enabling bluetooth adapter: %w", err)
	}

	links := decora.NewLinkManager(transport, bridgeCfg.ToLinkOptions())
	links.SetLogger(log)

	auth := decora.NewAuthenticator(bridgeCfg.ToAuthenticatorOptions())
	auth.SetLogger(log)

	sessions, err := decora.NewSessionRegistry(links, auth, bridgeCfg.ToRegistryOptions())
	if err != nil {
		return nil, fmt.Errorf("creating session registry: %w", err)
	}
	sessions.SetLogger(log)

	// Passive scanning drives presence detection and discovery; without it
	// the bridge still works but relies on connection attempts alone.
	var scanner *decora.Scanner
	if bridgeCfg.ScanEnabled() {
		scanner = decora.NewScanner(transport, bridgeCfg.ToScannerOptions())
		scanner.SetLogger(log)
	} else {
		log.Info("passive scanning disabled")
	}

	var telemetry decora.TelemetryRecorder
	if influxClient != nil {
		telemetry = &telemetryRecorder{influx: influxClient}
	}

	bridge, err := decora.NewBridge(decora.BridgeOptions{
		Config:     bridgeCfg,
		MQTTClient: &mqttBridgeAdapter{client: mqttClient},
		Registry:   sessions,
		Scanner:    scanner,
		Store:      &deviceStoreAdapter{registry: registry},
		Telemetry:  telemetry,
		Logger:     log,
		Version:    version,
	})
	if err != nil {
		return nil, fmt.Errorf("creating bridge: %w", err)
	}

	if err := bridge.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting bridge: %w", err)
	}
	log.Info("bridge started")

	return bridge, nil
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	// Check database
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	// Check MQTT
	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	// Check InfluxDB (if enabled)
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	// Bridge health is verified during Start() - it subscribes to command
	// topics and publishes the first health message before returning.

	return nil
}

// mqttBridgeAdapter adapts the infrastructure MQTT client to the bridge's
// MQTTClient interface. The primary difference is the Subscribe handler
// signature:
// - Infrastructure mqtt: func(topic, payload []byte) error
// - Bridge expects: func(topic, payload []byte)
type mqttBridgeAdapter struct {
	client *mqtt.Client
}

// Publish implements decora.MQTTClient.
func (a *mqttBridgeAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

// Subscribe implements decora.MQTTClient.
func (a *mqttBridgeAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	// Wrap the void handler to return nil error (bridge handlers don't return errors)
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

// IsConnected implements decora.MQTTClient.
func (a *mqttBridgeAdapter) IsConnected() bool {
	return a.client.IsConnected()
}

// Disconnect implements decora.MQTTClient.
// Note: the MQTT client is owned by run(), so this is a no-op. The actual
// disconnect happens via the defer chain.
func (a *mqttBridgeAdapter) Disconnect(_ uint) {
	// No-op: MQTT client lifecycle is managed by run()'s defer chain
}

// deviceStoreAdapter adapts the device registry to the bridge's DeviceStore
// interface, mapping between device.Device and decora.StoredDevice.
type deviceStoreAdapter struct {
	registry *device.Registry
}

// ListDevices implements decora.DeviceStore.
func (a *deviceStoreAdapter) ListDevices(ctx context.Context) ([]decora.StoredDevice, error) {
	devices, err := a.registry.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	stored := make([]decora.StoredDevice, 0, len(devices))
	for _, d := range devices {
		stored = append(stored, decora.StoredDevice{
			Address:  d.Address,
			Name:     d.Name,
			APIKey:   d.APIKey,
			Dimmable: d.Dimmable,
			Model:    d.Model,
		})
	}
	return stored, nil
}

// SaveDevice implements decora.DeviceStore.
func (a *deviceStoreAdapter) SaveDevice(ctx context.Context, d decora.StoredDevice) error {
	return a.registry.SaveDevice(ctx, &device.Device{
		Address:  d.Address,
		Name:     d.Name,
		APIKey:   d.APIKey,
		Dimmable: d.Dimmable,
		Model:    d.Model,
	})
}

// DeleteDevice implements decora.DeviceStore.
func (a *deviceStoreAdapter) DeleteDevice(ctx context.Context, address string) error {
	return a.registry.DeleteDeviceByAddress(ctx, address)
}

// SetDeviceState implements decora.DeviceStore.
func (a *deviceStoreAdapter) SetDeviceState(ctx context.Context, address string, state decora.LightState) error {
	return a.registry.SetDeviceState(ctx, address, state.On, state.Level)
}

// SetDeviceAvailability implements decora.DeviceStore.
func (a *deviceStoreAdapter) SetDeviceAvailability(ctx context.Context, address string, available bool) error {
	return a.registry.SetDeviceAvailability(ctx, address, available)
}

// telemetryRecorder forwards bridge telemetry to InfluxDB. Writes are
// batched and non-blocking inside the client.
type telemetryRecorder struct {
	influx *influxdb.Client
}

// RecordLightState implements decora.TelemetryRecorder.
func (r *telemetryRecorder) RecordLightState(address string, state decora.LightState) {
	r.influx.WriteLightState(address, state.On, state.Level)
}

// RecordLinkEvent implements decora.TelemetryRecorder.
func (r *telemetryRecorder) RecordLinkEvent(address, event string) {
	r.influx.WriteLinkEvent(address, event)
}

// RecordRSSI implements decora.TelemetryRecorder.
func (r *telemetryRecorder) RecordRSSI(address string, rssi int16) {
	r.influx.WriteRSSI(address, rssi)
}

// Siegenia bridge.
//
// Keeps an authenticated WebSocket session to each configured Siegenia
// window/ventilation controller, polls a merged snapshot and exposes the
// devices over MQTT and a small HTTP API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nerrad567/gray-logic-siegenia/internal/api"
	"github.com/nerrad567/gray-logic-siegenia/internal/audit"
	"github.com/nerrad567/gray-logic-siegenia/internal/bridge"
	"github.com/nerrad567/gray-logic-siegenia/internal/device"
	"github.com/nerrad567/gray-logic-siegenia/internal/history"
	"github.com/nerrad567/gray-logic-siegenia/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-siegenia/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-siegenia/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-siegenia/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-siegenia/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-siegenia/internal/metrics"
	"github.com/nerrad567/gray-logic-siegenia/internal/poller"
	"github.com/nerrad567/gray-logic-siegenia/internal/siegenia"
	"github.com/nerrad567/gray-logic-siegenia/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	defaultConfigPath = "configs/config.yaml"

	// probeTimeout bounds the startup getDevice probe per device.
	probeTimeout = 10 * time.Second

	// pruneInterval is how often expired history and command log rows are deleted.
	pruneInterval = time.Hour
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main for testability.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting Siegenia bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"devices", len(cfg.Devices),
		"level", cfg.Logging.Level,
	)

	m := metrics.New()

	// Snapshot history and command log (optional)
	var (
		db       *database.DB
		hist     *history.Repository
		auditLog *audit.SQLiteRepository
	)
	if cfg.History.Enabled {
		db, err = database.Open(cfg.Database)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
			return fmt.Errorf("running migrations: %w", migrateErr)
		}
		hist = history.NewRepository(db.DB)
		go hist.RunPruner(ctx, cfg.GetHistoryRetention(), pruneInterval, log)
		auditLog = audit.NewSQLiteRepository(db.DB)
		go auditLog.RunPruner(ctx, cfg.GetHistoryRetention(), pruneInterval, log)
		log.Info("snapshot history enabled", "path", db.Path(), "retention_days", cfg.History.RetentionDays)
	}

	// InfluxDB (optional)
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
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	// Devices
	registry := device.NewRegistry()
	var (
		clients      []*siegenia.Client
		coordinators []*poller.Coordinator
	)
	defer func() {
		for _, c := range clients {
			if closeErr := c.Close(); closeErr != nil {
				log.Warn("error closing device client", "host", c.Endpoint().Host, "error", closeErr)
			}
		}
	}()
	for _, dc := range cfg.Devices {
		client, coordinator, buildErr := buildDevice(dc, log, m)
		if buildErr != nil {
			return fmt.Errorf("device %s: %w", dc.ID, buildErr)
		}
		clients = append(clients, client)
		coordinators = append(coordinators, coordinator)
		if addErr := registry.Add(&device.Unit{
			ID:     dc.ID,
			Name:   dc.Name,
			Host:   dc.Host,
			Client: client,
			Poller: coordinator,
		}); addErr != nil {
			return fmt.Errorf("registering device %s: %w", dc.ID, addErr)
		}
	}

	// HTTP API (optional)
	var server *api.Server
	if cfg.API.Enabled {
		deps := api.Deps{
			Config:         cfg.API,
			WS:             cfg.WebSocket,
			Logger:         log,
			Registry:       registry,
			Metrics:        m,
			CommandTimeout: cfg.GetCommandTimeout(),
			Version:        version,
		}
		if hist != nil {
			deps.History = hist
		}
		if auditLog != nil {
			deps.Audit = auditLog
		}
		server, err = api.New(deps)
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
	}

	// MQTT bridge (optional)
	var (
		mqttClient *mqtt.Client
		mqttBridge *bridge.Bridge
	)
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		mqttClient.SetLogger(log)
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

		opts := bridge.Options{
			BridgeID:       cfg.Bridge.ID,
			Version:        version,
			MQTT:           &mqttBridgeAdapter{client: mqttClient},
			Devices:        registry,
			Metrics:        m,
			HealthInterval: cfg.GetHealthInterval(),
			CommandTimeout: cfg.GetCommandTimeout(),
			Logger:         log,
		}
		if hist != nil {
			opts.History = hist
		}
		if auditLog != nil {
			opts.Audit = auditLog
		}
		if influxClient != nil {
			opts.Telemetry = influxClient
		}
		mqttBridge, err = bridge.New(opts)
		if err != nil {
			return fmt.Errorf("creating MQTT bridge: %w", err)
		}
		if startErr := mqttBridge.Start(ctx); startErr != nil {
			return fmt.Errorf("starting MQTT bridge: %w", startErr)
		}
		defer func() {
			log.Info("stopping MQTT bridge")
			mqttBridge.Stop()
		}()
		health := mqttBridge.Health()
		mqttClient.SetOnConnect(func() {
			// The client only republishes a bare online status on reconnect.
			if pubErr := health.PublishNow(); pubErr != nil {
				log.Warn("republishing health after reconnect", "error", pubErr)
			}
		})
		if server != nil {
			server.SetHealth(health.Current)
		}
	} else {
		log.Info("MQTT disabled")
	}

	// Fan snapshots and pushes out to every consumer.
	sink := &snapshotSink{bridge: mqttBridge, server: server, log: log}
	if mqttBridge == nil {
		sink.history = hist
		if influxClient != nil {
			sink.telemetry = influxClient
		}
	}
	for i, dc := range cfg.Devices {
		id := dc.ID
		coordinator := coordinators[i]
		coordinator.Subscribe(sink.handleSnapshot)
		clients[i].SetOnPush(pushHandler(id, coordinator.Trigger, sink.handlePush))
	}

	probeDevices(ctx, cfg.Devices, clients, log)

	pollCtx, stopPolling := context.WithCancel(ctx)
	var wg sync.WaitGroup
	for _, coordinator := range coordinators {
		wg.Add(1)
		go func(c *poller.Coordinator) {
			defer wg.Done()
			c.Run(pollCtx)
		}(coordinator)
	}
	defer func() {
		stopPolling()
		wg.Wait()
	}()

	if server != nil {
		if startErr := server.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order: API, pollers, bridge, MQTT,
	// device clients, InfluxDB, database.
	return nil
}

// buildDevice creates the protocol client and poller for one device.
func buildDevice(dc config.DeviceConfig, log *logging.Logger, m *metrics.Metrics) (*siegenia.Client, *poller.Coordinator, error) {
	devLog := log.With("device_id", dc.ID)
	observer := m.Device(dc.ID)

	client, err := siegenia.New(siegenia.Config{
		Host:              dc.Host,
		Port:              dc.Port,
		TLS:               dc.UseTLS(),
		Username:          dc.Username,
		Password:          dc.Password,
		HeartbeatInterval: dc.GetHeartbeatInterval(),
		RequestTimeout:    dc.GetRequestTimeout(),
	})
	if err != nil {
		return nil, nil, err
	}
	client.SetLogger(devLog)
	client.SetObserver(observer)

	coordinator, err := poller.New(poller.Config{
		DeviceID: dc.ID,
		Interval: dc.GetPollInterval(),
	}, client)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	coordinator.SetLogger(devLog)
	coordinator.SetObserver(observer)
	return client, coordinator, nil
}

// probeDevices connects each device once and logs its identity. Failures
// are logged; the pollers keep retrying.
func probeDevices(ctx context.Context, devices []config.DeviceConfig, clients []*siegenia.Client, log *logging.Logger) {
	var wg sync.WaitGroup
	for i := range clients {
		wg.Add(1)
		go func(dc config.DeviceConfig, c *siegenia.Client) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()

			info, err := c.GetDevice(probeCtx)
			if err != nil {
				log.Warn("device unreachable at startup", "device_id", dc.ID, "host", dc.Host, "error", err)
				return
			}
			log.Info("device connected",
				"device_id", dc.ID,
				"type", info.String("type"),
				"system_name", info.String("systemname"),
				"firmware", info.String("softwareversion"),
			)
		}(devices[i], clients[i])
	}
	wg.Wait()
}

// snapshotSink forwards poller snapshots and device pushes to the MQTT
// bridge and the WebSocket feed. Without a bridge it also records history
// and telemetry itself.
type snapshotSink struct {
	bridge    *bridge.Bridge
	server    *api.Server
	history   *history.Repository
	telemetry bridge.Telemetry
	log       *logging.Logger
}

func (s *snapshotSink) handleSnapshot(snap poller.Snapshot) {
	if s.bridge != nil {
		s.bridge.HandleSnapshot(snap)
	}
	if s.server != nil {
		s.server.BroadcastSnapshot(snap)
	}
	if snap.Stale {
		return
	}
	if s.history != nil {
		if _, err := s.history.RecordIfChanged(context.Background(), snap.DeviceID, snap.Document(), history.SourcePoll); err != nil {
			s.log.Warn("recording snapshot history", "device_id", snap.DeviceID, "error", err)
		}
	}
	if s.telemetry != nil {
		s.telemetry.WriteSnapshot(snap.DeviceID, snap.Flatten(), snap.UpdatedAt)
	}
}

// pushHandler forwards every frame and refreshes the device only for
// device-initiated pushes. Late replies to timed-out requests carry no new
// state worth a poll.
func pushHandler(deviceID string, refresh func(), forward func(string, siegenia.Document)) func(siegenia.Document) {
	return func(frame siegenia.Document) {
		if !siegenia.IsResponse(frame) {
			refresh()
		}
		forward(deviceID, frame)
	}
}

func (s *snapshotSink) handlePush(deviceID string, frame siegenia.Document) {
	if s.bridge != nil {
		s.bridge.HandlePush(deviceID, frame)
	}
	if s.server != nil {
		s.server.BroadcastPush(deviceID, frame)
	}
}

// getConfigPath returns the configuration file path.
// Uses SIEGENIA_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("SIEGENIA_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies the enabled infrastructure connections. Nil clients
// are skipped.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if db != nil {
		if err := db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}

// mqttBridgeAdapter adapts the infrastructure MQTT client to the bridge's
// MQTTClient interface, whose handlers return nothing.
type mqttBridgeAdapter struct {
	client *mqtt.Client
}

// Publish implements bridge.MQTTClient.
func (a *mqttBridgeAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

// Subscribe implements bridge.MQTTClient.
func (a *mqttBridgeAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

// IsConnected implements bridge.MQTTClient.
func (a *mqttBridgeAdapter) IsConnected() bool {
	return a.client.IsConnected()
}

var _ bridge.MQTTClient = (*mqttBridgeAdapter)(nil)

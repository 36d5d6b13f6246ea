// Rebus Core - entity state cache and persistence daemon
//
// rebusd keeps per-entity game state (balances, cooldowns, attributes) in a
// write-behind cache in front of SQLite, MySQL or DynamoDB. Game servers feed
// it events over MQTT; operators inspect and steer it over HTTP.
//
// Usage:
//
//	rebusd                      run the daemon
//	rebusd token -role operator issue an operator token
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	_ "github.com/tavstaldev/rebus-core/migrations"

	"github.com/tavstaldev/rebus-core/internal/api"
	"github.com/tavstaldev/rebus-core/internal/audit"
	"github.com/tavstaldev/rebus-core/internal/events"
	"github.com/tavstaldev/rebus-core/internal/infrastructure/config"
	"github.com/tavstaldev/rebus-core/internal/infrastructure/influxdb"
	"github.com/tavstaldev/rebus-core/internal/infrastructure/logging"
	"github.com/tavstaldev/rebus-core/internal/infrastructure/mqtt"
	"github.com/tavstaldev/rebus-core/internal/infrastructure/tracing"
	"github.com/tavstaldev/rebus-core/internal/journal"
	"github.com/tavstaldev/rebus-core/internal/lifecycle"
	"github.com/tavstaldev/rebus-core/internal/store"
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
	serviceName       = "rebus-core"

	// cacheSampleInterval is how often cache counters go to InfluxDB.
	cacheSampleInterval = 15 * time.Second
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := loadDotEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	var err error
	if len(os.Args) > 1 && os.Args[1] == "token" {
		err = runToken(os.Args[2:], os.Stdout)
	} else {
		err = run(ctx)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadDotEnv loads path into the environment if it exists. Variables that
// are already set win.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// run starts every component, blocks until ctx is cancelled and then shuts
// down in reverse order. Only the engine drain can take long.
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // Linear startup sequence
	log := logging.Default()
	log.Info("starting Rebus Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, version).With("server", cfg.Server.ID)
	log.Info("configuration loaded",
		"path", configPath,
		"driver", cfg.Storage.Driver,
		"context", cfg.Storage.Context,
	)

	tp, shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, serviceName, version)
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Error("error flushing traces", "error", err)
		}
	}()

	storage, err := lifecycle.OpenStore(ctx, cfg.Storage, tp)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}

	coord := lifecycle.New(storage.Store, lifecycle.OptionsFromConfig(cfg))
	coord.SetLogger(log.Component("persistence"))
	coord.AddCloser("store", storage.Close)

	if cfg.Journal.Enabled {
		j, err := journal.Open(journal.Options{Path: cfg.Journal.Path, Logger: log.Component("journal")})
		if err != nil {
			storage.Close() //nolint:errcheck // Already failing
			return fmt.Errorf("opening journal: %w", err)
		}
		coord.SetJournal(j)
		log.Info("spill journal opened", "path", cfg.Journal.Path)
	} else {
		log.Warn("spill journal disabled; writes left at shutdown will be lost")
	}

	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB, cfg.Server.ID)
		if err != nil {
			coord.Disable(ctx) //nolint:errcheck // Releases store and journal
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		coord.Engine().SetMetrics(influxClient)
		coord.AddCloser("influxdb", influxClient.Close)
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	// The bridge and its MQTT client outlive the coordinator so that alerts
	// raised while draining still reach the bus.
	var (
		mqttClient *mqtt.Client
		bridge     *events.Bridge
	)
	if cfg.MQTT.Enabled {
		topics := mqtt.NewTopics(cfg.Storage.Context)
		mqttClient, err = mqtt.Connect(cfg.MQTT, topics)
		if err != nil {
			coord.Disable(ctx) //nolint:errcheck // Releases store and journal
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		mqttClient.SetLogger(log.Component("mqtt"))
		mqttClient.SetOnConnect(func() { log.Info("MQTT connected") })
		mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })

		bridge = events.NewBridge(mqttClient, topics, coord, coord.Registry())
		bridge.SetLogger(log.Component("events"))
		coord.Engine().SetAlertSink(bridge)
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"prefix", topics.Prefix(),
		)
	} else {
		log.Info("MQTT disabled; game events are not consumed")
	}

	if err := coord.Enable(ctx); err != nil {
		coord.Disable(context.Background()) //nolint:errcheck // Releases store and journal
		mqttClient.Close()                  //nolint:errcheck // Nil-safe
		return fmt.Errorf("enabling persistence: %w", err)
	}

	bridgeCtx, stopBridge := context.WithCancel(context.Background())
	defer stopBridge()
	if bridge != nil {
		if err := bridge.Start(bridgeCtx); err != nil {
			log.Error("game event bridge failed to start", "error", err)
		}
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		deps := api.Deps{
			Config:   cfg.API,
			WS:       cfg.WebSocket,
			Security: cfg.Security,
			Logger:   log.Component("api"),
			Registry: coord.Registry(),
			Version:  version,
		}
		// DynamoDB deployments have no SQL pool, so no operator audit trail.
		if storage.DB != nil {
			deps.Audit = audit.NewSQLRepository(storage.DB.DB, cfg.Storage.Context)
		}
		apiServer, err = api.New(deps)
		if err == nil {
			err = apiServer.Start(ctx)
		}
		if err != nil {
			log.Error("API server failed to start", "error", err)
			apiServer = nil
		}
	}

	if err := healthCheck(ctx, storage.Store, mqttClient, influxClient); err != nil {
		log.Warn("startup health check failed", "error", err)
	} else {
		log.Info("all health checks passed")
	}

	g, gctx := errgroup.WithContext(ctx)
	if influxClient != nil {
		g.Go(func() error {
			sampleCache(gctx, coord, influxClient)
			return nil
		})
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	if apiServer != nil {
		if err := apiServer.Close(); err != nil {
			log.Error("error closing API server", "error", err)
		}
	}
	if err := g.Wait(); err != nil {
		log.Error("background task failed", "error", err)
	}

	report, disableErr := coord.Disable(context.Background())
	log.Info("persistence stopped",
		"flushes", report.Flushes,
		"timed_out", report.TimedOut,
		"leftover_keys", len(report.Leftover),
		"spilled", report.Spilled,
		"took", report.Took,
	)

	stopBridge()
	if bridge != nil {
		bridge.Wait()
	}
	if err := mqttClient.Close(); err != nil {
		log.Error("error closing MQTT", "error", err)
	}

	if disableErr != nil {
		return fmt.Errorf("stopping persistence: %w", disableErr)
	}
	log.Info("Rebus Core stopped")
	return nil
}

func getConfigPath() string {
	if path := os.Getenv("REBUS_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies every connected dependency. Nil clients are skipped.
func healthCheck(ctx context.Context, st store.Store, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := st.HealthCheck(ctx); err != nil {
		return fmt.Errorf("store: %w", err)
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

// sampleCache writes cache counters to InfluxDB until ctx ends.
func sampleCache(ctx context.Context, coord *lifecycle.Coordinator, w cacheSampleWriter) {
	ticker := time.NewTicker(cacheSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			writeCacheSample(coord, w)
		}
	}
}

type cacheSampleWriter interface {
	WriteCacheSample(s influxdb.CacheSample)
}

func writeCacheSample(coord *lifecycle.Coordinator, w cacheSampleWriter) {
	s := coord.Cache().Stats()
	w.WriteCacheSample(influxdb.CacheSample{
		Entries:     s.Entries,
		Pinned:      s.Pinned,
		Dirty:       s.Dirty,
		Loading:     s.Loading,
		Hits:        s.Hits,
		Misses:      s.Misses,
		Evictions:   s.Evictions,
		Expirations: s.Expirations,
	})
}

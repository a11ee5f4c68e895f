package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"mobwatch/internal/annotate"
	"mobwatch/internal/config"
	"mobwatch/internal/database"
	"mobwatch/internal/jobs"
	"mobwatch/internal/metrics"
	"mobwatch/internal/notify"
	"mobwatch/internal/pipeline"
	"mobwatch/internal/services"
	"mobwatch/internal/stream"
	"mobwatch/internal/timeline"
	"mobwatch/internal/video"
	"mobwatch/internal/ws"
)

func main() {
	// Define command line flags. Flags override the config file and the
	// environment.
	var (
		configF   = flag.String("config", os.Getenv("MOBWATCH_CONFIG"), "Path to the YAML config file")
		hostF     = flag.String("host", "", "Listen host (overrides http.host)")
		httpPortF = flag.String("http-port", "", "HTTP port (overrides http.port)")
		dbgF      = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	cfg, err := config.Load(*configF)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mobwatch: %v\n", err)
		os.Exit(1)
	}
	if *hostF != "" {
		cfg.HTTP.Host = *hostF
	}
	if *httpPortF != "" {
		port, err := strconv.Atoi(*httpPortF)
		if err != nil {
			fmt.Fprintf(os.Stderr, "mobwatch: invalid -http-port %q\n", *httpPortF)
			os.Exit(1)
		}
		cfg.HTTP.Port = port
	}
	if *dbgF {
		cfg.HTTP.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "mobwatch: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)

	// Job and timeline storage
	var (
		store jobs.Store
		db    *database.Database
	)
	{
		opts := jobs.Options{
			TTL:           cfg.Storage.JobTTL,
			SweepInterval: cfg.Storage.SweepInterval,
			Logger:        logger,
		}
		switch cfg.Storage.Backend {
		case config.BackendSQLite:
			db, err = database.New(cfg.Storage.DatabasePath)
			if err != nil {
				logger.Fatal().Err(err).Msg("failed to open database")
			}
			if err := db.Migrate(); err != nil {
				logger.Fatal().Err(err).Msg("failed to migrate database")
			}
			store, err = jobs.NewSQLiteStore(db, opts)
			if err != nil {
				logger.Fatal().Err(err).Msg("failed to load jobs")
			}
		default:
			store = jobs.NewMemoryStore(opts)
		}
	}

	timelines, err := timeline.NewFileStore(cfg.Storage.ResultsDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open results directory")
	}

	// Models are loaded once; the service does not start without all of them
	registry, err := loadDetectors(context.Background(), cfg.Models, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load detection models")
	}

	// Live consumers of job events
	var (
		bus      = pipeline.NewEventBus()
		mtr      = metrics.New()
		hub      = ws.NewJobHub(logger)
		watchers = stream.NewWatchBroadcaster(logger)
		notifier *notify.Notifier
		mqttC    mqtt.Client
		telegram *notify.TelegramNotifier
	)
	{
		bus.Subscribe(mtr)
		bus.Subscribe(hub)
		bus.Subscribe(pipeline.NewStreamingBridge(watchers))

		mtr.Gauge("event_subscribers", "Handlers subscribed to job events",
			func() float64 { return float64(bus.SubscriberCount()) })
		mtr.Gauge("websocket_clients", "Connected websocket clients",
			func() float64 { return float64(hub.ClientCount()) })
		mtr.Gauge("watch_streams", "Jobs with an open watch stream",
			func() float64 { return float64(watchers.Streams()) })

		if cfg.MQTT.Broker != "" {
			mqttC, err = notify.Connect(notify.Config{
				Broker:   cfg.MQTT.Broker,
				ClientID: cfg.MQTT.ClientID,
				Username: cfg.MQTT.Username,
				Password: cfg.MQTT.Password,
			}, logger)
			if err != nil {
				// Notifications are optional, keep serving without them
				logger.Warn().Err(err).Msg("mqtt notifications disabled")
			} else {
				notifier = notify.New(mqttC, cfg.MQTT.TopicPrefix, cfg.MQTT.QoS, logger)
				bus.Subscribe(notifier)
			}
		}

		if cfg.Telegram.Enabled() {
			telegram, err = notify.NewTelegramNotifier(notify.TelegramConfig{
				BotToken: cfg.Telegram.BotToken,
				ChatID:   cfg.Telegram.ChatID,
				MinAlert: pipeline.Alert(cfg.Telegram.MinAlert),
				Cooldown: cfg.Telegram.Cooldown,
			}, logger)
			if err != nil {
				logger.Fatal().Err(err).Msg("invalid telegram configuration")
			}
			bus.Subscribe(telegram)
		}
	}

	driver := pipeline.NewDriver(
		pipeline.DriverConfig{ResultsDir: cfg.Storage.ResultsDir, JPEGQuality: cfg.Stream.JPEGQuality},
		pipeline.NewAggregator(registry, mtr, logger),
		annotate.New(),
		video.NewIO(logger),
		store,
		timelines,
		bus,
		logger,
	)
	manager := pipeline.NewManager(driver, logger)

	checks := []services.Check{{Name: "detectors", Probe: registry.CheckHealth}}
	if db != nil {
		checks = append(checks, services.Check{Name: "database", Probe: func(context.Context) error { return db.Ping() }})
	}

	server, err := services.New(
		services.Config{
			UploadDir:      cfg.Storage.UploadDir,
			ResultsDir:     cfg.Storage.ResultsDir,
			MaxUploadBytes: cfg.HTTP.MaxUploadMB << 20,
		},
		store,
		manager,
		timelines,
		services.Options{
			Viewer:  watchers,
			Subs:    ws.NewHandler(hub, store),
			Metrics: mtr.Handler(),
			Checks:  checks,
		},
		logger,
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create HTTP service")
	}

	// Create channel used by both the signal handler and server goroutines
	// to notify the main goroutine when to stop the server.
	errc := make(chan error)

	// Setup interrupt handler so that SIGINT and SIGTERM stop the service
	// gracefully.
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())

	handleHTTPServer(ctx, cfg.Addr(), server, &wg, errc, logger, cfg.HTTP.Debug, cfg.HTTP.ShutdownTimeout)

	// Wait for signal.
	logger.Info().Msgf("exiting (%v)", <-errc)

	// Running jobs end as failed before the listener goes away
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := manager.Close(closeCtx); err != nil {
		logger.Warn().Err(err).Msg("jobs still running at shutdown")
	}
	closeCancel()

	// Send cancellation signal to the goroutines.
	cancel()
	wg.Wait()

	bus.Close()
	if notifier != nil {
		notifier.Wait()
		mqttC.Disconnect(250)
	}
	if telegram != nil {
		telegram.Wait()
	}
	if err := registry.Close(); err != nil {
		logger.Warn().Err(err).Msg("failed to release detectors")
	}
	if err := store.Close(); err != nil {
		logger.Warn().Err(err).Msg("failed to close job store")
	}
	if db != nil {
		db.Close()
	}
	logger.Info().Msg("exited")
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Str("service", "mobwatch").Logger()
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"watchpost/internal/alarm"
	"watchpost/internal/api"
	"watchpost/internal/camera"
	"watchpost/internal/config"
	"watchpost/internal/notify"
	"watchpost/internal/notify/telegram"
	"watchpost/internal/overlay"
	"watchpost/internal/pipeline"
	"watchpost/internal/pipeline/detectors"
	"watchpost/internal/session"
	"watchpost/internal/store"
	"watchpost/internal/stream"
	"watchpost/internal/ws"
)

func main() {
	// Define command line flags, add any other flag required to configure the
	// service.
	var (
		configF   = flag.String("config", "", "Path to the YAML config (default "+config.DefaultPath+")")
		hostF     = flag.String("host", "", "Listen host (overrides server.host)")
		httpPortF = flag.String("http-port", "", "HTTP port (overrides server.port)")
		startF    = flag.Bool("start", false, "Start surveillance immediately instead of waiting in standby")
		dbgF      = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	cfg, err := config.Load(*configF)
	if err != nil {
		fmt.Fprintf(os.Stderr, "watchpost: %v\n", err)
		os.Exit(1)
	}
	configPath := *configF
	if configPath == "" {
		configPath = config.DefaultPath
	}

	logger := newLogger(cfg.Logging)
	logger.WithField("config", configPath).Info("Starting watchpost")

	// The goa middlewares log through a stdlib logger; route it into logrus.
	httpLog := log.New(logger.WriterLevel(logrus.InfoLevel), "", 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Persistence
	st, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open store")
	}
	defer st.Close()

	// Perception providers
	registry := detectors.NewRegistry()
	detector, err := registry.NewDetection(cfg.Providers.Detection)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create detection provider")
	}
	defer detector.Close()
	identity, err := registry.NewIdentity(cfg.Providers.Identity)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create identity provider")
	}
	defer identity.Close()
	logger.WithFields(logrus.Fields{
		"detection": detector.Name(),
		"identity":  identity.Name(),
	}).Info("Perception providers ready")

	// Notification channel
	notifier, err := notify.New(cfg.Alerts, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create notifier")
	}
	defer notifier.Close()

	// Alarm sinks: the dashboard siren always, the MQTT relay when configured
	hub := ws.NewHub(cfg.Events.SendFrames, logger)
	defer hub.Close()
	alarms := alarm.NewFanout(hub)
	if cfg.Alarm.MQTT.Broker != "" {
		relay, err := alarm.NewMQTTRelay(cfg.Alarm.MQTT, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect alarm relay")
		}
		defer relay.Close()
		alarms.Add(relay)
	}

	renderer := overlay.NewRenderer()
	pipe, err := pipeline.New(pipeline.Options{
		Detector: detector,
		Identity: identity,
		Store:    st,
		Notifier: notifier,
		Alarm:    alarms,
		Renderer: renderer,
		Logger:   logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create pipeline")
	}

	// Runtime config follows edits to the YAML file
	watcher, err := config.NewWatcher(configPath, cfg.Detection, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to watch config")
	}

	source, err := camera.NewSource(cfg.Camera, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create camera source")
	}

	bus := pipeline.NewEventBus()
	defer bus.Close()
	broadcaster := stream.NewBroadcaster(logger)
	bus.Subscribe(broadcaster)
	bus.Subscribe(hub)

	interval := time.Second / 15
	if cfg.Camera.FPS > 0 {
		interval = time.Second / time.Duration(cfg.Camera.FPS)
	}
	sess, err := session.New(session.Options{
		Source:   source,
		Pipeline: pipe,
		Config:   watcher,
		Encoder:  renderer,
		Bus:      bus,
		Logger:   logger,
		Interval: interval,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create session")
	}

	gallery, _ := identity.(detectors.Gallery)
	providers := map[string]detectors.HealthChecker{}
	if hc, ok := detector.(detectors.HealthChecker); ok {
		providers["detection"] = hc
	}
	if hc, ok := identity.(detectors.HealthChecker); ok {
		providers["identity"] = hc
	}
	server, err := api.New(api.Options{
		Session:     sess,
		Config:      watcher,
		Store:       st,
		Notifier:    notifier,
		Gallery:     gallery,
		Providers:   providers,
		Stream:      broadcaster,
		Snapshot:    stream.NewSnapshotHandler(broadcaster),
		Live:        ws.NewHandler(hub),
		CriminalDir: filepath.Join(filepath.Dir(cfg.Store.EvidenceDir), "criminals"),
		DataDir:     filepath.Dir(cfg.Store.EvidenceDir),
		RecentLimit: cfg.Events.RecentLimit,
		Logger:      logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create API")
	}

	// Create channel used by both the signal handler and server goroutines
	// to notify the main goroutine when to stop the server.
	errc := make(chan error)

	// Setup interrupt handler. This optional step configures the process so
	// that SIGINT and SIGTERM signals cause the services to stop gracefully.
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := watcher.Run(ctx); err != nil {
			logger.WithError(err).Warn("Config watcher stopped")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		sess.Run(ctx)
	}()

	if bot, ok := notifier.(*telegram.Bot); ok && cfg.Alerts.Telegram.Enabled {
		commands := telegram.NewCommandHandler(bot, sess, st, broadcaster)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := commands.StartPolling(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.WithError(err).Warn("Telegram command polling stopped")
			}
		}()
	}

	if *startF {
		if err := sess.Start(ctx); err != nil {
			logger.WithError(err).Error("Failed to start surveillance")
		}
	}

	host := cfg.Server.Host
	if *hostF != "" {
		host = *hostF
	}
	port := strconv.Itoa(cfg.Server.Port)
	if *httpPortF != "" {
		port = *httpPortF
	}
	handleHTTPServer(ctx, net.JoinHostPort(host, port), server, &wg, errc, httpLog, *dbgF || cfg.Server.Debug)

	// Wait for signal.
	logger.Infof("exiting (%v)", <-errc)

	// Send cancellation signal to the goroutines.
	cancel()

	wg.Wait()
	logger.Info("exited")
}

// newLogger builds the process logger from the logging section
func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

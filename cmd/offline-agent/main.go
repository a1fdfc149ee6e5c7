package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	offlineagent "github.com/always-cache/offline-agent"
	"github.com/always-cache/offline-agent/cache"
	"github.com/always-cache/offline-agent/push"
)

var (
	// CLI flags
	configFilenameFlag string
	portFlag           int
	originFlag         string
	hostFlag           string
	providerFlag       string
	dbFilenameFlag     string
	appVersionFlag     string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to (overrides config)")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin (overrides config)")
	flag.IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	flag.StringVar(&providerFlag, "provider", "", "Cache provider: memory, sqlite or leveldb (overrides config)")
	flag.StringVar(&dbFilenameFlag, "db", "", "Cache DB file or directory (use 'memory' for in-memory db)")
	flag.StringVar(&appVersionFlag, "version", "", "Application version to deploy (overrides config)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	config := offlineagent.DefaultFileConfig()
	if configFilenameFlag != "" {
		var err error
		if config, err = offlineagent.LoadConfig(configFilenameFlag); err != nil {
			log.Fatal().Err(err).Msg("Could not read config")
		}
	}
	overrideConfig(&config)
	config.ApplyEnv(os.Getenv)

	if config.Origin == "" {
		log.Fatal().Msg("Please specify origin")
	}
	originUrl, err := url.Parse(config.Origin)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not parse url")
	}

	storage, err := openStorage(config.Cache)
	if err != nil {
		log.Fatal().Err(err).Str("provider", config.Cache.Provider).Msg("Could not open cache storage")
	}
	defer storage.Close()

	var pushStore push.Store = push.NewMemStore()
	if config.Push.DB != "" {
		sqliteStore, err := push.NewSQLiteStore(config.Push.DB)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not open push subscription store")
		}
		defer sqliteStore.Close()
		pushStore = sqliteStore
	}
	sender, err := push.NewSender(push.Config{
		Store:        pushStore,
		VAPIDPublic:  config.Push.VAPIDPublicKey,
		VAPIDPrivate: config.Push.VAPIDPrivateKey,
		Subject:      config.Push.Subject,
		TTL:          config.Push.TTL,
	}, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not set up push")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	classifier := config.Classifier()
	agent, err := offlineagent.CreateAgent(offlineagent.Config{
		Storage:       storage,
		OriginURL:     *originUrl,
		OriginHost:    config.Host,
		Prefix:        config.Prefix,
		Manifest:      config.Manifest,
		Classifier:    &classifier,
		Notifications: &config.Notifications,
		Metrics:       offlineagent.NewMetrics(reg),
		Logger:        &log.Logger,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Could not create agent")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// the origin may not be up yet; requests pass through until a deploy succeeds
	if _, err := agent.Deploy(ctx, config.Version); err != nil {
		log.Error().Err(err).Str("appVersion", config.Version).Msg("Initial deploy failed, not intercepting")
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", config.Port),
		Handler:           agent.Handler(offlineagent.RouterOptions{Push: sender, Gatherer: reg}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Msgf("Proxying port %v to %s (with hostname '%s')", config.Port, originUrl.String(), config.Host)
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Server error")
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown failed")
	}
}

func overrideConfig(config *offlineagent.FileConfig) {
	if originFlag != "" {
		config.Origin = originFlag
	}
	if hostFlag != "" {
		config.Host = hostFlag
	}
	if portFlag != 0 {
		config.Port = portFlag
	}
	if providerFlag != "" {
		config.Cache.Provider = providerFlag
	}
	if dbFilenameFlag != "" {
		config.Cache.DB = dbFilenameFlag
	}
	if appVersionFlag != "" {
		config.Version = appVersionFlag
	}
}

func openStorage(config offlineagent.CacheConfig) (cache.Storage, error) {
	switch config.Provider {
	case "memory":
		return cache.NewMemStorage(), nil
	case "sqlite", "":
		// set up sqlite memory provider
		dbFilename := config.DB
		if dbFilename == "memory" {
			dbFilename = ""
		}
		return cache.NewSQLiteStorage(dbFilename)
	case "leveldb":
		return cache.NewLevelDBStorage(config.DB)
	}
	return nil, fmt.Errorf("unsupported cache provider: %s", config.Provider)
}

package main

import (
	"context"
	"time"

	"github.com/nyc-design/Gamer/internal/billing"
	wardenconfig "github.com/nyc-design/Gamer/internal/config"
	"github.com/nyc-design/Gamer/internal/drivers"
	"github.com/nyc-design/Gamer/internal/geo"
	"github.com/nyc-design/Gamer/internal/handlers"
	"github.com/nyc-design/Gamer/internal/jobs"
	"github.com/nyc-design/Gamer/internal/orchestrator"
	"github.com/nyc-design/Gamer/internal/placement"
	"github.com/nyc-design/Gamer/internal/store"
	"github.com/nyc-design/Gamer/pkg/cache"
	"github.com/nyc-design/Gamer/pkg/clients"
	"github.com/nyc-design/Gamer/pkg/clients/agent"
	"github.com/nyc-design/Gamer/pkg/clients/locator"
	"github.com/nyc-design/Gamer/pkg/clients/nominatim"
	"github.com/nyc-design/Gamer/pkg/clients/tensordock"
	pkgconfig "github.com/nyc-design/Gamer/pkg/config"
	"github.com/nyc-design/Gamer/pkg/database"
	"github.com/nyc-design/Gamer/pkg/events"
	"github.com/nyc-design/Gamer/pkg/geoip"
	"github.com/nyc-design/Gamer/pkg/logging"
	"github.com/nyc-design/Gamer/pkg/monitoring"
	"github.com/nyc-design/Gamer/pkg/server"
	"github.com/nyc-design/Gamer/pkg/version"
)

func main() {
	// Initialize logger
	logger := logging.NewLoggerWithService("warden")

	// Load environment variables
	pkgconfig.LoadEnv(logger)
	cfg := wardenconfig.Load()

	logger.WithFields(logging.Fields{
		"version": version.Version,
		"commit":  version.GetShortCommit(),
	}).Info("Starting Warden fleet controller")

	// Connect to database
	dbConfig := database.DefaultConfig()
	dbConfig.URL = cfg.DatabaseURL
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	st := store.NewStore(db)
	seedCtx, cancelSeed := context.WithTimeout(context.Background(), 30*time.Second)
	seeded, err := st.SeedDefaults(seedCtx)
	cancelSeed()
	if err != nil {
		logger.WithError(err).Fatal("Platform profile seeding failed")
	}
	if seeded > 0 {
		logger.WithField("profiles", seeded).Info("Seeded default platform profiles")
	}

	// Placement stack: marketplace inventory, gazetteer-backed geocoder,
	// and the named-region finder with its static fallback.
	tdClient := tensordock.NewClient(tensordock.Config{
		BaseURL: cfg.TensorDockAPIURL,
		APIKey:  cfg.TensorDockAPIToken,
		Logger:  logger,
	})
	geocoder := geo.NewGeocoder(nominatim.NewClient(nominatim.Config{
		BaseURL: cfg.GeocoderURL,
		Logger:  logger,
	}), logger)
	finderBreaker := clients.DefaultCircuitBreakerConfig()
	finderBreaker.Name = "location-finder"
	finderBreaker.Logger = logger
	finderBreaker.OnStateChange = clients.CircuitBreakerMetricsCallback("location-finder")
	finder := locator.NewClient(locator.Config{
		BaseURL:              cfg.LocationFinderURL,
		Project:              cfg.LocationFinderProject,
		ServiceToken:         cfg.ServiceToken,
		Logger:               logger,
		CircuitBreakerConfig: &finderBreaker,
	})
	optimizer := placement.NewOptimizer(tdClient, geocoder, finder, logger)

	// Provider adapters. The CloudyPad CLI doubles as the environment
	// installer for raw marketplace machines.
	var cloudypadArgs []string
	if cfg.CloudyPadConfig != "" {
		cloudypadArgs = []string{"--config", cfg.CloudyPadConfig}
	}
	cliRunner := drivers.NewCLIRunner(cfg.CloudyPadBin, cloudypadArgs, logger)

	var driverList []drivers.HostDriver
	if cfg.TensorDockEnabled {
		driverList = append(driverList, drivers.NewTensorDockDriver(drivers.TensorDockConfig{
			Client:       tdClient,
			Configurator: cliRunner,
			Logger:       logger,
		}))
	}
	if cfg.CloudyPadEnabled {
		driverList = append(driverList, drivers.NewCloudyPadDriver(drivers.CloudyPadConfig{
			Runner: cliRunner,
			Logger: logger,
		}))
	}
	if len(driverList) == 0 {
		logger.Fatal("No providers enabled; set TENSORDOCK_ENABLED or CLOUDYPAD_ENABLED")
	}

	// Billing rollup and spend caps
	rates, err := billing.LoadRateTable(cfg.RateTablePath)
	if err != nil {
		logger.WithError(err).Fatal("Rate table load failed")
	}
	rollup := billing.NewRollup(st, rates, billing.Caps{
		SoftUSD:  cfg.SpendSoftCapUSD,
		HardUSD:  cfg.SpendHardCapUSD,
		DailyUSD: cfg.SpendDailyCapUSD,
	}, cfg.MaxSessionHours, logger)

	// Fleet event stream (optional)
	producer, err := events.NewProducer(cfg.EventBrokers, cfg.EventTopic, logger)
	if err != nil {
		logger.WithError(err).Fatal("Kafka producer setup failed")
	}
	defer producer.Close()

	// GeoIP fallback for requests without coordinates (optional)
	var geoReader *geoip.Reader
	var geoCache *cache.Cache
	if cfg.GeoIPDatabasePath != "" {
		geoReader, err = geoip.NewReader(cfg.GeoIPDatabasePath)
		switch {
		case err != nil:
			logger.WithError(err).Warn("GeoIP database unavailable, coordinate fallback disabled")
		case geoReader == nil:
			logger.WithField("path", cfg.GeoIPDatabasePath).Warn("GeoIP database not found, coordinate fallback disabled")
		default:
			defer geoReader.Close()
			geoCache = cache.New(cache.Options{
				TTL:        time.Hour,
				MaxEntries: 8192,
			}, cache.MetricsHooks{})
		}
	}

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("warden", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("warden", version.Version, version.GitCommit)

	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	if producer != nil {
		healthChecker.AddCheck("kafka", monitoring.KafkaProducerHealthCheck(producer.Client()))
	}
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL": cfg.DatabaseURL,
	}))
	if cfg.TensorDockEnabled {
		healthChecker.AddCheck("tensordock_api", monitoring.ProviderHealthCheck(func(ctx context.Context) error {
			_, err := tdClient.ListHostnodes(ctx, tensordock.HostnodeFilter{})
			return err
		}))
	}

	hostsByState, provisions, provisionDuration, spendGauge := metricsCollector.CreateFleetMetrics()
	orchMetrics := &orchestrator.Metrics{
		Provisions:        provisions,
		ProvisionDuration: provisionDuration,
	}

	// Session orchestrator
	orch := orchestrator.New(st, optimizer, rates, driverList, producer, orchMetrics, orchestrator.Config{
		ProvisionWorkers: cfg.ProvisionWorkers,
		WaitReady:        cfg.WaitReadyTimeout,
		CallbackBaseURL:  cfg.PublicBaseURL,
	}, logger)
	defer orch.Close()

	// Background jobs: liveness sweep and long-stopped reclamation
	supervisor := jobs.NewHealthSupervisor(jobs.SupervisorConfig{
		Store:    st,
		Fleet:    orch,
		Agents:   agent.NewClient(agent.Config{Timeout: cfg.AgentProbeTimeout, Logger: logger}),
		Spend:    rollup,
		Drivers:  driverList,
		Producer: producer,
		Metrics: &jobs.SupervisorMetrics{
			HostsByState: hostsByState,
			SpendUSD:     spendGauge,
		},
		Logger:          logger,
		Interval:        cfg.LivenessInterval,
		Jitter:          cfg.LivenessJitter,
		ProbeTimeout:    cfg.AgentProbeTimeout,
		IdleThreshold:   cfg.IdleThreshold,
		MaxSessionHours: cfg.MaxSessionHours,
	})
	supervisor.Start()
	defer supervisor.Stop()

	sweep, err := jobs.NewStoppedSweep(jobs.StoppedSweepConfig{
		Store:    st,
		Fleet:    orch,
		Logger:   logger,
		Schedule: cfg.StoppedSweepSchedule,
		TTL:      cfg.StoppedTTL,
	})
	if err != nil {
		logger.WithError(err).Fatal("Stopped sweep setup failed")
	}
	sweep.Start()
	defer sweep.Stop()

	// HTTP surface
	router := server.SetupServiceRouter(logger, "warden", healthChecker, metricsCollector)
	handlers.New(orch, st, optimizer, rollup, geoReader, geoCache, cfg.ServiceToken, logger).Register(router)

	serverConfig := server.DefaultConfig("warden", cfg.Port)
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}

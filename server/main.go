package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/microseg-io/microseg/pkg/config"
	"github.com/microseg-io/microseg/pkg/metrics"
	"github.com/microseg-io/microseg/pkg/segmentation"
	"github.com/microseg-io/microseg/pkg/telemetry"
	"github.com/microseg-io/microseg/pkg/zones"
	"github.com/microseg-io/microseg/pkg/ztauth"
)

var (
	configPath = flag.String("config", "/etc/microseg/server.yaml", "Config file path")
	listen     = flag.String("listen", "", "Listen address (overrides config)")
	dbPath     = flag.String("db", "", "Database path (overrides config)")
	policyFile = flag.String("policy", "", "Extra policy file (overrides config)")
	Version    = "dev"
)

// Server wires the segmentation engine and the zero-trust authenticator
// behind one HTTP surface.
type Server struct {
	cfg           *config.Config
	db            *gorm.DB
	engine        *segmentation.Engine
	auth          *ztauth.Authenticator
	rateLimiter   *RateLimiter
	logger        zerolog.Logger
	restoreZone   zones.Zone
	signingLoaded bool
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("failed to load config")
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}
	if *policyFile != "" {
		cfg.Segmentation.PolicyFile = *policyFile
	}
	if err := cfg.Validate(); err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("invalid config")
	}

	logger := newLogger(cfg.Logging)
	logger.Info().Str("version", Version).Msg("microseg server starting")

	ctx := context.Background()
	provider, err := telemetry.SetupTracing(ctx, "microseg-server", Version, telemetry.Options{
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
		LogSpans:    cfg.Tracing.LogSpans,
		Logger:      logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up tracing")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}()

	db, err := gorm.Open(sqlite.Open(cfg.Database.Path), &gorm.Config{})
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.Database.Path).Msg("failed to open database")
	}
	if err := db.AutoMigrate(&TrafficRecord{}, &ZoneRecord{}, &AuthEvent{}); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate schema")
	}

	srv, auditWriter, err := newServer(cfg, db, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize server")
	}
	defer auditWriter.Close()

	collector := metrics.NewCollector(srv.engine, srv.auth)
	prometheus.MustRegister(collector)

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			srv.rateLimiter.Prune()
		}
	}()

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(withRequestContext(logger))

	srv.registerAuthRoutes(r)
	srv.registerSegmentationRoutes(r)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	logger.Info().Str("listen", cfg.Server.Listen).Msg("listening")
	if err := r.Run(cfg.Server.Listen); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
}

func newServer(cfg *config.Config, db *gorm.DB, logger zerolog.Logger) (*Server, *AuditWriter, error) {
	signingSecret, err := cfg.SigningSecretBytes()
	if err != nil {
		return nil, nil, err
	}

	authCfg := ztauth.Config{
		SigningSecret:    signingSecret,
		TokenLifetime:    time.Duration(cfg.Auth.TokenLifetimeS) * time.Second,
		TrustThreshold:   cfg.Auth.TrustThreshold,
		DecayPerMinute:   cfg.Auth.TrustDecayPerMin,
		AnomalyPenalty:   cfg.Auth.AnomalyPenalty,
		AnomalyThreshold: cfg.Auth.AnomalyThreshold,
	}
	if len(cfg.Auth.DeviceSecrets) > 0 {
		hasher := ztauth.NewSecretHasher([]byte(cfg.Auth.SecretSalt))
		authCfg.Secrets = ztauth.NewStaticSecretRegistry(hasher, cfg.Auth.DeviceSecrets)
		authCfg.Hasher = hasher
	}

	auth, err := ztauth.NewAuthenticator(authCfg, logger)
	if err != nil {
		return nil, nil, err
	}

	auditWriter := NewAuditWriter(db, logger)
	engineOpts := []segmentation.EngineOption{
		segmentation.WithTrafficLogCap(cfg.Segmentation.TrafficLogCap),
		segmentation.WithAuditRecorder(auditWriter),
	}
	if cfg.Segmentation.PolicyFile != "" {
		extra, err := segmentation.LoadPolicyFile(cfg.Segmentation.PolicyFile)
		if err != nil {
			return nil, nil, err
		}
		logger.Info().Int("policies", len(extra)).Str("file", cfg.Segmentation.PolicyFile).Msg("loaded policy file")
		engineOpts = append(engineOpts, segmentation.WithExtraPolicies(extra))
	}
	engine := segmentation.NewEngine(logger, engineOpts...)

	restoreZone, err := zones.Parse(cfg.Segmentation.RestoreZone)
	if err != nil {
		return nil, nil, err
	}

	srv := &Server{
		cfg:           cfg,
		db:            db,
		engine:        engine,
		auth:          auth,
		rateLimiter:   NewRateLimiter(),
		logger:        logger,
		restoreZone:   restoreZone,
		signingLoaded: len(signingSecret) > 0,
	}

	if err := srv.restoreZones(); err != nil {
		return nil, nil, err
	}
	return srv, auditWriter, nil
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.JSON {
		logger = zerolog.New(os.Stderr)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return logger.Level(level).With().Timestamp().Logger()
}

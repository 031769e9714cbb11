package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"vodpipe/internal/catalog"
	"vodpipe/internal/encoder"
	"vodpipe/internal/httpapi"
	"vodpipe/internal/intake"
	"vodpipe/internal/ladder"
	"vodpipe/internal/lease"
	"vodpipe/internal/observability/logging"
	"vodpipe/internal/observability/metrics"
	"vodpipe/internal/pipeline"
	"vodpipe/internal/scheduler"
	"vodpipe/internal/serverutil"
	"vodpipe/internal/workspace"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	workRoot := flag.String("work-root", "", "directory holding uploads and HLS output")
	catalogDriver := flag.String("catalog-driver", "", "catalog driver (memory, sqlite or postgres)")
	sqlitePath := flag.String("sqlite-path", "", "SQLite database file for the sqlite catalog")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresHealthInterval := flag.Duration("postgres-health-interval", 0, "interval between Postgres health checks")
	postgresAcquireTimeout := flag.Duration("postgres-acquire-timeout", 0, "timeout when acquiring a Postgres connection from the pool")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	slots := flag.Int("slots", 0, "number of assets encoding at once (defaults to half the CPUs)")
	fanOut := flag.Int("fan-out", 0, "renditions encoded concurrently within one asset (defaults to the ladder size)")
	encodeTimeout := flag.Duration("encode-timeout", 0, "upper bound for a single rendition encode")
	commitAttempts := flag.Int("commit-attempts", 0, "catalog commit attempts before an asset is reported stuck")
	commitBackoff := flag.Duration("commit-backoff", 0, "initial delay between catalog commit attempts")
	ffmpegBinary := flag.String("ffmpeg", "", "ffmpeg-compatible encoder binary")
	ladderSpec := flag.String("ladder", "", "rendition ladder, e.g. 360p:640x360@800k,720p:1280x720@2500k (label:WxH:bitrate also accepted)")
	ladderFile := flag.String("ladder-file", "", "TOML file describing the rendition ladder")
	redisAddr := flag.String("lease-redis-addr", "", "Redis address for cross-process job leases")
	redisAddrs := flag.String("lease-redis-addrs", "", "comma separated Redis addresses for cross-process job leases")
	redisUsername := flag.String("lease-redis-username", "", "Redis username for job leases")
	redisPassword := flag.String("lease-redis-password", "", "Redis password for job leases")
	redisPrefix := flag.String("lease-redis-prefix", "", "key prefix for job leases")
	leaseTTL := flag.Duration("lease-ttl", 0, "job lease time to live")
	maxUpload := flag.Int64("max-upload-bytes", 0, "largest accepted source upload")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	shutdownTimeout := flag.Duration("shutdown-timeout", 0, "graceful shutdown budget")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error); defaults to info")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	flag.Parse()

	logger := logging.New(logConfig(*logLevel, *logFormat))
	recorder := metrics.Default()

	renditions, err := ladder.Resolve(
		firstNonEmpty(*ladderFile, os.Getenv("VODPIPE_LADDER_FILE")),
		firstNonEmpty(*ladderSpec, os.Getenv("VODPIPE_LADDER")),
	)
	if err != nil {
		logger.Error("invalid rendition ladder", "error", err)
		os.Exit(1)
	}

	ws, err := workspace.New(firstNonEmpty(*workRoot, os.Getenv("VODPIPE_WORK_ROOT"), "data"))
	if err != nil {
		logger.Error("failed to prepare work root", "error", err)
		os.Exit(1)
	}
	if err := ws.Lock(); err != nil {
		logger.Error("work root is in use", "root", ws.Root(), "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	driver, dsn, err := resolveCatalog(*catalogDriver, *sqlitePath, *postgresDSN)
	if err != nil {
		logger.Error("failed to resolve catalog driver", "error", err)
		os.Exit(1)
	}
	var options []catalog.Option
	if driver == catalog.DriverPostgres {
		maxConns := resolveInt(*postgresMaxConns, "VODPIPE_POSTGRES_MAX_CONNS")
		minConns := resolveInt(*postgresMinConns, "VODPIPE_POSTGRES_MIN_CONNS")
		if maxConns > 0 || minConns > 0 {
			options = append(options, catalog.WithPostgresPoolLimits(int32(maxConns), int32(minConns)))
		}
		options = append(options,
			catalog.WithPostgresPoolDurations(
				resolveDuration(*postgresMaxConnLifetime, "VODPIPE_POSTGRES_MAX_CONN_LIFETIME", 0),
				resolveDuration(*postgresMaxConnIdle, "VODPIPE_POSTGRES_MAX_CONN_IDLE", 0),
				resolveDuration(*postgresHealthInterval, "VODPIPE_POSTGRES_HEALTH_INTERVAL", 0),
			),
			catalog.WithPostgresAcquireTimeout(resolveDuration(*postgresAcquireTimeout, "VODPIPE_POSTGRES_ACQUIRE_TIMEOUT", 0)),
			catalog.WithPostgresApplicationName(firstNonEmpty(*postgresAppName, os.Getenv("VODPIPE_POSTGRES_APP_NAME"), "vodpipe")),
		)
	}
	store, err := catalog.Open(ctx, driver, dsn, options...)
	if err != nil {
		logger.Error("failed to open catalog", "driver", driver, "error", err)
		os.Exit(1)
	}

	leaseCfg := lease.RedisConfig{
		Addr:      firstNonEmpty(*redisAddr, os.Getenv("VODPIPE_LEASE_REDIS_ADDR")),
		Addrs:     splitAndTrim(firstNonEmpty(*redisAddrs, os.Getenv("VODPIPE_LEASE_REDIS_ADDRS"))),
		Username:  firstNonEmpty(*redisUsername, os.Getenv("VODPIPE_LEASE_REDIS_USERNAME")),
		Password:  firstNonEmpty(*redisPassword, os.Getenv("VODPIPE_LEASE_REDIS_PASSWORD")),
		KeyPrefix: firstNonEmpty(*redisPrefix, os.Getenv("VODPIPE_LEASE_REDIS_PREFIX")),
		Logger:    logger,
	}
	leaser, closeLeaser, err := configureLeaser(ctx, leaseCfg)
	if err != nil {
		logger.Error("failed to connect lease store", "error", err)
		os.Exit(1)
	}

	coordinator, err := pipeline.New(pipeline.Config{
		Store: store,
		Invoker: encoder.NewFFmpeg(encoder.Config{
			Binary:  firstNonEmpty(*ffmpegBinary, os.Getenv("VODPIPE_FFMPEG")),
			Timeout: resolveDuration(*encodeTimeout, "VODPIPE_ENCODE_TIMEOUT", 0),
			Logger:  logger,
		}),
		Workspace: ws,
		FanOut:    resolveInt(*fanOut, "VODPIPE_FAN_OUT"),
		Logger:    logger,
		Metrics:   recorder,
	})
	if err != nil {
		logger.Error("failed to initialise pipeline", "error", err)
		os.Exit(1)
	}

	sched, err := scheduler.New(scheduler.Config{
		Processor:      coordinator,
		Store:          store,
		Ladder:         renditions,
		Slots:          resolveInt(*slots, "VODPIPE_SLOTS"),
		CommitAttempts: resolveInt(*commitAttempts, "VODPIPE_COMMIT_ATTEMPTS"),
		CommitBackoff:  resolveDuration(*commitBackoff, "VODPIPE_COMMIT_BACKOFF", 0),
		Leaser:         leaser,
		LeaseTTL:       resolveDuration(*leaseTTL, "VODPIPE_LEASE_TTL", 0),
		RecoverOnStart: true,
		Logger:         logger,
		Metrics:        recorder,
	})
	if err != nil {
		logger.Error("failed to initialise scheduler", "error", err)
		os.Exit(1)
	}

	maxUploadBytes := resolveInt64(*maxUpload, "VODPIPE_MAX_UPLOAD_BYTES")
	intakeSvc, err := intake.New(intake.Config{
		Store:     store,
		Workspace: ws,
		Enqueuer:  sched,
		MaxBytes:  maxUploadBytes,
		Logger:    logger,
		Metrics:   recorder,
	})
	if err != nil {
		logger.Error("failed to initialise intake", "error", err)
		os.Exit(1)
	}

	handler, err := httpapi.New(httpapi.Config{
		Intake:         intakeSvc,
		Store:          store,
		Workspace:      ws,
		MaxUploadBytes: maxUploadBytes,
		Metrics:        recorder,
		Logger:         logger,
	})
	if err != nil {
		logger.Error("failed to initialise http api", "error", err)
		os.Exit(1)
	}

	summary := newStartupSummary(startupSummaryInput{
		Addr:        firstNonEmpty(*addr, os.Getenv("VODPIPE_ADDR"), ":8080"),
		WorkRoot:    ws.Root(),
		Driver:      driver,
		DSN:         dsn,
		Ladder:      renditions,
		Slots:       sched.Slots(),
		LeaseConfig: leaseCfg,
	})
	logger.Info("starting vodpipe", summary.LogArgs()...)

	sched.Start()

	srv := &http.Server{
		Addr:              summary.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	err = serverutil.Run(ctx, serverutil.Config{
		Server: srv,
		TLS: serverutil.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("VODPIPE_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("VODPIPE_TLS_KEY")),
		},
		ShutdownTimeout: resolveDuration(*shutdownTimeout, "VODPIPE_SHUTDOWN_TIMEOUT", 30*time.Second),
		Logger:          logger,
		Hooks: []serverutil.ShutdownHook{
			{Name: "scheduler", Fn: sched.Shutdown},
			{Name: "lease", Fn: func(context.Context) error { return closeLeaser() }},
			{Name: "catalog", Fn: store.Close},
			{Name: "workspace", Fn: func(context.Context) error { return ws.Unlock() }},
		},
	})
	if err != nil {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// resolveCatalog picks the catalog driver and its DSN. Without an explicit
// driver a Postgres DSN wins over a SQLite path; with neither the in-memory
// catalog is used.
func resolveCatalog(flagDriver, flagSQLite, flagPostgres string) (string, string, error) {
	driver := strings.ToLower(firstNonEmpty(flagDriver, os.Getenv("VODPIPE_CATALOG_DRIVER")))
	sqlitePath := firstNonEmpty(flagSQLite, os.Getenv("VODPIPE_SQLITE_PATH"))
	postgresDSN := firstNonEmpty(flagPostgres, os.Getenv("VODPIPE_POSTGRES_DSN"), os.Getenv("DATABASE_URL"))
	if driver == "" {
		switch {
		case postgresDSN != "":
			driver = catalog.DriverPostgres
		case sqlitePath != "":
			driver = catalog.DriverSQLite
		default:
			driver = catalog.DriverMemory
		}
	}
	switch driver {
	case catalog.DriverMemory:
		return driver, "", nil
	case catalog.DriverSQLite:
		if sqlitePath == "" {
			return "", "", errors.New("sqlite catalog selected without a database path")
		}
		return driver, sqlitePath, nil
	case catalog.DriverPostgres:
		if postgresDSN == "" {
			return "", "", errors.New("postgres catalog selected without DSN")
		}
		return driver, postgresDSN, nil
	default:
		return "", "", errors.New("unsupported catalog driver " + strconv.Quote(driver))
	}
}

func configureLeaser(ctx context.Context, cfg lease.RedisConfig) (lease.Leaser, func() error, error) {
	if cfg.Addr == "" && len(cfg.Addrs) == 0 {
		return lease.Noop{}, func() error { return nil }, nil
	}
	cfg.Logger = logging.WithComponent(cfg.Logger, "lease")
	client, err := lease.NewRedis(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return client, client.Close, nil
}

// logConfig lets VODPIPE_LOG_LEVEL and VODPIPE_LOG_FORMAT apply when the
// matching flags are not given.
func logConfig(level, format string) logging.Config {
	return logging.Config{
		Level:  firstNonEmpty(level, os.Getenv("VODPIPE_LOG_LEVEL")),
		Format: firstNonEmpty(format, os.Getenv("VODPIPE_LOG_FORMAT")),
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt64(flagValue int64, envKey string) int64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseInt(strings.TrimSpace(env), 10, 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

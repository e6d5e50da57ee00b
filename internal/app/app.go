// Package app wires configuration into the running object graph shared by
// the HTTP server and the command line tool.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/bsm/redislock"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/poscred/internal/alert"
	"github.com/iliyamo/poscred/internal/breaker"
	"github.com/iliyamo/poscred/internal/config"
	"github.com/iliyamo/poscred/internal/database"
	"github.com/iliyamo/poscred/internal/handler"
	"github.com/iliyamo/poscred/internal/interceptor"
	"github.com/iliyamo/poscred/internal/middleware"
	"github.com/iliyamo/poscred/internal/provider"
	"github.com/iliyamo/poscred/internal/provider/lightspeed"
	"github.com/iliyamo/poscred/internal/provider/simulator"
	"github.com/iliyamo/poscred/internal/provider/square"
	"github.com/iliyamo/poscred/internal/queue"
	"github.com/iliyamo/poscred/internal/repository"
	"github.com/iliyamo/poscred/internal/rotation"
	"github.com/iliyamo/poscred/internal/router"
	"github.com/iliyamo/poscred/internal/service"
	"github.com/iliyamo/poscred/internal/syncer"
	"github.com/iliyamo/poscred/internal/utils"
)

// App holds every long lived component.  Redis is optional; without it the
// breaker falls back to SQL, alert suppression to process memory, and rate
// limiting and caching are off.
type App struct {
	Cfg   config.Config
	Log   *logrus.Logger
	DB    *sql.DB
	Redis *redis.Client

	Keys        *utils.Keyring
	Providers   provider.Registry
	Credentials *repository.CredentialRepo
	Consumption *repository.ConsumptionRepo
	SyncRuns    *repository.SyncRunRepo
	Breaker     *breaker.Breaker
	Events      alert.Emitter

	Executor       *rotation.Executor
	Interceptor    *interceptor.Interceptor
	Orchestrator   *syncer.Orchestrator
	RotationJob    *service.RotationJob
	DailySync      *service.DailySync
	FailureMonitor *service.FailureMonitor
	Verifier       *service.CredentialVerifier
	Connector      *service.CredentialConnector

	publisher *queue.Publisher
}

// New opens the database and builds the graph.  rdb may be nil.
func New(ctx context.Context, cfg config.Config, log *logrus.Logger, rdb *redis.Client) (*App, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	a := &App{Cfg: cfg, Log: log, Redis: rdb}

	keys, err := utils.NewKeyring(cfg.CredentialKey)
	if err != nil {
		return nil, err
	}
	a.Keys = keys

	a.Providers, err = Providers(cfg.Providers)
	if err != nil {
		return nil, err
	}

	dialect, err := database.DialectFor(cfg.DBDriver)
	if err != nil {
		return nil, err
	}
	a.DB, err = openDB(ctx, cfg, dialect)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	a.Credentials = repository.NewCredentialRepo(a.DB, dialect)
	a.Consumption = repository.NewConsumptionRepo(a.DB, dialect)
	a.SyncRuns = repository.NewSyncRunRepo(a.DB)
	a.Events = a.emitter()

	a.Breaker = breaker.New(a.breakerStore(dialect), breaker.Policy{
		Threshold:        cfg.Breaker.Threshold,
		Cooldown:         cfg.Breaker.Cooldown,
		TrialLimit:       cfg.Breaker.Trials,
		SuccessesToClose: 1,
		Escalation:       cfg.Breaker.Escalation,
		MaxCooldown:      cfg.Breaker.MaxCooldown,
		TrialTimeout:     cfg.Breaker.TrialTimeout,
	}, breaker.WithEmitter(a.Events), breaker.WithLogger(log))

	a.Executor = rotation.New(a.Credentials, a.Providers, keys,
		rotation.WithEmitter(a.Events), rotation.WithLogger(log))
	a.Interceptor = interceptor.New(a.Credentials, keys, a.Executor, a.Breaker, interceptor.Config{
		LocationScoped:  cfg.Breaker.LocationScoped,
		RotationTimeout: cfg.Rotation.Timeout,
	}, interceptor.WithEmitter(a.Events), interceptor.WithLogger(log))
	a.Orchestrator = syncer.NewOrchestrator(a.Credentials, a.Consumption, a.SyncRuns, a.Interceptor, a.Breaker, a.Providers,
		syncer.WithRetryPolicy(syncer.RetryPolicy{
			Retries:   cfg.Sync.Retries,
			BaseDelay: cfg.Sync.BaseDelay,
			MaxDelay:  cfg.Sync.MaxDelay,
			Jitter:    true,
		}),
		syncer.WithMaxPages(cfg.Sync.MaxPages),
		syncer.WithEmitter(a.Events),
		syncer.WithLogger(log),
	)

	svc := []service.Option{service.WithEmitter(a.Events), service.WithLogger(log)}
	a.RotationJob = service.NewRotationJob(a.Credentials, a.Executor, a.Breaker, service.RotationJobConfig{
		Providers: a.Providers.Names(),
		Limit:     cfg.Rotation.BatchLimit,
		Cooldown:  cfg.Rotation.Cooldown,
		Window:    cfg.Rotation.Window,
	}, svc...)
	a.DailySync = service.NewDailySync(a.Credentials, a.Orchestrator, cfg.Sync.Concurrency, svc...).WithRecords(a.Consumption)
	a.FailureMonitor = service.NewFailureMonitor(a.Credentials, cfg.Alerts.FailureThreshold, svc...)
	a.Verifier = service.NewCredentialVerifier(a.Credentials, keys, a.Providers, cfg.Providers.ValidateTimeout, svc...)
	a.Connector = service.NewCredentialConnector(a.Credentials, keys, a.Providers, svc...)
	return a, nil
}

func openDB(ctx context.Context, cfg config.Config, d database.Dialect) (*sql.DB, error) {
	if d.Name == database.SQLite.Name {
		return database.OpenSQLite(cfg.DBName)
	}
	return database.Open(ctx, database.MySQLConfig{
		User: cfg.DBUser, Pass: cfg.DBPass, Host: cfg.DBHost, Port: cfg.DBPort, Name: cfg.DBName,
	})
}

// Providers builds the registry of enabled provider adapters.
func Providers(cfg config.ProvidersConfig) (provider.Registry, error) {
	timeouts := provider.Timeouts{Fetch: cfg.FetchTimeout, Refresh: cfg.RefreshTimeout, Validate: cfg.ValidateTimeout}
	var clients []provider.Client
	for _, name := range cfg.Enabled {
		switch name {
		case square.Name:
			clients = append(clients, square.New(square.Config{
				BaseURL:      cfg.SquareBaseURL,
				ClientID:     cfg.SquareClientID,
				ClientSecret: cfg.SquareClientSecret,
				Timeouts:     timeouts,
			}))
		case lightspeed.Name:
			clients = append(clients, lightspeed.New(lightspeed.Config{
				BaseURL:      cfg.LightspeedBaseURL,
				AuthURL:      cfg.LightspeedAuthURL,
				ClientID:     cfg.LightspeedClientID,
				ClientSecret: cfg.LightspeedClientSecret,
				Timeouts:     timeouts,
			}))
		case simulator.Name:
			if cfg.SimulatorBaseURL == "" {
				return nil, errors.New("provider simulator needs SIMULATOR_BASE_URL")
			}
			clients = append(clients, simulator.NewClient(cfg.SimulatorBaseURL, timeouts, nil))
		default:
			return nil, fmt.Errorf("%w: %q", provider.ErrUnknownProvider, name)
		}
	}
	if len(clients) == 0 {
		return nil, errors.New("no providers enabled")
	}
	return provider.NewRegistry(clients...), nil
}

func (a *App) breakerStore(d database.Dialect) breaker.Store {
	if a.Cfg.Breaker.Store == "redis" {
		if a.Redis != nil {
			return breaker.NewRedisStore(a.Redis, "breaker")
		}
		a.Log.Warn("BREAKER_STORE=redis but redis is unavailable, using sql")
	}
	return repository.NewBreakerRepo(a.DB, d)
}

// emitter logs every event, publishes it to RabbitMQ when configured and
// suppresses repeated alerts.
func (a *App) emitter() alert.Emitter {
	sinks := alert.Fanout{alert.LogEmitter{Log: a.Log}}
	if a.Cfg.Alerts.RabbitURL != "" {
		a.publisher = queue.NewPublisher(a.Cfg.Alerts.RabbitURL, a.Cfg.Alerts.Queue, a.Log)
		sinks = append(sinks, a.publisher)
	}
	var lim alert.Limiter = alert.NewMemoryLimiter()
	if a.Redis != nil {
		lim = alert.RedisLimiter{Locker: redislock.New(a.Redis), Prefix: "alert"}
	}
	return alert.Suppressed{Next: sinks, Limiter: lim, Cooldown: a.Cfg.Alerts.Cooldown}
}

// HTTP builds the echo server with every route registered.
func (a *App) HTTP() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = handler.NewRequestValidator()
	e.Use(echomw.Recover())
	e.Use(middleware.RequestLogger(a.Log))

	router.RegisterRoutes(e, handler.NewHealthHandler(a.DB))
	router.RegisterJobs(e, handler.NewJobHandler(a.RotationJob, a.DailySync, a.FailureMonitor, a.Log), a.Cfg.JobToken)
	router.RegisterCredentials(e,
		handler.NewCredentialHandler(a.Verifier, a.Credentials, a.Log),
		a.Cfg.JWTSecret,
		middleware.NewTokenBucket(config.LoadRateLimitConfig(), a.Redis, a.Log),
		middleware.NewRedisCache(config.LoadCacheConfig(), a.Redis),
	)
	return e
}

// Close releases the database, the AMQP connection and Redis.
func (a *App) Close() error {
	var errs []error
	if a.publisher != nil {
		errs = append(errs, a.publisher.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	return errors.Join(errs...)
}
